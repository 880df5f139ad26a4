package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Schera-ole/perfmon/internal/agent"
	"github.com/Schera-ole/perfmon/internal/config"
	internalerrors "github.com/Schera-ole/perfmon/internal/errors"
	"github.com/Schera-ole/perfmon/internal/handler"
	"github.com/Schera-ole/perfmon/internal/migration"
	"github.com/Schera-ole/perfmon/internal/provider/host"
	"github.com/Schera-ole/perfmon/internal/provider/wmi"
	"github.com/Schera-ole/perfmon/internal/scheduler"
	"github.com/Schera-ole/perfmon/internal/sink"
	"github.com/Schera-ole/perfmon/internal/telemetry"
)

var buildVersion = "dev"

const shutdownTimeout = 5 * time.Second

// counterSource samples counters and lists processes on a host.
type counterSource interface {
	agent.CounterProvider
	agent.ProcessLister
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "perfmon agent: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// run starts every configured agent and blocks until ctx is done or a component fails.
func run(ctx context.Context, args []string) error {
	agentConfig, err := config.NewAgentConfig(args)
	if err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	logger, err := newLogger(agentConfig.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	specs, err := config.LoadPlugin(agentConfig.ConfigDir)
	if err != nil {
		sugar.Errorf("Unable to load plugin configuration: %v", err)
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := telemetry.New(registry)

	source, err := newProvider(agentConfig, sugar)
	if err != nil {
		return err
	}

	var db *sql.DB
	if agentConfig.DatabaseDSN != "" {
		if err := migration.RunMigrations(ctx, agentConfig.DatabaseDSN, sugar); err != nil {
			return err
		}
		db, err = sink.OpenDB(ctx, agentConfig.DatabaseDSN)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	storage := sink.NewMemStorage()
	pollers := make([]*scheduler.Poller, 0, len(specs))

	for _, spec := range specs {
		fanout := buildSinks(agentConfig, spec.Name, storage, db, sugar)
		a, err := agent.New(
			agent.Settings{
				Name:         spec.Name,
				Host:         spec.Host,
				ProcessName:  spec.ProcessName,
				LabelPattern: spec.LabelPattern,
			},
			spec.Counters,
			source,
			source,
			fanout,
			sugar,
			agent.WithTelemetry(collector),
		)
		if err != nil {
			return fmt.Errorf("agent %s: %w", spec.Name, err)
		}

		pollers = append(pollers, scheduler.NewPoller(a, fanout, agentConfig.Interval(), sugar, collector))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, poller := range pollers {
		g.Go(func() error {
			return poller.Run(gctx)
		})
	}

	if agentConfig.Address != "" {
		server := &http.Server{
			Addr:    agentConfig.Address,
			Handler: handler.Router(storage, registry, sugar),
		}
		g.Go(func() error {
			sugar.Infof("Status server listening on %s", agentConfig.Address)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	sugar.Infof("Started %d agents, version %s", len(specs), buildVersion)
	err = g.Wait()
	sugar.Info("Shutting down...")
	return err
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// newProvider picks the counter source. In auto mode WMI is preferred and the
// host provider is used where WMI is unavailable.
func newProvider(cfg *config.AgentConfig, logger *zap.SugaredLogger) (counterSource, error) {
	creds := wmi.Credentials{User: cfg.WMIUser, Password: cfg.WMIPassword}

	switch cfg.Provider {
	case config.ProviderWMI:
		provider, err := wmi.New(creds)
		if err != nil {
			return nil, err
		}
		return provider, nil
	case config.ProviderHost:
		return host.New(), nil
	case config.ProviderAuto:
		provider, err := wmi.New(creds)
		if err == nil {
			return provider, nil
		}
		if !errors.Is(err, internalerrors.ErrUnsupportedPlatform) {
			return nil, err
		}
		logger.Infof("WMI unavailable, sampling the local host instead: %v", err)
		return host.New(), nil
	}
	return nil, fmt.Errorf("%w: %q", internalerrors.ErrUnknownProvider, cfg.Provider)
}

// buildSinks assembles the destinations of one agent. The latest values always
// go to storage; the other sinks are enabled by configuration.
func buildSinks(
	cfg *config.AgentConfig,
	name string,
	storage *sink.MemStorage,
	db *sql.DB,
	logger *zap.SugaredLogger,
) *sink.Fanout {
	sinks := []sink.Reporter{storage.ForAgent(name)}

	if cfg.LicenseKey != "" {
		sinks = append(sinks, sink.NewPlatform(sink.PlatformConfig{
			URL:          cfg.PlatformURL,
			LicenseKey:   cfg.LicenseKey,
			Key:          cfg.Key,
			Component:    name,
			GUID:         cfg.GUID,
			Version:      buildVersion,
			PollInterval: cfg.Interval(),
		}, &http.Client{Timeout: 30 * time.Second}, logger))
	}
	if db != nil {
		sinks = append(sinks, sink.NewDBStorage(db, name, logger))
	}
	if cfg.FileStoragePath != "" {
		sinks = append(sinks, sink.NewFileStorage(cfg.FileStoragePath, name, logger))
	}
	return sink.NewFanout(sinks...)
}
