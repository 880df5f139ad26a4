// Package scheduler runs poll cycles of an agent on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Schera-ole/perfmon/internal/agent"
	internalerrors "github.com/Schera-ole/perfmon/internal/errors"
	"github.com/Schera-ole/perfmon/internal/sink"
	"github.com/Schera-ole/perfmon/internal/telemetry"
)

// DefaultFlushTimeout bounds the final flush on shutdown.
const DefaultFlushTimeout = 5 * time.Second

// Cycler runs one poll cycle.
type Cycler interface {
	Name() string
	RunOnce(ctx context.Context) (agent.CycleStats, error)
}

// Poller runs the cycles of one agent. At most one cycle is in flight;
// ticks that fire during a cycle are dropped.
type Poller struct {
	cycler       Cycler
	flusher      sink.Flusher
	interval     time.Duration
	flushTimeout time.Duration
	logger       *zap.SugaredLogger
	telemetry    *telemetry.Collector
}

// NewPoller creates a Poller running cycler every interval.
// flusher may be nil when the sink does not buffer.
func NewPoller(
	cycler Cycler,
	flusher sink.Flusher,
	interval time.Duration,
	logger *zap.SugaredLogger,
	collector *telemetry.Collector,
) *Poller {
	return &Poller{
		cycler:       cycler,
		flusher:      flusher,
		interval:     interval,
		flushTimeout: DefaultFlushTimeout,
		logger:       logger,
		telemetry:    collector,
	}
}

// Run polls immediately and then on every tick until ctx is done.
// It always returns nil once ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Infof("%s: polling every %v", p.cycler.Name(), p.interval)
	for p.poll(ctx) {
		select {
		case <-ctx.Done():
		case <-ticker.C:
			continue
		}
		break
	}

	p.finalFlush()
	p.logger.Infof("%s: polling stopped", p.cycler.Name())
	return nil
}

// poll runs one cycle and flushes what it reported. It returns false once ctx is done.
func (p *Poller) poll(ctx context.Context) bool {
	stats, err := p.cycler.RunOnce(ctx)
	if ctx.Err() != nil {
		p.logger.Debugf("%s: cycle abandoned: %v", p.cycler.Name(), err)
		return false
	}

	switch {
	case err == nil:
	case errors.Is(err, internalerrors.ErrConnectivity):
		// already logged by the cycle
		p.logger.Debugf("%s: cycle failed: %v", p.cycler.Name(), err)
	default:
		p.logger.Errorf("%s: cycle failed: %v", p.cycler.Name(), err)
	}
	if stats.Reported > 0 {
		p.flush(ctx)
	}
	return ctx.Err() == nil
}

func (p *Poller) flush(ctx context.Context) {
	if p.flusher == nil {
		return
	}
	err := p.flusher.Flush(ctx)
	p.telemetry.Flushed(p.cycler.Name(), err)
	if err != nil {
		p.logger.Warnf("%s: flush failed: %v", p.cycler.Name(), err)
	}
}

// finalFlush delivers what the last cycle buffered, bounded by flushTimeout.
func (p *Poller) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), p.flushTimeout)
	defer cancel()
	p.flush(ctx)
}
