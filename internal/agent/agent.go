// Package agent implements the poll cycle of the perfmon agent.
//
// Each cycle connects to a counter provider, correlates worker processes with
// their owners, runs the configured counter queries in order and reports every
// counter row as a named metric. Failures are contained at the narrowest scope:
// a bad row skips the row, a bad query skips the query, a failed correlation
// leaves instance names unresolved and only a failed connection aborts the cycle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	internalerrors "github.com/Schera-ole/perfmon/internal/errors"
	models "github.com/Schera-ole/perfmon/internal/model"
	"github.com/Schera-ole/perfmon/internal/telemetry"
)

// CounterProvider samples performance counters on a host.
type CounterProvider interface {
	// Connect opens a session with host.
	Connect(ctx context.Context, host string) (models.Connection, error)

	// Query runs one counter query and returns its rows.
	Query(ctx context.Context, conn models.Connection, q models.CounterQuery) ([]models.CounterRow, error)
}

// ProcessLister lists running processes on a host.
type ProcessLister interface {
	// ListProcesses returns the processes whose executable is named name.
	ListProcesses(ctx context.Context, conn models.Connection, name string) ([]models.Process, error)
}

// MetricSink receives reported metrics.
type MetricSink interface {
	Report(name, unit string, value float64)
}

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	Queries       int
	FailedQueries int
	Rows          int
	SkippedRows   int
	ProcessIDs    int
	Reported      int
	Correlated    int

	// CorrelationErr is set when the cycle ran without owner labels
	CorrelationErr error
}

// instancePids maps a raw instance name to the process id reported for it in the current cycle.
type instancePids map[string]int

// Agent runs poll cycles for one host.
type Agent struct {
	settings  Settings
	counters  []models.CounterQuery
	provider  CounterProvider
	index     *CorrelationIndex
	sink      MetricSink
	logger    *zap.SugaredLogger
	telemetry *telemetry.Collector
}

// Option configures an Agent.
type Option func(*Agent)

// WithTelemetry records cycle outcomes in c.
func WithTelemetry(c *telemetry.Collector) Option {
	return func(a *Agent) {
		a.telemetry = c
	}
}

// New creates an Agent sampling counters through provider and reporting to sink.
//
// lister may be nil, in which case instance names are never resolved.
func New(
	settings Settings,
	counters []models.CounterQuery,
	provider CounterProvider,
	lister ProcessLister,
	sink MetricSink,
	logger *zap.SugaredLogger,
	opts ...Option,
) (*Agent, error) {
	if len(counters) == 0 {
		return nil, internalerrors.ErrEmptyCounterList
	}
	for i, q := range counters {
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("%w: counter %d: %w", internalerrors.ErrInvalidCounterQuery, i, err)
		}
	}

	settings = normalizeSettings(settings)
	index, err := NewCorrelationIndex(lister, settings.ProcessName, settings.LabelPattern, logger)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		settings: settings,
		counters: append([]models.CounterQuery(nil), counters...),
		provider: provider,
		index:    index,
		sink:     sink,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Name returns the agent display name.
func (a *Agent) Name() string {
	return a.settings.Name
}

// RunOnce executes one poll cycle.
//
// It returns an error wrapping ErrConnectivity when the provider cannot be
// reached, or the context error when the cycle was abandoned. Query and row
// failures are logged and counted in the returned stats.
func (a *Agent) RunOnce(ctx context.Context) (CycleStats, error) {
	start := time.Now()
	stats, err := a.runCycle(ctx)

	result := telemetry.ResultOK
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = telemetry.ResultCancelled
	case err != nil:
		result = telemetry.ResultFailed
	}
	a.telemetry.ObserveCycle(a.settings.Name, result, time.Since(start))

	return stats, err
}

func (a *Agent) runCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	conn, err := a.provider.Connect(ctx, a.settings.Host)
	if err != nil {
		a.logger.Errorf("Unable to connect to %q. %v", a.settings.Host, err)
		return stats, fmt.Errorf("%w: %s: %w", internalerrors.ErrConnectivity, a.settings.Host, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			a.logger.Debugf("closing connection to %q: %v", a.settings.Host, err)
		}
	}()

	labels, err := a.index.Build(ctx, conn)
	if err != nil {
		a.logger.Warnf("Instance names will not be resolved this cycle. %v", err)
		a.telemetry.CorrelationFailed(a.settings.Name)
		stats.CorrelationErr = err
		labels = PidLabels{}
	}
	stats.Correlated = len(labels)
	a.telemetry.Correlated(a.settings.Name, len(labels))

	pids := make(instancePids)
	for _, q := range a.counters {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := a.runQuery(ctx, conn, q, labels, pids, &stats); err != nil {
			return stats, err
		}
	}

	a.logger.Debugf("%s: cycle done, %d queries (%d failed), %d rows (%d skipped), %d reported",
		a.settings.Name, stats.Queries, stats.FailedQueries, stats.Rows, stats.SkippedRows, stats.Reported)
	return stats, nil
}

// runQuery executes one counter query. Only context cancellation is returned;
// every other failure is absorbed here.
func (a *Agent) runQuery(
	ctx context.Context,
	conn models.Connection,
	q models.CounterQuery,
	labels PidLabels,
	pids instancePids,
	stats *CycleStats,
) error {
	stats.Queries++
	statement := q.Statement()

	rows, err := a.provider.Query(ctx, conn, q)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		stats.FailedQueries++
		a.telemetry.QueryFailed(a.settings.Name)
		a.logger.Errorf("Exception occurred in polling. %v: %v\r\n%s", internalerrors.ErrQueryExecution, err, statement)
		return nil
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Rows++
		if err := a.processRow(q, row, labels, pids, stats); err != nil {
			stats.SkippedRows++
			if errors.Is(err, internalerrors.ErrRowMissingName) {
				a.telemetry.RowSkipped(a.settings.Name, "missing_name")
				a.logger.Warnf("Query returned null Name: %s", statement)
				continue
			}
			a.telemetry.RowSkipped(a.settings.Name, "invalid_value")
			a.logger.Errorf("Exception occurred in processing results. %v\r\n%s", err, statement)
		}
	}
	return nil
}

// processRow classifies one row and either records a process id or reports a metric.
func (a *Agent) processRow(
	q models.CounterQuery,
	row models.CounterRow,
	labels PidLabels,
	pids instancePids,
	stats *CycleStats,
) error {
	if row.InstanceName == nil {
		return internalerrors.ErrRowMissingName
	}
	instance := *row.InstanceName

	value, err := cast.ToFloat64E(row.Value)
	if err != nil {
		return fmt.Errorf("%w: %s of %q: %w", internalerrors.ErrRowValue, q.Counter, instance, err)
	}

	// process ids are only used to derive the owner of later rows
	if q.IsProcessID() {
		pids[instance] = int(value)
		stats.ProcessIDs++
		a.logger.Debugf("ProcessID %d stored for instance %s", int(value), instance)
		return nil
	}

	name := q.MetricName(resolveInstance(instance, labels, pids))
	a.logger.Debugf("%s/%s: %v %s", a.settings.Name, name, value, q.Unit)
	a.sink.Report(name, q.Unit, value)
	stats.Reported++
	a.telemetry.Reported(a.settings.Name)
	return nil
}

// resolveInstance returns the owner label of instance when both its process id
// and the owner of that process are known, and instance itself otherwise.
// A known process whose command line carries no label resolves to "".
func resolveInstance(instance string, labels PidLabels, pids instancePids) string {
	pid, ok := pids[instance]
	if !ok {
		return instance
	}
	if label, ok := labels[pid]; ok {
		return label
	}
	return instance
}
