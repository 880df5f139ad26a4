package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	internalerrors "github.com/Schera-ole/perfmon/internal/errors"
	models "github.com/Schera-ole/perfmon/internal/model"
	"github.com/Schera-ole/perfmon/internal/telemetry"
)

type fakeConn struct {
	host   string
	closed bool
}

func (c *fakeConn) Host() string { return c.host }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// fakeProvider answers queries by statement.
type fakeProvider struct {
	connectErr error
	rows       map[string][]models.CounterRow
	errs       map[string]error
	conns      []*fakeConn
	statements []string
}

func (p *fakeProvider) Connect(ctx context.Context, host string) (models.Connection, error) {
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	conn := &fakeConn{host: host}
	p.conns = append(p.conns, conn)
	return conn, nil
}

func (p *fakeProvider) Query(ctx context.Context, conn models.Connection, q models.CounterQuery) ([]models.CounterRow, error) {
	stmt := q.Statement()
	p.statements = append(p.statements, stmt)
	if err := p.errs[stmt]; err != nil {
		return nil, err
	}
	return p.rows[stmt], nil
}

type fakeLister struct {
	processes []models.Process
	err       error
	names     []string
}

func (l *fakeLister) ListProcesses(ctx context.Context, conn models.Connection, name string) ([]models.Process, error) {
	l.names = append(l.names, name)
	if l.err != nil {
		return nil, l.err
	}
	return l.processes, nil
}

type recordingSink struct {
	reports []models.Metric
}

func (s *recordingSink) Report(name, unit string, value float64) {
	s.reports = append(s.reports, models.Metric{Name: name, Unit: unit, Value: value})
}

var (
	pidQuery     = models.CounterQuery{Provider: "X", Category: "Memory", Counter: "ProcessID", Unit: "count"}
	privateQuery = models.CounterQuery{Provider: "X", Category: "Memory", Counter: "PrivateBytes", Unit: "Bytes"}
	threadQuery  = models.CounterQuery{Provider: "X", Category: "Process", Counter: "ThreadCount", Unit: "count"}
)

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}

func newTestAgent(t *testing.T, counters []models.CounterQuery, provider CounterProvider, lister ProcessLister, sink MetricSink, logger *zap.SugaredLogger, opts ...Option) *Agent {
	t.Helper()
	a, err := New(Settings{Name: "web-01"}, counters, provider, lister, sink, logger, opts...)
	require.NoError(t, err)
	return a
}

func appPoolLister() *fakeLister {
	return &fakeLister{processes: []models.Process{
		{PID: 4321, CommandLine: `c:\windows\system32\inetsrv\w3wp.exe -ap "MyAppPool" -v "v4.0"`},
	}}
}

func TestRunOnce_ResolvesOwnerLabel(t *testing.T) {
	provider := &fakeProvider{rows: map[string][]models.CounterRow{
		pidQuery.Statement():     {models.NewCounterRow("w3wp#1", 4321)},
		privateQuery.Statement(): {models.NewCounterRow("w3wp#1", 1048576)},
	}}
	lister := appPoolLister()
	sink := &recordingSink{}
	logger, _ := newObservedLogger()

	a := newTestAgent(t, []models.CounterQuery{pidQuery, privateQuery}, provider, lister, sink, logger)
	stats, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []models.Metric{
		{Name: "Memory(MyAppPool)/PrivateBytes", Unit: "Bytes", Value: 1048576},
	}, sink.reports)
	assert.Equal(t, []string{"w3wp.exe"}, lister.names)
	assert.Equal(t, 1, stats.ProcessIDs)
	assert.Equal(t, 1, stats.Reported)
	assert.Equal(t, 1, stats.Correlated)
	assert.NoError(t, stats.CorrelationErr)
}

func TestRunOnce_CorrelationFailureFallsBackToRawName(t *testing.T) {
	provider := &fakeProvider{rows: map[string][]models.CounterRow{
		pidQuery.Statement():     {models.NewCounterRow("w3wp#1", 4321)},
		privateQuery.Statement(): {models.NewCounterRow("w3wp#1", 1048576)},
	}}
	lister := &fakeLister{err: errors.New("access denied")}
	sink := &recordingSink{}
	logger, logs := newObservedLogger()

	a := newTestAgent(t, []models.CounterQuery{pidQuery, privateQuery}, provider, lister, sink, logger)
	stats, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []models.Metric{
		{Name: "Memory(w3wp#1)/PrivateBytes", Unit: "Bytes", Value: 1048576},
	}, sink.reports)
	assert.ErrorIs(t, stats.CorrelationErr, internalerrors.ErrCorrelationBuild)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Equal(t, 0, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestRunOnce_ConnectFailureAbortsCycle(t *testing.T) {
	provider := &fakeProvider{connectErr: errors.New("RPC server is unavailable")}
	lister := appPoolLister()
	sink := &recordingSink{}
	logger, logs := newObservedLogger()

	a := newTestAgent(t, []models.CounterQuery{pidQuery, privateQuery}, provider, lister, sink, logger)
	_, err := a.RunOnce(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, internalerrors.ErrConnectivity)
	assert.Empty(t, sink.reports)
	assert.Empty(t, provider.statements)
	assert.Empty(t, lister.names)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestRunOnce_QueryFailureDoesNotStopOtherQueries(t *testing.T) {
	provider := &fakeProvider{
		rows: map[string][]models.CounterRow{
			threadQuery.Statement(): {models.NewCounterRow("w3wp", 42)},
		},
		errs: map[string]error{
			privateQuery.Statement(): errors.New("Invalid class"),
		},
	}
	sink := &recordingSink{}
	logger, logs := newObservedLogger()

	a := newTestAgent(t, []models.CounterQuery{privateQuery, threadQuery}, provider, nil, sink, logger)
	stats, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []models.Metric{{Name: "Process(w3wp)/ThreadCount", Unit: "count", Value: 42}}, sink.reports)
	assert.Equal(t, 2, stats.Queries)
	assert.Equal(t, 1, stats.FailedQueries)

	errorLogs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errorLogs, 1)
	assert.Contains(t, errorLogs[0].Message, privateQuery.Statement())
}

func TestRunOnce_ProcessIDRowsAreNeverReported(t *testing.T) {
	lower := models.CounterQuery{Provider: "X", Category: "Memory", Counter: "processid", Unit: "count"}
	upper := models.CounterQuery{Provider: "Y", Category: "Memory", Counter: "PROCESSID", Unit: "count"}
	provider := &fakeProvider{rows: map[string][]models.CounterRow{
		lower.Statement(): {models.NewCounterRow("w3wp", 1), models.NewCounterRow("w3wp#1", 2)},
		upper.Statement(): {models.NewCounterRow("w3wp#2", 3)},
	}}
	sink := &recordingSink{}
	logger, _ := newObservedLogger()

	a := newTestAgent(t, []models.CounterQuery{lower, upper}, provider, nil, sink, logger)
	stats, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, sink.reports)
	assert.Equal(t, 3, stats.ProcessIDs)
}

func TestRunOnce_MissingNameSkipsRowOnly(t *testing.T) {
	provider := &fakeProvider{rows: map[string][]models.CounterRow{
		threadQuery.Statement(): {
			{InstanceName: nil, Value: 7},
			models.NewCounterRow("w3wp", 42),
		},
	}}
	sink := &recordingSink{}
	logger, logs := newObservedLogger()

	a := newTestAgent(t, []models.CounterQuery{threadQuery}, provider, nil, sink, logger)
	stats, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []models.Metric{{Name: "Process(w3wp)/ThreadCount", Unit: "count", Value: 42}}, sink.reports)
	assert.Equal(t, 1, stats.SkippedRows)
	warnings := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "null Name")
}

func TestRunOnce_InvalidValueSkipsRowOnly(t *testing.T) {
	provider := &fakeProvider{rows: map[string][]models.CounterRow{
		threadQuery.Statement(): {
			models.NewCounterRow("w3wp", "not a number"),
			models.NewCounterRow("w3wp#1", "17"),
			models.NewCounterRow("w3wp#2", uint64(5)),
		},
	}}
	sink := &recordingSink{}
	logger, logs := newObservedLogger()

	a := newTestAgent(t, []models.CounterQuery{threadQuery}, provider, nil, sink, logger)
	stats, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []models.Metric{
		{Name: "Process(w3wp#1)/ThreadCount", Unit: "count", Value: 17},
		{Name: "Process(w3wp#2)/ThreadCount", Unit: "count", Value: 5},
	}, sink.reports)
	assert.Equal(t, 1, stats.SkippedRows)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestRunOnce_IsIdempotent(t *testing.T) {
	provider := &fakeProvider{rows: map[string][]models.CounterRow{
		pidQuery.Statement(): {models.NewCounterRow("w3wp#1", 4321)},
		privateQuery.Statement(): {
			models.NewCounterRow("w3wp#1", 1048576),
			models.NewCounterRow("w3wp#2", 2048),
		},
	}}
	logger, _ := newObservedLogger()

	first := &recordingSink{}
	a := newTestAgent(t, []models.CounterQuery{pidQuery, privateQuery}, provider, appPoolLister(), first, logger)
	_, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	second := &recordingSink{}
	a.sink = second
	_, err = a.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.reports, second.reports)
	for _, conn := range provider.conns {
		assert.True(t, conn.closed)
	}
}

func TestRunOnce_NoStateLeaksBetweenCycles(t *testing.T) {
	provider := &fakeProvider{rows: map[string][]models.CounterRow{
		pidQuery.Statement():     {models.NewCounterRow("w3wp#1", 4321)},
		privateQuery.Statement(): {models.NewCounterRow("w3wp#1", 1048576)},
	}}
	sink := &recordingSink{}
	logger, _ := newObservedLogger()

	a := newTestAgent(t, []models.CounterQuery{pidQuery, privateQuery}, provider, appPoolLister(), sink, logger)
	_, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	// the process id row disappears; the previous cycle's mapping must not be used
	provider.errs = map[string]error{pidQuery.Statement(): errors.New("Invalid class")}
	_, err = a.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, sink.reports, 2)
	assert.Equal(t, "Memory(MyAppPool)/PrivateBytes", sink.reports[0].Name)
	assert.Equal(t, "Memory(w3wp#1)/PrivateBytes", sink.reports[1].Name)
}

func TestRunOnce_ProcessIDsOnlyApplyToLaterQueries(t *testing.T) {
	provider := &fakeProvider{rows: map[string][]models.CounterRow{
		pidQuery.Statement():     {models.NewCounterRow("w3wp#1", 4321)},
		privateQuery.Statement(): {models.NewCounterRow("w3wp#1", 1048576)},
	}}
	sink := &recordingSink{}
	logger, _ := newObservedLogger()

	a := newTestAgent(t, []models.CounterQuery{privateQuery, pidQuery}, provider, appPoolLister(), sink, logger)
	_, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []models.Metric{
		{Name: "Memory(w3wp#1)/PrivateBytes", Unit: "Bytes", Value: 1048576},
	}, sink.reports)
}

func TestRunOnce_UnresolvedInstances(t *testing.T) {
	provider := &fakeProvider{rows: map[string][]models.CounterRow{
		pidQuery.Statement(): {
			models.NewCounterRow("w3wp#1", 4321),
			models.NewCounterRow("w3wp#2", 99),
			models.NewCounterRow("w3wp#3", 5000),
		},
		privateQuery.Statement(): {
			models.NewCounterRow("w3wp#1", 1),
			models.NewCounterRow("w3wp#2", 2),
			models.NewCounterRow("w3wp#3", 3),
			models.NewCounterRow("w3wp#4", 4),
		},
	}}
	lister := &fakeLister{processes: []models.Process{
		{PID: 4321, CommandLine: `w3wp.exe -ap "MyAppPool"`},
		{PID: 5000, CommandLine: `w3wp.exe -debug`},
	}}
	sink := &recordingSink{}
	logger, _ := newObservedLogger()

	a := newTestAgent(t, []models.CounterQuery{pidQuery, privateQuery}, provider, lister, sink, logger)
	_, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(sink.reports))
	for _, r := range sink.reports {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{
		"Memory(MyAppPool)/PrivateBytes",
		"Memory(w3wp#2)/PrivateBytes",
		"Memory()/PrivateBytes",
		"Memory(w3wp#4)/PrivateBytes",
	}, names)
}

func TestRunOnce_EmptyLabelIsUsed(t *testing.T) {
	provider := &fakeProvider{rows: map[string][]models.CounterRow{
		pidQuery.Statement():     {models.NewCounterRow("w3wp", 5000)},
		privateQuery.Statement(): {models.NewCounterRow("w3wp", 7)},
	}}
	lister := &fakeLister{processes: []models.Process{{PID: 5000, CommandLine: "w3wp.exe"}}}
	sink := &recordingSink{}
	logger, _ := newObservedLogger()

	a := newTestAgent(t, []models.CounterQuery{pidQuery, privateQuery}, provider, lister, sink, logger)
	_, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, sink.reports, 1)
	assert.Equal(t, "Memory()/PrivateBytes", sink.reports[0].Name)
}

func TestRunOnce_CancelledContextAbandonsCycle(t *testing.T) {
	provider := &fakeProvider{rows: map[string][]models.CounterRow{
		threadQuery.Statement(): {models.NewCounterRow("w3wp", 42)},
	}}
	sink := &recordingSink{}
	logger, _ := newObservedLogger()

	a := newTestAgent(t, []models.CounterQuery{threadQuery}, provider, nil, sink, logger)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.reports)
	require.Len(t, provider.conns, 1)
	assert.True(t, provider.conns[0].closed)
}

func TestRunOnce_RecordsTelemetry(t *testing.T) {
	provider := &fakeProvider{
		rows: map[string][]models.CounterRow{
			threadQuery.Statement(): {models.NewCounterRow("w3wp", 42), {Value: 1}},
		},
		errs: map[string]error{privateQuery.Statement(): errors.New("Invalid class")},
	}
	reg := prometheus.NewRegistry()
	logger, _ := newObservedLogger()

	a := newTestAgent(t, []models.CounterQuery{privateQuery, threadQuery}, provider, nil, &recordingSink{}, logger,
		WithTelemetry(telemetry.New(reg)))
	_, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg,
		"perfmon_poll_cycles_total",
		"perfmon_query_failures_total",
		"perfmon_rows_skipped_total",
		"perfmon_metrics_reported_total",
	)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestNew(t *testing.T) {
	logger, _ := newObservedLogger()
	provider := &fakeProvider{}

	tests := []struct {
		name     string
		settings Settings
		counters []models.CounterQuery
		wantErr  error
	}{
		{
			name:     "empty counter list",
			settings: Settings{Name: "web-01"},
			wantErr:  internalerrors.ErrEmptyCounterList,
		},
		{
			name:     "missing counter",
			settings: Settings{Name: "web-01"},
			counters: []models.CounterQuery{{Provider: "X", Category: "Memory", Unit: "Bytes"}},
			wantErr:  internalerrors.ErrInvalidCounterQuery,
		},
		{
			name:     "quote in instance filter",
			settings: Settings{Name: "web-01"},
			counters: []models.CounterQuery{{Provider: "X", Category: "Memory", Counter: "A", Unit: "B", Instance: "w3wp'"}},
			wantErr:  internalerrors.ErrInvalidCounterQuery,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.settings, tt.counters, provider, nil, &recordingSink{}, logger)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("pattern without group", func(t *testing.T) {
		_, err := New(Settings{Name: "web-01", LabelPattern: "-ap"}, []models.CounterQuery{threadQuery}, provider, nil, &recordingSink{}, logger)
		assert.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		a, err := New(Settings{Name: "web-01"}, []models.CounterQuery{threadQuery}, provider, nil, &recordingSink{}, logger)
		require.NoError(t, err)
		assert.Equal(t, "web-01", a.Name())
		assert.Equal(t, "web-01", a.settings.Host)
		assert.Equal(t, "w3wp.exe", a.settings.ProcessName)
	})
}
