// Package host samples performance counters of the local machine through gopsutil.
//
// It mirrors the perfmon "Process" and "Processor" categories closely enough
// for the agent to run on hosts without WMI. The provider part of a counter
// query is ignored.
package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"

	internalerrors "github.com/Schera-ole/perfmon/internal/errors"
	models "github.com/Schera-ole/perfmon/internal/model"
)

const totalInstance = "_Total"

// procHandle is the part of *process.Process the provider reads.
type procHandle interface {
	NameWithContext(ctx context.Context) (string, error)
	CmdlineWithContext(ctx context.Context) (string, error)
	MemoryInfoWithContext(ctx context.Context) (*process.MemoryInfoStat, error)
	CPUPercentWithContext(ctx context.Context) (float64, error)
	NumThreadsWithContext(ctx context.Context) (int32, error)
	NumFDsWithContext(ctx context.Context) (int32, error)
}

type hostProcess struct {
	pid    int32
	handle procHandle
}

type processCounter func(ctx context.Context, p hostProcess) (any, error)

var processCounters = map[string]processCounter{
	"idprocess": pidCounter,
	"processid": pidCounter,
	"workingset": func(ctx context.Context, p hostProcess) (any, error) {
		mem, err := p.handle.MemoryInfoWithContext(ctx)
		if err != nil {
			return nil, err
		}
		return mem.RSS, nil
	},
	"privatebytes": func(ctx context.Context, p hostProcess) (any, error) {
		mem, err := p.handle.MemoryInfoWithContext(ctx)
		if err != nil {
			return nil, err
		}
		if mem.Data > 0 {
			return mem.Data, nil
		}
		return mem.RSS, nil
	},
	"virtualbytes": func(ctx context.Context, p hostProcess) (any, error) {
		mem, err := p.handle.MemoryInfoWithContext(ctx)
		if err != nil {
			return nil, err
		}
		return mem.VMS, nil
	},
	"percentprocessortime": func(ctx context.Context, p hostProcess) (any, error) {
		return p.handle.CPUPercentWithContext(ctx)
	},
	"threadcount": func(ctx context.Context, p hostProcess) (any, error) {
		return p.handle.NumThreadsWithContext(ctx)
	},
	"handlecount": func(ctx context.Context, p hostProcess) (any, error) {
		return p.handle.NumFDsWithContext(ctx)
	},
}

func pidCounter(_ context.Context, p hostProcess) (any, error) {
	return p.pid, nil
}

// Provider reads counters and processes of the local host.
type Provider struct {
	processes  func(ctx context.Context) ([]hostProcess, error)
	cpuPercent func(ctx context.Context, perCPU bool) ([]float64, error)
	hostname   func() (string, error)
}

// New creates a Provider backed by gopsutil.
func New() *Provider {
	return &Provider{
		processes:  listProcesses,
		cpuPercent: cpuPercent,
		hostname:   os.Hostname,
	}
}

func listProcesses(ctx context.Context) ([]hostProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]hostProcess, 0, len(procs))
	for _, p := range procs {
		result = append(result, hostProcess{pid: p.Pid, handle: p})
	}
	return result, nil
}

func cpuPercent(ctx context.Context, perCPU bool) ([]float64, error) {
	return cpu.PercentWithContext(ctx, 0, perCPU)
}

type connection struct {
	host string
}

func (c connection) Host() string { return c.host }

func (c connection) Close() error { return nil }

// Connect accepts the local host only.
func (p *Provider) Connect(ctx context.Context, host string) (models.Connection, error) {
	switch strings.ToLower(host) {
	case "", ".", "localhost", "127.0.0.1", "::1":
		return connection{host: host}, nil
	}
	name, err := p.hostname()
	if err == nil && strings.EqualFold(name, host) {
		return connection{host: host}, nil
	}
	return nil, fmt.Errorf("%w: %s", internalerrors.ErrRemoteHost, host)
}

// Query samples one counter of the Process or Processor category.
func (p *Provider) Query(ctx context.Context, conn models.Connection, q models.CounterQuery) ([]models.CounterRow, error) {
	filter, err := compileLike(q.Instance)
	if err != nil {
		return nil, fmt.Errorf("instance filter %q: %w", q.Instance, err)
	}

	switch strings.ToLower(q.Category) {
	case "process":
		return p.queryProcess(ctx, q, filter)
	case "processor":
		return p.queryProcessor(ctx, q, filter)
	}
	return nil, fmt.Errorf("%w: %s", internalerrors.ErrUnknownCounter, q.Category)
}

type namedProcess struct {
	hostProcess
	name string
}

func (p *Provider) queryProcess(ctx context.Context, q models.CounterQuery, filter *regexp.Regexp) ([]models.CounterRow, error) {
	read, ok := processCounters[strings.ToLower(q.Counter)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", internalerrors.ErrUnknownCounter, q.Category, q.Counter)
	}

	procs, err := p.named(ctx)
	if err != nil {
		return nil, err
	}

	var rows []models.CounterRow
	for _, proc := range instanceNames(procs) {
		if !filter.MatchString(proc.name) {
			continue
		}
		value, err := read(ctx, proc.hostProcess)
		if err != nil {
			// the process exited after it was listed
			continue
		}
		rows = append(rows, models.NewCounterRow(proc.name, value))
	}
	return rows, nil
}

func (p *Provider) queryProcessor(ctx context.Context, q models.CounterQuery, filter *regexp.Regexp) ([]models.CounterRow, error) {
	if !strings.EqualFold(q.Counter, "PercentProcessorTime") {
		return nil, fmt.Errorf("%w: %s/%s", internalerrors.ErrUnknownCounter, q.Category, q.Counter)
	}

	perCPU, err := p.cpuPercent(ctx, true)
	if err != nil {
		return nil, err
	}
	total, err := p.cpuPercent(ctx, false)
	if err != nil {
		return nil, err
	}

	var rows []models.CounterRow
	for i, v := range perCPU {
		if name := strconv.Itoa(i); filter.MatchString(name) {
			rows = append(rows, models.NewCounterRow(name, v))
		}
	}
	if len(total) > 0 && filter.MatchString(totalInstance) {
		rows = append(rows, models.NewCounterRow(totalInstance, total[0]))
	}
	return rows, nil
}

// named lists processes with their executable names, skipping processes that exited meanwhile.
func (p *Provider) named(ctx context.Context) ([]namedProcess, error) {
	procs, err := p.processes(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]namedProcess, 0, len(procs))
	for _, proc := range procs {
		name, err := proc.handle.NameWithContext(ctx)
		if err != nil {
			continue
		}
		result = append(result, namedProcess{hostProcess: proc, name: name})
	}
	return result, nil
}

// instanceNames renames processes the way perfmon names Process instances:
// the executable without extension, with "#1", "#2"... appended to
// duplicates in pid order.
func instanceNames(procs []namedProcess) []namedProcess {
	sorted := append([]namedProcess(nil), procs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].pid < sorted[j].pid })

	seen := make(map[string]int)
	for i := range sorted {
		base := trimExt(sorted[i].name)
		key := strings.ToLower(base)
		n := seen[key]
		seen[key] = n + 1
		if n == 0 {
			sorted[i].name = base
		} else {
			sorted[i].name = fmt.Sprintf("%s#%d", base, n)
		}
	}
	return sorted
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// ListProcesses returns local processes whose executable is name. The
// extension is optional on either side so "w3wp.exe" also finds "w3wp".
func (p *Provider) ListProcesses(ctx context.Context, conn models.Connection, name string) ([]models.Process, error) {
	procs, err := p.named(ctx)
	if err != nil {
		return nil, err
	}

	var result []models.Process
	for _, proc := range procs {
		if !strings.EqualFold(proc.name, name) && !strings.EqualFold(trimExt(proc.name), trimExt(name)) {
			continue
		}
		cmdline, err := proc.handle.CmdlineWithContext(ctx)
		if err != nil {
			continue
		}
		result = append(result, models.Process{PID: int(proc.pid), CommandLine: cmdline})
	}
	return result, nil
}
