//go:build windows

package wmi

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
	wmiclient "github.com/yusufpapurcu/wmi"

	models "github.com/Schera-ole/perfmon/internal/model"
)

// Provider reads counters and processes through WMI.
type Provider struct {
	credentials Credentials
}

// New creates a Provider connecting with creds.
func New(creds Credentials) (*Provider, error) {
	return &Provider{credentials: creds}, nil
}

// Connect opens and immediately releases a WMI session to check that host is reachable.
// Queries open their own sessions because COM objects are bound to the calling thread.
func (p *Provider) Connect(ctx context.Context, host string) (models.Connection, error) {
	conn := &connection{host: host, credentials: p.credentials}
	err := withService(conn, func(*ole.IDispatch) error { return nil })
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Query executes the counter statement and reads the Name and counter properties of each row.
func (p *Provider) Query(ctx context.Context, c models.Connection, q models.CounterQuery) ([]models.CounterRow, error) {
	conn, ok := c.(*connection)
	if !ok {
		return nil, fmt.Errorf("unexpected connection type %T", c)
	}

	var rows []models.CounterRow
	err := withService(conn, func(service *ole.IDispatch) error {
		resultRaw, err := oleutil.CallMethod(service, "ExecQuery", q.Statement())
		if err != nil {
			return fmt.Errorf("ExecQuery: %w", err)
		}
		result := resultRaw.ToIDispatch()
		defer result.Release()

		countVar, err := oleutil.GetProperty(result, "Count")
		if err != nil {
			return fmt.Errorf("reading result count: %w", err)
		}
		count := int(countVar.Val)
		countVar.Clear()

		rows = make([]models.CounterRow, 0, count)
		for i := 0; i < count; i++ {
			row, err := readRow(result, i, q.Counter)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

func readRow(result *ole.IDispatch, i int, counter string) (models.CounterRow, error) {
	itemRaw, err := oleutil.CallMethod(result, "ItemIndex", i)
	if err != nil {
		return models.CounterRow{}, fmt.Errorf("reading item %d: %w", i, err)
	}
	item := itemRaw.ToIDispatch()
	defer item.Release()

	var row models.CounterRow
	name, err := property(item, "Name")
	if err != nil {
		return row, err
	}
	if s, ok := name.(string); ok {
		row.InstanceName = &s
	}
	row.Value, err = property(item, counter)
	return row, err
}

func property(item *ole.IDispatch, name string) (any, error) {
	prop, err := oleutil.GetProperty(item, name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	defer prop.Clear()
	return prop.Value(), nil
}

// win32Process holds the Win32_Process columns used for correlation.
type win32Process struct {
	ProcessId   uint32
	CommandLine *string
}

// ListProcesses returns the processes on the connection's host whose executable is name.
func (p *Provider) ListProcesses(ctx context.Context, c models.Connection, name string) ([]models.Process, error) {
	conn, ok := c.(*connection)
	if !ok {
		return nil, fmt.Errorf("unexpected connection type %T", c)
	}

	var dst []win32Process
	query := fmt.Sprintf("SELECT ProcessId, CommandLine FROM Win32_Process WHERE Name = '%s'", strings.ReplaceAll(name, "'", ""))
	if err := wmiclient.Query(query, &dst, conn.connectServerArgs()...); err != nil {
		return nil, err
	}

	processes := make([]models.Process, 0, len(dst))
	for _, proc := range dst {
		process := models.Process{PID: int(proc.ProcessId)}
		if proc.CommandLine != nil {
			process.CommandLine = *proc.CommandLine
		}
		processes = append(processes, process)
	}
	return processes, nil
}

// withService runs fn with an SWbemServices session bound to the current OS thread.
func withService(conn *connection, fn func(service *ole.IDispatch) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		// S_FALSE: COM was already initialized on this thread
		oleErr, ok := err.(*ole.OleError)
		if !ok || (oleErr.Code() != ole.S_OK && oleErr.Code() != 0x00000001) {
			return fmt.Errorf("CoInitializeEx: %w", err)
		}
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
	if err != nil {
		return fmt.Errorf("creating SWbemLocator: %w", err)
	}
	defer unknown.Release()

	locator, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return fmt.Errorf("querying SWbemLocator: %w", err)
	}
	defer locator.Release()

	serviceRaw, err := oleutil.CallMethod(locator, "ConnectServer", conn.connectServerArgs()...)
	if err != nil {
		return fmt.Errorf("connecting to \\\\%s\\%s: %w", conn.host, namespace, err)
	}
	service := serviceRaw.ToIDispatch()
	defer serviceRaw.Clear()

	return fn(service)
}
