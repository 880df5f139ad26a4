//go:build !windows

package wmi

import (
	"context"
	"fmt"
	"runtime"

	internalerrors "github.com/Schera-ole/perfmon/internal/errors"
	models "github.com/Schera-ole/perfmon/internal/model"
)

// Provider is unavailable outside Windows.
type Provider struct{}

// New always fails outside Windows.
func New(creds Credentials) (*Provider, error) {
	return nil, fmt.Errorf("%w: wmi on %s", internalerrors.ErrUnsupportedPlatform, runtime.GOOS)
}

func (p *Provider) Connect(ctx context.Context, host string) (models.Connection, error) {
	return nil, internalerrors.ErrUnsupportedPlatform
}

func (p *Provider) Query(ctx context.Context, conn models.Connection, q models.CounterQuery) ([]models.CounterRow, error) {
	return nil, internalerrors.ErrUnsupportedPlatform
}

func (p *Provider) ListProcesses(ctx context.Context, conn models.Connection, name string) ([]models.Process, error) {
	return nil, internalerrors.ErrUnsupportedPlatform
}
