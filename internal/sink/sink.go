// Package sink delivers reported metrics to their destinations.
//
// Sinks accept metrics synchronously through Report and never fail there;
// destinations that talk to the network buffer reports and deliver them in
// Flush, called once per poll cycle.
package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	models "github.com/Schera-ole/perfmon/internal/model"
)

// Reporter accepts reported metrics.
type Reporter interface {
	Report(name, unit string, value float64)
}

// Flusher delivers buffered metrics.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Fanout reports every metric to all of its sinks.
type Fanout struct {
	sinks []Reporter
}

// NewFanout creates a Fanout over sinks; nil sinks are ignored.
func NewFanout(sinks ...Reporter) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Report hands the metric to every sink.
func (f *Fanout) Report(name, unit string, value float64) {
	for _, s := range f.sinks {
		s.Report(name, unit, value)
	}
}

// Flush flushes every sink that buffers and joins their errors.
// A failing sink does not prevent the others from flushing.
func (f *Fanout) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range f.sinks {
		if flusher, ok := s.(Flusher); ok {
			if err := flusher.Flush(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// buffer collects reports between flushes.
type buffer struct {
	mu      sync.Mutex
	pending []models.Sample
}

func (b *buffer) add(agent, name, unit string, value float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, models.Sample{
		Agent:       agent,
		Metric:      models.Metric{Name: name, Unit: unit, Value: value},
		CollectedAt: time.Now(),
	})
}

func (b *buffer) drain() []models.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.pending
	b.pending = nil
	return pending
}
