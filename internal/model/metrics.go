// Package models defines the data structures used throughout the perfmon agent.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProcessIDCounter is the reserved counter name whose rows carry the process
// identifier of an instance rather than a reportable value.
const ProcessIDCounter = "ProcessID"

// CounterQuery describes one performance counter to sample.
type CounterQuery struct {
	// Provider is the counter provider part of the performance class (e.g. "PerfProc")
	Provider string `mapstructure:"provider" json:"provider"`

	// Category is the counter category (e.g. "Process")
	Category string `mapstructure:"category" json:"category"`

	// Counter is the counter column to read (e.g. "PrivateBytes")
	Counter string `mapstructure:"counter" json:"counter"`

	// Instance is an optional LIKE pattern restricting the sampled instances
	Instance string `mapstructure:"instance" json:"instance,omitempty"`

	// Unit is the reporting unit label (e.g. "Bytes")
	Unit string `mapstructure:"unit" json:"unit"`
}

// Statement builds the WQL statement sampling this counter.
func (q CounterQuery) Statement() string {
	predicate := ""
	if q.Instance != "" {
		predicate = fmt.Sprintf(" Where Name Like '%s'", q.Instance)
	}
	return fmt.Sprintf("Select Name, %s from Win32_PerfFormattedData_%s_%s%s", q.Counter, q.Provider, q.Category, predicate)
}

// Validate checks that the query can be turned into a statement.
func (q CounterQuery) Validate() error {
	switch {
	case q.Provider == "":
		return errors.New("provider is required")
	case q.Category == "":
		return errors.New("category is required")
	case q.Counter == "":
		return errors.New("counter is required")
	case q.Unit == "":
		return errors.New("unit is required")
	}
	return validateLike(q.Instance)
}

func validateLike(pattern string) error {
	if strings.ContainsAny(pattern, `'\`) {
		return fmt.Errorf("instance pattern %q contains a quote or backslash", pattern)
	}
	open := false
	for _, r := range pattern {
		switch r {
		case '[':
			if open {
				return fmt.Errorf("instance pattern %q has a nested '['", pattern)
			}
			open = true
		case ']':
			open = false
		}
	}
	if open {
		return fmt.Errorf("instance pattern %q has an unterminated '['", pattern)
	}
	return nil
}

// IsProcessID reports whether the query samples the reserved process identifier counter.
func (q CounterQuery) IsProcessID() bool {
	return strings.EqualFold(q.Counter, ProcessIDCounter)
}

// MetricName composes the reported name "<category>(<instance>)/<counter>".
func (q CounterQuery) MetricName(instance string) string {
	return fmt.Sprintf("%s(%s)/%s", q.Category, instance, q.Counter)
}

// CounterRow is one row returned by a counter provider.
type CounterRow struct {
	// InstanceName is the raw "Name" column; nil when the provider returned none
	InstanceName *string

	// Value is the raw counter column, converted to a number by the agent
	Value any
}

// NewCounterRow returns a row with the given instance name and raw value.
func NewCounterRow(name string, value any) CounterRow {
	return CounterRow{InstanceName: &name, Value: value}
}

// Process is one running process as seen by a process lister.
type Process struct {
	PID         int
	CommandLine string
}

// Metric is a reported sample.
type Metric struct {
	// Name is "<category>(<instance>)/<counter>"
	Name string `json:"name"`

	// Unit is the reporting unit label
	Unit string `json:"unit"`

	// Value is the sampled value
	Value float64 `json:"value"`
}

// Connection is an open session with a counter provider for one host.
type Connection interface {
	// Host returns the host the connection was opened for
	Host() string

	// Close releases the session
	Close() error
}

// PlatformPayload is the body posted to the platform metrics endpoint.
type PlatformPayload struct {
	Agent      PlatformAgent       `json:"agent"`
	Components []PlatformComponent `json:"components"`
}

// PlatformAgent identifies the reporting agent process.
type PlatformAgent struct {
	Host    string `json:"host"`
	PID     int    `json:"pid"`
	Version string `json:"version"`
}

// PlatformComponent carries the metrics of one monitored host.
type PlatformComponent struct {
	Name     string             `json:"name"`
	GUID     string             `json:"guid"`
	Duration int                `json:"duration"`
	Metrics  map[string]float64 `json:"metrics"`
}

// Sample is a reported metric together with the agent that reported it.
type Sample struct {
	// Agent is the display name of the reporting agent
	Agent string `json:"agent"`

	Metric

	// CollectedAt is the time the metric was reported
	CollectedAt time.Time `json:"collected_at"`
}
