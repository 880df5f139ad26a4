package agent

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	internalerrors "github.com/Schera-ole/perfmon/internal/errors"
	models "github.com/Schera-ole/perfmon/internal/model"
)

// PidLabels maps a process identifier to the logical owner of the process.
type PidLabels map[int]string

// CorrelationIndex derives owner labels for running processes from their command lines.
type CorrelationIndex struct {
	lister      ProcessLister
	processName string
	pattern     *regexp.Regexp
	group       int
	logger      *zap.SugaredLogger
}

// NewCorrelationIndex creates an index listing processes named processName
// and extracting owner labels with pattern, matched case-insensitively.
//
// A nil lister yields an index that always builds an empty table.
func NewCorrelationIndex(lister ProcessLister, processName, pattern string, logger *zap.SugaredLogger) (*CorrelationIndex, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid label pattern %q: %w", pattern, err)
	}
	if re.NumSubexp() == 0 {
		return nil, fmt.Errorf("label pattern %q has no capture group", pattern)
	}
	group := re.SubexpIndex("label")
	if group < 0 {
		group = 1
	}

	return &CorrelationIndex{
		lister:      lister,
		processName: processName,
		pattern:     re,
		group:       group,
		logger:      logger,
	}, nil
}

// Build lists the matching processes on conn and returns their owner labels.
//
// Processes whose command line does not match the pattern are recorded with
// an empty label.
func (c *CorrelationIndex) Build(ctx context.Context, conn models.Connection) (PidLabels, error) {
	labels := make(PidLabels)
	if c.lister == nil {
		return labels, nil
	}

	processes, err := c.lister.ListProcesses(ctx, conn, c.processName)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %w", internalerrors.ErrCorrelationBuild, c.processName, err)
	}

	for _, p := range processes {
		labels[p.PID] = c.Label(p.CommandLine)
		c.logger.Debugf("Application pool %q stored with process id %d", labels[p.PID], p.PID)
	}
	return labels, nil
}

// Label extracts the owner label from a command line, or "" when it does not match.
func (c *CorrelationIndex) Label(commandLine string) string {
	m := c.pattern.FindStringSubmatch(commandLine)
	if m == nil {
		return ""
	}
	return m[c.group]
}
