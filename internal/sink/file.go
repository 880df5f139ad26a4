package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// FileStorage appends reported samples of one agent to a file, one JSON object per line.
type FileStorage struct {
	path   string
	agent  string
	logger *zap.SugaredLogger
	buf    buffer
	open   func(path string) (io.WriteCloser, error)

	// mu serializes writers sharing the file within the process
	mu *sync.Mutex
}

var fileLocks sync.Map

// NewFileStorage creates a file sink appending samples of agent to path.
func NewFileStorage(path, agent string, logger *zap.SugaredLogger) *FileStorage {
	lock, _ := fileLocks.LoadOrStore(path, &sync.Mutex{})
	return &FileStorage{
		path:   path,
		agent:  agent,
		logger: logger,
		mu:     lock.(*sync.Mutex),
		open:   openAppend,
	}
}

func openAppend(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// Report buffers a sample until the next Flush.
func (f *FileStorage) Report(name, unit string, value float64) {
	f.buf.add(f.agent, name, unit, value)
}

// Flush appends the buffered samples to the file. A failure to close the file
// is reported since buffered writes may be lost with it.
func (f *FileStorage) Flush(_ context.Context) (err error) {
	samples := f.buf.drain()
	if len(samples) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := f.open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", f.path, err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close file %s: %w", f.path, closeErr)
		}
	}()

	encoder := json.NewEncoder(file)
	for _, s := range samples {
		if err := encoder.Encode(s); err != nil {
			return fmt.Errorf("failed to write sample %s: %w", s.Name, err)
		}
	}
	f.logger.Debugf("Wrote %d samples of %s to %s", len(samples), f.agent, f.path)
	return nil
}
