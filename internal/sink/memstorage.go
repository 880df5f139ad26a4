package sink

import (
	"sort"
	"sync"
	"time"

	internalerrors "github.com/Schera-ole/perfmon/internal/errors"
	models "github.com/Schera-ole/perfmon/internal/model"
)

type metricKey struct {
	agent string
	name  string
}

// MemStorage keeps the latest reported value of every metric in memory.
type MemStorage struct {
	// mu provides thread-safe access to the storage map
	mu sync.RWMutex

	// latest stores the last sample per agent and metric name
	latest map[metricKey]models.Sample
}

// NewMemStorage creates an empty in-memory storage.
func NewMemStorage() *MemStorage {
	return &MemStorage{
		latest: make(map[metricKey]models.Sample),
	}
}

// ForAgent returns a Reporter storing metrics under the given agent name.
func (ms *MemStorage) ForAgent(agent string) Reporter {
	return &agentStorage{storage: ms, agent: agent}
}

type agentStorage struct {
	storage *MemStorage
	agent   string
}

func (s *agentStorage) Report(name, unit string, value float64) {
	s.storage.SetMetric(s.agent, name, unit, value)
}

// SetMetric replaces the stored value of a metric.
func (ms *MemStorage) SetMetric(agent, name, unit string, value float64) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.latest[metricKey{agent: agent, name: name}] = models.Sample{
		Agent:       agent,
		Metric:      models.Metric{Name: name, Unit: unit, Value: value},
		CollectedAt: time.Now(),
	}
}

// GetMetric returns the latest sample of a metric.
func (ms *MemStorage) GetMetric(agent, name string) (models.Sample, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	sample, exists := ms.latest[metricKey{agent: agent, name: name}]
	if !exists {
		return models.Sample{}, internalerrors.ErrMetricNotFound
	}
	return sample, nil
}

// ListMetrics returns the latest samples ordered by agent and metric name.
func (ms *MemStorage) ListMetrics() []models.Sample {
	ms.mu.RLock()
	result := make([]models.Sample, 0, len(ms.latest))
	for _, sample := range ms.latest {
		result = append(result, sample)
	}
	ms.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Agent != result[j].Agent {
			return result[i].Agent < result[j].Agent
		}
		return result[i].Name < result[j].Name
	})
	return result
}
