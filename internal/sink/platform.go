package sink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	internalerrors "github.com/Schera-ole/perfmon/internal/errors"
	models "github.com/Schera-ole/perfmon/internal/model"
)

// DefaultPlatformURL is the metrics endpoint of the plugin platform.
const DefaultPlatformURL = "https://platform-api.newrelic.com/platform/v1/metrics"

// PlatformConfig configures a Platform publisher.
type PlatformConfig struct {
	URL        string
	LicenseKey string

	// Key signs the compressed body with HMAC-SHA256 when set
	Key string

	// Component is the component name, the agent display name
	Component string
	GUID      string
	Version   string

	// PollInterval is reported as the duration of the first batch
	PollInterval time.Duration
}

// Platform publishes buffered metrics to the plugin platform.
type Platform struct {
	config PlatformConfig
	client *http.Client
	logger *zap.SugaredLogger
	buf    buffer
	delays []time.Duration
	host   string
	pid    int
	now    func() time.Time

	// mu guards lastFlush
	mu        sync.Mutex
	lastFlush time.Time
}

// NewPlatform creates a Platform publisher; a nil client means http.DefaultClient.
func NewPlatform(config PlatformConfig, client *http.Client, logger *zap.SugaredLogger) *Platform {
	if config.URL == "" {
		config.URL = DefaultPlatformURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	host, _ := os.Hostname()
	return &Platform{
		config: config,
		client: client,
		logger: logger,
		delays: defaultDelays,
		host:   host,
		pid:    os.Getpid(),
		now:    time.Now,
	}
}

// Report buffers a metric until the next Flush.
func (p *Platform) Report(name, unit string, value float64) {
	p.buf.add(p.config.Component, name, unit, value)
}

// Flush posts the buffered metrics. A batch that cannot be delivered is dropped.
func (p *Platform) Flush(ctx context.Context) error {
	samples := p.buf.drain()
	if len(samples) == 0 {
		return nil
	}

	now := p.now()
	payload := p.payload(samples, now)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error creating json: %w", err)
	}
	compressedData, err := compress(jsonData)
	if err != nil {
		return err
	}
	var hash string
	if p.config.Key != "" {
		hash = countHashString(compressedData, p.config.Key)
	}

	err = retry(ctx, p.delays, p.logger, func() (bool, error) {
		return p.send(ctx, compressedData, hash)
	})
	if err != nil {
		p.logger.Errorf("Dropping %d metrics of %s: %v", len(samples), p.config.Component, err)
		return fmt.Errorf("%w: %s: %w", internalerrors.ErrPublishFailed, p.config.Component, err)
	}

	p.mu.Lock()
	p.lastFlush = now
	p.mu.Unlock()
	p.logger.Debugf("Published %d metrics of %s", len(samples), p.config.Component)
	return nil
}

func (p *Platform) payload(samples []models.Sample, now time.Time) models.PlatformPayload {
	metrics := make(map[string]float64, len(samples))
	for _, s := range samples {
		metrics[fmt.Sprintf("Component/%s[%s]", s.Name, s.Unit)] = s.Value
	}

	return models.PlatformPayload{
		Agent: models.PlatformAgent{
			Host:    p.host,
			PID:     p.pid,
			Version: p.config.Version,
		},
		Components: []models.PlatformComponent{{
			Name:     p.config.Component,
			GUID:     p.config.GUID,
			Duration: p.duration(now),
			Metrics:  metrics,
		}},
	}
}

// duration returns whole seconds since the last delivered batch.
func (p *Platform) duration(now time.Time) int {
	p.mu.Lock()
	last := p.lastFlush
	p.mu.Unlock()

	if last.IsZero() {
		return int(p.config.PollInterval.Round(time.Second) / time.Second)
	}
	return int(now.Sub(last).Round(time.Second) / time.Second)
}

// send makes one delivery attempt and reports whether a failure is worth retrying.
func (p *Platform) send(ctx context.Context, body []byte, hash string) (bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("error creating request for %s: %w", p.config.URL, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Content-Encoding", "gzip")
	request.Header.Set("X-License-Key", p.config.LicenseKey)
	if hash != "" {
		request.Header.Set("HashSHA256", hash)
	}

	response, err := p.client.Do(request)
	if err != nil {
		return ctx.Err() == nil && isRetryableError(err), fmt.Errorf("error sending request for %s: %w", p.config.URL, err)
	}
	respBody, err := io.ReadAll(response.Body)
	response.Body.Close()
	if err != nil {
		return true, fmt.Errorf("error reading response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return false, nil
	}
	err = fmt.Errorf("server returned error status %d: %s", response.StatusCode, string(respBody))
	// 5xx responses are retried, anything else is final
	return response.StatusCode >= 500 && response.StatusCode < 600, err
}

func compress(data []byte) ([]byte, error) {
	var compressedData bytes.Buffer
	gzipWriter := gzip.NewWriter(&compressedData)
	if _, err := gzipWriter.Write(data); err != nil {
		return nil, fmt.Errorf("error compressing data: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, fmt.Errorf("error closing gzip writer: %w", err)
	}
	return compressedData.Bytes(), nil
}

func countHash(compressedBody []byte, key string) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(compressedBody)
	return h.Sum(nil)
}

func countHashString(compressedBody []byte, key string) string {
	return fmt.Sprintf("%x", countHash(compressedBody, key))
}
