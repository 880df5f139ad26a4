package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// metricNameParam returns the unescaped metric name matched by the route wildcard.
// Metric names contain slashes and parentheses, so they may arrive escaped.
func metricNameParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "*")
	name, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("invalid metric name %q: %w", raw, err)
	}
	if name == "" {
		return "", fmt.Errorf("metric name is empty")
	}
	return name, nil
}

func writeJSON(w http.ResponseWriter, v any, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("failed to encode response: %v", err)
	}
}
