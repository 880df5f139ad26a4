// Package handler serves the agent status endpoints.
package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	internalerrors "github.com/Schera-ole/perfmon/internal/errors"
	middlewareinternal "github.com/Schera-ole/perfmon/internal/middleware"
	models "github.com/Schera-ole/perfmon/internal/model"
)

// Storage exposes the latest reported metrics.
type Storage interface {
	GetMetric(agent, name string) (models.Sample, error)
	ListMetrics() []models.Sample
}

// Router builds the status router. gatherer may be nil to disable /metrics.
func Router(storage Storage, gatherer prometheus.Gatherer, logger *zap.SugaredLogger) chi.Router {
	router := chi.NewRouter()
	router.Use(middlewareinternal.AccessLog(logger))
	router.Use(middleware.StripSlashes)
	router.Use(middleware.Timeout(15 * time.Second))

	router.Group(func(r chi.Router) {
		r.Use(middlewareinternal.Compress)
		r.Get("/ping", PingHandler)
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			GetListHandler(w, r, storage, logger)
		})
		r.Get("/value/{agent}/*", func(w http.ResponseWriter, r *http.Request) {
			GetHandler(w, r, storage, logger)
		})
	})

	if gatherer != nil {
		// promhttp negotiates its own compression
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return router
}

// PingHandler reports that the agent is alive.
func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok")
}

// GetHandler writes the latest sample of one metric.
func GetHandler(w http.ResponseWriter, r *http.Request, storage Storage, logger *zap.SugaredLogger) {
	agent := chi.URLParam(r, "agent")
	name, err := metricNameParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sample, err := storage.GetMetric(agent, name)
	if err != nil {
		if errors.Is(err, internalerrors.ErrMetricNotFound) {
			http.Error(w, "Metric name not found", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to get metric: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sample, logger)
}

// GetListHandler writes the latest samples of every metric.
func GetListHandler(w http.ResponseWriter, r *http.Request, storage Storage, logger *zap.SugaredLogger) {
	writeJSON(w, storage.ListMetrics(), logger)
}
