// Package middlewareinternal provides HTTP middleware for the agent status server.
package middlewareinternal

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// AccessLog logs every status request at debug level. Requests are keyed by
// the matched route pattern so lookups of different metrics group together,
// and the agent whose metrics were read is logged when the route names one.
func AccessLog(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []any{
				"route", routePattern(r),
				"method", r.Method,
				"remote", r.RemoteAddr,
				"status", status,
				"bytes", ww.BytesWritten(),
				"elapsed", time.Since(start),
			}
			if agent := chi.URLParam(r, "agent"); agent != "" {
				fields = append(fields, "agent", agent)
			}
			logger.Debugw("status request", fields...)
		})
	}
}

// routePattern falls back to the raw path for requests no route matched.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// compressible reports whether a status response of contentType is worth
// compressing. Everything the status routes emit is JSON or plain text.
func compressible(contentType string) bool {
	return strings.HasPrefix(contentType, "application/json") || strings.HasPrefix(contentType, "text/")
}

// compressWriter decides on compression when the status line is written, once
// the handler has set the content type.
type compressWriter struct {
	http.ResponseWriter
	gz      *gzip.Writer
	head    bool
	decided bool
	active  bool
}

func (w *compressWriter) WriteHeader(code int) {
	if !w.decided {
		w.decided = true
		w.active = !w.head && code != http.StatusNoContent && code != http.StatusNotModified &&
			compressible(w.Header().Get("Content-Type"))
		if w.active {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Del("Content-Length")
			w.gz.Reset(w.ResponseWriter)
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *compressWriter) Write(b []byte) (int, error) {
	if !w.decided {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", http.DetectContentType(b))
		}
		w.WriteHeader(http.StatusOK)
	}
	if w.active {
		return w.gz.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *compressWriter) close() error {
	if !w.active {
		return nil
	}
	return w.gz.Close()
}

// Compress gzips JSON and text status responses for clients that accept gzip.
func Compress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Accept-Encoding")

		gz := gzipWriterPool.Get().(*gzip.Writer)
		cw := &compressWriter{ResponseWriter: w, gz: gz, head: r.Method == http.MethodHead}
		defer func() {
			cw.close()
			gz.Reset(io.Discard)
			gzipWriterPool.Put(gz)
		}()
		next.ServeHTTP(cw, r)
	})
}
