// Package monitor serves the worker's health and metrics endpoints.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iac-studio/featurebranch/pkg/logger"
)

// ReadyFunc reports whether the worker's dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

type status struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewRouter mounts /healthz, /readyz and /metrics. ready may be nil.
func NewRouter(ready ReadyFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(chimid.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, status{Status: "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				logger.L().Warn("readiness check failed", zap.Error(err))
				writeStatus(w, http.StatusServiceUnavailable, status{Status: "unavailable", Error: err.Error()})
				return
			}
		}
		writeStatus(w, http.StatusOK, status{Status: "ready"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// NewServer wraps NewRouter in an http.Server with the timeouts the worker uses.
func NewServer(addr string, ready ReadyFunc) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(ready),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
}

func writeStatus(w http.ResponseWriter, code int, s status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(s)
}
