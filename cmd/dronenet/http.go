package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/salahayoub/dronenet/pkg/engine"
	"github.com/salahayoub/dronenet/pkg/telemetry"
	"github.com/salahayoub/dronenet/pkg/types"
)

// StatusSource is the read side of an engine served over HTTP.
type StatusSource interface {
	Snapshot() engine.Snapshot
}

// StatusHandler handles GET /status.
type StatusHandler struct {
	source StatusSource
}

// NewStatusHandler creates a StatusHandler reading from source.
func NewStatusHandler(source StatusSource) *StatusHandler {
	return &StatusHandler{source: source}
}

// ServeHTTP returns the node's network view as JSON.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.NewStatusResponse(h.source.Snapshot()))
}

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status  string `json:"status"`
	DroneID uint16 `json:"drone_id"`
	State   string `json:"state"`
}

// NewRouter mounts /healthz, /status and, when metrics is non-nil, /metrics.
func NewRouter(source StatusSource, metrics *telemetry.Metrics, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := source.Snapshot()
		writeJSON(w, http.StatusOK, healthResponse{
			Status:  "ok",
			DroneID: uint16(snap.ID),
			State:   snap.State.String(),
		})
	})
	r.Method(http.MethodGet, "/status", NewStatusHandler(source))

	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}
	return r
}

// requestLogger logs each request at debug level.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
