package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"docbatch/internal/database"
	"docbatch/internal/metrics"
	"docbatch/internal/models"
	"docbatch/internal/storage"
)

// ProfileReader is the authenticated remote call used as a liveness check.
type ProfileReader interface {
	Profile(ctx context.Context) (*models.Profile, error)
}

// HealthHandler handles health check requests
type HealthHandler struct {
	logger  *zap.Logger
	history database.Store
	sink    storage.Sink
	remote  ProfileReader
	metrics *metrics.Metrics
}

// NewHealthHandler creates a new health check handler. sink and remote may
// be nil; their checks are then skipped.
func NewHealthHandler(logger *zap.Logger, history database.Store, sink storage.Sink, remote ProfileReader, m *metrics.Metrics) *HealthHandler {
	if history == nil {
		history = database.NopStore{}
	}
	return &HealthHandler{
		logger:  logger,
		history: history,
		sink:    sink,
		remote:  remote,
		metrics: m,
	}
}

type healthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Version string            `json:"version,omitempty"`
}

// Health returns health status (checks dependencies)
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	check := func(component string, err error) {
		if err == nil {
			checks[component] = "ok"
			h.metrics.HealthStatus.WithLabelValues(component).Set(1)
			return
		}
		checks[component] = "unavailable"
		allHealthy = false
		h.metrics.HealthStatus.WithLabelValues(component).Set(0)
		h.metrics.HealthChecksFailed.WithLabelValues(component).Inc()
		h.logger.Warn("health check failed", zap.String("component", component), zap.Error(err))
	}

	check("history", h.checkHistory(ctx))
	if h.sink != nil {
		check("output", h.sink.HealthCheck(ctx))
	}
	if h.remote != nil {
		_, err := h.remote.Profile(ctx)
		check("remote", err)
	}

	w.Header().Set("Content-Type", "application/json")
	if !allHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(healthResponse{
		Status:  map[bool]string{true: "healthy", false: "unhealthy"}[allHealthy],
		Checks:  checks,
		Version: "1.0.0",
	})
}

// checkHistory looks up a batch that never exists; not-found means the
// store answered.
func (h *HealthHandler) checkHistory(ctx context.Context) error {
	_, err := h.history.GetBatch(ctx, "__health_check__")
	if err == nil || errors.Is(err, database.ErrNotFound) {
		return nil
	}
	return err
}
