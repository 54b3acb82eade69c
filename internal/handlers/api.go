package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/curo/internal/common"
	"github.com/ternarybob/curo/internal/interfaces"
)

// APIHandler serves the service-level endpoints: health, version, status
type APIHandler struct {
	storage   interfaces.JobStorage
	logger    arbor.ILogger
	startedAt time.Time
}

func NewAPIHandler(storage interfaces.JobStorage, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		storage:   storage,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// HealthHandler handles GET /api/health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "curo",
	})
}

// VersionHandler handles GET /api/version
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetFullVersion(),
	})
}

// StatusHandler handles GET /api/status with runtime counters
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	storedJobs, err := h.storage.CountJobs(r.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to count stored jobs")
		storedJobs = -1
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "running",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"stored_jobs":    storedJobs,
		"goroutines":     common.GetGoroutineCount(),
	})
}

// NotFoundHandler is the fallback for unknown API routes
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "Not found: "+r.URL.Path)
}
