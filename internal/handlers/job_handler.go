package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/curo/internal/interfaces"
	"github.com/ternarybob/curo/internal/jobs"
	"github.com/ternarybob/curo/internal/models"
)

// CreateJobRequest is the payload of POST /api/jobs
type CreateJobRequest struct {
	Type        string                 `json:"type" validate:"required"`
	Name        string                 `json:"name" validate:"required,max=200"`
	Description string                 `json:"description,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	ProjectRef  string                 `json:"project_ref,omitempty"`
	Operations  []OperationSpecRequest `json:"operations" validate:"required,min=1,dive"`
	Config      models.JobConfig       `json:"config"`
}

// OperationSpecRequest declares one operation at creation time
type OperationSpecRequest struct {
	Type  string          `json:"type,omitempty"`
	Name  string          `json:"name" validate:"required,max=200"`
	Input json.RawMessage `json:"input,omitempty"`
}

// RetryRequest is the payload of POST /api/jobs/{id}/retry
type RetryRequest struct {
	OperationIDs []string `json:"operation_ids,omitempty"`
	MaxRetries   int      `json:"max_retries,omitempty" validate:"omitempty,min=1,max=10"`
}

// CancelRequest is the payload of POST /api/jobs/{id}/cancel
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// JobHandler serves the /api/jobs surface
type JobHandler struct {
	manager         *jobs.Manager
	validate        *validator.Validate
	logger          arbor.ILogger
	defaultParallel int
}

// NewJobHandler creates a job handler backed by the given manager.
// defaultParallel is the pool size applied to parallel jobs that omit
// max_parallel.
func NewJobHandler(manager *jobs.Manager, logger arbor.ILogger, defaultParallel int) *JobHandler {
	return &JobHandler{
		manager:         manager,
		validate:        validator.New(),
		logger:          logger,
		defaultParallel: defaultParallel,
	}
}

// CreateJob handles POST /api/jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	specs := make([]models.OperationSpec, len(req.Operations))
	for i, op := range req.Operations {
		specs[i] = models.OperationSpec{
			Type:  models.OperationType(op.Type),
			Name:  op.Name,
			Input: op.Input,
		}
	}

	if req.Config.Parallel && req.Config.MaxParallel == 0 {
		req.Config.MaxParallel = h.defaultParallel
	}

	job := models.NewJob(models.JobType(req.Type), req.Name, specs, req.Config)
	job.Description = req.Description
	job.Tags = req.Tags
	job.ProjectRef = req.ProjectRef

	if err := h.manager.CreateJob(r.Context(), job); err != nil {
		h.logger.Warn().Str("type", req.Type).Err(err).Msg("Job creation rejected")
		WriteDomainError(w, err)
		return
	}

	// The executor owns the job record from here on; respond with the
	// creation facts rather than a racing read of the live record.
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":           job.ID,
		"status":           string(models.JobStatusQueued),
		"total_operations": len(job.Operations),
	})
}

// ListJobs handles GET /api/jobs with optional status/type/project_ref
// filters and limit/offset pagination.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset := GetPaginationParams(r)
	opts := &interfaces.JobListOptions{
		Status:     r.URL.Query().Get("status"),
		Type:       r.URL.Query().Get("type"),
		ProjectRef: r.URL.Query().Get("project_ref"),
		Limit:      limit,
		Offset:     offset,
	}

	list, total := h.manager.ListJobs(opts)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":        list,
		"total_count": total,
		"limit":       limit,
		"offset":      offset,
	})
}

// GetJob handles GET /api/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.manager.GetJob(r.Context(), jobID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// GetProgress handles GET /api/jobs/{id}/progress
func (h *JobHandler) GetProgress(w http.ResponseWriter, r *http.Request, jobID string) {
	progress, status, err := h.manager.GetProgress(jobID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":   jobID,
		"status":   string(status),
		"progress": progress,
	})
}

// CancelJob handles POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	var req CancelRequest
	if r.Body != nil {
		// The reason is optional; an empty body is a valid cancel
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.manager.CancelJob(r.Context(), jobID, req.Reason); err != nil {
		WriteDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status": string(models.JobStatusCancelled),
		"job_id": jobID,
	})
}

// RetryJob handles POST /api/jobs/{id}/retry
func (h *JobHandler) RetryJob(w http.ResponseWriter, r *http.Request, jobID string) {
	var req RetryRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	retried, err := h.manager.RetryFailed(r.Context(), jobID, req.OperationIDs, req.MaxRetries)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	// A retry that resets nothing leaves the job in its terminal state
	status := models.JobStatusQueued
	if retried == 0 {
		if job, err := h.manager.GetJob(r.Context(), jobID); err == nil {
			status = job.Status
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":        string(status),
		"job_id":        jobID,
		"retried_count": retried,
		"message":       fmt.Sprintf("%d operation(s) queued for retry", retried),
	})
}

// DeleteJob handles DELETE /api/jobs/{id}
func (h *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := h.manager.DeleteJob(r.Context(), jobID); err != nil {
		WriteDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetStatistics handles GET /api/jobs/statistics
func (h *JobHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.manager.Statistics())
}
