package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/curo/internal/interfaces"
	"github.com/ternarybob/curo/internal/models"
)

// -----------------------------------------------------------------------
// Manager owns the authoritative in-memory job map. Every mutation goes
// through it under a single lock, is written through to storage, and is
// announced on the event service. Storage write failures during execution
// are logged and tolerated; memory stays authoritative until the next
// successful write.
// -----------------------------------------------------------------------

type Manager struct {
	mu        sync.RWMutex
	jobs      map[string]*models.Job
	cancelled map[string]bool

	storage    interfaces.JobStorage
	events     interfaces.EventService
	executor   *Executor
	logger     arbor.ILogger
	maxRetries int
}

// NewManager creates a manager backed by the given storage. maxRetries is
// the retry ceiling applied when a retry request does not carry its own.
func NewManager(storage interfaces.JobStorage, events interfaces.EventService, logger arbor.ILogger, maxRetries int) *Manager {
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Manager{
		jobs:       make(map[string]*models.Job),
		cancelled:  make(map[string]bool),
		storage:    storage,
		events:     events,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// SetExecutor wires the executor after construction. The manager and
// executor reference each other, so one side has to be attached late.
func (m *Manager) SetExecutor(executor *Executor) {
	m.executor = executor
}

// LoadJobs reads every stored job into memory. Called once at startup
// before the HTTP server accepts traffic.
func (m *Manager) LoadJobs(ctx context.Context) error {
	stored, err := m.storage.ListJobs(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to load jobs from storage: %w", err)
	}

	m.mu.Lock()
	for _, job := range stored {
		m.jobs[job.ID] = job
	}
	m.mu.Unlock()

	m.logger.Info().Int("count", len(stored)).Msg("Jobs loaded from storage")
	return nil
}

// RecoverInterrupted finds jobs that were mid-flight when the process last
// stopped, resets their running operations to pending, and resubmits them.
// Completed, failed and skipped operations keep their recorded outcomes.
func (m *Manager) RecoverInterrupted(ctx context.Context) int {
	var resubmit []string

	m.mu.Lock()
	for id, job := range m.jobs {
		if job.Status.IsTerminal() {
			continue
		}

		reset := 0
		for i := range job.Operations {
			op := &job.Operations[i]
			if op.Status == models.OperationStatusRunning {
				op.Status = models.OperationStatusPending
				op.StartedAt = nil
				reset++
			}
		}

		job.Status = models.JobStatusQueued
		job.Progress = CalculateProgress(job)
		m.persistLocked(ctx, job)

		m.logger.Info().
			Str("job_id", id).
			Int("reset_operations", reset).
			Msg("Recovering interrupted job")
		resubmit = append(resubmit, id)
	}
	m.mu.Unlock()

	for _, id := range resubmit {
		m.executor.Submit(ctx, id)
	}
	return len(resubmit)
}

// CreateJob persists a new job and hands it to the executor. Unlike the
// write-through during execution, the initial write must succeed: a job the
// caller cannot recover after a restart was never accepted.
func (m *Manager) CreateJob(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	if err := m.storage.SaveJob(ctx, job); err != nil {
		return err
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.publish(ctx, interfaces.EventJobCreated, map[string]interface{}{
		"job_id": job.ID,
		"type":   string(job.Type),
		"status": string(job.Status),
	})

	m.executor.Submit(ctx, job.ID)

	m.logger.Info().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Int("operations", len(job.Operations)).
		Bool("parallel", job.Config.Parallel).
		Msg("Job created")
	return nil
}

// GetJob returns a deep copy of a job. The in-memory map holds every known
// job after the startup load, so there is no storage read-through here.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListJobs filters and paginates the in-memory set, newest first
func (m *Manager) ListJobs(opts *interfaces.JobListOptions) ([]*models.Job, int) {
	m.mu.RLock()
	matched := make([]*models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if opts != nil {
			if opts.Status != "" && string(job.Status) != opts.Status {
				continue
			}
			if opts.Type != "" && string(job.Type) != opts.Type {
				continue
			}
			if opts.ProjectRef != "" && job.ProjectRef != opts.ProjectRef {
				continue
			}
		}
		matched = append(matched, job)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if opts != nil {
		if opts.Offset > 0 {
			if opts.Offset >= len(matched) {
				matched = nil
			} else {
				matched = matched[opts.Offset:]
			}
		}
		if opts.Limit > 0 && opts.Limit < len(matched) {
			matched = matched[:opts.Limit]
		}
	}

	result := make([]*models.Job, len(matched))
	for i, job := range matched {
		result[i] = job.Clone()
	}
	m.mu.RUnlock()

	return result, total
}

// GetProgress returns the current progress snapshot and job status
func (m *Manager) GetProgress(jobID string) (*models.JobProgress, models.JobStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, "", models.ErrJobNotFound
	}

	progress := CalculateProgress(job)
	return progress, job.Status, nil
}

// CancelJob requests cancellation. Running operations finish on their own;
// everything still pending is skipped. Cancelling a terminal job is a
// conflict.
func (m *Manager) CancelJob(ctx context.Context, jobID, reason string) error {
	m.mu.Lock()

	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return models.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		m.mu.Unlock()
		return models.ErrJobConflict
	}

	m.cancelled[jobID] = true
	job.CancelReason = reason

	skipped := 0
	for i := range job.Operations {
		if job.Operations[i].Status == models.OperationStatusPending {
			job.Operations[i].Status = models.OperationStatusSkipped
			skipped++
		}
	}

	// A job the executor never started has no goroutine to resolve it,
	// so it reaches the terminal state here. A running job settles when
	// its in-flight operations drain.
	resolvedNow := job.Status != models.JobStatusRunning
	if resolvedNow {
		job.Status = models.JobStatusCancelled
		now := time.Now()
		job.FinishedAt = &now
		delete(m.cancelled, jobID)
	}

	job.Progress = CalculateProgress(job)
	m.persistLocked(ctx, job)
	status := job.Status
	m.mu.Unlock()

	m.publish(ctx, interfaces.EventJobStatusChange, map[string]interface{}{
		"job_id": jobID,
		"status": string(status),
		"reason": reason,
	})

	m.logger.Info().
		Str("job_id", jobID).
		Str("reason", reason).
		Int("skipped_operations", skipped).
		Bool("resolved", resolvedNow).
		Msg("Job cancellation requested")
	return nil
}

// RetryFailed resets the targeted failed operations to pending and
// resubmits the job. With no explicit targets, every failed operation
// under the retry ceiling is reset. Returns the number of operations
// queued for retry; zero means the call was a no-op.
func (m *Manager) RetryFailed(ctx context.Context, jobID string, opIDs []string, maxRetries int) (int, error) {
	if maxRetries < 1 {
		maxRetries = m.maxRetries
	}

	m.mu.Lock()

	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return 0, models.ErrJobNotFound
	}
	if !job.Status.IsTerminal() {
		m.mu.Unlock()
		return 0, models.ErrJobConflict
	}

	targets := make(map[string]bool, len(opIDs))
	for _, opID := range opIDs {
		if job.Operation(opID) == nil {
			m.mu.Unlock()
			return 0, models.ErrOperationNotFound
		}
		targets[opID] = true
	}

	retried := 0
	for i := range job.Operations {
		op := &job.Operations[i]
		if op.Status != models.OperationStatusFailed {
			continue
		}
		if len(targets) > 0 && !targets[op.ID] {
			continue
		}
		if op.RetryCount >= maxRetries {
			continue
		}

		op.Status = models.OperationStatusPending
		op.Error = ""
		op.Result = nil
		op.StartedAt = nil
		op.FinishedAt = nil
		op.RetryCount++
		retried++
	}

	if retried == 0 {
		m.mu.Unlock()
		return 0, nil
	}

	delete(m.cancelled, jobID)
	job.Status = models.JobStatusQueued
	job.FinishedAt = nil
	job.Error = ""
	job.CancelReason = ""
	job.Progress = CalculateProgress(job)
	m.persistLocked(ctx, job)
	m.mu.Unlock()

	m.publish(ctx, interfaces.EventJobStatusChange, map[string]interface{}{
		"job_id": jobID,
		"status": string(models.JobStatusQueued),
	})

	m.executor.Submit(ctx, jobID)

	m.logger.Info().
		Str("job_id", jobID).
		Int("retried_operations", retried).
		Msg("Failed operations queued for retry")
	return retried, nil
}

// DeleteJob removes a job from storage and memory. A running job cannot be
// deleted; cancel it first.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	m.mu.Lock()

	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return models.ErrJobNotFound
	}
	if job.Status == models.JobStatusRunning || job.Status == models.JobStatusQueued {
		m.mu.Unlock()
		return models.ErrJobConflict
	}

	if err := m.storage.DeleteJob(ctx, jobID); err != nil {
		m.mu.Unlock()
		return err
	}

	delete(m.jobs, jobID)
	delete(m.cancelled, jobID)
	m.mu.Unlock()

	m.logger.Info().Str("job_id", jobID).Msg("Job deleted")
	return nil
}

// Statistics aggregates counts across all known jobs. It is computed on
// demand from the in-memory map, never cached.
func (m *Manager) Statistics() *models.JobStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &models.JobStatistics{
		Total:    len(m.jobs),
		ByStatus: make(map[string]int),
		ByType:   make(map[string]int),
	}
	for _, job := range m.jobs {
		stats.ByStatus[string(job.Status)]++
		stats.ByType[string(job.Type)]++
	}
	return stats
}

// IsCancelled reports whether cancellation was requested for a job. The
// executor polls this between operations.
func (m *Manager) IsCancelled(jobID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancelled[jobID]
}

// -----------------------------------------------------------------------
// Executor-facing mutations. Each takes the lock, applies one state
// transition, recomputes progress, and writes through.
// -----------------------------------------------------------------------

// MarkJobQueued transitions a pending job to queued at submission time
func (m *Manager) MarkJobQueued(ctx context.Context, jobID string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != models.JobStatusPending {
		m.mu.Unlock()
		return
	}
	job.Status = models.JobStatusQueued
	m.persistLocked(ctx, job)
	m.mu.Unlock()

	m.publish(ctx, interfaces.EventJobStatusChange, map[string]interface{}{
		"job_id": jobID,
		"status": string(models.JobStatusQueued),
	})
}

// MarkJobRunning transitions a queued job to running. Returns false when
// the job is already terminal (a cancel won the race) or unknown, in which
// case the executor must not run any operations.
func (m *Manager) MarkJobRunning(ctx context.Context, jobID string) bool {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status.IsTerminal() || m.cancelled[jobID] {
		m.mu.Unlock()
		return false
	}

	job.Status = models.JobStatusRunning
	if job.StartedAt == nil {
		now := time.Now()
		job.StartedAt = &now
	}
	m.persistLocked(ctx, job)
	m.mu.Unlock()

	m.publish(ctx, interfaces.EventJobStatusChange, map[string]interface{}{
		"job_id": jobID,
		"status": string(models.JobStatusRunning),
	})
	return true
}

// BeginOperation transitions one pending operation to running and returns
// a copy for the handler to consume. Returns ErrJobConflict when the
// operation is no longer pending, which happens when a cancel skipped it
// after the executor picked it up.
func (m *Manager) BeginOperation(ctx context.Context, jobID, opID string) (*models.Operation, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return nil, models.ErrJobNotFound
	}
	op := job.Operation(opID)
	if op == nil {
		m.mu.Unlock()
		return nil, models.ErrOperationNotFound
	}
	if op.Status != models.OperationStatusPending {
		m.mu.Unlock()
		return nil, models.ErrJobConflict
	}

	op.Status = models.OperationStatusRunning
	now := time.Now()
	op.StartedAt = &now
	op.FinishedAt = nil

	job.Progress = CalculateProgress(job)
	m.persistLocked(ctx, job)
	opCopy := *op
	progress := job.Progress
	m.mu.Unlock()

	m.publishProgress(ctx, jobID, progress)
	return &opCopy, nil
}

// FinishOperation records the outcome of a handler invocation. A nil
// opErr marks the operation completed with the given result; otherwise it
// is marked failed and the error text recorded.
func (m *Manager) FinishOperation(ctx context.Context, jobID, opID string, result json.RawMessage, opErr error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	op := job.Operation(opID)
	if op == nil {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	op.FinishedAt = &now
	if opErr != nil {
		op.Status = models.OperationStatusFailed
		op.Error = opErr.Error()
		op.Result = nil
	} else {
		op.Status = models.OperationStatusCompleted
		op.Result = result
	}

	job.Progress = CalculateProgress(job)
	m.persistLocked(ctx, job)
	status := string(op.Status)
	progress := job.Progress
	m.mu.Unlock()

	m.publish(ctx, interfaces.EventOperationCompleted, map[string]interface{}{
		"job_id":       jobID,
		"operation_id": opID,
		"status":       status,
	})
	m.publishProgress(ctx, jobID, progress)

	if opErr != nil {
		m.logger.Warn().
			Str("job_id", jobID).
			Str("operation_id", opID).
			Err(opErr).
			Msg("Operation failed")
	}
}

// SkipPendingOperations marks every still-pending operation skipped.
// Called after a stop-on-error trip or a cancellation drains the pool.
func (m *Manager) SkipPendingOperations(ctx context.Context, jobID string) int {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return 0
	}

	skipped := 0
	for i := range job.Operations {
		if job.Operations[i].Status == models.OperationStatusPending {
			job.Operations[i].Status = models.OperationStatusSkipped
			skipped++
		}
	}
	if skipped > 0 {
		job.Progress = CalculateProgress(job)
		m.persistLocked(ctx, job)
	}
	m.mu.Unlock()
	return skipped
}

// ResolveJob settles the terminal status once no operations remain
// runnable. Cancellation wins over everything; otherwise all-completed is
// Completed, any completions alongside failures is PartialSuccess, and a
// run with no completions at all is Failed.
func (m *Manager) ResolveJob(ctx context.Context, jobID string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}

	counts := job.CountByStatus()
	total := len(job.Operations)

	var status models.JobStatus
	switch {
	case m.cancelled[jobID]:
		status = models.JobStatusCancelled
	case counts[models.OperationStatusCompleted] == total:
		status = models.JobStatusCompleted
	case counts[models.OperationStatusCompleted] > 0:
		status = models.JobStatusPartialSuccess
	default:
		status = models.JobStatusFailed
	}

	job.Status = status
	now := time.Now()
	job.FinishedAt = &now
	job.Progress = CalculateProgress(job)
	m.persistLocked(ctx, job)
	// The terminal status now carries the cancellation outcome, so the
	// flag entry is no longer needed.
	delete(m.cancelled, jobID)
	m.mu.Unlock()

	m.publish(ctx, interfaces.EventJobStatusChange, map[string]interface{}{
		"job_id": jobID,
		"status": string(status),
	})

	m.logger.Info().
		Str("job_id", jobID).
		Str("status", string(status)).
		Int("completed", counts[models.OperationStatusCompleted]).
		Int("failed", counts[models.OperationStatusFailed]).
		Int("skipped", counts[models.OperationStatusSkipped]).
		Msg("Job resolved")
}

// FailJob terminates a job before any operation ran, recording the error
// and skipping everything still pending. Used for configuration failures
// such as an unregistered operation type.
func (m *Manager) FailJob(ctx context.Context, jobID string, jobErr error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}

	for i := range job.Operations {
		if job.Operations[i].Status == models.OperationStatusPending {
			job.Operations[i].Status = models.OperationStatusSkipped
		}
	}

	job.Status = models.JobStatusFailed
	job.Error = jobErr.Error()
	now := time.Now()
	job.FinishedAt = &now
	job.Progress = CalculateProgress(job)
	m.persistLocked(ctx, job)
	delete(m.cancelled, jobID)
	m.mu.Unlock()

	m.publish(ctx, interfaces.EventJobStatusChange, map[string]interface{}{
		"job_id": jobID,
		"status": string(models.JobStatusFailed),
		"error":  jobErr.Error(),
	})

	m.logger.Error().
		Str("job_id", jobID).
		Err(jobErr).
		Msg("Job failed before execution")
}

// persistLocked writes a job through to storage. Must be called with the
// lock held. During execution a failed write is logged and tolerated;
// memory remains authoritative and a later write will catch storage up.
func (m *Manager) persistLocked(ctx context.Context, job *models.Job) {
	if err := m.storage.SaveJob(ctx, job); err != nil {
		m.logger.Warn().
			Str("job_id", job.ID).
			Err(err).
			Msg("Storage write failed, in-memory state remains authoritative")
	}
}

func (m *Manager) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		m.logger.Warn().Str("event", string(eventType)).Err(err).Msg("Event publish failed")
	}
}

func (m *Manager) publishProgress(ctx context.Context, jobID string, progress *models.JobProgress) {
	m.publish(ctx, interfaces.EventJobProgress, map[string]interface{}{
		"job_id":   jobID,
		"progress": progress,
	})
}
