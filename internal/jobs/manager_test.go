package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ternarybob/curo/internal/interfaces"
	"github.com/ternarybob/curo/internal/models"
)

// insertJob places a job directly into the manager map, bypassing the
// executor, for tests that exercise state transitions in isolation.
func (e *testEnv) insertJob(job *models.Job) {
	e.manager.mu.Lock()
	e.manager.jobs[job.ID] = job
	e.manager.mu.Unlock()
}

func buildJob(jobType models.JobType, status models.JobStatus, opNames ...string) *models.Job {
	specs := make([]models.OperationSpec, len(opNames))
	for i, name := range opNames {
		specs[i] = models.OperationSpec{Name: name}
	}
	job := models.NewJob(jobType, "fixture", specs, models.JobConfig{})
	job.Status = status
	return job
}

func TestRetryFailedResetsOperations(t *testing.T) {
	env := newTestEnv(t)

	var failFirst int32 = 1
	env.register(models.JobTypeMultiTargetValidation, func(ctx context.Context, op *models.Operation) (json.RawMessage, error) {
		if op.Name == "flaky" && atomic.SwapInt32(&failFirst, 0) == 1 {
			return nil, fmt.Errorf("transient fault")
		}
		return json.RawMessage(`{}`), nil
	})

	job := env.createJob(t, models.JobTypeMultiTargetValidation, models.JobConfig{}, "steady", "flaky")
	first := env.waitTerminal(t, job.ID)
	if first.Status != models.JobStatusPartialSuccess {
		t.Fatalf("Setup: status = %s, want partial_success", first.Status)
	}

	retried, err := env.manager.RetryFailed(context.Background(), job.ID, nil, 0)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if retried != 1 {
		t.Errorf("retried = %d, want 1", retried)
	}

	final := env.waitTerminal(t, job.ID)
	if final.Status != models.JobStatusCompleted {
		t.Errorf("Status after retry = %s, want completed", final.Status)
	}
	if final.FinishedAt == nil {
		t.Error("Expected finished_at after retry run")
	}

	for _, op := range final.Operations {
		switch op.Name {
		case "flaky":
			if op.RetryCount != 1 {
				t.Errorf("flaky retry_count = %d, want 1", op.RetryCount)
			}
			if op.Error != "" {
				t.Errorf("Expected cleared error, got %q", op.Error)
			}
		case "steady":
			// Completed operations are untouched by retry
			if op.RetryCount != 0 {
				t.Errorf("steady retry_count = %d, want 0", op.RetryCount)
			}
		}
	}
}

func TestRetryRespectsCeiling(t *testing.T) {
	env := newTestEnv(t)

	job := buildJob(models.JobTypePipelineExecution, models.JobStatusFailed, "op1")
	job.Operations[0].Status = models.OperationStatusFailed
	job.Operations[0].RetryCount = 2
	env.insertJob(job)

	// Ceiling of 2 is already reached; nothing to retry, job stays put
	retried, err := env.manager.RetryFailed(context.Background(), job.ID, nil, 2)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if retried != 0 {
		t.Errorf("retried = %d, want 0", retried)
	}

	got, _ := env.manager.GetJob(context.Background(), job.ID)
	if got.Status != models.JobStatusFailed {
		t.Errorf("No-op retry changed status to %s", got.Status)
	}
}

func TestRetryOnRunningJobConflicts(t *testing.T) {
	env := newTestEnv(t)

	job := buildJob(models.JobTypePipelineExecution, models.JobStatusRunning, "op1")
	env.insertJob(job)

	if _, err := env.manager.RetryFailed(context.Background(), job.ID, nil, 0); !errors.Is(err, models.ErrJobConflict) {
		t.Errorf("Expected ErrJobConflict, got %v", err)
	}
}

func TestRetryUnknownOperation(t *testing.T) {
	env := newTestEnv(t)

	job := buildJob(models.JobTypePipelineExecution, models.JobStatusFailed, "op1")
	env.insertJob(job)

	if _, err := env.manager.RetryFailed(context.Background(), job.ID, []string{"nope"}, 0); !errors.Is(err, models.ErrOperationNotFound) {
		t.Errorf("Expected ErrOperationNotFound, got %v", err)
	}
}

func TestCancelQueuedJobResolvesImmediately(t *testing.T) {
	env := newTestEnv(t)

	job := buildJob(models.JobTypeDataGeneration, models.JobStatusQueued, "a", "b")
	env.insertJob(job)

	if err := env.manager.CancelJob(context.Background(), job.ID, "never started"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	got, _ := env.manager.GetJob(context.Background(), job.ID)
	if got.Status != models.JobStatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("Expected finished_at on a cancelled job")
	}
	for _, op := range got.Operations {
		if op.Status != models.OperationStatusSkipped {
			t.Errorf("Operation %s = %s, want skipped", op.Name, op.Status)
		}
	}
}

func TestCancelFlagClearedOnResolution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Inline resolution of a queued job drops the flag with it.
	queued := buildJob(models.JobTypeDataGeneration, models.JobStatusQueued, "a")
	env.insertJob(queued)
	if err := env.manager.CancelJob(ctx, queued.ID, "never started"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	// A running job keeps the flag until ResolveJob settles it.
	running := buildJob(models.JobTypePipelineExecution, models.JobStatusRunning, "a")
	running.Operations[0].Status = models.OperationStatusCompleted
	env.insertJob(running)
	if err := env.manager.CancelJob(ctx, running.ID, "mid-flight"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if !env.manager.IsCancelled(running.ID) {
		t.Fatal("Expected cancel flag while the job is still running")
	}

	env.manager.ResolveJob(ctx, running.ID)
	got, _ := env.manager.GetJob(ctx, running.ID)
	if got.Status != models.JobStatusCancelled {
		t.Fatalf("Status = %s, want cancelled", got.Status)
	}

	env.manager.mu.RLock()
	remaining := len(env.manager.cancelled)
	env.manager.mu.RUnlock()
	if remaining != 0 {
		t.Errorf("Cancel flag entries after resolution = %d, want 0", remaining)
	}
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	env := newTestEnv(t)

	job := buildJob(models.JobTypeDataGeneration, models.JobStatusCompleted, "a")
	env.insertJob(job)

	if err := env.manager.CancelJob(context.Background(), job.ID, ""); !errors.Is(err, models.ErrJobConflict) {
		t.Errorf("Expected ErrJobConflict, got %v", err)
	}
	if err := env.manager.CancelJob(context.Background(), "missing", ""); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestDeleteJobRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	running := buildJob(models.JobTypePipelineExecution, models.JobStatusRunning, "a")
	done := buildJob(models.JobTypePipelineExecution, models.JobStatusCompleted, "a")
	env.insertJob(running)
	env.insertJob(done)
	env.storage.SaveJob(ctx, done)

	if err := env.manager.DeleteJob(ctx, running.ID); !errors.Is(err, models.ErrJobConflict) {
		t.Errorf("Deleting a running job: got %v, want ErrJobConflict", err)
	}

	if err := env.manager.DeleteJob(ctx, done.ID); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if _, err := env.manager.GetJob(ctx, done.ID); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Expected deleted job to be gone, got %v", err)
	}

	if err := env.manager.DeleteJob(ctx, "missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestListJobsFiltersAndPaginates(t *testing.T) {
	env := newTestEnv(t)

	base := time.Now()
	for i := 0; i < 5; i++ {
		job := buildJob(models.JobTypePipelineExecution, models.JobStatusCompleted, "a")
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		job.Name = fmt.Sprintf("pipeline-%d", i)
		env.insertJob(job)
	}
	other := buildJob(models.JobTypeDataGeneration, models.JobStatusFailed, "a")
	other.ProjectRef = "proj-9"
	other.CreatedAt = base.Add(time.Hour)
	env.insertJob(other)

	all, total := env.manager.ListJobs(nil)
	if total != 6 || len(all) != 6 {
		t.Fatalf("ListJobs(nil) = %d/%d, want 6/6", len(all), total)
	}
	// Newest first
	if all[0].Type != models.JobTypeDataGeneration {
		t.Errorf("Expected newest job first, got %s", all[0].Name)
	}

	byStatus, total := env.manager.ListJobs(&interfaces.JobListOptions{Status: "failed"})
	if total != 1 || byStatus[0].Status != models.JobStatusFailed {
		t.Errorf("Status filter returned %d jobs", total)
	}

	byProject, total := env.manager.ListJobs(&interfaces.JobListOptions{ProjectRef: "proj-9"})
	if total != 1 {
		t.Errorf("ProjectRef filter returned %d jobs", total)
	}
	_ = byProject

	page, total := env.manager.ListJobs(&interfaces.JobListOptions{Type: "pipeline-execution", Limit: 2, Offset: 2})
	if total != 5 {
		t.Errorf("Filtered total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Errorf("Page size = %d, want 2", len(page))
	}
	if page[0].Name != "pipeline-2" {
		t.Errorf("Page start = %s, want pipeline-2", page[0].Name)
	}

	beyond, _ := env.manager.ListJobs(&interfaces.JobListOptions{Offset: 50})
	if len(beyond) != 0 {
		t.Errorf("Offset past the end returned %d jobs", len(beyond))
	}
}

func TestStatistics(t *testing.T) {
	env := newTestEnv(t)

	env.insertJob(buildJob(models.JobTypePipelineExecution, models.JobStatusCompleted, "a"))
	env.insertJob(buildJob(models.JobTypePipelineExecution, models.JobStatusFailed, "a"))
	env.insertJob(buildJob(models.JobTypeDataGeneration, models.JobStatusCompleted, "a"))

	stats := env.manager.Statistics()
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.ByStatus["completed"] != 2 || stats.ByStatus["failed"] != 1 {
		t.Errorf("ByStatus = %v", stats.ByStatus)
	}
	if stats.ByType["pipeline-execution"] != 2 || stats.ByType["data-generation"] != 1 {
		t.Errorf("ByType = %v", stats.ByType)
	}
}

func TestGetProgressUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.manager.GetProgress("missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestRecoverInterruptedResetsRunningOperations(t *testing.T) {
	env := newTestEnv(t)
	env.register(models.JobTypePipelineExecution, okHandler)

	// Simulate a job that was mid-flight when the previous process died
	job := buildJob(models.JobTypePipelineExecution, models.JobStatusRunning, "done", "interrupted", "waiting")
	job.Operations[0].Status = models.OperationStatusCompleted
	job.Operations[1].Status = models.OperationStatusRunning
	env.storage.SaveJob(context.Background(), job)

	if err := env.manager.LoadJobs(context.Background()); err != nil {
		t.Fatalf("LoadJobs failed: %v", err)
	}
	if recovered := env.manager.RecoverInterrupted(context.Background()); recovered != 1 {
		t.Fatalf("RecoverInterrupted = %d, want 1", recovered)
	}

	final := env.waitTerminal(t, job.ID)
	if final.Status != models.JobStatusCompleted {
		t.Errorf("Status = %s, want completed", final.Status)
	}
	// The completed operation kept its outcome and was not re-run
	if final.Operations[0].Status != models.OperationStatusCompleted {
		t.Errorf("Recovered job re-ran a completed operation")
	}
}
