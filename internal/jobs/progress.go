package jobs

import (
	"time"

	"github.com/ternarybob/curo/internal/models"
)

// CalculateProgress derives a progress snapshot from the current operation
// states. It is a pure function of the job and never mutates it; callers
// assign the result to job.Progress while holding the manager lock.
func CalculateProgress(job *models.Job) *models.JobProgress {
	progress := &models.JobProgress{
		Total: len(job.Operations),
	}

	var running []string
	var completedDuration time.Duration
	for i := range job.Operations {
		op := &job.Operations[i]
		switch op.Status {
		case models.OperationStatusCompleted:
			progress.Completed++
			completedDuration += op.Duration()
		case models.OperationStatusFailed:
			progress.Failed++
		case models.OperationStatusSkipped:
			progress.Skipped++
		case models.OperationStatusRunning:
			progress.Running++
			running = append(running, op.ID)
		default:
			progress.Pending++
		}
	}

	if progress.Total > 0 {
		finished := progress.Completed + progress.Failed + progress.Skipped
		progress.PercentComplete = float64(finished) * 100 / float64(progress.Total)
	}

	progress.CurrentOperations = running
	if len(running) > 0 {
		progress.CurrentOperation = running[0]
	}

	// Remaining-time estimate uses the mean duration of completed
	// operations, extrapolated over the operations that have not started.
	// Running operations are excluded: they are already partway done.
	// Until one operation completes there is nothing to extrapolate from,
	// so the field stays unset.
	if progress.Completed > 0 && progress.Pending > 0 {
		avg := completedDuration / time.Duration(progress.Completed)
		remaining := avg * time.Duration(progress.Pending)
		ms := remaining.Milliseconds()
		progress.EstimatedTimeRemainingMS = &ms
	}

	return progress
}
