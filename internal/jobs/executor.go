package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/curo/internal/common"
	"github.com/ternarybob/curo/internal/models"
)

// -----------------------------------------------------------------------
// Executor drives job execution. Each submitted job gets one scheduler
// goroutine that walks the pending operations either sequentially or
// through a bounded worker pool, reporting every transition back to the
// manager. Handlers never see the manager; they only receive an operation
// copy and return a result or an error.
// -----------------------------------------------------------------------

type Executor struct {
	manager  *Manager
	registry *Registry
	logger   arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExecutor creates an executor bound to a manager and handler registry
func NewExecutor(manager *Manager, registry *Registry, logger arbor.ILogger) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		manager:  manager,
		registry: registry,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit schedules a job for execution and returns immediately
func (e *Executor) Submit(ctx context.Context, jobID string) {
	e.manager.MarkJobQueued(ctx, jobID)

	e.wg.Add(1)
	common.SafeGo(e.logger, "job-executor:"+jobID, func() {
		defer e.wg.Done()
		e.run(jobID)
	})
}

// Stop cancels the root handler context and waits for in-flight jobs to
// drain, or for ctx to expire.
func (e *Executor) Stop(ctx context.Context) error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor shutdown timed out: %w", ctx.Err())
	}
}

func (e *Executor) run(jobID string) {
	ctx := e.ctx

	snapshot, err := e.manager.GetJob(ctx, jobID)
	if err != nil {
		e.logger.Error().Str("job_id", jobID).Err(err).Msg("Submitted job not found")
		return
	}

	handlers, err := e.registry.ResolveForJob(snapshot)
	if err != nil {
		e.manager.FailJob(ctx, jobID, err)
		return
	}

	if !snapshot.HasRunnableOperations() {
		// Every operation already reached a terminal state, which can
		// happen when a recovered job was persisted mid-resolution.
		e.manager.ResolveJob(ctx, jobID)
		return
	}

	if !e.manager.MarkJobRunning(ctx, jobID) {
		// A cancel beat the scheduler to the job. The cancel path has
		// already skipped and resolved it; nothing left to do here.
		e.manager.SkipPendingOperations(ctx, jobID)
		e.manager.ResolveJob(ctx, jobID)
		return
	}

	pending := pendingOperationIDs(snapshot)
	if snapshot.Config.Parallel {
		e.runParallel(ctx, jobID, snapshot.Config, pending, handlers)
	} else {
		e.runSequential(ctx, jobID, snapshot.Config, pending, handlers)
	}

	e.manager.SkipPendingOperations(ctx, jobID)
	e.manager.ResolveJob(ctx, jobID)
}

// runSequential executes operations one at a time in declaration order
func (e *Executor) runSequential(ctx context.Context, jobID string, config models.JobConfig, pending []string, handlers map[models.OperationType]OperationHandler) {
	for _, opID := range pending {
		if e.manager.IsCancelled(jobID) {
			return
		}

		failed, ok := e.runOperation(ctx, jobID, opID, handlers)
		if !ok {
			continue
		}
		if failed && config.StopOnError {
			return
		}
	}
}

// runParallel executes operations through a pool of max_parallel workers.
// The feed channel is unbuffered so an operation is handed over only when
// a worker is free to start it immediately; at most max_parallel
// operations are ever in flight.
func (e *Executor) runParallel(ctx context.Context, jobID string, config models.JobConfig, pending []string, handlers map[models.OperationType]OperationHandler) {
	var stopped atomic.Bool
	feed := make(chan string)
	var workers sync.WaitGroup

	for i := 0; i < config.MaxParallel; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for opID := range feed {
				if stopped.Load() || e.manager.IsCancelled(jobID) {
					continue
				}
				failed, ok := e.runOperation(ctx, jobID, opID, handlers)
				if ok && failed && config.StopOnError {
					stopped.Store(true)
				}
			}
		}()
	}

	for _, opID := range pending {
		if stopped.Load() || e.manager.IsCancelled(jobID) {
			break
		}
		feed <- opID
	}
	close(feed)
	workers.Wait()
}

// runOperation drives a single operation through its handler. The second
// return reports whether the operation actually ran; the first whether it
// failed. Handler panics are contained and recorded as failures.
func (e *Executor) runOperation(ctx context.Context, jobID, opID string, handlers map[models.OperationType]OperationHandler) (failed, ran bool) {
	op, err := e.manager.BeginOperation(ctx, jobID, opID)
	if err != nil {
		// The operation was skipped or removed after scheduling
		return false, false
	}

	handler := handlers[op.Type]
	result, execErr := e.invoke(ctx, handler, op)
	e.manager.FinishOperation(ctx, jobID, opID, result, execErr)
	return execErr != nil, true
}

func (e *Executor) invoke(ctx context.Context, handler OperationHandler, op *models.Operation) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation handler panicked: %v", r)
			result = nil
			e.logger.Error().
				Str("operation_id", op.ID).
				Str("operation_type", string(op.Type)).
				Msg("Recovered panic in operation handler")
		}
	}()

	return handler.Execute(ctx, op)
}

func pendingOperationIDs(job *models.Job) []string {
	ids := make([]string, 0, len(job.Operations))
	for i := range job.Operations {
		if job.Operations[i].Status == models.OperationStatusPending {
			ids = append(ids, job.Operations[i].ID)
		}
	}
	return ids
}
