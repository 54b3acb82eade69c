package jobs

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/curo/internal/models"
)

// OperationHandler executes one operation of a given type. Implementations
// must be safe for concurrent invocation and should be idempotent (or
// document that they are not), since a retry re-invokes them with the same
// input.
type OperationHandler interface {
	// Type returns the tag this handler is dispatched on
	Type() models.OperationType

	// Execute runs one operation and returns its result payload. Returned
	// errors are recorded on the operation; they never abort the executor.
	Execute(ctx context.Context, op *models.Operation) (json.RawMessage, error)
}

// Registry is the dispatch table from operation type to handler
type Registry struct {
	handlers map[models.OperationType]OperationHandler
	mu       sync.RWMutex
	logger   arbor.ILogger
}

// NewRegistry creates an empty handler registry
func NewRegistry(logger arbor.ILogger) *Registry {
	return &Registry{
		handlers: make(map[models.OperationType]OperationHandler),
		logger:   logger,
	}
}

// Register adds a handler, replacing any previous handler for the same type
func (r *Registry) Register(handler OperationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[handler.Type()] = handler
	r.logger.Debug().
		Str("operation_type", string(handler.Type())).
		Msg("Operation handler registered")
}

// Get returns the handler for an operation type
func (r *Registry) Get(opType models.OperationType) (OperationHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[opType]
	return handler, ok
}

// ResolveForJob builds the handler table a job needs: one entry for the
// job's own type plus one per distinct operation type. A missing handler is
// a caller bug and fails the whole job with a ConfigurationError.
func (r *Registry) ResolveForJob(job *models.Job) (map[models.OperationType]OperationHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resolved := make(map[models.OperationType]OperationHandler)

	jobType := models.OperationType(job.Type)
	handler, ok := r.handlers[jobType]
	if !ok {
		return nil, &models.ConfigurationError{Type: string(job.Type)}
	}
	resolved[jobType] = handler

	for i := range job.Operations {
		opType := job.Operations[i].Type
		if _, ok := resolved[opType]; ok {
			continue
		}
		handler, ok := r.handlers[opType]
		if !ok {
			return nil, &models.ConfigurationError{Type: string(opType)}
		}
		resolved[opType] = handler
	}

	return resolved, nil
}
