package interfaces

import "context"

// EventType identifies a category of internal event
type EventType string

const (
	// EventJobCreated fires when a job record is first persisted
	EventJobCreated EventType = "job_created"

	// EventJobStatusChange fires on every job status transition
	EventJobStatusChange EventType = "job_status_change"

	// EventJobProgress fires after each operation update (high frequency;
	// the WebSocket layer throttles it before broadcast)
	EventJobProgress EventType = "job_progress"

	// EventOperationCompleted fires when an operation reaches a terminal
	// status
	EventOperationCompleted EventType = "operation_completed"
)

// Event is a single pub/sub message
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler processes a published event
type EventHandler func(ctx context.Context, event Event) error

// EventService provides in-process publish/subscribe for job lifecycle
// events.
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler) error
	Publish(ctx context.Context, event Event) error
	PublishSync(ctx context.Context, event Event) error
}
