package events

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/curo/internal/interfaces"
)

func TestSubscribeRejectsNilHandler(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	if err := svc.Subscribe(interfaces.EventJobCreated, nil); err == nil {
		t.Error("Expected error for nil handler")
	}
}

func TestPublishSyncDeliversToAllSubscribers(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	var calls int32
	handler := func(ctx context.Context, event interfaces.Event) error {
		if event.Type != interfaces.EventJobStatusChange {
			t.Errorf("Event type = %s", event.Type)
		}
		atomic.AddInt32(&calls, 1)
		return nil
	}
	svc.Subscribe(interfaces.EventJobStatusChange, handler)
	svc.Subscribe(interfaces.EventJobStatusChange, handler)

	err := svc.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobStatusChange,
		Payload: map[string]string{"job_id": "job_1"},
	})
	if err != nil {
		t.Fatalf("PublishSync failed: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("Handler calls = %d, want 2", got)
	}
}

func TestPublishSyncReturnsHandlerError(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	svc.Subscribe(interfaces.EventJobProgress, func(ctx context.Context, event interfaces.Event) error {
		return fmt.Errorf("broadcast failed")
	})

	if err := svc.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventJobProgress}); err == nil {
		t.Error("Expected handler error to propagate")
	}
}

func TestPublishIsAsync(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	done := make(chan struct{})
	svc.Subscribe(interfaces.EventOperationCompleted, func(ctx context.Context, event interfaces.Event) error {
		close(done)
		return nil
	})

	if err := svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventOperationCompleted}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handler was never invoked")
	}
}

func TestPublishSurvivesPanickingSubscriber(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	done := make(chan struct{})
	svc.Subscribe(interfaces.EventJobStatusChange, func(ctx context.Context, event interfaces.Event) error {
		panic("subscriber blew up")
	})
	svc.Subscribe(interfaces.EventJobStatusChange, func(ctx context.Context, event interfaces.Event) error {
		close(done)
		return nil
	})

	if err := svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobStatusChange}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Healthy subscriber was never invoked")
	}
}

func TestPublishSkipsDeliveryWhenContextCancelled(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	var calls int32
	svc.Subscribe(interfaces.EventJobProgress, func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := svc.Publish(ctx, interfaces.Event{Type: interfaces.EventJobProgress}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("Handler calls = %d, want 0 after cancel", got)
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	if err := svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobCreated}); err != nil {
		t.Errorf("Publish failed: %v", err)
	}
	if err := svc.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventJobCreated}); err != nil {
		t.Errorf("PublishSync failed: %v", err)
	}
}
