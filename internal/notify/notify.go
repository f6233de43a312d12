// ABOUTME: Typed outbound events emitted by the engine and the human queue
// ABOUTME: Notifier is the delivery boundary; Multi fans one event out to several notifiers

package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType names an outbound event.
type EventType string

// EventStateChanged is emitted for committed transitions and session
// resets. Messages held in the escalated state do not emit it.
const (
	EventStateChanged   EventType = "state_changed"
	EventQueueCreated   EventType = "queue_created"
	EventQueueClaimed   EventType = "queue_claimed"
	EventQueueRenewed   EventType = "queue_renewed"
	EventQueueReleased  EventType = "queue_released"
	EventQueueResolved  EventType = "queue_resolved"
	EventQueueCancelled EventType = "queue_cancelled"
)

// Event is one notification. Payload carries the fields relevant to Type.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	WorkspaceID string         `json:"workspace_id"`
	CustomerID  string         `json:"customer_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(t EventType, workspaceID, customerID string, payload map[string]any) *Event {
	return &Event{
		ID:          uuid.New().String(),
		Type:        t,
		WorkspaceID: workspaceID,
		CustomerID:  customerID,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}

// Notifier delivers events. Implementations must not block for long; the
// core logs delivery errors and carries on.
type Notifier interface {
	Notify(ctx context.Context, ev *Event) error
}

// Multi delivers each event to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, ev *Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, *Event) error { return nil }

// Recorder keeps events in memory. Used in tests.
type Recorder struct {
	ch chan *Event
}

// NewRecorder creates a recorder buffering up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan *Event, size)}
}

// Notify implements Notifier. Events beyond the buffer are dropped.
func (r *Recorder) Notify(_ context.Context, ev *Event) error {
	select {
	case r.ch <- ev:
	default:
	}
	return nil
}

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []*Event {
	var out []*Event
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
