// ABOUTME: In-memory fan-out of notifier events to per-workspace subscribers
// ABOUTME: Feeds operator consoles over server-sent events without polling

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Broadcaster provides in-memory pub/sub keyed by workspace id.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // workspaceID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events of one workspace. The subscription is
// removed and its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, workspaceID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[workspaceID]; !ok {
		b.subscribers[workspaceID] = make(map[string]chan *Event)
	}
	b.subscribers[workspaceID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "workspace_id", workspaceID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(workspaceID, subID)
	}()

	return ch, subID
}

// Notify implements Notifier by publishing to the event's workspace.
func (b *Broadcaster) Notify(_ context.Context, ev *Event) error {
	b.Publish(ev)
	return nil
}

// Publish sends an event to all subscribers of its workspace.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-send; they never block.
	for subID, ch := range b.subscribers[ev.WorkspaceID] {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"workspace_id", ev.WorkspaceID,
				"sub_id", subID,
				"event_id", ev.ID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(workspaceID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[workspaceID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, workspaceID)
	}

	b.logger.Debug("subscriber removed", "workspace_id", workspaceID, "sub_id", subID)
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ws, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, ws)
	}
	b.logger.Debug("broadcaster closed")
}
