// Package bus is the in-process event spine connecting the syncer, the
// dispatcher, and the chat bridge without import cycles. Publishers drop
// events on buffered queues; consumers pull with context cancellation.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// SyncEvent is the outcome of one documentation sync pass.
type SyncEvent struct {
	RunID   string   `json:"run_id"`
	Added   []string `json:"added,omitempty"`
	Changed []string `json:"changed,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// DispatchEvent is the outcome of one analyzer dispatch.
type DispatchEvent struct {
	Trigger   string `json:"trigger"`
	Name      string `json:"name"`
	ContextID string `json:"context_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	ExitCode  int    `json:"exit_code"`
	Err       string `json:"error,omitempty"`
}

// Notification is an outbound chat intent raised host-side (dispatch
// failures, sync anomalies) rather than by the sandbox.
type Notification struct {
	ThreadKey string `json:"thread_key,omitempty"`
	Summary   string `json:"summary"`
	Body      string `json:"body,omitempty"`
	ContextID string `json:"context_id,omitempty"`
	// LowPriority notifications never open a fresh thread root.
	LowPriority bool `json:"low_priority,omitempty"`
}

// EventHandler receives broadcast events.
type EventHandler func(name string, payload any)

// Bus routes events between the host-side services. All methods are safe
// for concurrent use. Publishing never blocks: a full queue drops the
// oldest event and logs it.
type Bus struct {
	syncQ     chan SyncEvent
	dispatchQ chan DispatchEvent
	notifyQ   chan Notification

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates a bus with the given per-queue depth.
func New(depth int) *Bus {
	if depth <= 0 {
		depth = 64
	}
	return &Bus{
		syncQ:     make(chan SyncEvent, depth),
		dispatchQ: make(chan DispatchEvent, depth),
		notifyQ:   make(chan Notification, depth),
		handlers:  make(map[string]EventHandler),
	}
}

// PublishSync queues a sync outcome.
func (b *Bus) PublishSync(ev SyncEvent) { publish(b, b.syncQ, "sync", ev) }

// ConsumeSync blocks for the next sync outcome; false on cancellation.
func (b *Bus) ConsumeSync(ctx context.Context) (SyncEvent, bool) { return consume(ctx, b.syncQ) }

// PublishDispatch queues a dispatch outcome.
func (b *Bus) PublishDispatch(ev DispatchEvent) { publish(b, b.dispatchQ, "dispatch", ev) }

// ConsumeDispatch blocks for the next dispatch outcome.
func (b *Bus) ConsumeDispatch(ctx context.Context) (DispatchEvent, bool) {
	return consume(ctx, b.dispatchQ)
}

// PublishNotification queues a host-side chat intent.
func (b *Bus) PublishNotification(n Notification) { publish(b, b.notifyQ, "notify", n) }

// ConsumeNotification blocks for the next chat intent.
func (b *Bus) ConsumeNotification(ctx context.Context) (Notification, bool) {
	return consume(ctx, b.notifyQ)
}

// Subscribe registers a broadcast handler under id, replacing any
// previous handler with the same id.
func (b *Bus) Subscribe(id string, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = h
}

// Unsubscribe removes a handler.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers an event to every subscriber synchronously, in
// unspecified order.
func (b *Bus) Broadcast(name string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(name, payload)
	}
}

func publish[T any](b *Bus, q chan T, kind string, ev T) {
	for {
		select {
		case q <- ev:
			b.Broadcast(kind, ev)
			return
		default:
		}
		select {
		case dropped := <-q:
			slog.Warn("bus queue full, dropping oldest", "queue", kind, "dropped", dropped)
		default:
		}
	}
}

func consume[T any](ctx context.Context, q chan T) (T, bool) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, false
	case ev, ok := <-q:
		return ev, ok
	}
}
