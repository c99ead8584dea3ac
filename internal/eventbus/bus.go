// Package eventbus is an in-process publish/subscribe bus used to let
// observers (the CLI, tests) watch device-session changes without holding a
// reference to the session's mutable state.
package eventbus

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// EventType names a kind of session event.
type EventType string

const (
	EventDeviceDiscovered   EventType = "device.discovered"
	EventDeviceConnected    EventType = "device.connected"
	EventDeviceDisconnected EventType = "device.disconnected"
	EventCommandSent        EventType = "command.sent"
)

// Event is a single notification published on the bus.
type Event struct {
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	DeviceID   string    `json:"device_id,omitempty"`
	DeviceName string    `json:"device_name,omitempty"`
	Status     int       `json:"status,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Handler is a callback invoked when an event is received. Handlers run on
// the publisher's goroutine and must not call back into the session manager.
type Handler func(ctx context.Context, event Event)

type subscription struct {
	id      uint64
	types   []EventType // empty matches every type
	handler Handler
}

func (s subscription) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Bus delivers events synchronously, one at a time, to subscribers in
// subscription order. Events therefore reach every handler in publish order.
type Bus struct {
	// deliver serializes Publish so handlers never run concurrently.
	deliver sync.Mutex

	mu     sync.Mutex
	subs   []subscription
	nextID uint64
	closed bool

	logger *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Publish hands event to every matching subscriber and returns once they have
// all run. Panicking handlers are recovered and logged.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.deliver.Lock()
	defer b.deliver.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := slices.Clone(b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.wants(event.Type) {
			b.call(ctx, event, sub)
		}
	}
}

func (b *Bus) call(ctx context.Context, event Event, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(ctx, event)
}

// Subscribe registers handler for the given event types, or for every event
// when none are given. Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Handler, types ...EventType) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, types: types, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
	}
}

// Close drops later publishes and waits for an in-flight delivery to finish.
// Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	// Wait out a delivery already in progress.
	b.deliver.Lock()
	defer b.deliver.Unlock()
}
