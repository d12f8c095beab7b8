// Package events provides the in-process pub/sub bus used to announce job and
// safety lifecycle transitions. Delivery is fire-and-forget: at most once per
// publish call, no durability, no cross-process fanout.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published by the scheduler and the emergency coordinator.
const (
	TypeJobStarted     = "job_started"
	TypeJobProgress    = "job_progress"
	TypeJobCompleted   = "job_completed"
	TypeJobFailed      = "job_failed"
	TypeEmergencyStop  = "emergency_stop"
	TypeInterlockAlarm = "interlock_alarm"
)

// Event is one lifecycle announcement.
type Event struct {
	Type      string
	Source    string
	Data      map[string]any
	Timestamp time.Time
}

// Handler consumes published events. Handlers run synchronously on the
// publisher's goroutine; panics are recovered so a broken subscriber cannot
// take down the publisher.
type Handler func(Event)

const recentCap = 256

// Bus is a thread-safe in-process event bus with a bounded per-type buffer of
// recent events.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	recent   map[string][]Event
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		recent:   make(map[string][]Event),
		logger:   logger,
	}
}

// Subscribe registers a handler for the given event type.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
	b.mu.Unlock()
}

// Publish delivers the event to all current subscribers of its type and
// appends it to the recent-events buffer.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	buf := append(b.recent[ev.Type], ev)
	if len(buf) > recentCap {
		buf = buf[len(buf)-recentCap:]
	}
	b.recent[ev.Type] = buf
	handlers := make([]Handler, len(b.handlers[ev.Type]))
	copy(handlers, b.handlers[ev.Type])
	b.mu.Unlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}

// Recent returns the buffered events of the given type, oldest first.
func (b *Bus) Recent(eventType string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.recent[eventType]))
	copy(out, b.recent[eventType])
	return out
}
