// Package bus provides the async event bus that decouples the scheduler
// from observers of task lifecycle changes.
package bus

import (
	"context"
	"sync"
	"time"
)

// TaskEvent describes one task lifecycle transition.
type TaskEvent struct {
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	AgentID   string    `json:"agent_id,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans task events out to subscribers. Publishing never blocks the
// scheduler: when the buffer is full the event is dropped.
type Bus struct {
	events chan TaskEvent
	subs   []func(TaskEvent)
	mu     sync.RWMutex
}

// New creates a bus with a bounded event buffer.
func New() *Bus {
	return &Bus{events: make(chan TaskEvent, 256)}
}

// Publish enqueues an event for dispatch.
func (b *Bus) Publish(evt TaskEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case b.events <- evt:
	default:
	}
}

// Subscribe registers a callback for every dispatched event. Callbacks run
// on the dispatcher goroutine and must not block.
func (b *Bus) Subscribe(fn func(TaskEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Dispatch runs the event dispatcher. This should be run as a goroutine.
func (b *Bus) Dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-b.events:
			b.mu.RLock()
			subs := b.subs
			b.mu.RUnlock()
			for _, fn := range subs {
				fn(evt)
			}
		}
	}
}

// Pending returns the number of undelivered events.
func (b *Bus) Pending() int {
	return len(b.events)
}
