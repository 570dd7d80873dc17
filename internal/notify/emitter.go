package notify

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Emitter delivers events to an in-process subscriber over a buffered
// channel. When the channel stays full the event is dropped.
type Emitter struct {
	events       chan Event
	droppedCount atomic.Uint64
	closeOnce    sync.Once
	closed       atomic.Bool
}

var _ Sink = (*Emitter)(nil)

// NewEmitter creates a new Emitter with the given buffer size.
func NewEmitter(bufferSize int) *Emitter {
	return &Emitter{
		events: make(chan Event, bufferSize),
	}
}

// NotifyAll mirrors the notification as an EventNotification.
func (e *Emitter) NotifyAll(_ context.Context, n Notification) {
	e.Emit(Event{Type: EventNotification, TaskID: n.TaskID, Payload: n})
}

// Broadcast emits an event.
func (e *Emitter) Broadcast(_ context.Context, eventType EventType, taskID string, payload any) {
	e.Emit(Event{Type: eventType, TaskID: taskID, Payload: payload})
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *Emitter) Emit(event Event) {
	if e.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	// Give the receiver a chance to drain
	select {
	case e.events <- event:
		return
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			log.Printf("[notify] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close stops emission and closes the events channel.
// Emit must not race with Close.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.events)
	})
}
