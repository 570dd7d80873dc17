package notify

import (
	"context"
)

// Sink receives team notifications and broadcast events.
type Sink interface {
	// NotifyAll posts a message visible to the whole team.
	NotifyAll(ctx context.Context, n Notification)
	// Broadcast publishes a live event to subscribers.
	Broadcast(ctx context.Context, eventType EventType, taskID string, payload any)
}

// Multi fans every call out to each sink in order.
type Multi []Sink

var _ Sink = Multi(nil)

// NotifyAll forwards to every sink.
func (m Multi) NotifyAll(ctx context.Context, n Notification) {
	for _, s := range m {
		if s != nil {
			s.NotifyAll(ctx, n)
		}
	}
}

// Broadcast forwards to every sink.
func (m Multi) Broadcast(ctx context.Context, eventType EventType, taskID string, payload any) {
	for _, s := range m {
		if s != nil {
			s.Broadcast(ctx, eventType, taskID, payload)
		}
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) NotifyAll(context.Context, Notification) {}
func (Nop) Broadcast(context.Context, EventType, string, any) {}
