package notify

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conclave/internal/state"
)

// MessageWriter is the slice of the store the store sink needs.
type MessageWriter interface {
	CreateMessage(m *state.Message) error
}

// StoreSink persists notifications to the message log. Broadcast events
// are live-only and are not stored.
type StoreSink struct {
	store MessageWriter
}

var _ Sink = (*StoreSink)(nil)

// NewStoreSink creates a sink backed by the message log.
func NewStoreSink(store MessageWriter) *StoreSink {
	return &StoreSink{store: store}
}

// NotifyAll writes the notification to the message log.
func (s *StoreSink) NotifyAll(_ context.Context, n Notification) {
	msgType := n.MessageType
	if msgType == "" {
		msgType = MessageStatus
	}
	err := s.store.CreateMessage(&state.Message{
		ID:          uuid.New().String(),
		TaskID:      n.TaskID,
		MessageType: msgType,
		Content:     n.Content,
	})
	if err != nil {
		log.Printf("[notify] failed to store message for task %s: %v", n.TaskID, err)
	}
}

// Broadcast is a no-op for the store sink.
func (s *StoreSink) Broadcast(context.Context, EventType, string, any) {}
