package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// publisher is the part of *nats.Conn the broadcaster uses.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSBroadcaster publishes events and notifications as JSON on
// <subject>.<event type>.
type NATSBroadcaster struct {
	conn    *nats.Conn
	pub     publisher
	subject string
}

var _ Sink = (*NATSBroadcaster)(nil)

// NewNATSBroadcaster connects to url and publishes under subject.
func NewNATSBroadcaster(url, subject string) (*NATSBroadcaster, error) {
	conn, err := nats.Connect(url,
		nats.Name("conclave"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	b := newNATSBroadcaster(conn, subject)
	b.conn = conn
	return b, nil
}

func newNATSBroadcaster(pub publisher, subject string) *NATSBroadcaster {
	if subject == "" {
		subject = "conclave.events"
	}
	return &NATSBroadcaster{pub: pub, subject: subject}
}

// NotifyAll publishes the notification on <subject>.notification.
func (b *NATSBroadcaster) NotifyAll(ctx context.Context, n Notification) {
	b.publish(ctx, Event{Type: EventNotification, TaskID: n.TaskID, Payload: n})
}

// Broadcast publishes the event on <subject>.<eventType>.
func (b *NATSBroadcaster) Broadcast(ctx context.Context, eventType EventType, taskID string, payload any) {
	b.publish(ctx, Event{Type: eventType, TaskID: taskID, Payload: payload})
}

func (b *NATSBroadcaster) publish(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}
	ev.Timestamp = time.Now()
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[notify] marshal %s event: %v", ev.Type, err)
		return
	}
	subject := b.subject + "." + string(ev.Type)
	if err := b.pub.Publish(subject, data); err != nil {
		log.Printf("[notify] publish %s: %v", subject, err)
	}
}

// Close drains and closes the NATS connection.
func (b *NATSBroadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Drain()
}
