package notify

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/conclave/internal/state"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.msgs == nil {
		f.msgs = make(map[string][][]byte)
	}
	f.msgs[subject] = append(f.msgs[subject], data)
	return nil
}

func TestStoreSink_NotifyAll(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	sink := NewStoreSink(db)
	sink.NotifyAll(context.Background(), Notification{Content: "org-wide"})
	sink.NotifyAll(context.Background(), Notification{Content: "hello", MessageType: MessageReport})

	msgs, err := db.ListMessages("", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageStatus, msgs[0].MessageType)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.Equal(t, MessageReport, msgs[1].MessageType)
}

func TestEmitter(t *testing.T) {
	e := NewEmitter(1)
	ctx := context.Background()

	e.Broadcast(ctx, EventTaskStatus, "t1", TaskStatusPayload{TaskID: "t1", From: "inbox", To: "planned"})
	// Buffer is full; this one is dropped after the grace period.
	e.NotifyAll(ctx, Notification{TaskID: "t1", Content: "dropped"})

	ev := <-e.Events()
	assert.Equal(t, EventTaskStatus, ev.Type)
	assert.Equal(t, "t1", ev.TaskID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, uint64(1), e.DroppedCount())

	e.Close()
	e.Close()
	e.Broadcast(ctx, EventRunOutput, "t1", nil)
	_, ok := <-e.Events()
	assert.False(t, ok)
}

func TestNATSBroadcaster(t *testing.T) {
	pub := &fakePublisher{}
	b := newNATSBroadcaster(pub, "")

	b.Broadcast(context.Background(), EventRunStarted, "t1", RunPayload{TaskID: "t1", PID: 42})
	b.NotifyAll(context.Background(), Notification{TaskID: "t1", Content: "started"})

	require.Len(t, pub.msgs["conclave.events.run_started"], 1)
	require.Len(t, pub.msgs["conclave.events.notification"], 1)

	var got struct {
		Type    EventType  `json:"type"`
		TaskID  string     `json:"task_id"`
		Payload RunPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(pub.msgs["conclave.events.run_started"][0], &got))
	assert.Equal(t, EventRunStarted, got.Type)
	assert.Equal(t, 42, got.Payload.PID)

	// Cancelled contexts and publish errors are swallowed.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Broadcast(ctx, EventRunStarted, "t1", nil)
	assert.Len(t, pub.msgs["conclave.events.run_started"], 1)

	pub.err = errors.New("no responders")
	b.Broadcast(context.Background(), EventRunFinished, "t1", nil)
	assert.NoError(t, b.Close())
}

type recordingSink struct {
	notes  []Notification
	events []EventType
}

func (r *recordingSink) NotifyAll(_ context.Context, n Notification) {
	r.notes = append(r.notes, n)
}

func (r *recordingSink) Broadcast(_ context.Context, t EventType, _ string, _ any) {
	r.events = append(r.events, t)
}

func TestMulti(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := Multi{a, nil, b, Nop{}}

	m.NotifyAll(context.Background(), Notification{Content: "x"})
	m.Broadcast(context.Background(), EventDelegation, "t1", nil)

	for _, s := range []*recordingSink{a, b} {
		assert.Len(t, s.notes, 1)
		assert.Equal(t, []EventType{EventDelegation}, s.events)
	}
}
