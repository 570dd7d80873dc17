package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/conclave/internal/notify"
	"github.com/ShayCichocki/conclave/internal/state"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// recordingSink keeps every notification and broadcast.
type recordingSink struct {
	mu     sync.Mutex
	notes  []notify.Notification
	events []notify.Event
}

func (r *recordingSink) NotifyAll(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingSink) Broadcast(_ context.Context, t notify.EventType, taskID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, notify.Event{Type: t, TaskID: taskID, Payload: payload})
}

func (r *recordingSink) notesOfType(taskID, typ string) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.notes {
		if n.TaskID == taskID && n.MessageType == typ {
			out = append(out, n)
		}
	}
	return out
}

func (r *recordingSink) eventsOfType(typ notify.EventType) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func setupTestDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func createTask(t *testing.T, db *state.DB, id string, status models.TaskStatus) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:              id,
		Title:           "Task " + id,
		Status:          status,
		DepartmentID:    "eng",
		AssignedAgentID: "erin",
	}
	require.NoError(t, db.CreateTask(task))
	return task
}

func TestCanTransition(t *testing.T) {
	all := []models.TaskStatus{
		models.TaskStatusInbox, models.TaskStatusPlanned, models.TaskStatusCollaborating,
		models.TaskStatusInProgress, models.TaskStatusReview, models.TaskStatusDone,
		models.TaskStatusCancelled, models.TaskStatusPending,
	}
	allowed := map[[2]models.TaskStatus]bool{
		{models.TaskStatusInbox, models.TaskStatusPlanned}:            true,
		{models.TaskStatusInbox, models.TaskStatusInProgress}:         true,
		{models.TaskStatusInbox, models.TaskStatusCancelled}:          true,
		{models.TaskStatusPlanned, models.TaskStatusInProgress}:       true,
		{models.TaskStatusPlanned, models.TaskStatusCancelled}:        true,
		{models.TaskStatusCollaborating, models.TaskStatusInProgress}: true,
		{models.TaskStatusCollaborating, models.TaskStatusDone}:       true,
		{models.TaskStatusCollaborating, models.TaskStatusCancelled}:  true,
		{models.TaskStatusInProgress, models.TaskStatusReview}:        true,
		{models.TaskStatusInProgress, models.TaskStatusInbox}:         true,
		{models.TaskStatusInProgress, models.TaskStatusPending}:       true,
		{models.TaskStatusInProgress, models.TaskStatusCancelled}:     true,
		{models.TaskStatusReview, models.TaskStatusDone}:              true,
		{models.TaskStatusReview, models.TaskStatusInProgress}:        true,
		{models.TaskStatusReview, models.TaskStatusCancelled}:         true,
		{models.TaskStatusPending, models.TaskStatusInProgress}:       true,
		{models.TaskStatusPending, models.TaskStatusCancelled}:        true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]models.TaskStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransition_TerminalStatusesAreFinal(t *testing.T) {
	for _, from := range []models.TaskStatus{models.TaskStatusDone, models.TaskStatusCancelled} {
		for _, to := range []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusReview, models.TaskStatusInbox} {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransition_SideEffects(t *testing.T) {
	db := setupTestDB(t)
	sink := &recordingSink{}
	sm := NewStateMachine(db, sink, nil)
	ctx := context.Background()
	createTask(t, db, "t1", models.TaskStatusPlanned)

	task, err := sm.Transition(ctx, "t1", models.TaskStatusInProgress, AssignAgent("erin"))
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, task.Status)
	require.NotNil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)

	task, err = sm.Transition(ctx, "t1", models.TaskStatusReview)
	require.NoError(t, err)
	assert.Equal(t, "erin", task.AssignedAgentID)

	task, err = sm.Transition(ctx, "t1", models.TaskStatusDone)
	require.NoError(t, err)
	require.NotNil(t, task.CompletedAt)

	stored, err := db.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, stored.Status)

	events := sink.eventsOfType(notify.EventTaskStatus)
	require.Len(t, events, 3)
	last := events[2].Payload.(notify.TaskStatusPayload)
	assert.Equal(t, "review", last.From)
	assert.Equal(t, "done", last.To)
	assert.Len(t, sink.notesOfType("t1", notify.MessageStatus), 3)
}

func TestTransition_FailureFreesAgent(t *testing.T) {
	db := setupTestDB(t)
	sm := NewStateMachine(db, nil, nil)
	createTask(t, db, "t1", models.TaskStatusInProgress)
	_, err := db.MutateTask("t1", func(t *models.Task) error { t.RunPID = 99; return nil })
	require.NoError(t, err)

	task, err := sm.Transition(context.Background(), "t1", models.TaskStatusInbox)
	require.NoError(t, err)
	assert.Empty(t, task.AssignedAgentID)
	assert.Zero(t, task.RunPID)
}

func TestTransition_Errors(t *testing.T) {
	db := setupTestDB(t)
	sink := &recordingSink{}
	sm := NewStateMachine(db, sink, nil)
	ctx := context.Background()
	createTask(t, db, "t1", models.TaskStatusInbox)

	_, err := sm.Transition(ctx, "t1", models.TaskStatusDone)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = sm.Transition(ctx, "t1", models.TaskStatusPlanned, Expect(models.TaskStatusReview))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = sm.Transition(ctx, "missing", models.TaskStatusPlanned)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	stored, err := db.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInbox, stored.Status, "failed transitions must not write")
	assert.Empty(t, sink.eventsOfType(notify.EventTaskStatus))
}

func TestTransition_ConcurrentCallersOneWins(t *testing.T) {
	db := setupTestDB(t)
	sm := NewStateMachine(db, nil, nil)
	createTask(t, db, "t1", models.TaskStatusReview)

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sm.Transition(context.Background(), "t1", models.TaskStatusDone, Expect(models.TaskStatusReview))
			if err == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.lock("a")
	done := make(chan struct{})
	go func() {
		u := k.lock("a")
		u()
		close(done)
	}()
	unlock()
	<-done

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
