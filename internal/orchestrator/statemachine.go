package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/ShayCichocki/conclave/internal/metrics"
	"github.com/ShayCichocki/conclave/internal/notify"
	"github.com/ShayCichocki/conclave/pkg/models"
)

var (
	// ErrIllegalTransition is returned for a status change the workflow does
	// not allow. Callers report it; it is never retried.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrConflict is returned when the task's status no longer matches what
	// the caller expected.
	ErrConflict = errors.New("task status changed concurrently")
	// ErrTaskNotFound is returned when the task does not exist.
	ErrTaskNotFound = errors.New("task not found")
)

var transitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusInbox:         {models.TaskStatusPlanned, models.TaskStatusInProgress, models.TaskStatusCancelled},
	models.TaskStatusPlanned:       {models.TaskStatusInProgress, models.TaskStatusCancelled},
	models.TaskStatusCollaborating: {models.TaskStatusInProgress, models.TaskStatusDone, models.TaskStatusCancelled},
	models.TaskStatusInProgress:    {models.TaskStatusReview, models.TaskStatusInbox, models.TaskStatusPending, models.TaskStatusCancelled},
	models.TaskStatusReview:        {models.TaskStatusDone, models.TaskStatusInProgress, models.TaskStatusCancelled},
	models.TaskStatusPending:       {models.TaskStatusInProgress, models.TaskStatusCancelled},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to models.TaskStatus) bool {
	return slices.Contains(transitions[from], to)
}

// TaskMutator is the slice of the store the state machine writes through.
type TaskMutator interface {
	MutateTask(id string, fn func(t *models.Task) error) (*models.Task, error)
}

// TransitionOption adjusts a single transition.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	expect []models.TaskStatus
	agent  *string
	mutate func(t *models.Task)
	notice string
}

// Expect fails the transition with ErrConflict unless the task is currently
// in one of the given statuses.
func Expect(from ...models.TaskStatus) TransitionOption {
	return func(o *transitionOptions) { o.expect = from }
}

// AssignAgent sets the task's assigned agent as part of the transition.
func AssignAgent(agentID string) TransitionOption {
	return func(o *transitionOptions) { o.agent = &agentID }
}

// Mutate applies extra field changes in the same write.
func Mutate(fn func(t *models.Task)) TransitionOption {
	return func(o *transitionOptions) { o.mutate = fn }
}

// Notice replaces the default status notification text.
func Notice(content string) TransitionOption {
	return func(o *transitionOptions) { o.notice = content }
}

// StateMachine owns task status. Every transition is one store write under a
// per-task mutex, followed by metrics and notifications.
type StateMachine struct {
	store   TaskMutator
	sink    notify.Sink
	metrics *metrics.Metrics
	locks   *keyedMutex
	now     func() time.Time
}

// NewStateMachine creates a state machine writing through store.
func NewStateMachine(store TaskMutator, sink notify.Sink, m *metrics.Metrics) *StateMachine {
	if sink == nil {
		sink = notify.Nop{}
	}
	return &StateMachine{
		store:   store,
		sink:    sink,
		metrics: m,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
}

// Transition moves a task to status to and returns the updated task.
func (sm *StateMachine) Transition(ctx context.Context, taskID string, to models.TaskStatus, opts ...TransitionOption) (*models.Task, error) {
	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}

	unlock := sm.locks.lock(taskID)
	var from models.TaskStatus
	task, err := sm.store.MutateTask(taskID, func(t *models.Task) error {
		from = t.Status
		if len(o.expect) > 0 && !slices.Contains(o.expect, t.Status) {
			return fmt.Errorf("%w: task %s is %s", ErrConflict, taskID, t.Status)
		}
		if !CanTransition(t.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, to)
		}
		sm.apply(t, to, o)
		return nil
	})
	unlock()
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	debugLog("task %s: %s -> %s", taskID, from, to)
	sm.metrics.Transition(string(from), string(to))
	sm.sink.Broadcast(ctx, notify.EventTaskStatus, taskID, notify.TaskStatusPayload{
		TaskID:  taskID,
		From:    string(from),
		To:      string(to),
		AgentID: task.AssignedAgentID,
	})
	content := o.notice
	if content == "" {
		content = fmt.Sprintf("%q moved from %s to %s.", task.Title, from, to)
	}
	sm.sink.NotifyAll(ctx, notify.Notification{
		TaskID:      taskID,
		MessageType: notify.MessageStatus,
		Content:     content,
	})
	if to.Terminal() {
		log.Printf("[workflow] task %s finished as %s", taskID, to)
	}
	return task, nil
}

func (sm *StateMachine) apply(t *models.Task, to models.TaskStatus, o transitionOptions) {
	now := sm.now()
	if t.Status == models.TaskStatusInProgress {
		t.RunPID = 0
	}
	t.Status = to
	switch {
	case to == models.TaskStatusInProgress:
		t.StartedAt = &now
		t.CompletedAt = nil
	case to == models.TaskStatusInbox:
		t.AssignedAgentID = ""
	case to.Terminal():
		t.CompletedAt = &now
	}
	if o.agent != nil {
		t.AssignedAgentID = *o.agent
	}
	if o.mutate != nil {
		o.mutate(t)
	}
}

// keyedMutex hands out one mutex per key. Entries are dropped when no
// goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
