package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/conclave/pkg/models"
)

// LockKind separates the pre-execution planning meeting from review rounds
// so the two never collide on one task.
type LockKind string

const (
	LockReview  LockKind = "review"
	LockPlanned LockKind = "planned"
)

// DelegationToken records which delegated child a lineage is waiting on.
// It can be rebuilt from persisted state, so losing it on restart only
// costs a database query.
type DelegationToken struct {
	OriginTaskID string
	ChildTaskID  string
	SubtaskID    string
	ArmedAt      time.Time
}

// WorkflowStore is the coordinator's in-memory coordination state, keyed by
// task. It is rebuilt empty on restart.
type WorkflowStore struct {
	mu sync.Mutex

	stops          map[string]models.StopMode
	locks          map[LockKind]map[string]struct{}
	rounds         map[string]int
	nextDelegation map[string]DelegationToken
	delegating     map[string]struct{}
	presence       map[string]time.Time

	now func() time.Time
}

// NewWorkflowStore creates an empty store.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{
		stops: make(map[string]models.StopMode),
		locks: map[LockKind]map[string]struct{}{
			LockReview:  {},
			LockPlanned: {},
		},
		rounds:         make(map[string]int),
		nextDelegation: make(map[string]DelegationToken),
		delegating:     make(map[string]struct{}),
		presence:       make(map[string]time.Time),
		now:            time.Now,
	}
}

// RequestStop records a stop request. A cancel replaces an earlier pause;
// a pause never downgrades a cancel. Returns the mode now in effect.
func (w *WorkflowStore) RequestStop(taskID string, mode models.StopMode) models.StopMode {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.stops[taskID]; ok && cur == models.StopCancel {
		return cur
	}
	w.stops[taskID] = mode
	return mode
}

// StopRequested returns the pending stop mode for a task.
func (w *WorkflowStore) StopRequested(taskID string) (models.StopMode, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.stops[taskID]
	return m, ok
}

// ClearStop removes a task's stop request.
func (w *WorkflowStore) ClearStop(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.stops, taskID)
}

// TryAcquire takes the meeting lock of the given kind for a task. It
// returns false if the lock is already held.
func (w *WorkflowStore) TryAcquire(kind LockKind, taskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	held := w.locks[kind]
	if _, ok := held[taskID]; ok {
		return false
	}
	held[taskID] = struct{}{}
	return true
}

// Release drops a meeting lock. Releasing an unheld lock is a no-op.
func (w *WorkflowStore) Release(kind LockKind, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.locks[kind], taskID)
}

// Holds reports whether the lock of the given kind is held for a task.
func (w *WorkflowStore) Holds(kind LockKind, taskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.locks[kind][taskID]
	return ok
}

// SetRound records the task's current review round.
func (w *WorkflowStore) SetRound(taskID string, round int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rounds[taskID] = round
}

// Round returns the task's current review round.
func (w *WorkflowStore) Round(taskID string) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rounds[taskID]
	return r, ok
}

// SetNextDelegation arms the lineage's token.
func (w *WorkflowStore) SetNextDelegation(t DelegationToken) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.ArmedAt.IsZero() {
		t.ArmedAt = w.now()
	}
	w.nextDelegation[t.OriginTaskID] = t
}

// NextDelegation returns the lineage's armed token without consuming it.
func (w *WorkflowStore) NextDelegation(originTaskID string) (DelegationToken, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.nextDelegation[originTaskID]
	return t, ok
}

// TakeNextDelegation consumes the lineage's token if it refers to child.
func (w *WorkflowStore) TakeNextDelegation(originTaskID, childTaskID string) (DelegationToken, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.nextDelegation[originTaskID]
	if !ok || t.ChildTaskID != childTaskID {
		return DelegationToken{}, false
	}
	delete(w.nextDelegation, originTaskID)
	return t, true
}

// TryStartDelegation marks a lineage's dispatch as in flight. It returns
// false if a dispatch is already running.
func (w *WorkflowStore) TryStartDelegation(originTaskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.delegating[originTaskID]; ok {
		return false
	}
	w.delegating[originTaskID] = struct{}{}
	return true
}

// FinishDelegation clears the lineage's in-flight mark.
func (w *WorkflowStore) FinishDelegation(originTaskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.delegating, originTaskID)
}

// EnterMeeting marks an agent as sitting in a meeting until the given time.
func (w *WorkflowStore) EnterMeeting(agentID string, until time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.presence[agentID] = until
}

// LeaveMeeting clears agents' meeting presence.
func (w *WorkflowStore) LeaveMeeting(agentIDs ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range agentIDs {
		delete(w.presence, id)
	}
}

// InMeeting reports whether an agent's meeting presence has not expired.
func (w *WorkflowStore) InMeeting(agentID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	until, ok := w.presence[agentID]
	if !ok {
		return false
	}
	if !w.now().Before(until) {
		delete(w.presence, agentID)
		return false
	}
	return true
}

// PresentAgents returns agents currently in a meeting, sorted. Expired
// entries are dropped.
func (w *WorkflowStore) PresentAgents() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	var out []string
	for id, until := range w.presence {
		if now.Before(until) {
			out = append(out, id)
		} else {
			delete(w.presence, id)
		}
	}
	sort.Strings(out)
	return out
}

// Forget drops everything held for a task, used when it reaches a
// terminal status.
func (w *WorkflowStore) Forget(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.stops, taskID)
	for _, held := range w.locks {
		delete(held, taskID)
	}
	delete(w.rounds, taskID)
	delete(w.nextDelegation, taskID)
	delete(w.delegating, taskID)
}
