package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ShayCichocki/conclave/internal/directory"
	"github.com/ShayCichocki/conclave/internal/metrics"
	"github.com/ShayCichocki/conclave/internal/notify"
	"github.com/ShayCichocki/conclave/internal/orchestrator/policy"
	"github.com/ShayCichocki/conclave/internal/state"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// delegationHooks connect the queue to the coordinator.
type delegationHooks struct {
	// launch starts execution of a freshly created child.
	launch func(ctx context.Context, childTaskID string) error
	// cancel stops a child that is still running when its parent closes.
	cancel func(ctx context.Context, childTaskID string) error
	// settled runs when a lineage has nothing queued and no open child.
	settled func(ctx context.Context, originTaskID string)
	// terminal runs after the queue moves a task to done or cancelled.
	terminal func(taskID string)
}

// DelegationQueue dispatches foreign-department subtasks as collaboration
// children, one open child per originating task.
type DelegationQueue struct {
	ctx     context.Context
	store   state.Store
	dir     directory.Directory
	ws      *WorkflowStore
	sm      *StateMachine
	sink    notify.Sink
	metrics *metrics.Metrics
	policy  policy.DelegationPolicy
	hooks   delegationHooks

	group singleflight.Group

	mu      sync.Mutex
	pending map[string]bool
	timers  *timerSet

	now func() time.Time
}

func newDelegationQueue(ctx context.Context, store state.Store, dir directory.Directory, ws *WorkflowStore,
	sm *StateMachine, sink notify.Sink, m *metrics.Metrics, p policy.DelegationPolicy, hooks delegationHooks) *DelegationQueue {
	return &DelegationQueue{
		ctx:     ctx,
		store:   store,
		dir:     dir,
		ws:      ws,
		sm:      sm,
		sink:    sink,
		metrics: m,
		policy:  p,
		hooks:   hooks,
		pending: make(map[string]bool),
		timers:  newTimerSet(),
		now:     time.Now,
	}
}

// ProcessDelegations dispatches the next queued subtask of a task if no
// child of that task is open. Concurrent calls for one task collapse into a
// single dispatch; a call that arrives mid-dispatch causes one more pass.
func (q *DelegationQueue) ProcessDelegations(ctx context.Context, originTaskID string) error {
	q.markPending(originTaskID)
	for {
		_, err, _ := q.group.Do(originTaskID, func() (any, error) {
			if !q.ws.TryStartDelegation(originTaskID) {
				return nil, nil
			}
			defer q.ws.FinishDelegation(originTaskID)
			for q.takePending(originTaskID) {
				if err := q.dispatch(ctx, originTaskID); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
		if err != nil {
			return err
		}
		if !q.hasPending(originTaskID) {
			return nil
		}
	}
}

func (q *DelegationQueue) markPending(id string) {
	q.mu.Lock()
	q.pending[id] = true
	q.mu.Unlock()
}

func (q *DelegationQueue) takePending(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.pending[id]
	delete(q.pending, id)
	return p
}

func (q *DelegationQueue) hasPending(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[id]
}

func (q *DelegationQueue) dispatch(ctx context.Context, originTaskID string) error {
	origin, err := q.store.GetTask(originTaskID)
	if err != nil {
		return fmt.Errorf("load origin task: %w", err)
	}
	if origin == nil || origin.Status.Terminal() {
		return nil
	}

	open, err := q.openChild(origin.ID)
	if err != nil {
		return err
	}
	if open != nil {
		debugLog("delegation %s: child %s still open (%s)", origin.ID, open.ID, open.Status)
		return nil
	}

	for {
		st, err := q.store.NextPendingDelegation(origin.ID, origin.DepartmentID)
		if err != nil {
			return err
		}
		if st == nil {
			debugLog("delegation %s: queue drained", origin.ID)
			if q.hooks.settled != nil {
				q.hooks.settled(ctx, origin.ID)
			}
			return nil
		}

		leader := q.dir.FindDepartmentLeader(st.TargetDepartmentID)
		if leader == nil {
			q.skip(ctx, origin, st)
			continue
		}
		return q.delegate(ctx, origin, st, leader)
	}
}

// openChild returns a collaboration child of the task that has not reached
// review yet, or nil.
func (q *DelegationQueue) openChild(originTaskID string) (*models.Task, error) {
	children, err := q.store.ListChildTasks(originTaskID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	for i := range children {
		if !children[i].Status.AtLeastReview() {
			return &children[i], nil
		}
	}
	return nil, nil
}

// skip closes a subtask whose department cannot take work, so the lineage
// keeps moving.
func (q *DelegationQueue) skip(ctx context.Context, origin *models.Task, st *models.Subtask) {
	now := q.now()
	st.Status = models.SubtaskDone
	st.CompletedAt = &now
	st.BlockedReason = fmt.Sprintf("no leader in department %s; delegation skipped", st.TargetDepartmentID)
	if err := q.store.UpdateSubtask(st); err != nil {
		log.Printf("[delegation] close subtask %s: %v", st.ID, err)
		return
	}
	q.metrics.Delegation("skipped")
	q.taskLog(origin.ID, st.BlockedReason+": "+st.Title)
	q.sink.Broadcast(ctx, notify.EventDelegation, origin.ID, notify.DelegationPayload{
		OriginTaskID: origin.ID,
		SubtaskID:    st.ID,
		DepartmentID: st.TargetDepartmentID,
		Event:        "skipped",
	})
}

func (q *DelegationQueue) delegate(ctx context.Context, origin *models.Task, st *models.Subtask, leader *models.Agent) error {
	deptName := st.TargetDepartmentID
	if d, ok := q.dir.Department(st.TargetDepartmentID); ok && d.Name != "" {
		deptName = d.Name
	}

	child := &models.Task{
		ID:              uuid.New().String(),
		Title:           st.Title,
		Description:     delegationBrief(origin, st),
		Status:          models.TaskStatusCollaborating,
		AssignedAgentID: leader.ID,
		DepartmentID:    st.TargetDepartmentID,
		SourceTaskID:    origin.ID,
		WorkDir:         origin.WorkDir,
		CreatedAt:       q.now(),
	}
	if err := q.store.CreateTask(child); err != nil {
		return fmt.Errorf("create child task: %w", err)
	}

	st.DelegatedTaskID = child.ID
	st.Status = models.SubtaskInProgress
	st.BlockedReason = ""
	if err := q.store.UpdateSubtask(st); err != nil {
		return fmt.Errorf("link subtask to child: %w", err)
	}

	q.ws.SetNextDelegation(DelegationToken{
		OriginTaskID: origin.ID,
		ChildTaskID:  child.ID,
		SubtaskID:    st.ID,
	})
	q.metrics.Delegation("dispatched")
	q.taskLog(origin.ID, fmt.Sprintf("delegated %q to %s (%s)", st.Title, deptName, leader.ID))
	q.sink.Broadcast(ctx, notify.EventDelegation, origin.ID, notify.DelegationPayload{
		OriginTaskID: origin.ID,
		ChildTaskID:  child.ID,
		SubtaskID:    st.ID,
		DepartmentID: st.TargetDepartmentID,
		Event:        "dispatched",
	})
	q.sink.Broadcast(ctx, notify.EventSubtaskUpdate, origin.ID, *st)
	log.Printf("[delegation] task %s: %q -> %s as %s", origin.ID, st.Title, deptName, child.ID)

	if q.hooks.launch == nil {
		return nil
	}
	if err := q.hooks.launch(ctx, child.ID); err != nil {
		log.Printf("[delegation] launch child %s: %v", child.ID, err)
		return q.ChildFailed(ctx, child.ID, err.Error())
	}
	return nil
}

func delegationBrief(origin *models.Task, st *models.Subtask) string {
	var sb strings.Builder
	if d := strings.TrimSpace(st.Description); d != "" {
		sb.WriteString(d)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Requested by the %s department as part of %q.\n", origin.DepartmentID, origin.Title)
	if d := strings.TrimSpace(origin.Description); d != "" {
		sb.WriteString("\nContext:\n")
		sb.WriteString(d)
		sb.WriteString("\n")
	}
	return sb.String()
}

// ChildReachedReview advances the child's lineage. If the in-memory token
// was lost the link is recovered from the store.
func (q *DelegationQueue) ChildReachedReview(ctx context.Context, childTaskID string) error {
	child, err := q.store.GetTask(childTaskID)
	if err != nil {
		return fmt.Errorf("load child task: %w", err)
	}
	if child == nil || !child.IsCollaborationChild() {
		return nil
	}
	originID := child.SourceTaskID

	if _, ok := q.ws.TakeNextDelegation(originID, childTaskID); !ok {
		st, err := q.store.FindSubtaskByDelegatedTask(childTaskID)
		if err != nil {
			return fmt.Errorf("find origin subtask: %w", err)
		}
		if st == nil {
			log.Printf("[delegation] child %s has no origin subtask", childTaskID)
		} else {
			debugLog("delegation %s: token for child %s recovered from store", originID, childTaskID)
		}
	}

	q.metrics.Delegation("child_review")
	q.taskLog(originID, fmt.Sprintf("delegated work %q reached review", child.Title))
	q.sink.Broadcast(ctx, notify.EventDelegation, originID, notify.DelegationPayload{
		OriginTaskID: originID,
		ChildTaskID:  childTaskID,
		DepartmentID: child.DepartmentID,
		Event:        "child_review",
	})
	q.scheduleNext(originID)
	return nil
}

// ChildFailed closes a failed child and its origin subtask, then advances
// the lineage.
func (q *DelegationQueue) ChildFailed(ctx context.Context, childTaskID, reason string) error {
	child, err := q.store.GetTask(childTaskID)
	if err != nil {
		return fmt.Errorf("load child task: %w", err)
	}
	if child == nil || !child.IsCollaborationChild() {
		return nil
	}
	originID := child.SourceTaskID

	if !child.Status.Terminal() {
		_, err := q.sm.Transition(ctx, childTaskID, models.TaskStatusCancelled,
			Notice(fmt.Sprintf("Delegated work %q was cancelled after a failed run.", child.Title)))
		if err != nil && !errors.Is(err, ErrIllegalTransition) {
			return err
		}
		if err == nil {
			q.closed(childTaskID)
		}
	}

	st, err := q.store.FindSubtaskByDelegatedTask(childTaskID)
	if err != nil {
		return fmt.Errorf("find origin subtask: %w", err)
	}
	if st != nil && st.Status != models.SubtaskDone {
		now := q.now()
		st.Status = models.SubtaskDone
		st.CompletedAt = &now
		st.BlockedReason = "delegated run failed: " + reason
		if err := q.store.UpdateSubtask(st); err != nil {
			return fmt.Errorf("close origin subtask: %w", err)
		}
		q.sink.Broadcast(ctx, notify.EventSubtaskUpdate, originID, *st)
	}
	q.ws.TakeNextDelegation(originID, childTaskID)

	q.metrics.Delegation("child_failed")
	q.taskLog(originID, fmt.Sprintf("delegated work %q failed: %s", child.Title, reason))
	q.sink.NotifyAll(ctx, notify.Notification{
		TaskID:      originID,
		MessageType: notify.MessageFailure,
		Content:     fmt.Sprintf("Delegated work %q for %s failed; the queue moves on.", child.Title, child.DepartmentID),
	})
	q.sink.Broadcast(ctx, notify.EventDelegation, originID, notify.DelegationPayload{
		OriginTaskID: originID,
		ChildTaskID:  childTaskID,
		DepartmentID: child.DepartmentID,
		Event:        "child_failed",
	})
	q.scheduleNext(originID)
	return nil
}

// FinalizeChildren closes a parent's collaboration children when the parent
// finalizes: children waiting in review become done, any other open child is
// cancelled, and every linked subtask is closed.
func (q *DelegationQueue) FinalizeChildren(ctx context.Context, originTaskID string) error {
	return q.closeChildren(ctx, originTaskID, true)
}

// CancelChildren cancels every open collaboration child of a cancelled
// parent.
func (q *DelegationQueue) CancelChildren(ctx context.Context, originTaskID string) error {
	return q.closeChildren(ctx, originTaskID, false)
}

func (q *DelegationQueue) closeChildren(ctx context.Context, originTaskID string, keepReviewed bool) error {
	children, err := q.store.ListChildTasks(originTaskID)
	if err != nil {
		return fmt.Errorf("list children: %w", err)
	}

	var errs []error
	for _, c := range children {
		if c.Status.Terminal() {
			continue
		}
		note := "cancelled when the parent task closed"
		switch {
		case c.Status == models.TaskStatusInProgress:
			// The run's completion moves the child to cancelled.
			if q.hooks.cancel != nil {
				if err := q.hooks.cancel(ctx, c.ID); err != nil {
					errs = append(errs, err)
				}
			}
		case c.Status == models.TaskStatusReview && keepReviewed:
			if _, err := q.sm.Transition(ctx, c.ID, models.TaskStatusDone,
				Notice(fmt.Sprintf("Delegated work %q closed with its parent.", c.Title))); err != nil {
				errs = append(errs, err)
				continue
			}
			note = ""
			q.closed(c.ID)
		default:
			if _, err := q.sm.Transition(ctx, c.ID, models.TaskStatusCancelled,
				Notice(fmt.Sprintf("Delegated work %q cancelled with its parent.", c.Title))); err != nil {
				errs = append(errs, err)
				continue
			}
			q.closed(c.ID)
		}
		if err := q.closeLinkedSubtask(ctx, originTaskID, c.ID, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (q *DelegationQueue) closed(taskID string) {
	if q.hooks.terminal != nil {
		q.hooks.terminal(taskID)
	}
}

func (q *DelegationQueue) closeLinkedSubtask(ctx context.Context, originTaskID, childTaskID, note string) error {
	st, err := q.store.FindSubtaskByDelegatedTask(childTaskID)
	if err != nil {
		return fmt.Errorf("find origin subtask: %w", err)
	}
	if st == nil || st.Status == models.SubtaskDone {
		return nil
	}
	now := q.now()
	st.Status = models.SubtaskDone
	st.CompletedAt = &now
	if note != "" {
		st.BlockedReason = note
	}
	if err := q.store.UpdateSubtask(st); err != nil {
		return fmt.Errorf("close origin subtask: %w", err)
	}
	q.sink.Broadcast(ctx, notify.EventSubtaskUpdate, originTaskID, *st)
	return nil
}

// scheduleNext runs the lineage's next dispatch after a jittered delay.
func (q *DelegationQueue) scheduleNext(originTaskID string) {
	q.timers.after(q.jitter(), func() {
		if err := q.ProcessDelegations(q.ctx, originTaskID); err != nil {
			log.Printf("[delegation] task %s: %v", originTaskID, err)
		}
	})
}

func (q *DelegationQueue) jitter() time.Duration {
	lo, hi := q.policy.JitterMin, q.policy.JitterMax
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

// Close cancels scheduled dispatches and waits for running ones.
func (q *DelegationQueue) Close() {
	q.timers.close()
}

func (q *DelegationQueue) taskLog(taskID, msg string) {
	if err := q.store.AppendTaskLog(taskID, "delegation", msg); err != nil {
		log.Printf("[delegation] task %s: write task log: %v", taskID, err)
	}
}
