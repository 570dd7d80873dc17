package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conclave/internal/agent"
	"github.com/ShayCichocki/conclave/internal/directory"
	"github.com/ShayCichocki/conclave/internal/metrics"
	"github.com/ShayCichocki/conclave/internal/notify"
	"github.com/ShayCichocki/conclave/internal/orchestrator/policy"
	"github.com/ShayCichocki/conclave/internal/review"
	"github.com/ShayCichocki/conclave/internal/state"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// ErrBusy is returned when a meeting for the task is already running.
var ErrBusy = errors.New("task has a meeting in progress")

// failureTailLines bounds the output tail quoted in failure notifications.
const failureTailLines = 12

// Recoverer repairs workflow state left behind by a previous process.
type Recoverer interface {
	Recover() (*state.RecoveryReport, error)
}

// Coordinator wires the supervisor, state machine, review protocol and
// delegation queue into the task workflow. Run completion drives status
// changes; status changes drive review and delegation.
type Coordinator struct {
	store    state.Store
	dir      directory.Directory
	sup      *agent.Supervisor
	protocol *review.Protocol
	sm       *StateMachine
	queue    *DelegationQueue
	ws       *WorkflowStore
	sessions *agent.SessionRegistry
	sink     notify.Sink
	metrics  *metrics.Metrics
	policy   *policy.Config
	logger   *DebugLogger
	recover  Recoverer

	exec   *keyedMutex
	timers *timerSet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	now       func() time.Time
}

// New creates a Coordinator.
func New(req RequiredConfig, opts ...Option) (*Coordinator, error) {
	if req.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if req.Directory == nil {
		return nil, errors.New("orchestrator: directory is required")
	}
	if req.Runners == nil {
		return nil, errors.New("orchestrator: runner factory is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if err := o.policy.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	setPackageLogger(o.logger)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:    req.Store,
		dir:      req.Directory,
		ws:       NewWorkflowStore(),
		sessions: agent.NewSessionRegistry(),
		sink:     o.sink,
		metrics:  o.metrics,
		policy:   o.policy,
		logger:   o.logger,
		recover:  o.recoverer,
		exec:     newKeyedMutex(),
		timers:   newTimerSet(),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}

	c.sm = NewStateMachine(req.Store, o.sink, o.metrics)
	c.sup = agent.NewSupervisor(agent.SupervisorOptions{
		Runners:    req.Runners,
		Policy:     o.policy.Supervisor,
		LogDir:     o.logDir,
		OnComplete: c.handleRunComplete,
		OnMarker:   c.handleMarker,
		Sink:       o.sink,
		Metrics:    o.metrics,
	})

	speaker := o.speaker
	if speaker == nil {
		speaker = agent.NewMeetingSpeaker(req.Runners, o.policy.Supervisor.MeetingTurn, o.policy.Supervisor.TerminateGrace)
	}
	c.protocol = review.New(review.Options{
		Store:       req.Store,
		Directory:   req.Directory,
		Speaker:     speaker,
		Classifier:  o.classifier,
		Policy:      o.policy.Review,
		Sink:        o.sink,
		Metrics:     o.metrics,
		Presence:    c.ws,
		Interrupted: c.stopRequested,
	})

	c.queue = newDelegationQueue(ctx, req.Store, req.Directory, c.ws, c.sm, o.sink, o.metrics, o.policy.Delegation,
		delegationHooks{
			launch: c.launchChild,
			cancel: func(ctx context.Context, id string) error {
				return c.RequestStop(ctx, id, models.StopCancel)
			},
			settled: func(ctx context.Context, id string) {
				c.StartReview(ctx, id)
			},
			terminal: c.finish,
		})

	c.logger.Log("coordinator started")
	return c, nil
}

// Subscribe streams a running task's rendered output lines.
func (c *Coordinator) Subscribe(taskID string) (<-chan string, bool) {
	return c.sup.Subscribe(taskID)
}

// NewTask is a task submission.
type NewTask struct {
	Title        string
	Description  string
	DepartmentID string
	WorkDir      string
	// Provider overrides the assignee's provider when set.
	Provider models.Provider
}

// SubmitTask creates a task in the inbox.
func (c *Coordinator) SubmitTask(ctx context.Context, nt NewTask) (*models.Task, error) {
	title := strings.TrimSpace(nt.Title)
	if title == "" {
		return nil, errors.New("task title is required")
	}
	if _, ok := c.dir.Department(nt.DepartmentID); !ok {
		return nil, fmt.Errorf("unknown department %q", nt.DepartmentID)
	}
	if nt.Provider != "" && !nt.Provider.Valid() {
		return nil, fmt.Errorf("unknown provider %q", nt.Provider)
	}

	now := c.now()
	t := &models.Task{
		ID:           uuid.New().String(),
		Title:        title,
		Description:  strings.TrimSpace(nt.Description),
		Status:       models.TaskStatusInbox,
		DepartmentID: nt.DepartmentID,
		WorkDir:      nt.WorkDir,
		Provider:     nt.Provider,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.CreateTask(t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	c.sink.NotifyAll(ctx, notify.Notification{
		TaskID:      t.ID,
		MessageType: notify.MessageStatus,
		Content:     fmt.Sprintf("New task %q for %s.", t.Title, c.deptName(t.DepartmentID)),
	})
	c.logger.Log("task %s submitted to %s", t.ID, t.DepartmentID)
	return t, nil
}

// AcceptPlan runs the planning meeting for an inbox task, seeds one blocked
// subtask per collaborating department and moves the task to planned.
func (c *Coordinator) AcceptPlan(ctx context.Context, taskID string) (*review.Plan, error) {
	if !c.ws.TryAcquire(LockPlanned, taskID) {
		return nil, ErrBusy
	}
	defer c.ws.Release(LockPlanned, taskID)

	task, err := c.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != models.TaskStatusInbox {
		return nil, fmt.Errorf("%w: task %s is %s, planning needs inbox", ErrConflict, taskID, task.Status)
	}

	plan, err := c.protocol.RunPlanning(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := c.seedPlan(ctx, task, plan); err != nil {
		return nil, err
	}

	var opts []TransitionOption
	opts = append(opts, Expect(models.TaskStatusInbox))
	if task.AssignedAgentID == "" {
		if leader := c.dir.FindDepartmentLeader(task.DepartmentID); leader != nil {
			opts = append(opts, AssignAgent(leader.ID))
		}
	}
	if _, err := c.sm.Transition(ctx, taskID, models.TaskStatusPlanned, opts...); err != nil {
		return nil, err
	}
	return plan, nil
}

func (c *Coordinator) seedPlan(ctx context.Context, task *models.Task, plan *review.Plan) error {
	existing, err := c.store.ListSubtasks(task.ID)
	if err != nil {
		return err
	}
	seeded := make(map[string]bool)
	for _, st := range existing {
		if st.Origin == models.SubtaskOriginPlan {
			seeded[st.TargetDepartmentID] = true
		}
	}

	for _, deptID := range plan.Departments {
		if seeded[deptID] {
			continue
		}
		name := c.deptName(deptID)
		st := &models.Subtask{
			ID:                 uuid.New().String(),
			TaskID:             task.ID,
			Title:              fmt.Sprintf("%s: %s", name, task.Title),
			Description:        plan.Summary,
			Status:             models.SubtaskBlocked,
			TargetDepartmentID: deptID,
			BlockedReason:      fmt.Sprintf("waiting for delegation to %s", name),
			Origin:             models.SubtaskOriginPlan,
			CreatedAt:          c.now(),
		}
		if err := c.store.CreateSubtask(st); err != nil {
			return fmt.Errorf("seed plan subtask: %w", err)
		}
		c.sink.Broadcast(ctx, notify.EventSubtaskUpdate, task.ID, *st)
	}
	return nil
}

// StartExecution launches the task's assignee. Calling it for a task that
// already has an active run is a no-op.
func (c *Coordinator) StartExecution(ctx context.Context, taskID string) error {
	unlock := c.exec.lock(taskID)
	defer unlock()

	task, err := c.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if c.sup.IsRunning(taskID) {
		debugLog("task %s: start ignored, run active", taskID)
		return nil
	}
	if c.ws.Holds(LockReview, taskID) {
		return ErrBusy
	}
	if !CanTransition(task.Status, models.TaskStatusInProgress) {
		return fmt.Errorf("%w: cannot start a task in %s", ErrIllegalTransition, task.Status)
	}

	assignee := c.assignee(task)
	if assignee == nil {
		return fmt.Errorf("no agent available for department %s", task.DepartmentID)
	}
	resumed := task.Status == models.TaskStatusPending || task.Status == models.TaskStatusReview

	c.ws.ClearStop(taskID)
	updated, err := c.sm.Transition(ctx, taskID, models.TaskStatusInProgress,
		Expect(task.Status), AssignAgent(assignee.ID))
	if err != nil {
		return err
	}
	return c.launch(ctx, updated, assignee, resumed)
}

func (c *Coordinator) assignee(task *models.Task) *models.Agent {
	if task.AssignedAgentID != "" {
		if a, ok := c.dir.Agent(task.AssignedAgentID); ok {
			return a
		}
	}
	return c.dir.FindDepartmentLeader(task.DepartmentID)
}

func (c *Coordinator) launch(ctx context.Context, task *models.Task, assignee *models.Agent, resumed bool) error {
	provider := task.Provider
	if provider == "" {
		provider = assignee.Provider
	}
	session, rotated := c.sessions.Open(task.ID, assignee.ID, provider)
	if rotated {
		c.taskLog(task.ID, "session", fmt.Sprintf("session rotated to %s (%s, %s)", session.SessionID, assignee.ID, provider))
	}

	subtasks, err := c.store.ListSubtasks(task.ID)
	if err != nil {
		return err
	}
	var open []models.Subtask
	for _, st := range subtasks {
		if st.Status != models.SubtaskDone && !st.Foreign(task.DepartmentID) {
			open = append(open, st)
		}
	}

	prompt := agent.BuildExecutionPrompt(agent.ExecutionPrompt{
		Task:           task,
		Agent:          assignee,
		DepartmentName: c.deptName(task.DepartmentID),
		Session:        session,
		Subtasks:       open,
		Resumed:        resumed,
	})

	run, err := c.sup.Launch(ctx, agent.LaunchRequest{
		TaskID:    task.ID,
		AgentID:   assignee.ID,
		SessionID: session.SessionID,
		Provider:  provider,
		Prompt:    prompt,
		WorkDir:   task.WorkDir,
	})
	if err != nil {
		c.failLaunch(ctx, task, err)
		return fmt.Errorf("launch %s: %w", task.ID, err)
	}

	if pid := run.PID(); pid > 0 {
		_, err := c.store.MutateTask(task.ID, func(t *models.Task) error {
			if t.Status == models.TaskStatusInProgress {
				t.RunPID = pid
			}
			return nil
		})
		if err != nil {
			log.Printf("[coordinator] record pid for %s: %v", task.ID, err)
		}
	}
	c.taskLog(task.ID, "run", fmt.Sprintf("run started: %s via %s (session %s, run %d)",
		assignee.ID, provider, session.SessionID, session.Runs))
	c.logger.Log("task %s: run started (%s, %s)", task.ID, assignee.ID, provider)

	if !task.IsCollaborationChild() {
		c.async(func() {
			if err := c.queue.ProcessDelegations(c.ctx, task.ID); err != nil {
				log.Printf("[coordinator] delegations for %s: %v", task.ID, err)
			}
		})
	}
	return nil
}

// failLaunch reports a provider that could not be started. Parents go back
// to the inbox; children are closed so their lineage moves on.
func (c *Coordinator) failLaunch(ctx context.Context, task *models.Task, launchErr error) {
	reason := fmt.Sprintf("could not start: %v", launchErr)
	c.taskLog(task.ID, "run", reason)

	if task.IsCollaborationChild() {
		if err := c.queue.ChildFailed(ctx, task.ID, reason); err != nil {
			log.Printf("[coordinator] close failed child %s: %v", task.ID, err)
		}
		return
	}

	if _, err := c.sm.Transition(ctx, task.ID, models.TaskStatusInbox, Expect(models.TaskStatusInProgress),
		Notice(fmt.Sprintf("%q could not start and is back in the inbox.", task.Title))); err != nil {
		log.Printf("[coordinator] return %s to inbox: %v", task.ID, err)
	}
	c.sink.NotifyAll(ctx, notify.Notification{
		TaskID:      task.ID,
		MessageType: notify.MessageFailure,
		Content:     fmt.Sprintf("Run for %q failed to start: %v", task.Title, launchErr),
	})
}

// launchChild starts a delegated child. An error is returned only when the
// child is still open afterwards, so the queue closes it.
func (c *Coordinator) launchChild(ctx context.Context, childTaskID string) error {
	err := c.StartExecution(ctx, childTaskID)
	if err == nil {
		return nil
	}
	t, lerr := c.store.GetTask(childTaskID)
	if lerr == nil && t != nil && t.Status.Terminal() {
		return nil
	}
	return err
}

// handleRunComplete is the supervisor's completion callback.
func (c *Coordinator) handleRunComplete(res agent.RunResult) {
	ctx := c.ctx
	task, err := c.store.GetTask(res.TaskID)
	if err != nil {
		log.Printf("[coordinator] completion for %s: %v", res.TaskID, err)
		return
	}
	if task == nil {
		log.Printf("[coordinator] completion for deleted task %s", res.TaskID)
		c.ws.Forget(res.TaskID)
		return
	}
	c.taskLog(task.ID, "run", runSummary(res))
	c.logger.Log("task %s: %s", task.ID, runSummary(res))

	mode, requested := c.ws.StopRequested(task.ID)
	if !requested {
		mode = res.Stopped
	}
	if mode != "" {
		c.ws.ClearStop(task.ID)
		c.handleStopped(ctx, task, mode)
		return
	}

	if task.Status != models.TaskStatusInProgress {
		debugLog("task %s: completion ignored in %s", task.ID, task.Status)
		return
	}
	if res.Succeeded() {
		c.completeRun(ctx, task)
		return
	}
	c.failRun(ctx, task, res)
}

func (c *Coordinator) handleStopped(ctx context.Context, task *models.Task, mode models.StopMode) {
	switch mode {
	case models.StopPause:
		if task.Status != models.TaskStatusInProgress {
			return
		}
		if _, err := c.sm.Transition(ctx, task.ID, models.TaskStatusPending, Expect(models.TaskStatusInProgress),
			Notice(fmt.Sprintf("%q was paused.", task.Title))); err != nil {
			log.Printf("[coordinator] pause %s: %v", task.ID, err)
		}
	case models.StopCancel:
		if err := c.cancelTask(ctx, task); err != nil {
			log.Printf("[coordinator] cancel %s: %v", task.ID, err)
		}
	}
}

// completeRun closes the owner's open subtasks and moves the task to review.
func (c *Coordinator) completeRun(ctx context.Context, task *models.Task) {
	if err := c.closeOwnSubtasks(ctx, task); err != nil {
		log.Printf("[coordinator] close subtasks of %s: %v", task.ID, err)
	}
	if _, err := c.sm.Transition(ctx, task.ID, models.TaskStatusReview, Expect(models.TaskStatusInProgress),
		Notice(fmt.Sprintf("%q finished its run and is waiting for review.", task.Title))); err != nil {
		log.Printf("[coordinator] move %s to review: %v", task.ID, err)
		return
	}

	if task.IsCollaborationChild() {
		if err := c.queue.ChildReachedReview(ctx, task.ID); err != nil {
			log.Printf("[coordinator] advance lineage of %s: %v", task.ID, err)
		}
		return
	}
	// Draining the queue starts the review once nothing is outstanding.
	c.async(func() {
		if err := c.queue.ProcessDelegations(c.ctx, task.ID); err != nil {
			log.Printf("[coordinator] delegations for %s: %v", task.ID, err)
		}
	})
}

func (c *Coordinator) closeOwnSubtasks(ctx context.Context, task *models.Task) error {
	subtasks, err := c.store.ListSubtasks(task.ID)
	if err != nil {
		return err
	}
	now := c.now()
	for i := range subtasks {
		st := &subtasks[i]
		if st.Status == models.SubtaskDone || st.Foreign(task.DepartmentID) || st.DelegatedTaskID != "" {
			continue
		}
		st.Status = models.SubtaskDone
		st.CompletedAt = &now
		st.BlockedReason = ""
		if err := c.store.UpdateSubtask(st); err != nil {
			return err
		}
		c.sink.Broadcast(ctx, notify.EventSubtaskUpdate, task.ID, *st)
	}
	return nil
}

func (c *Coordinator) failRun(ctx context.Context, task *models.Task, res agent.RunResult) {
	reason := failureReason(res)
	content := fmt.Sprintf("Run for %q failed: %s.", task.Title, reason)
	if tail := tailText(res.Tail); tail != "" {
		content += "\n\nLast output:\n" + tail
	}
	c.sink.NotifyAll(ctx, notify.Notification{
		TaskID:      task.ID,
		MessageType: notify.MessageFailure,
		Content:     content,
	})

	if task.IsCollaborationChild() {
		if err := c.queue.ChildFailed(ctx, task.ID, reason); err != nil {
			log.Printf("[coordinator] close failed child %s: %v", task.ID, err)
		}
		return
	}
	if _, err := c.sm.Transition(ctx, task.ID, models.TaskStatusInbox, Expect(models.TaskStatusInProgress),
		Notice(fmt.Sprintf("%q is back in the inbox after a failed run.", task.Title))); err != nil {
		log.Printf("[coordinator] return %s to inbox: %v", task.ID, err)
	}
}

// StartReview starts the task's review round in the background. It returns
// false when the task is not ready for review or a review is already
// running.
func (c *Coordinator) StartReview(ctx context.Context, taskID string) bool {
	task, err := c.store.GetTask(taskID)
	if err != nil || task == nil {
		return false
	}
	if task.Status != models.TaskStatusReview || task.IsCollaborationChild() {
		return false
	}
	ready, err := c.reviewReady(task)
	if err != nil {
		log.Printf("[coordinator] review gate for %s: %v", taskID, err)
		return false
	}
	if !ready {
		debugLog("task %s: review waits for subtasks or collaborators", taskID)
		return false
	}
	if !c.ws.TryAcquire(LockReview, taskID) {
		return false
	}
	c.async(func() { c.runReview(taskID) })
	return true
}

// reviewReady reports whether every subtask is finished and every
// collaboration child has reached review. A delegated subtask counts as
// finished once its child is in review.
func (c *Coordinator) reviewReady(task *models.Task) (bool, error) {
	children, err := c.store.ListChildTasks(task.ID)
	if err != nil {
		return false, err
	}
	childStatus := make(map[string]models.TaskStatus, len(children))
	for _, ch := range children {
		if !ch.Status.AtLeastReview() {
			return false, nil
		}
		childStatus[ch.ID] = ch.Status
	}

	subtasks, err := c.store.ListSubtasks(task.ID)
	if err != nil {
		return false, err
	}
	for _, st := range subtasks {
		if st.Status == models.SubtaskDone {
			continue
		}
		if st.DelegatedTaskID != "" && childStatus[st.DelegatedTaskID].AtLeastReview() {
			continue
		}
		return false, nil
	}
	return true, nil
}

func (c *Coordinator) runReview(taskID string) {
	ctx := c.ctx
	out, err := c.protocol.RunReview(ctx, taskID)
	c.ws.Release(LockReview, taskID)

	if err != nil {
		if errors.Is(err, review.ErrInterrupted) {
			log.Printf("[coordinator] review of %s interrupted", taskID)
			return
		}
		c.finalizeAfterError(ctx, taskID, err)
		return
	}
	c.ws.SetRound(taskID, out.Round)

	switch out.Kind {
	case review.OutcomeApproved, review.OutcomeConditionalApproval:
		c.finalize(ctx, taskID)
	case review.OutcomeRemediation:
		c.taskLog(taskID, "review", fmt.Sprintf("round %d: %d remediation subtask(s), owner resumes", out.Round, len(out.Subtasks)))
		if err := c.StartExecution(ctx, taskID); err != nil {
			log.Printf("[coordinator] resume %s for remediation: %v", taskID, err)
		}
	case review.OutcomeNextRound:
		c.taskLog(taskID, "review", fmt.Sprintf("round %d closed with residual risk; round %d in %s", out.Round, out.Round+1, out.Delay))
		c.timers.after(out.Delay, func() { c.StartReview(c.ctx, taskID) })
	}
}

// finalizeAfterError closes a review that cannot complete by approving
// with documented residual risk.
func (c *Coordinator) finalizeAfterError(ctx context.Context, taskID string, cause error) {
	log.Printf("[coordinator] review of %s failed: %v", taskID, cause)
	msg := fmt.Sprintf("Review could not complete (%v); approved with residual risk.", cause)
	if err := c.store.AppendTaskMemo(taskID, msg); err != nil {
		log.Printf("[coordinator] memo for %s: %v", taskID, err)
	}
	c.taskLog(taskID, "review", msg)
	c.sink.NotifyAll(ctx, notify.Notification{
		TaskID:      taskID,
		MessageType: notify.MessageFailure,
		Content:     msg,
	})
	c.finalize(ctx, taskID)
}

func (c *Coordinator) finalize(ctx context.Context, taskID string) {
	if err := c.queue.FinalizeChildren(ctx, taskID); err != nil {
		log.Printf("[coordinator] finalize children of %s: %v", taskID, err)
		c.taskLog(taskID, "delegation", fmt.Sprintf("closing collaborators: %v", err))
	}
	if _, err := c.sm.Transition(ctx, taskID, models.TaskStatusDone, Expect(models.TaskStatusReview)); err != nil {
		log.Printf("[coordinator] finalize %s: %v", taskID, err)
		return
	}
	c.finish(taskID)
}

// finish drops per-task state once a task is terminal.
func (c *Coordinator) finish(taskID string) {
	c.sessions.Close(taskID)
	c.ws.Forget(taskID)
}

// RequestStop records a stop request and signals the task's run. A task
// without a run cannot be paused; cancelling it takes effect immediately.
// A stop that arrives while StartExecution is launching waits for the
// launch and then signals the new run.
func (c *Coordinator) RequestStop(ctx context.Context, taskID string, mode models.StopMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid stop mode %q", mode)
	}
	unlock := c.exec.lock(taskID)
	defer unlock()

	task, err := c.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: task %s is already %s", ErrIllegalTransition, taskID, task.Status)
	}

	effective := c.ws.RequestStop(taskID, mode)
	if c.sup.Stop(taskID, effective) {
		c.taskLog(taskID, "run", fmt.Sprintf("%s requested", effective))
		return nil
	}

	if mode == models.StopPause {
		c.ws.ClearStop(taskID)
		return fmt.Errorf("%w: task %s has no active run to pause", ErrConflict, taskID)
	}
	c.taskLog(taskID, "run", "cancel requested")
	return c.cancelTask(ctx, task)
}

// cancelTask moves a task to cancelled and tears down its meetings and
// collaborators.
func (c *Coordinator) cancelTask(ctx context.Context, task *models.Task) error {
	_, err := c.sm.Transition(ctx, task.ID, models.TaskStatusCancelled,
		Notice(fmt.Sprintf("%q was cancelled.", task.Title)))
	if err != nil && !errors.Is(err, ErrIllegalTransition) {
		return err
	}
	if err := c.protocol.CloseOpenMeetings(task.ID); err != nil {
		log.Printf("[coordinator] close meetings of %s: %v", task.ID, err)
	}
	if task.IsCollaborationChild() {
		if err := c.queue.ChildFailed(ctx, task.ID, "cancelled"); err != nil {
			log.Printf("[coordinator] advance lineage of %s: %v", task.ID, err)
		}
	} else if err := c.queue.CancelChildren(ctx, task.ID); err != nil {
		log.Printf("[coordinator] cancel children of %s: %v", task.ID, err)
	}
	c.finish(task.ID)
	return nil
}

// Resume relaunches a paused task under its existing session.
func (c *Coordinator) Resume(ctx context.Context, taskID string) error {
	task, err := c.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != models.TaskStatusPending {
		return fmt.Errorf("%w: task %s is %s, not paused", ErrConflict, taskID, task.Status)
	}
	return c.StartExecution(ctx, taskID)
}

// TaskStatusReport is a snapshot of a task's workflow state.
type TaskStatusReport struct {
	Task          models.Task
	Running       bool
	PID           int
	Session       *models.ExecutionSession
	ReviewRound   int
	InReview      bool
	StopRequested models.StopMode
	Subtasks      []models.Subtask
	Children      []models.Task
	PresentAgents []string
}

// GetTaskStatus returns the task's status with its live workflow state.
func (c *Coordinator) GetTaskStatus(taskID string) (*TaskStatusReport, error) {
	task, err := c.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	r := &TaskStatusReport{Task: *task}
	if run, ok := c.sup.Get(taskID); ok {
		r.Running = true
		r.PID = run.PID()
	}
	if s, ok := c.sessions.Get(taskID); ok {
		r.Session = &s
	}
	if round, ok := c.ws.Round(taskID); ok {
		r.ReviewRound = round
	} else if round, err := c.store.LatestRound(taskID, models.MeetingReview); err == nil {
		r.ReviewRound = round
	}
	r.InReview = c.ws.Holds(LockReview, taskID)
	r.StopRequested, _ = c.ws.StopRequested(taskID)
	if r.Subtasks, err = c.store.ListSubtasks(taskID); err != nil {
		return nil, err
	}
	if r.Children, err = c.store.ListChildTasks(taskID); err != nil {
		return nil, err
	}
	r.PresentAgents = c.ws.PresentAgents()
	return r, nil
}

// Recover repairs state left by a previous process and restarts the
// workflows it interrupted: orphaned children are closed, undelivered
// children are launched, and tasks waiting in review re-enter the review
// flow, continuing any open meeting.
func (c *Coordinator) Recover(ctx context.Context) (*state.RecoveryReport, error) {
	report := &state.RecoveryReport{}
	if c.recover != nil {
		var err error
		if report, err = c.recover.Recover(); err != nil {
			return nil, fmt.Errorf("recover: %w", err)
		}
	}

	for _, t := range report.OrphanedRuns {
		if t.IsCollaborationChild() {
			if err := c.queue.ChildFailed(ctx, t.ID, "interrupted by restart"); err != nil {
				log.Printf("[coordinator] recover child %s: %v", t.ID, err)
			}
		}
	}

	collaborating := models.TaskStatusCollaborating
	waiting, err := c.store.ListTasks(&collaborating)
	if err != nil {
		return nil, err
	}
	for _, t := range waiting {
		if err := c.launchChild(ctx, t.ID); err != nil {
			if err := c.queue.ChildFailed(ctx, t.ID, err.Error()); err != nil {
				log.Printf("[coordinator] recover child %s: %v", t.ID, err)
			}
		}
	}

	origins := make(map[string]bool)
	for _, t := range report.PendingReviews {
		if t.IsCollaborationChild() {
			origins[t.SourceTaskID] = true
		} else {
			origins[t.ID] = true
		}
	}
	for id := range origins {
		if err := c.queue.ProcessDelegations(ctx, id); err != nil {
			log.Printf("[coordinator] recover delegations of %s: %v", id, err)
		}
	}

	log.Printf("[coordinator] recovery: %d orphaned, %d live, %d reviews, %d stale meetings",
		len(report.OrphanedRuns), len(report.LiveRuns), len(report.PendingReviews), len(report.StaleMeetings))
	return report, nil
}

// handleMarker turns subtask markers in a run's output into cli_marker
// subtasks.
func (c *Coordinator) handleMarker(taskID string, m agent.Marker) {
	st, err := c.store.FindSubtaskByMarker(taskID, m.Ref)
	if err != nil {
		log.Printf("[coordinator] marker lookup for %s: %v", taskID, err)
		return
	}

	now := c.now()
	switch {
	case st == nil:
		title := strings.TrimSpace(m.Title)
		if title == "" {
			title = "Agent subtask " + m.Ref
		}
		st = &models.Subtask{
			ID:          uuid.New().String(),
			TaskID:      taskID,
			Title:       title,
			Description: m.Detail,
			Status:      models.SubtaskInProgress,
			Origin:      models.SubtaskOriginMarker,
			MarkerRef:   m.Ref,
			CreatedAt:   now,
		}
		if m.Kind == agent.MarkerCompleted {
			st.Status = models.SubtaskDone
			st.CompletedAt = &now
		}
		err = c.store.CreateSubtask(st)
	case m.Kind == agent.MarkerCompleted && st.Status != models.SubtaskDone:
		st.Status = models.SubtaskDone
		st.CompletedAt = &now
		err = c.store.UpdateSubtask(st)
	default:
		return
	}
	if err != nil {
		log.Printf("[coordinator] marker subtask for %s: %v", taskID, err)
		return
	}
	c.sink.Broadcast(c.ctx, notify.EventSubtaskUpdate, taskID, *st)
}

func (c *Coordinator) stopRequested(taskID string) bool {
	_, ok := c.ws.StopRequested(taskID)
	return ok
}

// async runs fn on a goroutine tracked by Close.
func (c *Coordinator) async(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Close pauses active runs, cancels scheduled rounds and dispatches, and
// waits for in-flight work to finish.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.timers.close()
		c.queue.Close()
		c.sup.StopAll(ctx)
		c.cancel()
		c.wg.Wait()
		c.logger.Log("coordinator stopped")
	})
	return ctx.Err()
}

func (c *Coordinator) deptName(id string) string {
	if d, ok := c.dir.Department(id); ok && d.Name != "" {
		return d.Name
	}
	return id
}

func (c *Coordinator) taskLog(taskID, kind, msg string) {
	if err := c.store.AppendTaskLog(taskID, kind, msg); err != nil {
		log.Printf("[coordinator] task %s: write task log: %v", taskID, err)
	}
}

func runSummary(res agent.RunResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "run finished: exit %d after %s", res.ExitCode, res.Duration.Round(time.Millisecond))
	if res.Timeout != agent.TimeoutNone {
		fmt.Fprintf(&sb, " (%s timeout)", res.Timeout)
	}
	if res.Stopped != "" {
		fmt.Fprintf(&sb, " (stopped: %s)", res.Stopped)
	}
	if res.Err != nil && res.Timeout == agent.TimeoutNone {
		fmt.Fprintf(&sb, ": %v", res.Err)
	}
	return sb.String()
}

func failureReason(res agent.RunResult) string {
	switch {
	case res.Timeout != agent.TimeoutNone:
		return fmt.Sprintf("%s timeout", res.Timeout)
	case res.Err != nil:
		return res.Err.Error()
	default:
		return fmt.Sprintf("exit code %d", res.ExitCode)
	}
}

func tailText(lines []string) string {
	if len(lines) > failureTailLines {
		lines = lines[len(lines)-failureTailLines:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
