package review

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conclave/internal/agent"
	"github.com/ShayCichocki/conclave/internal/config"
	"github.com/ShayCichocki/conclave/internal/directory"
	"github.com/ShayCichocki/conclave/internal/metrics"
	"github.com/ShayCichocki/conclave/internal/notify"
	"github.com/ShayCichocki/conclave/internal/orchestrator/policy"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// ErrInterrupted is returned when the task was cancelled, deleted or
// stopped while its meeting ran. The meeting is closed as failed and never
// resumed.
var ErrInterrupted = errors.New("review: workflow interrupted")

// ErrNoChair is returned when the organization has no planning leader.
var ErrNoChair = errors.New("review: no planning leader to chair the meeting")

// Store is the persistence the protocol needs.
type Store interface {
	GetTask(id string) (*models.Task, error)
	ListSubtasks(taskID string) ([]models.Subtask, error)
	CreateSubtask(st *models.Subtask) error
	AppendTaskMemo(id, memo string) error
	AppendTaskLog(taskID, kind, message string) error

	CreateMeeting(m *models.Meeting) error
	UpdateMeeting(m *models.Meeting) error
	FindOpenMeeting(taskID string, typ models.MeetingType, round int) (*models.Meeting, error)
	LatestRound(taskID string, typ models.MeetingType) (int, error)
	ListMeetings(taskID string) ([]models.Meeting, error)
	AppendMeetingEntry(e *models.MeetingEntry) error
	ListMeetingEntries(meetingID string) ([]models.MeetingEntry, error)

	InsertRevisionMemo(item *models.RevisionMemoItem) (bool, error)
}

// Speaker produces one meeting statement.
type Speaker interface {
	Speak(ctx context.Context, req agent.SpeakRequest) (agent.Statement, error)
}

// Presence records which agents are sitting in a meeting.
type Presence interface {
	EnterMeeting(agentID string, until time.Time)
	LeaveMeeting(agentIDs ...string)
}

// OutcomeKind is how a review round closed.
type OutcomeKind string

const (
	// OutcomeApproved: no admitted holds, the task is done.
	OutcomeApproved OutcomeKind = "approved"
	// OutcomeRemediation: remediation subtasks were seeded and the owner
	// resumes execution.
	OutcomeRemediation OutcomeKind = "remediation"
	// OutcomeNextRound: residual risk was documented and another round
	// should run after Outcome.Delay.
	OutcomeNextRound OutcomeKind = "next_round"
	// OutcomeConditionalApproval: the final round closed with documented
	// conditions; the task is done.
	OutcomeConditionalApproval OutcomeKind = "conditional_approval"
)

// Finalizes reports whether the task should move to done.
func (k OutcomeKind) Finalizes() bool {
	return k == OutcomeApproved || k == OutcomeConditionalApproval
}

// Outcome is the result of one review round.
type Outcome struct {
	Kind      OutcomeKind
	TaskID    string
	MeetingID string
	Round     int
	Mode      models.RoundMode
	// Forced is set when the round cap was exceeded and the task was
	// finalized without a meeting.
	Forced bool
	// Admitted holds that shaped the outcome.
	Admitted []Hold
	// Monitoring notes from deferred holds.
	Monitoring []string
	// Subtasks seeded for remediation, including the consolidation subtask.
	Subtasks []models.Subtask
	// Delay before the next round, for OutcomeNextRound.
	Delay time.Duration
}

// Options configures a Protocol.
type Options struct {
	Store      Store
	Directory  directory.Directory
	Speaker    Speaker
	Classifier SignalClassifier
	Policy     policy.ReviewPolicy
	Sink       notify.Sink
	Metrics    *metrics.Metrics
	Presence   Presence
	// Interrupted reports whether a stop was requested for the task.
	Interrupted func(taskID string) bool
}

// Protocol runs review and planning meetings. It holds no per-task state;
// callers serialize meetings per task.
type Protocol struct {
	opts Options
	now  func() time.Time
}

// New creates a Protocol.
func New(opts Options) *Protocol {
	if opts.Sink == nil {
		opts.Sink = notify.Nop{}
	}
	if opts.Classifier == nil {
		opts.Classifier = NewKeywordClassifier(config.KeywordsConfig{})
	}
	return &Protocol{opts: opts, now: time.Now}
}

type participant struct {
	agent    *models.Agent
	deptName string
}

type step struct {
	who  participant
	role string
}

// RunReview runs the task's next review round, or continues the round
// whose meeting is still in progress. Rounds are strictly sequential: the
// chair opens, the other leaders give feedback, the chair synthesizes,
// then every leader states a final position.
func (p *Protocol) RunReview(ctx context.Context, taskID string) (*Outcome, error) {
	task, err := p.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	meeting, resumed, err := p.openMeeting(taskID, models.MeetingReview)
	if err != nil {
		return nil, err
	}
	round := meeting.Round
	mode := models.RoundModeFor(round)

	if p.opts.Policy.MaxRounds > 0 && round > p.opts.Policy.MaxRounds {
		return p.forceFinalize(ctx, task, meeting)
	}

	chair, others, err := p.participants(ctx, task)
	if err != nil {
		p.closeMeeting(meeting, models.MeetingFailed)
		return nil, err
	}

	if resumed {
		log.Printf("[review] task %s: resuming round %d (%s)", taskID, round, mode)
	} else {
		log.Printf("[review] task %s: round %d (%s) with %d leaders", taskID, round, mode, len(others)+1)
		p.opts.Metrics.ReviewRound(string(mode))
	}
	p.opts.Sink.Broadcast(ctx, notify.EventReviewRound, taskID, notify.ReviewRoundPayload{
		MeetingID: meeting.ID,
		Round:     round,
		Mode:      string(mode),
	})

	var steps []step
	steps = append(steps, step{chair, RoleOpening})
	for _, o := range others {
		steps = append(steps, step{o, RoleFeedback})
	}
	steps = append(steps, step{chair, RoleSynthesis})
	steps = append(steps, step{chair, RoleFinal})
	for _, o := range others {
		steps = append(steps, step{o, RoleFinal})
	}

	entries, err := p.runSteps(ctx, task, meeting, steps)
	if err != nil {
		return nil, p.abort(ctx, task.ID, meeting, append([]participant{chair}, others...), err)
	}
	p.leave(append([]participant{chair}, others...))

	holds := p.collectHolds(entries, others, chair)
	admission := AdmitHolds(holds, p.opts.Policy.HoldCapPerRound, p.opts.Policy.HoldCapPerDepartment)
	p.opts.Metrics.Holds("admitted", len(admission.Admitted))
	p.opts.Metrics.Holds("deferred", len(admission.Deferred))
	p.opts.Metrics.Holds("overflow", len(admission.Overflow))
	for _, h := range admission.Overflow {
		p.taskLog(taskID, fmt.Sprintf("round %d: hold from %s exceeded the admission cap and was not counted: %s",
			round, h.DepartmentName, summarize(h.Note)))
	}

	if err := p.checkInterrupted(ctx, taskID); err != nil {
		return nil, p.abort(ctx, taskID, meeting, nil, err)
	}

	out := &Outcome{
		TaskID:    taskID,
		MeetingID: meeting.ID,
		Round:     round,
		Mode:      mode,
		Admitted:  admission.Admitted,
	}
	for _, h := range admission.Deferred {
		out.Monitoring = append(out.Monitoring, fmt.Sprintf("%s: %s", h.DepartmentName, summarize(h.Note)))
	}

	finalRound := mode == models.ModeFinalDecision ||
		(p.opts.Policy.MaxRounds > 0 && round >= p.opts.Policy.MaxRounds)

	switch {
	case len(admission.Admitted) == 0:
		err = p.approve(task, meeting, out)
	case finalRound:
		err = p.conditionalApprove(task, meeting, out)
	case mode == models.ModeParallelRemediation:
		err = p.remediate(ctx, task, meeting, out)
	default:
		err = p.nextRound(task, meeting, out)
	}
	if err != nil {
		return nil, err
	}

	p.opts.Metrics.ReviewOutcome(string(out.Kind))
	p.opts.Sink.Broadcast(ctx, notify.EventReviewRound, taskID, notify.ReviewRoundPayload{
		MeetingID: meeting.ID,
		Round:     round,
		Mode:      string(mode),
		Outcome:   string(out.Kind),
	})
	p.opts.Sink.NotifyAll(ctx, notify.Notification{
		TaskID:      taskID,
		MessageType: notify.MessageDecision,
		Content:     outcomeMessage(task, out),
	})
	log.Printf("[review] task %s: round %d closed: %s (%d admitted, %d deferred, %d overflow)",
		taskID, round, out.Kind, len(admission.Admitted), len(admission.Deferred), len(admission.Overflow))
	return out, nil
}

// Plan is the result of a planning meeting.
type Plan struct {
	MeetingID string
	// Departments are the foreign departments that must collaborate.
	Departments []string
	// Summary is the chair's closing plan statement.
	Summary string
}

// RunPlanning runs the pre-execution planning meeting: the chair kicks off,
// related department leaders give input, and the chair states the plan.
func (p *Protocol) RunPlanning(ctx context.Context, taskID string) (*Plan, error) {
	task, err := p.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	meeting, _, err := p.openMeeting(taskID, models.MeetingPlanned)
	if err != nil {
		return nil, err
	}

	chair, others, err := p.participants(ctx, task)
	if err != nil {
		p.closeMeeting(meeting, models.MeetingFailed)
		return nil, err
	}

	var steps []step
	steps = append(steps, step{chair, RoleKickoff})
	for _, o := range others {
		steps = append(steps, step{o, RoleInput})
	}
	steps = append(steps, step{chair, RolePlan})

	entries, err := p.runSteps(ctx, task, meeting, steps)
	if err != nil {
		return nil, p.abort(ctx, taskID, meeting, append([]participant{chair}, others...), err)
	}
	p.leave(append([]participant{chair}, others...))

	related, err := p.opts.Directory.FindRelatedDepartments(ctx, taskID)
	if err != nil {
		p.closeMeeting(meeting, models.MeetingFailed)
		return nil, fmt.Errorf("related departments: %w", err)
	}

	plan := &Plan{MeetingID: meeting.ID}
	for _, d := range related {
		if d != task.DepartmentID {
			plan.Departments = append(plan.Departments, d)
		}
	}
	if len(entries) > 0 {
		plan.Summary = entries[len(entries)-1].Content
	}

	if err := p.checkInterrupted(ctx, taskID); err != nil {
		return nil, p.abort(ctx, taskID, meeting, nil, err)
	}
	p.closeMeeting(meeting, models.MeetingCompleted)
	p.opts.Sink.NotifyAll(ctx, notify.Notification{
		TaskID:      taskID,
		MessageType: notify.MessageMeeting,
		Content:     fmt.Sprintf("Planning for %q finished; %d collaborating department(s).", task.Title, len(plan.Departments)),
	})
	return plan, nil
}

// CloseOpenMeetings marks every in-progress meeting of the task as failed.
// Used when a task is cancelled so its meetings are never resumed.
func (p *Protocol) CloseOpenMeetings(taskID string) error {
	meetings, err := p.opts.Store.ListMeetings(taskID)
	if err != nil {
		return err
	}
	for i := range meetings {
		if meetings[i].Status == models.MeetingInProgress {
			p.closeMeeting(&meetings[i], models.MeetingFailed)
		}
	}
	return nil
}

func (p *Protocol) loadTask(ctx context.Context, taskID string) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrInterrupted
	}
	task, err := p.opts.Store.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task == nil || task.Status == models.TaskStatusCancelled {
		return nil, ErrInterrupted
	}
	return task, nil
}

// openMeeting returns the in-progress meeting for the latest round of the
// given type, or creates the next round's meeting.
func (p *Protocol) openMeeting(taskID string, typ models.MeetingType) (m *models.Meeting, resumed bool, err error) {
	latest, err := p.opts.Store.LatestRound(taskID, typ)
	if err != nil {
		return nil, false, err
	}
	if latest > 0 {
		open, err := p.opts.Store.FindOpenMeeting(taskID, typ, latest)
		if err != nil {
			return nil, false, err
		}
		if open != nil {
			return open, true, nil
		}
	}

	m = &models.Meeting{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Type:      typ,
		Round:     latest + 1,
		Status:    models.MeetingInProgress,
		StartedAt: p.now(),
	}
	if err := p.opts.Store.CreateMeeting(m); err != nil {
		return nil, false, err
	}
	return m, false, nil
}

// participants returns the chair and the other leaders in speaking order:
// the owning department first, then related departments by id.
func (p *Protocol) participants(ctx context.Context, task *models.Task) (participant, []participant, error) {
	dir := p.opts.Directory
	chairAgent := dir.PlanningLeader()
	if chairAgent == nil {
		return participant{}, nil, ErrNoChair
	}
	chair := participant{agent: chairAgent, deptName: p.deptName(chairAgent.DepartmentID)}

	related, err := dir.FindRelatedDepartments(ctx, task.ID)
	if err != nil {
		return participant{}, nil, fmt.Errorf("related departments: %w", err)
	}

	seen := map[string]bool{chairAgent.ID: true}
	var others []participant
	for _, deptID := range append([]string{task.DepartmentID}, related...) {
		leader := dir.FindDepartmentLeader(deptID)
		if leader == nil || seen[leader.ID] {
			continue
		}
		seen[leader.ID] = true
		others = append(others, participant{agent: leader, deptName: p.deptName(deptID)})
	}
	return chair, others, nil
}

func (p *Protocol) deptName(id string) string {
	if d, ok := p.opts.Directory.Department(id); ok && d.Name != "" {
		return d.Name
	}
	return id
}

// runSteps speaks every step not yet recorded in the meeting transcript and
// returns the full transcript.
func (p *Protocol) runSteps(ctx context.Context, task *models.Task, meeting *models.Meeting, steps []step) ([]models.MeetingEntry, error) {
	entries, err := p.opts.Store.ListMeetingEntries(meeting.ID)
	if err != nil {
		return nil, err
	}

	for i := len(entries); i < len(steps); i++ {
		st := steps[i]
		if err := p.checkInterrupted(ctx, task.ID); err != nil {
			return nil, err
		}
		p.enter(ctx, meeting, st.who)

		prompt := buildTurnPrompt(turnPrompt{
			task:       task,
			speaker:    st.who.agent,
			deptName:   st.who.deptName,
			meeting:    meeting,
			role:       st.role,
			transcript: entries,
		})
		stmt, err := p.opts.Speaker.Speak(ctx, agent.SpeakRequest{
			TaskID:   task.ID,
			AgentID:  st.who.agent.ID,
			Provider: p.providerFor(task, st.who.agent),
			Prompt:   prompt,
			Fallback: fallbackStatement(st.role, st.who.deptName, meeting),
			WorkDir:  task.WorkDir,
		})
		if err != nil {
			return nil, ErrInterrupted
		}
		if err := p.checkInterrupted(ctx, task.ID); err != nil {
			return nil, err
		}

		entry := models.MeetingEntry{
			MeetingID:      meeting.ID,
			SpeakerAgentID: st.who.agent.ID,
			DepartmentName: st.who.deptName,
			RoleLabel:      st.role,
			Content:        stmt.Text,
		}
		if st.role == RoleFinal {
			if stmt.UsedFallback {
				entry.Decision = models.DecisionApproved
			} else {
				entry.Decision = p.opts.Classifier.Classify(stmt.Text).Decision
			}
		}
		if err := p.opts.Store.AppendMeetingEntry(&entry); err != nil {
			return nil, fmt.Errorf("append entry: %w", err)
		}
		entries = append(entries, entry)
		p.opts.Sink.Broadcast(ctx, notify.EventMeetingEntry, task.ID, entry)
	}
	return entries, nil
}

// providerFor picks the provider for a meeting turn. Meetings always use
// the speaker's own provider, except that a task-level override applies to
// the owning department's leader.
func (p *Protocol) providerFor(task *models.Task, a *models.Agent) models.Provider {
	if task.Provider != "" && a.DepartmentID == task.DepartmentID {
		return task.Provider
	}
	return a.Provider
}

func (p *Protocol) collectHolds(entries []models.MeetingEntry, others []participant, chair participant) []Hold {
	deptOf := map[string]string{chair.agent.ID: chair.agent.DepartmentID}
	for _, o := range others {
		deptOf[o.agent.ID] = o.agent.DepartmentID
	}

	var holds []Hold
	for _, e := range entries {
		if e.RoleLabel != RoleFinal {
			continue
		}
		c := p.opts.Classifier.Classify(e.Content)
		decision := e.Decision
		if decision == "" {
			decision = c.Decision
		}
		if decision != models.DecisionHold {
			continue
		}
		holds = append(holds, Hold{
			AgentID:        e.SpeakerAgentID,
			DepartmentID:   deptOf[e.SpeakerAgentID],
			DepartmentName: e.DepartmentName,
			Note:           e.Content,
			Deferrable:     c.Deferrable(),
		})
	}
	return holds
}

func (p *Protocol) approve(task *models.Task, meeting *models.Meeting, out *Outcome) error {
	out.Kind = OutcomeApproved
	memo := fmt.Sprintf("Review round %d: approved.", meeting.Round)
	if len(out.Monitoring) > 0 {
		memo += " Post-merge monitoring:\n- " + strings.Join(out.Monitoring, "\n- ")
	}
	if err := p.opts.Store.AppendTaskMemo(task.ID, memo); err != nil {
		return fmt.Errorf("append decision memo: %w", err)
	}
	p.closeMeeting(meeting, models.MeetingCompleted)
	return nil
}

func (p *Protocol) conditionalApprove(task *models.Task, meeting *models.Meeting, out *Outcome) error {
	out.Kind = OutcomeConditionalApproval
	memo := fmt.Sprintf("Review round %d: approved with conditions.\n- %s",
		meeting.Round, strings.Join(holdLines(out.Admitted), "\n- "))
	if len(out.Monitoring) > 0 {
		memo += "\nPost-merge monitoring:\n- " + strings.Join(out.Monitoring, "\n- ")
	}
	if err := p.opts.Store.AppendTaskMemo(task.ID, memo); err != nil {
		return fmt.Errorf("append conditional approval memo: %w", err)
	}
	p.closeMeeting(meeting, models.MeetingCompleted)
	return nil
}

func (p *Protocol) nextRound(task *models.Task, meeting *models.Meeting, out *Outcome) error {
	out.Kind = OutcomeNextRound
	out.Delay = p.opts.Policy.NextRoundDelay
	memo := fmt.Sprintf("Review round %d: residual risk carried to round %d.\n- %s",
		meeting.Round, meeting.Round+1, strings.Join(holdLines(out.Admitted), "\n- "))
	if err := p.opts.Store.AppendTaskMemo(task.ID, memo); err != nil {
		return fmt.Errorf("append residual risk memo: %w", err)
	}
	p.closeMeeting(meeting, models.MeetingCompleted)
	return nil
}

// remediate records admitted holds in the revision memo and seeds one
// subtask per fresh item plus a consolidation subtask. With no budget left,
// or nothing new to fix, the round documents residual risk instead.
func (p *Protocol) remediate(ctx context.Context, task *models.Task, meeting *models.Meeting, out *Outcome) error {
	used, err := p.remediationsUsed(task.ID)
	if err != nil {
		return err
	}
	if used >= p.opts.Policy.RemediationBudget {
		p.taskLog(task.ID, fmt.Sprintf("round %d: remediation budget (%d) exhausted, documenting residual risk",
			meeting.Round, p.opts.Policy.RemediationBudget))
		return p.nextRound(task, meeting, out)
	}

	var fresh []Hold
	for _, h := range out.Admitted {
		inserted, err := p.opts.Store.InsertRevisionMemo(&models.RevisionMemoItem{
			TaskID:         task.ID,
			NormalizedNote: NormalizeNote(h.Note),
			RawNote:        h.Note,
			FirstRound:     meeting.Round,
		})
		if err != nil {
			return fmt.Errorf("insert revision memo: %w", err)
		}
		if inserted {
			fresh = append(fresh, h)
		}
	}
	if len(fresh) == 0 {
		p.taskLog(task.ID, fmt.Sprintf("round %d: every hold repeats an earlier revision request", meeting.Round))
		return p.nextRound(task, meeting, out)
	}

	if err := p.checkInterrupted(ctx, task.ID); err != nil {
		return p.abort(ctx, task.ID, meeting, nil, err)
	}

	now := p.now()
	for _, h := range fresh {
		st := models.Subtask{
			ID:          uuid.New().String(),
			TaskID:      task.ID,
			Title:       fmt.Sprintf("Address %s review feedback", h.DepartmentName),
			Description: h.Note,
			Status:      models.SubtaskPending,
			Origin:      models.SubtaskOriginRemediation,
			CreatedAt:   now,
		}
		if h.DepartmentID != "" && h.DepartmentID != task.DepartmentID && !task.IsCollaborationChild() {
			st.TargetDepartmentID = h.DepartmentID
			st.Status = models.SubtaskBlocked
			st.BlockedReason = fmt.Sprintf("waiting for delegation to %s", h.DepartmentName)
		}
		if err := p.opts.Store.CreateSubtask(&st); err != nil {
			return fmt.Errorf("create remediation subtask: %w", err)
		}
		out.Subtasks = append(out.Subtasks, st)
	}

	consolidation := models.Subtask{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		Title:       fmt.Sprintf("Consolidate round %d review fixes", meeting.Round),
		Description: strings.Join(holdLines(fresh), "\n"),
		Status:      models.SubtaskPending,
		Origin:      models.SubtaskOriginConsolidation,
		CreatedAt:   now,
	}
	if err := p.opts.Store.CreateSubtask(&consolidation); err != nil {
		return fmt.Errorf("create consolidation subtask: %w", err)
	}
	out.Subtasks = append(out.Subtasks, consolidation)

	out.Kind = OutcomeRemediation
	memo := fmt.Sprintf("Review round %d: revision requested.\n- %s", meeting.Round, strings.Join(holdLines(fresh), "\n- "))
	if err := p.opts.Store.AppendTaskMemo(task.ID, memo); err != nil {
		return fmt.Errorf("append revision memo: %w", err)
	}
	p.closeMeeting(meeting, models.MeetingRevisionRequested)
	return nil
}

// remediationsUsed counts review rounds that requested revision.
func (p *Protocol) remediationsUsed(taskID string) (int, error) {
	meetings, err := p.opts.Store.ListMeetings(taskID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range meetings {
		if m.Type == models.MeetingReview && m.Status == models.MeetingRevisionRequested {
			n++
		}
	}
	return n, nil
}

func (p *Protocol) forceFinalize(ctx context.Context, task *models.Task, meeting *models.Meeting) (*Outcome, error) {
	out := &Outcome{
		Kind:      OutcomeConditionalApproval,
		TaskID:    task.ID,
		MeetingID: meeting.ID,
		Round:     meeting.Round,
		Mode:      models.RoundModeFor(meeting.Round),
		Forced:    true,
	}
	memo := fmt.Sprintf("Review round %d exceeds the limit of %d rounds; finalized with unresolved concerns documented in earlier rounds.",
		meeting.Round, p.opts.Policy.MaxRounds)
	if err := p.opts.Store.AppendTaskMemo(task.ID, memo); err != nil {
		return nil, fmt.Errorf("append forced finalization memo: %w", err)
	}
	p.closeMeeting(meeting, models.MeetingCompleted)
	p.taskLog(task.ID, memo)
	p.opts.Metrics.ReviewOutcome(string(out.Kind))
	p.opts.Sink.NotifyAll(ctx, notify.Notification{
		TaskID:      task.ID,
		MessageType: notify.MessageDecision,
		Content:     outcomeMessage(task, out),
	})
	return out, nil
}

func (p *Protocol) checkInterrupted(ctx context.Context, taskID string) error {
	if ctx.Err() != nil {
		return ErrInterrupted
	}
	if p.opts.Interrupted != nil && p.opts.Interrupted(taskID) {
		return ErrInterrupted
	}
	task, err := p.opts.Store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task == nil || task.Status == models.TaskStatusCancelled {
		return ErrInterrupted
	}
	return nil
}

// abort tears down meeting state after an error. Meetings interrupted by a
// stop or cancellation are closed as failed so they are never resumed.
// Shutdown (ctx done) and other errors leave the meeting open for the next
// process to continue.
func (p *Protocol) abort(ctx context.Context, taskID string, meeting *models.Meeting, who []participant, err error) error {
	p.leave(who)
	if errors.Is(err, ErrInterrupted) && ctx.Err() == nil {
		p.closeMeeting(meeting, models.MeetingFailed)
		log.Printf("[review] task %s: meeting %s interrupted", taskID, meeting.ID)
	}
	return err
}

func (p *Protocol) closeMeeting(m *models.Meeting, status models.MeetingStatus) {
	now := p.now()
	m.Status = status
	m.CompletedAt = &now
	if err := p.opts.Store.UpdateMeeting(m); err != nil {
		log.Printf("[review] close meeting %s: %v", m.ID, err)
	}
}

func (p *Protocol) enter(ctx context.Context, meeting *models.Meeting, who participant) {
	until := p.now().Add(p.opts.Policy.PresenceTTL)
	if p.opts.Presence != nil {
		p.opts.Presence.EnterMeeting(who.agent.ID, until)
	}
	p.opts.Sink.Broadcast(ctx, notify.EventMeetingPresence, meeting.TaskID, notify.PresencePayload{
		AgentIDs:  []string{who.agent.ID},
		MeetingID: meeting.ID,
		Active:    true,
		ExpiresAt: until,
	})
}

func (p *Protocol) leave(who []participant) {
	if len(who) == 0 {
		return
	}
	ids := make([]string, len(who))
	for i, w := range who {
		ids[i] = w.agent.ID
	}
	if p.opts.Presence != nil {
		p.opts.Presence.LeaveMeeting(ids...)
	}
	p.opts.Sink.Broadcast(context.Background(), notify.EventMeetingPresence, "", notify.PresencePayload{AgentIDs: ids})
}

func (p *Protocol) taskLog(taskID, msg string) {
	if err := p.opts.Store.AppendTaskLog(taskID, "review", msg); err != nil {
		log.Printf("[review] task %s: write task log: %v", taskID, err)
	}
}

func holdLines(holds []Hold) []string {
	out := make([]string, len(holds))
	for i, h := range holds {
		out[i] = fmt.Sprintf("%s: %s", h.DepartmentName, summarize(h.Note))
	}
	return out
}

// summarize collapses a statement to one line of at most 240 characters.
func summarize(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 240 {
		return string(r[:237]) + "..."
	}
	return s
}

func outcomeMessage(task *models.Task, out *Outcome) string {
	switch out.Kind {
	case OutcomeApproved:
		return fmt.Sprintf("Review round %d approved %q.", out.Round, task.Title)
	case OutcomeRemediation:
		return fmt.Sprintf("Review round %d requested revisions on %q: %d remediation subtask(s).", out.Round, task.Title, len(out.Subtasks)-1)
	case OutcomeNextRound:
		return fmt.Sprintf("Review round %d documented residual risk on %q; round %d follows.", out.Round, task.Title, out.Round+1)
	case OutcomeConditionalApproval:
		if out.Forced {
			return fmt.Sprintf("%q finalized after reaching the review round limit.", task.Title)
		}
		return fmt.Sprintf("Review round %d approved %q with documented conditions.", out.Round, task.Title)
	}
	return string(out.Kind)
}
