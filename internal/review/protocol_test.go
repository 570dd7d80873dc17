package review

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/conclave/internal/agent"
	"github.com/ShayCichocki/conclave/internal/directory"
	"github.com/ShayCichocki/conclave/internal/orchestrator/policy"
	"github.com/ShayCichocki/conclave/internal/state"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// scriptedSpeaker answers from a script keyed by "agent/role". Missing
// entries fall back like a failed provider would.
type scriptedSpeaker struct {
	mu     sync.Mutex
	script map[string]string
	calls  []string
	// onCall runs before each answer.
	onCall func(n int)
}

func (s *scriptedSpeaker) Speak(ctx context.Context, req agent.SpeakRequest) (agent.Statement, error) {
	if err := ctx.Err(); err != nil {
		return agent.Statement{}, err
	}
	role := roleFromPrompt(req.Prompt)
	key := req.AgentID + "/" + role

	s.mu.Lock()
	s.calls = append(s.calls, key)
	n := len(s.calls)
	text, ok := s.script[key]
	onCall := s.onCall
	s.mu.Unlock()

	if onCall != nil {
		onCall(n)
	}
	if !ok {
		return agent.Statement{Text: req.Fallback, UsedFallback: true}, nil
	}
	return agent.Statement{Text: text}, nil
}

func (s *scriptedSpeaker) set(key, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script[key] = text
}

func (s *scriptedSpeaker) callKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func roleFromPrompt(prompt string) string {
	for role, instr := range roleInstructions {
		if strings.Contains(prompt, instr) {
			return role
		}
	}
	return "unknown"
}

type fixture struct {
	db       *state.DB
	protocol *Protocol
	speaker  *scriptedSpeaker
	task     *models.Task
	stopped  map[string]bool
	mu       sync.Mutex
}

func newFixture(t *testing.T, pol policy.ReviewPolicy) *fixture {
	t.Helper()
	return newFixtureWithQAName(t, pol, "QA")
}

func newFixtureWithQAName(t *testing.T, pol policy.ReviewPolicy, qaName string) *fixture {
	t.Helper()

	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	org, err := directory.New(directory.File{
		Departments: []models.Department{
			{ID: "planning", Name: "Planning", Planning: true},
			{ID: "eng", Name: "Engineering"},
			{ID: "qa", Name: qaName, Keywords: []string{"test", "retry"}},
		},
		Agents: []models.Agent{
			{ID: "pat", DepartmentID: "planning", Role: models.RoleLeader, Provider: models.ProviderClaude},
			{ID: "erin", DepartmentID: "eng", Role: models.RoleLeader, Provider: models.ProviderClaude},
			{ID: "quinn", DepartmentID: "qa", Role: models.RoleLeader, Provider: models.ProviderClaude},
		},
	}, db)
	require.NoError(t, err)

	task := &models.Task{
		ID:              "task-1",
		Title:           "Add retry to the fetcher",
		Status:          models.TaskStatusReview,
		DepartmentID:    "eng",
		AssignedAgentID: "erin",
	}
	require.NoError(t, db.CreateTask(task))

	f := &fixture{
		db:      db,
		speaker: &scriptedSpeaker{script: map[string]string{}},
		task:    task,
		stopped: map[string]bool{},
	}
	f.protocol = New(Options{
		Store:     db,
		Directory: org,
		Speaker:   f.speaker,
		Policy:    pol,
		Interrupted: func(taskID string) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.stopped[taskID]
		},
	})
	return f
}

func defaultReviewPolicy() policy.ReviewPolicy {
	return policy.ReviewPolicy{
		MaxRounds:            3,
		HoldCapPerRound:      2,
		HoldCapPerDepartment: 1,
		RemediationBudget:    1,
		NextRoundDelay:       10 * time.Millisecond,
		PresenceTTL:          time.Minute,
	}
}

func (f *fixture) approveAll() {
	for _, a := range []string{"pat", "erin", "quinn"} {
		f.speaker.set(a+"/"+RoleFinal, "No risk from my side. Approve.")
	}
}

func TestRunReview_CleanApproval(t *testing.T) {
	f := newFixture(t, defaultReviewPolicy())
	f.approveAll()

	out, err := f.protocol.RunReview(context.Background(), f.task.ID)
	require.NoError(t, err)

	assert.Equal(t, OutcomeApproved, out.Kind)
	assert.Equal(t, 1, out.Round)
	assert.Equal(t, models.ModeParallelRemediation, out.Mode)
	assert.Empty(t, out.Subtasks)

	// Fixed speaking order: chair, others, chair synthesis, all finals.
	assert.Equal(t, []string{
		"pat/" + RoleOpening,
		"erin/" + RoleFeedback,
		"quinn/" + RoleFeedback,
		"pat/" + RoleSynthesis,
		"pat/" + RoleFinal,
		"erin/" + RoleFinal,
		"quinn/" + RoleFinal,
	}, f.speaker.callKeys())

	subtasks, err := f.db.ListSubtasks(f.task.ID)
	require.NoError(t, err)
	assert.Empty(t, subtasks)

	m, err := f.db.GetMeeting(out.MeetingID)
	require.NoError(t, err)
	assert.Equal(t, models.MeetingCompleted, m.Status)

	entries, err := f.db.ListMeetingEntries(out.MeetingID)
	require.NoError(t, err)
	require.Len(t, entries, 7)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Seq)
	}
	assert.Equal(t, models.DecisionApproved, entries[6].Decision)

	task, err := f.db.GetTask(f.task.ID)
	require.NoError(t, err)
	assert.Contains(t, task.Description, "Review round 1: approved.")
}

func TestRunReview_RemediationThenApproval(t *testing.T) {
	f := newFixture(t, defaultReviewPolicy())
	f.approveAll()
	f.speaker.set("quinn/"+RoleFinal, "Hold: the retry loop has no backoff cap. Must address before merge.")

	out, err := f.protocol.RunReview(context.Background(), f.task.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeRemediation, out.Kind)
	require.Len(t, out.Admitted, 1)
	assert.Equal(t, "qa", out.Admitted[0].DepartmentID)

	subtasks, err := f.db.ListSubtasks(f.task.ID)
	require.NoError(t, err)
	require.Len(t, subtasks, 2)

	var remediation, consolidation *models.Subtask
	for i := range subtasks {
		switch subtasks[i].Origin {
		case models.SubtaskOriginRemediation:
			remediation = &subtasks[i]
		case models.SubtaskOriginConsolidation:
			consolidation = &subtasks[i]
		}
	}
	require.NotNil(t, remediation)
	require.NotNil(t, consolidation)
	assert.Equal(t, "qa", remediation.TargetDepartmentID)
	assert.Equal(t, models.SubtaskBlocked, remediation.Status)
	assert.NotEmpty(t, remediation.BlockedReason)
	assert.Equal(t, models.SubtaskPending, consolidation.Status)

	m, err := f.db.GetMeeting(out.MeetingID)
	require.NoError(t, err)
	assert.Equal(t, models.MeetingRevisionRequested, m.Status)

	memos, err := f.db.ListRevisionMemos(f.task.ID)
	require.NoError(t, err)
	assert.Len(t, memos, 1)

	// Next review entry is round 2.
	f.approveAll()
	out, err = f.protocol.RunReview(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Round)
	assert.Equal(t, models.ModeMergeSynthesis, out.Mode)
	assert.Equal(t, OutcomeApproved, out.Kind)
}

func TestRunReview_FallbackFinalNeverHolds(t *testing.T) {
	f := newFixtureWithQAName(t, defaultReviewPolicy(), "Risk Management")
	f.speaker.set("pat/"+RoleFinal, "No risk from my side. Approve.")
	f.speaker.set("erin/"+RoleFinal, "No risk from my side. Approve.")

	// The canned text alone would read as a hold for this department.
	m := &models.Meeting{Round: 1}
	require.Equal(t, models.DecisionHold,
		f.protocol.opts.Classifier.Classify(fallbackStatement(RoleFinal, "Risk Management", m)).Decision)

	out, err := f.protocol.RunReview(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, out.Kind)
	assert.Empty(t, out.Admitted)

	entries, err := f.db.ListMeetingEntries(out.MeetingID)
	require.NoError(t, err)
	require.Len(t, entries, 7)
	assert.Equal(t, "quinn", entries[6].SpeakerAgentID)
	assert.Equal(t, models.DecisionApproved, entries[6].Decision)

	subtasks, err := f.db.ListSubtasks(f.task.ID)
	require.NoError(t, err)
	assert.Empty(t, subtasks)
}

func TestRunReview_BudgetExhaustion(t *testing.T) {
	f := newFixture(t, defaultReviewPolicy())
	f.approveAll()
	hold := "Hold: the retry loop has no backoff cap. Must address before merge."
	f.speaker.set("quinn/"+RoleFinal, hold)

	out, err := f.protocol.RunReview(context.Background(), f.task.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeRemediation, out.Kind)

	f.speaker.set("quinn/"+RoleFinal, "Hold: error handling still needs changes; request changes.")
	out, err = f.protocol.RunReview(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNextRound, out.Kind)
	assert.Equal(t, 2, out.Round)
	assert.Equal(t, 10*time.Millisecond, out.Delay)
	assert.Empty(t, out.Subtasks)

	subtasks, err := f.db.ListSubtasks(f.task.ID)
	require.NoError(t, err)
	assert.Len(t, subtasks, 2, "round 2 must not seed subtasks")

	task, err := f.db.GetTask(f.task.ID)
	require.NoError(t, err)
	assert.Contains(t, task.Description, "residual risk carried to round 3")

	out, err = f.protocol.RunReview(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConditionalApproval, out.Kind)
	assert.Equal(t, 3, out.Round)
	assert.True(t, out.Kind.Finalizes())
}

func TestRunReview_RemediationBudgetExhaustedInRoundOne(t *testing.T) {
	pol := defaultReviewPolicy()
	pol.RemediationBudget = 0
	f := newFixture(t, pol)
	f.approveAll()
	f.speaker.set("quinn/"+RoleFinal, "Hold: needs changes to the retry loop.")

	out, err := f.protocol.RunReview(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNextRound, out.Kind)

	subtasks, err := f.db.ListSubtasks(f.task.ID)
	require.NoError(t, err)
	assert.Empty(t, subtasks)
}

func TestRunReview_DeferrableHoldApproves(t *testing.T) {
	f := newFixture(t, defaultReviewPolicy())
	f.approveAll()
	f.speaker.set("quinn/"+RoleFinal, "Latency is out of scope for now; we will monitor it post-merge.")

	out, err := f.protocol.RunReview(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, out.Kind)
	require.Len(t, out.Monitoring, 1)
	assert.Contains(t, out.Monitoring[0], "QA")

	task, err := f.db.GetTask(f.task.ID)
	require.NoError(t, err)
	assert.Contains(t, task.Description, "Post-merge monitoring")
}

func TestRunReview_HoldOverflowIsLogged(t *testing.T) {
	pol := defaultReviewPolicy()
	pol.HoldCapPerRound = 1
	f := newFixture(t, pol)
	f.speaker.set("pat/"+RoleFinal, "Hold: the plan is not ready.")
	f.speaker.set("erin/"+RoleFinal, "Hold: needs changes in the client.")
	f.speaker.set("quinn/"+RoleFinal, "Hold: tests fail on CI.")

	out, err := f.protocol.RunReview(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Len(t, out.Admitted, 1)

	logs, err := f.db.ListTaskLogs(f.task.ID)
	require.NoError(t, err)
	overflow := 0
	for _, l := range logs {
		if strings.Contains(l.Message, "exceeded the admission cap") {
			overflow++
		}
	}
	assert.Equal(t, 2, overflow)
}

func TestRunReview_ResumesOpenMeeting(t *testing.T) {
	f := newFixture(t, defaultReviewPolicy())
	f.approveAll()

	m := &models.Meeting{ID: "m-1", TaskID: f.task.ID, Type: models.MeetingReview, Round: 1,
		Status: models.MeetingInProgress, StartedAt: time.Now()}
	require.NoError(t, f.db.CreateMeeting(m))
	for _, e := range []models.MeetingEntry{
		{MeetingID: "m-1", SpeakerAgentID: "pat", DepartmentName: "Planning", RoleLabel: RoleOpening, Content: "Opening."},
		{MeetingID: "m-1", SpeakerAgentID: "erin", DepartmentName: "Engineering", RoleLabel: RoleFeedback, Content: "Fine."},
	} {
		e := e
		require.NoError(t, f.db.AppendMeetingEntry(&e))
	}

	out, err := f.protocol.RunReview(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, "m-1", out.MeetingID)
	assert.Equal(t, 1, out.Round)
	assert.Equal(t, "quinn/"+RoleFeedback, f.speaker.callKeys()[0], "recorded turns are not repeated")

	entries, err := f.db.ListMeetingEntries("m-1")
	require.NoError(t, err)
	require.Len(t, entries, 7)
	assert.Equal(t, 3, entries[2].Seq)

	meetings, err := f.db.ListMeetings(f.task.ID)
	require.NoError(t, err)
	assert.Len(t, meetings, 1, "no duplicate round")
}

func TestRunReview_Interrupted(t *testing.T) {
	f := newFixture(t, defaultReviewPolicy())
	f.approveAll()
	f.speaker.onCall = func(n int) {
		if n == 3 {
			f.mu.Lock()
			f.stopped[f.task.ID] = true
			f.mu.Unlock()
		}
	}

	_, err := f.protocol.RunReview(context.Background(), f.task.ID)
	require.ErrorIs(t, err, ErrInterrupted)

	meetings, err := f.db.ListMeetings(f.task.ID)
	require.NoError(t, err)
	require.Len(t, meetings, 1)
	assert.Equal(t, models.MeetingFailed, meetings[0].Status)

	entries, err := f.db.ListMeetingEntries(meetings[0].ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "the interrupted turn is not recorded")
}

func TestRunReview_CancelledTask(t *testing.T) {
	f := newFixture(t, defaultReviewPolicy())
	_, err := f.db.MutateTask(f.task.ID, func(task *models.Task) error {
		task.Status = models.TaskStatusCancelled
		return nil
	})
	require.NoError(t, err)

	_, err = f.protocol.RunReview(context.Background(), f.task.ID)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Empty(t, f.speaker.callKeys())
}

func TestRunReview_ForcedFinalization(t *testing.T) {
	pol := defaultReviewPolicy()
	pol.MaxRounds = 1
	f := newFixture(t, pol)

	done := time.Now()
	require.NoError(t, f.db.CreateMeeting(&models.Meeting{ID: "m-old", TaskID: f.task.ID, Type: models.MeetingReview,
		Round: 1, Status: models.MeetingCompleted, StartedAt: done, CompletedAt: &done}))

	out, err := f.protocol.RunReview(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.True(t, out.Forced)
	assert.Equal(t, OutcomeConditionalApproval, out.Kind)
	assert.Equal(t, 2, out.Round)
	assert.Empty(t, f.speaker.callKeys())
}

func TestRunReview_MaxRoundsClosesEarly(t *testing.T) {
	pol := defaultReviewPolicy()
	pol.MaxRounds = 1
	f := newFixture(t, pol)
	f.approveAll()
	f.speaker.set("quinn/"+RoleFinal, "Hold: needs changes to the retry loop.")

	out, err := f.protocol.RunReview(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConditionalApproval, out.Kind)
	assert.False(t, out.Forced)
}

func TestRunPlanning(t *testing.T) {
	f := newFixture(t, defaultReviewPolicy())
	f.speaker.set("pat/"+RolePlan, "Engineering builds it; QA adds retry tests.")

	plan, err := f.protocol.RunPlanning(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"qa"}, plan.Departments)
	assert.Equal(t, "Engineering builds it; QA adds retry tests.", plan.Summary)
	assert.Equal(t, []string{
		"pat/" + RoleKickoff,
		"erin/" + RoleInput,
		"quinn/" + RoleInput,
		"pat/" + RolePlan,
	}, f.speaker.callKeys())

	m, err := f.db.GetMeeting(plan.MeetingID)
	require.NoError(t, err)
	assert.Equal(t, models.MeetingPlanned, m.Type)
	assert.Equal(t, models.MeetingCompleted, m.Status)

	// Review rounds are counted separately from planning meetings.
	f.approveAll()
	out, err := f.protocol.RunReview(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Round)
}
