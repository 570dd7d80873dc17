package models

import "time"

// MeetingType distinguishes the pre-execution planning meeting from review rounds.
type MeetingType string

const (
	MeetingPlanned MeetingType = "planned"
	MeetingReview  MeetingType = "review"
)

// MeetingStatus is the state of one meeting transcript.
type MeetingStatus string

const (
	MeetingInProgress        MeetingStatus = "in_progress"
	MeetingCompleted         MeetingStatus = "completed"
	MeetingRevisionRequested MeetingStatus = "revision_requested"
	MeetingFailed            MeetingStatus = "failed"
)

// Meeting is the durable transcript of one simulated consensus round.
type Meeting struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	Type        MeetingType   `json:"type"`
	Round       int           `json:"round"`
	Status      MeetingStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// MeetingEntry is one append-only statement in a meeting.
type MeetingEntry struct {
	MeetingID      string `json:"meeting_id"`
	Seq            int    `json:"seq"`
	SpeakerAgentID string `json:"speaker_agent_id"`
	DepartmentName string `json:"department_name"`
	RoleLabel      string `json:"role_label"`
	Content        string `json:"content"`
	// Decision is the classified position for final statements.
	Decision  ReviewDecision `json:"decision,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ReviewDecision is the classification of a leader's final statement.
type ReviewDecision string

const (
	DecisionApproved  ReviewDecision = "approved"
	DecisionHold      ReviewDecision = "hold"
	DecisionReviewing ReviewDecision = "reviewing"
)

// RevisionMemoItem is a deduplicated remediation request.
type RevisionMemoItem struct {
	TaskID         string    `json:"task_id"`
	NormalizedNote string    `json:"normalized_note"`
	RawNote        string    `json:"raw_note"`
	FirstRound     int       `json:"first_round"`
	CreatedAt      time.Time `json:"created_at"`
}

// RoundMode is the behavior of a review round, derived from its number.
type RoundMode string

const (
	ModeParallelRemediation RoundMode = "parallel_remediation"
	ModeMergeSynthesis      RoundMode = "merge_synthesis"
	ModeFinalDecision       RoundMode = "final_decision"
)

// RoundModeFor returns the mode for the given 1-based round number.
func RoundModeFor(round int) RoundMode {
	switch {
	case round <= 1:
		return ModeParallelRemediation
	case round == 2:
		return ModeMergeSynthesis
	default:
		return ModeFinalDecision
	}
}
