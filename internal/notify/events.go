// Package notify delivers workflow notifications and broadcast events.
// Every sink is fire-and-forget: failures are logged and never block the
// workflow.
package notify

import (
	"time"
)

// EventType represents the type of broadcast event.
type EventType string

const (
	// EventTaskStatus indicates a task changed status.
	EventTaskStatus EventType = "task_status"
	// EventRunStarted indicates a supervised run started.
	EventRunStarted EventType = "run_started"
	// EventRunOutput carries one normalized output line.
	EventRunOutput EventType = "run_output"
	// EventRunFinished indicates a supervised run exited.
	EventRunFinished EventType = "run_finished"
	// EventSubtaskUpdate indicates a subtask was created or changed.
	EventSubtaskUpdate EventType = "subtask_update"
	// EventMeetingPresence signals which agents are sitting in a meeting.
	EventMeetingPresence EventType = "meeting_presence"
	// EventMeetingEntry carries one transcript statement.
	EventMeetingEntry EventType = "meeting_entry"
	// EventReviewRound indicates a review round opened or closed.
	EventReviewRound EventType = "review_round"
	// EventDelegation indicates a subtask was delegated to another department.
	EventDelegation EventType = "delegation"
	// EventNotification mirrors a NotifyAll message for live subscribers.
	EventNotification EventType = "notification"
)

// Message types used with NotifyAll.
const (
	MessageStatus   = "status_update"
	MessageReport   = "report"
	MessageFailure  = "failure"
	MessageDecision = "decision"
	MessageMeeting  = "meeting"
)

// Notification is a team-visible message.
type Notification struct {
	// TaskID is the related task, empty for organization-wide messages.
	TaskID string `json:"task_id,omitempty"`
	// MessageType classifies the message (status_update, report, ...).
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
}

// Event is a broadcast event delivered to live subscribers.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Payloads broadcast by the workflow. Subscribers may switch on these types
// when they read from an Emitter.

// TaskStatusPayload accompanies EventTaskStatus.
type TaskStatusPayload struct {
	TaskID  string `json:"task_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	AgentID string `json:"agent_id,omitempty"`
}

// RunPayload accompanies the run events.
type RunPayload struct {
	TaskID   string `json:"task_id"`
	AgentID  string `json:"agent_id,omitempty"`
	Provider string `json:"provider,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Line     string `json:"line,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// PresencePayload accompanies EventMeetingPresence.
type PresencePayload struct {
	AgentIDs  []string  `json:"agent_ids"`
	MeetingID string    `json:"meeting_id,omitempty"`
	Active    bool      `json:"active"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ReviewRoundPayload accompanies EventReviewRound.
type ReviewRoundPayload struct {
	MeetingID string `json:"meeting_id"`
	Round     int    `json:"round"`
	Mode      string `json:"mode"`
	Outcome   string `json:"outcome,omitempty"`
}

// DelegationPayload accompanies EventDelegation.
type DelegationPayload struct {
	OriginTaskID string `json:"origin_task_id"`
	ChildTaskID  string `json:"child_task_id,omitempty"`
	SubtaskID    string `json:"subtask_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	// Event is dispatched, child_review, child_failed or skipped.
	Event string `json:"event"`
}
