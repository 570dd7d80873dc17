package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusInbox indicates the task has been submitted but not planned.
	TaskStatusInbox TaskStatus = "inbox"
	// TaskStatusPlanned indicates the planning meeting accepted the task.
	TaskStatusPlanned TaskStatus = "planned"
	// TaskStatusCollaborating indicates a delegated child waiting for its executor.
	TaskStatusCollaborating TaskStatus = "collaborating"
	// TaskStatusInProgress indicates an agent process is working on the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusReview indicates execution finished and review is pending or running.
	TaskStatusReview TaskStatus = "review"
	// TaskStatusDone indicates the task was finalized.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusCancelled indicates the task was cancelled by a stop request.
	TaskStatusCancelled TaskStatus = "cancelled"
	// TaskStatusPending indicates the task was paused and can be resumed.
	TaskStatusPending TaskStatus = "pending"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusInbox, TaskStatusPlanned, TaskStatusCollaborating, TaskStatusInProgress,
		TaskStatusReview, TaskStatusDone, TaskStatusCancelled, TaskStatusPending:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further runs may be launched for the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusCancelled
}

// AtLeastReview reports whether a task has progressed to review or beyond.
func (s TaskStatus) AtLeastReview() bool {
	return s == TaskStatusReview || s.Terminal()
}

// Task represents a unit of work submitted to the organization.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description holds the request followed by the append-only project memo log.
	Description string `json:"description,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// AssignedAgentID is the agent that owns execution.
	AssignedAgentID string `json:"assigned_agent_id,omitempty"`
	// DepartmentID is the owning department.
	DepartmentID string `json:"department_id,omitempty"`
	// SourceTaskID is set on collaboration children spawned by delegation.
	SourceTaskID string `json:"source_task_id,omitempty"`
	// WorkDir is the directory the agent process runs in.
	WorkDir string `json:"workdir,omitempty"`
	// Provider overrides the assigned agent's provider when set.
	Provider Provider `json:"provider,omitempty"`
	// RunPID is the pid of the most recent supervised process, 0 if none.
	RunPID int `json:"run_pid,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsCollaborationChild reports whether the task was spawned by delegation.
func (t *Task) IsCollaborationChild() bool {
	return t.SourceTaskID != ""
}

// SubtaskStatus represents the current state of a subtask.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskDone       SubtaskStatus = "done"
	SubtaskBlocked    SubtaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s SubtaskStatus) Valid() bool {
	switch s {
	case SubtaskPending, SubtaskInProgress, SubtaskDone, SubtaskBlocked:
		return true
	default:
		return false
	}
}

// SubtaskOrigin records what created a subtask.
type SubtaskOrigin string

const (
	SubtaskOriginPlan          SubtaskOrigin = "plan"
	SubtaskOriginRemediation   SubtaskOrigin = "remediation"
	SubtaskOriginConsolidation SubtaskOrigin = "consolidation"
	SubtaskOriginMarker        SubtaskOrigin = "cli_marker"
)

// Subtask is a unit of work under exactly one task.
type Subtask struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Status      SubtaskStatus `json:"status"`
	// TargetDepartmentID is set for foreign-department work.
	TargetDepartmentID string `json:"target_department_id,omitempty"`
	// DelegatedTaskID links to the collaboration child once delegated.
	DelegatedTaskID string        `json:"delegated_task_id,omitempty"`
	BlockedReason   string        `json:"blocked_reason,omitempty"`
	Origin          SubtaskOrigin `json:"origin,omitempty"`
	// MarkerRef is the provider-side identifier for marker-driven subtasks.
	MarkerRef   string     `json:"marker_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Foreign reports whether the subtask targets a department other than owner.
func (s *Subtask) Foreign(ownerDepartmentID string) bool {
	return s.TargetDepartmentID != "" && s.TargetDepartmentID != ownerDepartmentID
}

// AwaitingDelegation reports whether the subtask is queued for delegation.
func (s *Subtask) AwaitingDelegation() bool {
	return s.TargetDepartmentID != "" && s.DelegatedTaskID == "" && s.Status != SubtaskDone
}

// StopMode distinguishes a resumable pause from a cancellation.
type StopMode string

const (
	StopPause  StopMode = "pause"
	StopCancel StopMode = "cancel"
)

// Valid returns true if the mode is a known value.
func (m StopMode) Valid() bool {
	return m == StopPause || m == StopCancel
}
