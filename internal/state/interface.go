package state

import (
	"io"

	"github.com/ShayCichocki/conclave/pkg/models"
)

// TaskStore handles task-related persistence operations.
type TaskStore interface {
	CreateTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	UpdateTask(t *models.Task) error
	MutateTask(id string, fn func(t *models.Task) error) (*models.Task, error)
	DeleteTask(id string) error
	ListTasks(status *models.TaskStatus) ([]models.Task, error)
	ListChildTasks(sourceTaskID string) ([]models.Task, error)
	AppendTaskMemo(id, memo string) error
}

// SubtaskStore handles subtask-related persistence operations.
type SubtaskStore interface {
	CreateSubtask(st *models.Subtask) error
	GetSubtask(id string) (*models.Subtask, error)
	UpdateSubtask(st *models.Subtask) error
	ListSubtasks(taskID string) ([]models.Subtask, error)
	NextPendingDelegation(taskID, ownerDepartmentID string) (*models.Subtask, error)
	FindSubtaskByDelegatedTask(childTaskID string) (*models.Subtask, error)
	FindSubtaskByMarker(taskID, markerRef string) (*models.Subtask, error)
}

// MeetingStore handles meeting transcripts.
type MeetingStore interface {
	CreateMeeting(m *models.Meeting) error
	GetMeeting(id string) (*models.Meeting, error)
	UpdateMeeting(m *models.Meeting) error
	FindOpenMeeting(taskID string, typ models.MeetingType, round int) (*models.Meeting, error)
	LatestRound(taskID string, typ models.MeetingType) (int, error)
	ListMeetings(taskID string) ([]models.Meeting, error)
	ListOpenMeetings() ([]models.Meeting, error)
	AppendMeetingEntry(e *models.MeetingEntry) error
	ListMeetingEntries(meetingID string) ([]models.MeetingEntry, error)
}

// MemoStore handles deduplicated revision memo items.
type MemoStore interface {
	InsertRevisionMemo(item *models.RevisionMemoItem) (bool, error)
	ListRevisionMemos(taskID string) ([]models.RevisionMemoItem, error)
}

// LogStore handles the notification log and per-task operational logs.
type LogStore interface {
	CreateMessage(m *Message) error
	ListMessages(taskID string, limit int) ([]Message, error)
	AppendTaskLog(taskID, kind, message string) error
	ListTaskLogs(taskID string) ([]TaskLog, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the interface for state persistence.
// The orchestrator works against this interface rather than the concrete
// SQLite implementation. Failures caused by lock contention satisfy
// IsTransient after the store's own bounded retries are spent.
type Store interface {
	io.Closer
	Migrator
	TaskStore
	SubtaskStore
	MeetingStore
	MemoStore
	LogStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store        = (*DB)(nil)
	_ Migrator     = (*DB)(nil)
	_ TaskStore    = (*DB)(nil)
	_ SubtaskStore = (*DB)(nil)
	_ MeetingStore = (*DB)(nil)
	_ MemoStore    = (*DB)(nil)
	_ LogStore     = (*DB)(nil)
)
