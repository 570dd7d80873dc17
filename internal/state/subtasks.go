package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/conclave/pkg/models"
)

const subtaskColumns = `id, task_id, title, description, status, target_department_id,
	delegated_task_id, blocked_reason, origin, marker_ref, created_at, completed_at`

func scanSubtask(s rowScanner) (*models.Subtask, error) {
	var st models.Subtask
	var description, target, delegated, blocked, origin, marker sql.NullString
	var createdAt string
	var completedAt sql.NullString

	err := s.Scan(&st.ID, &st.TaskID, &st.Title, &description, &st.Status, &target,
		&delegated, &blocked, &origin, &marker, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	st.Description = description.String
	st.TargetDepartmentID = target.String
	st.DelegatedTaskID = delegated.String
	st.BlockedReason = blocked.String
	st.Origin = models.SubtaskOrigin(origin.String)
	st.MarkerRef = marker.String
	st.CreatedAt, _ = parseTime(createdAt)
	st.CompletedAt = parseNullableTime(completedAt)
	return &st, nil
}

// CreateSubtask creates a new subtask.
func (db *DB) CreateSubtask(st *models.Subtask) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	if st.Status == "" {
		st.Status = models.SubtaskPending
	}

	_, err := db.Exec(`
		INSERT INTO subtasks (`+subtaskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, st.TaskID, st.Title, st.Description, string(st.Status),
		nullString(st.TargetDepartmentID), nullString(st.DelegatedTaskID), nullString(st.BlockedReason),
		nullString(string(st.Origin)), nullString(st.MarkerRef), formatTime(st.CreatedAt),
		nullableTime(st.CompletedAt))
	if err != nil {
		return fmt.Errorf("create subtask: %w", err)
	}
	return nil
}

// GetSubtask retrieves a subtask by ID. Returns nil, nil if not found.
func (db *DB) GetSubtask(id string) (*models.Subtask, error) {
	row := db.QueryRow(`SELECT `+subtaskColumns+` FROM subtasks WHERE id = ?`, id)
	st, err := scanSubtask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subtask: %w", err)
	}
	return st, nil
}

// UpdateSubtask writes every mutable column of a subtask.
func (db *DB) UpdateSubtask(st *models.Subtask) error {
	_, err := db.Exec(`
		UPDATE subtasks SET title = ?, description = ?, status = ?, target_department_id = ?,
			delegated_task_id = ?, blocked_reason = ?, origin = ?, marker_ref = ?, completed_at = ?
		WHERE id = ?
	`, st.Title, st.Description, string(st.Status), nullString(st.TargetDepartmentID),
		nullString(st.DelegatedTaskID), nullString(st.BlockedReason), nullString(string(st.Origin)),
		nullString(st.MarkerRef), nullableTime(st.CompletedAt), st.ID)
	if err != nil {
		return fmt.Errorf("update subtask: %w", err)
	}
	return nil
}

// ListSubtasks lists the subtasks of a task in creation order.
func (db *DB) ListSubtasks(taskID string) ([]models.Subtask, error) {
	rows, err := db.Query(`SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ? ORDER BY created_at, rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	var subtasks []models.Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		subtasks = append(subtasks, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtasks: %w", err)
	}
	return subtasks, nil
}

// NextPendingDelegation returns the oldest foreign subtask of a task that
// has not been delegated yet. ownerDepartmentID excludes subtasks that target
// the task's own department. Returns nil, nil if none are queued.
func (db *DB) NextPendingDelegation(taskID, ownerDepartmentID string) (*models.Subtask, error) {
	row := db.QueryRow(`
		SELECT `+subtaskColumns+` FROM subtasks
		WHERE task_id = ?
			AND target_department_id IS NOT NULL AND target_department_id != ''
			AND target_department_id != ?
			AND (delegated_task_id IS NULL OR delegated_task_id = '')
			AND status != ?
		ORDER BY created_at, rowid
		LIMIT 1
	`, taskID, ownerDepartmentID, string(models.SubtaskDone))
	st, err := scanSubtask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending delegation: %w", err)
	}
	return st, nil
}

// FindSubtaskByDelegatedTask returns the subtask whose work was delegated to
// childTaskID. Returns nil, nil if no subtask links to it.
func (db *DB) FindSubtaskByDelegatedTask(childTaskID string) (*models.Subtask, error) {
	row := db.QueryRow(`SELECT `+subtaskColumns+` FROM subtasks WHERE delegated_task_id = ? LIMIT 1`, childTaskID)
	st, err := scanSubtask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find subtask by delegated task: %w", err)
	}
	return st, nil
}

// FindSubtaskByMarker returns the subtask created from a provider marker.
// Returns nil, nil if none matches.
func (db *DB) FindSubtaskByMarker(taskID, markerRef string) (*models.Subtask, error) {
	row := db.QueryRow(`SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ? AND marker_ref = ? LIMIT 1`, taskID, markerRef)
	st, err := scanSubtask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find subtask by marker: %w", err)
	}
	return st, nil
}
