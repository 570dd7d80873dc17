package state

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/conclave/pkg/models"
)

const taskColumns = `id, title, description, status, assigned_agent_id, department_id, source_task_id,
	workdir, provider, run_pid, created_at, started_at, completed_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (*models.Task, error) {
	var t models.Task
	var description, agentID, deptID, sourceID, workdir, provider sql.NullString
	var createdAt, updatedAt string
	var startedAt, completedAt sql.NullString

	err := s.Scan(&t.ID, &t.Title, &description, &t.Status, &agentID, &deptID, &sourceID,
		&workdir, &provider, &t.RunPID, &createdAt, &startedAt, &completedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Description = description.String
	t.AssignedAgentID = agentID.String
	t.DepartmentID = deptID.String
	t.SourceTaskID = sourceID.String
	t.WorkDir = workdir.String
	t.Provider = models.Provider(provider.String)
	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

// CreateTask creates a new task. Zero timestamps are filled with now.
func (db *DB) CreateTask(t *models.Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.Status == "" {
		t.Status = models.TaskStatusInbox
	}

	_, err := db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.Description, string(t.Status), nullString(t.AssignedAgentID),
		nullString(t.DepartmentID), nullString(t.SourceTaskID), nullString(t.WorkDir),
		nullString(string(t.Provider)), t.RunPID, formatTime(t.CreatedAt),
		nullableTime(t.StartedAt), nullableTime(t.CompletedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns nil, nil if not found.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask writes every mutable column of a task and bumps updated_at.
func (db *DB) UpdateTask(t *models.Task) error {
	t.UpdatedAt = time.Now()
	_, err := db.Exec(`
		UPDATE tasks SET title = ?, description = ?, status = ?, assigned_agent_id = ?,
			department_id = ?, source_task_id = ?, workdir = ?, provider = ?, run_pid = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, t.Title, t.Description, string(t.Status), nullString(t.AssignedAgentID),
		nullString(t.DepartmentID), nullString(t.SourceTaskID), nullString(t.WorkDir),
		nullString(string(t.Provider)), t.RunPID, nullableTime(t.StartedAt),
		nullableTime(t.CompletedAt), formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// MutateTask loads a task, applies fn and writes the result in one
// transaction. If fn returns an error nothing is written and the error is
// returned unwrapped. Returns nil, nil if the task does not exist.
func (db *DB) MutateTask(id string, fn func(t *models.Task) error) (*models.Task, error) {
	var result *models.Task
	err := db.Transaction(func(tx *sql.Tx) error {
		result = nil
		row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		t, err := scanTask(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}

		if err := fn(t); err != nil {
			return err
		}

		t.UpdatedAt = time.Now()
		_, err = tx.Exec(`
			UPDATE tasks SET title = ?, description = ?, status = ?, assigned_agent_id = ?,
				department_id = ?, source_task_id = ?, workdir = ?, provider = ?, run_pid = ?,
				started_at = ?, completed_at = ?, updated_at = ?
			WHERE id = ?
		`, t.Title, t.Description, string(t.Status), nullString(t.AssignedAgentID),
			nullString(t.DepartmentID), nullString(t.SourceTaskID), nullString(t.WorkDir),
			nullString(string(t.Provider)), t.RunPID, nullableTime(t.StartedAt),
			nullableTime(t.CompletedAt), formatTime(t.UpdatedAt), t.ID)
		if err != nil {
			return fmt.Errorf("write task: %w", err)
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteTask deletes a task and, through cascades, its subtasks and meetings.
func (db *DB) DeleteTask(id string) error {
	_, err := db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ListTasks lists tasks, optionally filtered by status, oldest first.
func (db *DB) ListTasks(status *models.TaskStatus) ([]models.Task, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at, rowid`, string(*status))
	} else {
		rows, err = db.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at, rowid`)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListChildTasks lists the collaboration children spawned from a task.
func (db *DB) ListChildTasks(sourceTaskID string) ([]models.Task, error) {
	rows, err := db.Query(`SELECT `+taskColumns+` FROM tasks WHERE source_task_id = ? ORDER BY created_at, rowid`, sourceTaskID)
	if err != nil {
		return nil, fmt.Errorf("list child tasks: %w", err)
	}
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]models.Task, error) {
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// AppendTaskMemo appends a memo block to the task description.
// The description is the task's durable project memo log and only grows.
func (db *DB) AppendTaskMemo(id, memo string) error {
	memo = strings.TrimSpace(memo)
	if memo == "" {
		return nil
	}
	res, err := db.Exec(`
		UPDATE tasks SET
			description = CASE WHEN description IS NULL OR description = '' THEN ? ELSE description || char(10) || char(10) || ? END,
			updated_at = ?
		WHERE id = ?
	`, memo, memo, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("append task memo: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("append task memo: task %s not found", id)
	}
	return nil
}
