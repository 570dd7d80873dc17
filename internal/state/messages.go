package state

import (
	"database/sql"
	"fmt"
	"time"
)

// Message is one entry of the notification log.
type Message struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id,omitempty"`
	MessageType string    `json:"message_type"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskLog is one operational log line attached to a task.
type TaskLog struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateMessage stores a notification.
func (db *DB) CreateMessage(m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO messages (id, task_id, message_type, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ID, nullString(m.TaskID), m.MessageType, m.Content, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// ListMessages lists the most recent messages for a task, oldest first.
// An empty taskID lists messages across all tasks. limit <= 0 means no limit.
func (db *DB) ListMessages(taskID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}

	var rows *sql.Rows
	var err error
	if taskID != "" {
		rows, err = db.Query(`
			SELECT id, task_id, message_type, content, created_at FROM (
				SELECT id, task_id, message_type, content, created_at, rowid AS rid
				FROM messages WHERE task_id = ? ORDER BY rowid DESC LIMIT ?
			) ORDER BY rid
		`, taskID, limit)
	} else {
		rows, err = db.Query(`
			SELECT id, task_id, message_type, content, created_at FROM (
				SELECT id, task_id, message_type, content, created_at, rowid AS rid
				FROM messages ORDER BY rowid DESC LIMIT ?
			) ORDER BY rid
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var tid sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &tid, &m.MessageType, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.TaskID = tid.String
		m.CreatedAt, _ = parseTime(createdAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// AppendTaskLog appends an operational log line for a task.
func (db *DB) AppendTaskLog(taskID, kind, message string) error {
	_, err := db.Exec(`
		INSERT INTO task_logs (task_id, kind, message, created_at) VALUES (?, ?, ?, ?)
	`, taskID, kind, message, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

// ListTaskLogs lists a task's log lines in insertion order.
func (db *DB) ListTaskLogs(taskID string) ([]TaskLog, error) {
	rows, err := db.Query(`
		SELECT id, task_id, kind, message, created_at FROM task_logs WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}
	defer rows.Close()

	var logs []TaskLog
	for rows.Next() {
		var l TaskLog
		var createdAt string
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Kind, &l.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		l.CreatedAt, _ = parseTime(createdAt)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task logs: %w", err)
	}
	return logs, nil
}
