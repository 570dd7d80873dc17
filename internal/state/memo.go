package state

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/conclave/pkg/models"
)

// InsertRevisionMemo records a remediation request for a task. The
// (task_id, normalized_note) pair is unique: when the note was already
// recorded the existing row, with its original first round, is kept and
// inserted is false.
func (db *DB) InsertRevisionMemo(item *models.RevisionMemoItem) (inserted bool, err error) {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	res, err := db.Exec(`
		INSERT OR IGNORE INTO revision_memo_items (task_id, normalized_note, raw_note, first_round, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, item.TaskID, item.NormalizedNote, item.RawNote, item.FirstRound, formatTime(item.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert revision memo: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n > 0, nil
}

// ListRevisionMemos lists a task's memo items in insertion order.
func (db *DB) ListRevisionMemos(taskID string) ([]models.RevisionMemoItem, error) {
	rows, err := db.Query(`
		SELECT task_id, normalized_note, raw_note, first_round, created_at
		FROM revision_memo_items WHERE task_id = ? ORDER BY rowid
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list revision memos: %w", err)
	}
	defer rows.Close()

	var items []models.RevisionMemoItem
	for rows.Next() {
		var it models.RevisionMemoItem
		var createdAt string
		if err := rows.Scan(&it.TaskID, &it.NormalizedNote, &it.RawNote, &it.FirstRound, &createdAt); err != nil {
			return nil, fmt.Errorf("scan revision memo: %w", err)
		}
		it.CreatedAt, _ = parseTime(createdAt)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revision memos: %w", err)
	}
	return items, nil
}
