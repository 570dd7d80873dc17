package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/conclave/pkg/models"
)

const meetingColumns = `id, task_id, type, round, status, started_at, completed_at`

func scanMeeting(s rowScanner) (*models.Meeting, error) {
	var m models.Meeting
	var startedAt string
	var completedAt sql.NullString

	if err := s.Scan(&m.ID, &m.TaskID, &m.Type, &m.Round, &m.Status, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	m.StartedAt, _ = parseTime(startedAt)
	m.CompletedAt = parseNullableTime(completedAt)
	return &m, nil
}

// CreateMeeting creates a new meeting record.
func (db *DB) CreateMeeting(m *models.Meeting) error {
	if m.StartedAt.IsZero() {
		m.StartedAt = time.Now()
	}
	if m.Status == "" {
		m.Status = models.MeetingInProgress
	}
	_, err := db.Exec(`
		INSERT INTO meetings (`+meetingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.TaskID, string(m.Type), m.Round, string(m.Status), formatTime(m.StartedAt), nullableTime(m.CompletedAt))
	if err != nil {
		return fmt.Errorf("create meeting: %w", err)
	}
	return nil
}

// GetMeeting retrieves a meeting by ID. Returns nil, nil if not found.
func (db *DB) GetMeeting(id string) (*models.Meeting, error) {
	row := db.QueryRow(`SELECT `+meetingColumns+` FROM meetings WHERE id = ?`, id)
	m, err := scanMeeting(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get meeting: %w", err)
	}
	return m, nil
}

// UpdateMeeting writes a meeting's status and completion time.
func (db *DB) UpdateMeeting(m *models.Meeting) error {
	_, err := db.Exec(`
		UPDATE meetings SET status = ?, completed_at = ? WHERE id = ?
	`, string(m.Status), nullableTime(m.CompletedAt), m.ID)
	if err != nil {
		return fmt.Errorf("update meeting: %w", err)
	}
	return nil
}

// FindOpenMeeting returns the in-progress meeting for a task, type and round.
// Returns nil, nil if there is none.
func (db *DB) FindOpenMeeting(taskID string, typ models.MeetingType, round int) (*models.Meeting, error) {
	row := db.QueryRow(`
		SELECT `+meetingColumns+` FROM meetings
		WHERE task_id = ? AND type = ? AND round = ? AND status = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`, taskID, string(typ), round, string(models.MeetingInProgress))
	m, err := scanMeeting(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open meeting: %w", err)
	}
	return m, nil
}

// LatestRound returns the highest round recorded for a task's meetings of
// the given type, or 0 if there are none.
func (db *DB) LatestRound(taskID string, typ models.MeetingType) (int, error) {
	var round int
	row := db.QueryRow(`SELECT COALESCE(MAX(round), 0) FROM meetings WHERE task_id = ? AND type = ?`, taskID, string(typ))
	if err := row.Scan(&round); err != nil {
		return 0, fmt.Errorf("latest round: %w", err)
	}
	return round, nil
}

// ListMeetings lists a task's meetings in start order.
func (db *DB) ListMeetings(taskID string) ([]models.Meeting, error) {
	rows, err := db.Query(`SELECT `+meetingColumns+` FROM meetings WHERE task_id = ? ORDER BY started_at, rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	return collectMeetings(rows)
}

// ListOpenMeetings lists every meeting still marked in progress.
func (db *DB) ListOpenMeetings() ([]models.Meeting, error) {
	rows, err := db.Query(`SELECT `+meetingColumns+` FROM meetings WHERE status = ? ORDER BY started_at, rowid`, string(models.MeetingInProgress))
	if err != nil {
		return nil, fmt.Errorf("list open meetings: %w", err)
	}
	return collectMeetings(rows)
}

func collectMeetings(rows *sql.Rows) ([]models.Meeting, error) {
	defer rows.Close()

	var meetings []models.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		meetings = append(meetings, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate meetings: %w", err)
	}
	return meetings, nil
}

// AppendMeetingEntry appends an entry to a meeting transcript. The entry's
// Seq is assigned as one past the current maximum, inside the same
// transaction as the insert.
func (db *DB) AppendMeetingEntry(e *models.MeetingEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return db.Transaction(func(tx *sql.Tx) error {
		var seq int
		if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM meeting_entries WHERE meeting_id = ?`, e.MeetingID).Scan(&seq); err != nil {
			return fmt.Errorf("next entry seq: %w", err)
		}
		_, err := tx.Exec(`
			INSERT INTO meeting_entries (meeting_id, seq, speaker_agent_id, department_name, role_label, content, decision, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.MeetingID, seq, nullString(e.SpeakerAgentID), nullString(e.DepartmentName),
			nullString(e.RoleLabel), e.Content, nullString(string(e.Decision)), formatTime(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("append meeting entry: %w", err)
		}
		e.Seq = seq
		return nil
	})
}

// ListMeetingEntries returns a meeting transcript in sequence order.
func (db *DB) ListMeetingEntries(meetingID string) ([]models.MeetingEntry, error) {
	rows, err := db.Query(`
		SELECT meeting_id, seq, speaker_agent_id, department_name, role_label, content, decision, created_at
		FROM meeting_entries WHERE meeting_id = ? ORDER BY seq
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list meeting entries: %w", err)
	}
	defer rows.Close()

	var entries []models.MeetingEntry
	for rows.Next() {
		var e models.MeetingEntry
		var speaker, dept, role, decision sql.NullString
		var createdAt string
		if err := rows.Scan(&e.MeetingID, &e.Seq, &speaker, &dept, &role, &e.Content, &decision, &createdAt); err != nil {
			return nil, fmt.Errorf("scan meeting entry: %w", err)
		}
		e.SpeakerAgentID = speaker.String
		e.DepartmentName = dept.String
		e.RoleLabel = role.String
		e.Decision = models.ReviewDecision(decision.String)
		e.CreatedAt, _ = parseTime(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate meeting entries: %w", err)
	}
	return entries, nil
}
