package state

import (
	"fmt"
	"log"
	"os"
	"syscall"

	"github.com/ShayCichocki/conclave/pkg/models"
)

// RecoveryReport describes workflow state left behind by a previous process.
type RecoveryReport struct {
	// OrphanedRuns are in_progress tasks whose supervised process is gone.
	OrphanedRuns []models.Task
	// LiveRuns are in_progress tasks whose recorded pid still answers.
	LiveRuns []models.Task
	// PendingReviews are tasks in review that must re-enter the review flow.
	PendingReviews []models.Task
	// StaleMeetings are open meetings whose task is terminal or gone.
	StaleMeetings []models.Meeting
}

// Empty reports whether there is nothing to recover.
func (r *RecoveryReport) Empty() bool {
	return len(r.OrphanedRuns) == 0 && len(r.LiveRuns) == 0 &&
		len(r.PendingReviews) == 0 && len(r.StaleMeetings) == 0
}

// RecoveryManager handles detection and recovery of interrupted workflows.
type RecoveryManager struct {
	db      *DB
	isAlive func(pid int) bool
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB) *RecoveryManager {
	return &RecoveryManager{db: db, isAlive: isProcessAlive}
}

// Scan inspects the store without modifying it.
func (rm *RecoveryManager) Scan() (*RecoveryReport, error) {
	report := &RecoveryReport{}

	inProgress := models.TaskStatusInProgress
	running, err := rm.db.ListTasks(&inProgress)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	for _, t := range running {
		if t.RunPID > 0 && rm.isAlive(t.RunPID) {
			report.LiveRuns = append(report.LiveRuns, t)
			continue
		}
		report.OrphanedRuns = append(report.OrphanedRuns, t)
	}

	review := models.TaskStatusReview
	report.PendingReviews, err = rm.db.ListTasks(&review)
	if err != nil {
		return nil, fmt.Errorf("list review tasks: %w", err)
	}

	open, err := rm.db.ListOpenMeetings()
	if err != nil {
		return nil, fmt.Errorf("list open meetings: %w", err)
	}
	for _, m := range open {
		t, err := rm.db.GetTask(m.TaskID)
		if err != nil {
			return nil, fmt.Errorf("get meeting task: %w", err)
		}
		if t == nil || t.Status.Terminal() {
			report.StaleMeetings = append(report.StaleMeetings, m)
		}
	}

	return report, nil
}

// Recover returns orphaned runs to the inbox and fails stale meetings.
// Live runs are left alone; their process outlived the coordinator and
// cannot be re-attached, so they are reported for the operator.
// Pending reviews are returned in the report for the caller to resume.
func (rm *RecoveryManager) Recover() (*RecoveryReport, error) {
	report, err := rm.Scan()
	if err != nil {
		return nil, err
	}

	for _, t := range report.OrphanedRuns {
		_, err := rm.db.MutateTask(t.ID, func(cur *models.Task) error {
			if cur.Status != models.TaskStatusInProgress {
				return nil
			}
			cur.Status = models.TaskStatusInbox
			cur.RunPID = 0
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reset orphaned task %s: %w", t.ID, err)
		}
		msg := fmt.Sprintf("run interrupted by restart (pid %d); returned to inbox", t.RunPID)
		if err := rm.db.AppendTaskLog(t.ID, "recovery", msg); err != nil {
			log.Printf("[recovery] task log for %s: %v", t.ID, err)
		}
	}

	for _, t := range report.LiveRuns {
		log.Printf("[recovery] task %s still has live process %d from a previous run", t.ID, t.RunPID)
	}

	for i := range report.StaleMeetings {
		m := &report.StaleMeetings[i]
		m.Status = models.MeetingFailed
		if err := rm.db.UpdateMeeting(m); err != nil {
			return nil, fmt.Errorf("fail stale meeting %s: %w", m.ID, err)
		}
	}

	return report, nil
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Send signal 0 to check if process exists
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
