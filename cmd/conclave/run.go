package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/internal/signals"
	"github.com/ShayCichocki/conclave/pkg/models"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a task's workflow through the running coordinator",
	Long: `Send a command to the coordinator started by 'conclave serve'.

Commands are delivered as signal files under .conclave/signals and applied
by serve as soon as it sees them.`,
}

func signalCommand(use, short string, kind signals.Kind, allowed ...models.TaskStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendSignal(args[0], kind, allowed)
		},
	}
}

func init() {
	runCmd.AddCommand(signalCommand("plan", "Hold a planning meeting and seed subtasks", signals.KindPlan,
		models.TaskStatusInbox))
	runCmd.AddCommand(signalCommand("start", "Launch the department leader on a task", signals.KindStart,
		models.TaskStatusInbox, models.TaskStatusPlanned, models.TaskStatusCollaborating, models.TaskStatusPending))
	runCmd.AddCommand(signalCommand("pause", "Pause a running task, keeping its session", signals.KindPause,
		models.TaskStatusInProgress))
	runCmd.AddCommand(signalCommand("resume", "Resume a paused task in its previous session", signals.KindResume,
		models.TaskStatusPending))

	stop := signalCommand("stop", "Cancel a task and its collaboration children", signals.KindCancel)
	stop.Aliases = []string{"cancel"}
	runCmd.AddCommand(stop)
}

// sendSignal checks the task exists and is in a status the command makes
// sense for, then drops a signal for serve. The coordinator re-validates.
func sendSignal(taskID string, kind signals.Kind, allowed []models.TaskStatus) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	t, err := p.loadTask(taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %s is already %s", t.ID, t.Status)
	}
	if len(allowed) > 0 && !statusIn(t.Status, allowed) {
		return fmt.Errorf("cannot %s task %s while it is %s", kind, t.ID, t.Status)
	}

	if err := signals.Send(signals.Dir(p.root), t.ID, kind); err != nil {
		return err
	}
	printStatus("→", fmt.Sprintf("Sent %s for %s", kind, t.ID), color.FgCyan)
	return nil
}

func statusIn(s models.TaskStatus, set []models.TaskStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
