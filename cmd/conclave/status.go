package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/internal/version"
	"github.com/ShayCichocki/conclave/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the project's workflow state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var statusOrder = []models.TaskStatus{
	models.TaskStatusInbox,
	models.TaskStatusPlanned,
	models.TaskStatusCollaborating,
	models.TaskStatusInProgress,
	models.TaskStatusReview,
	models.TaskStatusPending,
	models.TaskStatusDone,
	models.TaskStatusCancelled,
}

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	tasks, err := p.db.ListTasks(nil)
	if err != nil {
		return err
	}
	counts := make(map[models.TaskStatus]int)
	var running []models.Task
	for _, t := range tasks {
		counts[t.Status]++
		if t.Status == models.TaskStatusInProgress {
			running = append(running, t)
		}
	}

	fmt.Println(headerStyle.Render("conclave " + version.Get()))
	fmt.Println(field("Project", p.root))
	fmt.Println(field("Departments", fmt.Sprintf("%d", len(p.org.Departments()))))
	fmt.Println()

	fmt.Println(headerStyle.Render("Tasks"))
	for _, s := range statusOrder {
		fmt.Printf("  %s %d\n", renderStatus(s), counts[s])
	}

	if len(running) > 0 {
		fmt.Println()
		fmt.Println(headerStyle.Render("Running"))
		for _, t := range running {
			pid := "-"
			if t.RunPID > 0 {
				pid = fmt.Sprintf("%d", t.RunPID)
			}
			fmt.Printf("  %-10s %-18s pid %-8s %s\n", shortID(t.ID), t.AssignedAgentID, pid, truncate(t.Title, 50))
		}
	}

	open, err := p.db.ListOpenMeetings()
	if err != nil {
		return err
	}
	if len(open) > 0 {
		fmt.Println()
		fmt.Println(headerStyle.Render("Open meetings"))
		for _, m := range open {
			fmt.Printf("  %-10s %-8s round %d since %s\n", shortID(m.TaskID), m.Type, m.Round, formatTime(&m.StartedAt))
		}
	}
	return nil
}
