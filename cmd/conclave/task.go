package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/internal/agent"
	"github.com/ShayCichocki/conclave/internal/notify"
	"github.com/ShayCichocki/conclave/internal/orchestrator"
	"github.com/ShayCichocki/conclave/internal/signals"
	"github.com/ShayCichocki/conclave/pkg/models"
)

var (
	taskDept        string
	taskDescription string
	taskWorkDir     string
	taskProvider    string
	taskStart       bool
	taskPlan        bool
	taskListStatus  string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and inspect tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task in the inbox",
	Long: `Create a task owned by a department. The task lands in the inbox.

With --plan the running coordinator holds a planning meeting and seeds
subtasks; with --start it launches the department leader right away.

Examples:
  conclave task create "Add rate limiting" --dept engineering
  conclave task create "Ship onboarding flow" --dept design --plan
  conclave task create "Fix flaky test" --dept qa --start`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task with its subtasks, children and log",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

func init() {
	taskCreateCmd.Flags().StringVarP(&taskDept, "dept", "d", "", "Owning department ID (required)")
	taskCreateCmd.Flags().StringVar(&taskDescription, "description", "", "Longer description of the work")
	taskCreateCmd.Flags().StringVar(&taskWorkDir, "workdir", "", "Directory the agent runs in (default: project root)")
	taskCreateCmd.Flags().StringVar(&taskProvider, "provider", "", "Override the assignee's provider")
	taskCreateCmd.Flags().BoolVar(&taskStart, "start", false, "Start execution immediately")
	taskCreateCmd.Flags().BoolVar(&taskPlan, "plan", false, "Hold a planning meeting first")
	_ = taskCreateCmd.MarkFlagRequired("dept")
	taskCreateCmd.MarkFlagsMutuallyExclusive("start", "plan")

	taskListCmd.Flags().StringVar(&taskListStatus, "status", "", "Only list tasks with this status")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	// Submission only touches the store; runs happen in serve.
	coord, err := orchestrator.New(orchestrator.RequiredConfig{
		Store:     p.db,
		Directory: p.org,
		Runners:   &agent.Runners{},
	}, orchestrator.WithSink(notify.NewStoreSink(p.db)))
	if err != nil {
		return err
	}
	defer coord.Close(context.Background())

	workDir := taskWorkDir
	if workDir == "" {
		workDir = p.root
	}
	task, err := coord.SubmitTask(cmd.Context(), orchestrator.NewTask{
		Title:        strings.Join(args, " "),
		Description:  taskDescription,
		DepartmentID: taskDept,
		WorkDir:      p.resolve(workDir),
		Provider:     models.Provider(taskProvider),
	})
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Created %s in %s", task.ID, task.DepartmentID), color.FgGreen)

	var kind signals.Kind
	switch {
	case taskStart:
		kind = signals.KindStart
	case taskPlan:
		kind = signals.KindPlan
	default:
		return nil
	}
	if err := signals.Send(signals.Dir(p.root), task.ID, kind); err != nil {
		return err
	}
	printStatus("→", fmt.Sprintf("Sent %s (requires 'conclave serve')", kind), color.FgCyan)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	var filter *models.TaskStatus
	if taskListStatus != "" {
		s := models.TaskStatus(taskListStatus)
		if !s.Valid() {
			return fmt.Errorf("unknown status %q", taskListStatus)
		}
		filter = &s
	}
	tasks, err := p.db.ListTasks(filter)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("%-10s %-13s %-14s %-18s %s", "ID", "STATUS", "DEPT", "AGENT", "TITLE")))
	for _, t := range tasks {
		title := truncate(t.Title, 60)
		if t.IsCollaborationChild() {
			title = "↳ " + title
		}
		agentID := t.AssignedAgentID
		if agentID == "" {
			agentID = "-"
		}
		fmt.Printf("%-10s %s %-14s %-18s %s\n", shortID(t.ID), renderStatus(t.Status), t.DepartmentID, agentID, title)
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	t, err := p.loadTask(args[0])
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render(t.Title))
	fmt.Println(field("ID", t.ID))
	fmt.Println(field("Status", renderStatus(t.Status)))
	fmt.Println(field("Department", t.DepartmentID))
	if t.AssignedAgentID != "" {
		fmt.Println(field("Agent", t.AssignedAgentID))
	}
	if t.Provider != "" {
		fmt.Println(field("Provider", string(t.Provider)))
	}
	if t.SourceTaskID != "" {
		fmt.Println(field("Delegated by", t.SourceTaskID))
	}
	if t.WorkDir != "" {
		fmt.Println(field("Workdir", t.WorkDir))
	}
	fmt.Println(field("Created", formatTime(&t.CreatedAt)))
	fmt.Println(field("Started", formatTime(t.StartedAt)))
	fmt.Println(field("Completed", formatTime(t.CompletedAt)))
	if t.Description != "" {
		fmt.Println()
		fmt.Println(bodyStyle.Render(t.Description))
	}

	subtasks, err := p.db.ListSubtasks(t.ID)
	if err != nil {
		return err
	}
	if len(subtasks) > 0 {
		fmt.Println()
		fmt.Println(headerStyle.Render("Subtasks"))
		for _, st := range subtasks {
			line := fmt.Sprintf("  [%s] %s", st.Status, st.Title)
			if st.TargetDepartmentID != "" {
				line += roleStyle.Render(" → " + st.TargetDepartmentID)
			}
			if st.DelegatedTaskID != "" {
				line += roleStyle.Render(" (" + shortID(st.DelegatedTaskID) + ")")
			}
			if st.BlockedReason != "" {
				line += holdStyle.Render(" " + st.BlockedReason)
			}
			fmt.Println(line)
		}
	}

	children, err := p.db.ListChildTasks(t.ID)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		fmt.Println()
		fmt.Println(headerStyle.Render("Collaboration"))
		for _, c := range children {
			fmt.Printf("  %-10s %s %s\n", shortID(c.ID), renderStatus(c.Status), c.DepartmentID)
		}
	}

	logs, err := p.db.ListTaskLogs(t.ID)
	if err != nil {
		return err
	}
	if len(logs) > 0 {
		fmt.Println()
		fmt.Println(headerStyle.Render("Log"))
		for _, l := range logs {
			fmt.Printf("  %s %-10s %s\n", l.CreatedAt.Local().Format("15:04:05"), l.Kind, truncate(l.Message, 120))
		}
	}
	return nil
}
