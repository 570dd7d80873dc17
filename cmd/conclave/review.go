package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conclave/pkg/models"
)

var reviewRound int

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Inspect review meetings and the revision memo",
}

var reviewRoundsCmd = &cobra.Command{
	Use:   "rounds <task-id>",
	Short: "List a task's meetings",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewRounds,
}

var reviewTranscriptCmd = &cobra.Command{
	Use:   "transcript <task-id>",
	Short: "Print meeting transcripts",
	Long: `Print the statements of a task's meetings in order.

Without --round every meeting is printed; with it only review rounds with
that number.`,
	Args: cobra.ExactArgs(1),
	RunE: runReviewTranscript,
}

var reviewMemoCmd = &cobra.Command{
	Use:   "memo <task-id>",
	Short: "Print the accumulated revision memo",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewMemo,
}

func init() {
	reviewTranscriptCmd.Flags().IntVar(&reviewRound, "round", 0, "Only print this review round")

	reviewCmd.AddCommand(reviewRoundsCmd)
	reviewCmd.AddCommand(reviewTranscriptCmd)
	reviewCmd.AddCommand(reviewMemoCmd)
}

func runReviewRounds(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	t, err := p.loadTask(args[0])
	if err != nil {
		return err
	}
	meetings, err := p.db.ListMeetings(t.ID)
	if err != nil {
		return err
	}
	if len(meetings) == 0 {
		fmt.Println("No meetings.")
		return nil
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("%-9s %-6s %-21s %-19s %-19s %s", "TYPE", "ROUND", "MODE", "STARTED", "COMPLETED", "STATUS")))
	for _, m := range meetings {
		mode := "-"
		if m.Type == models.MeetingReview {
			mode = string(models.RoundModeFor(m.Round))
		}
		fmt.Printf("%-9s %-6d %-21s %-19s %-19s %s\n", m.Type, m.Round, mode,
			formatTime(&m.StartedAt), formatTime(m.CompletedAt), renderMeetingStatus(m.Status))
	}
	return nil
}

func runReviewTranscript(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	t, err := p.loadTask(args[0])
	if err != nil {
		return err
	}
	meetings, err := p.db.ListMeetings(t.ID)
	if err != nil {
		return err
	}

	printed := 0
	for _, m := range meetings {
		if reviewRound > 0 && (m.Type != models.MeetingReview || m.Round != reviewRound) {
			continue
		}
		entries, err := p.db.ListMeetingEntries(m.ID)
		if err != nil {
			return err
		}
		if printed > 0 {
			fmt.Println()
		}
		printed++
		fmt.Println(headerStyle.Render(fmt.Sprintf("%s round %d", m.Type, m.Round)) + " " + renderMeetingStatus(m.Status))
		for _, e := range entries {
			head := speakerStyle.Render(e.SpeakerAgentID) + " " + roleStyle.Render(e.DepartmentName+" "+e.RoleLabel)
			if d := renderDecision(e.Decision); d != "" {
				head += " " + d
			}
			fmt.Println(head)
			fmt.Println(bodyStyle.Render(e.Content))
		}
	}
	if printed == 0 {
		fmt.Println("No matching meetings.")
	}
	return nil
}

func runReviewMemo(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	t, err := p.loadTask(args[0])
	if err != nil {
		return err
	}
	items, err := p.db.ListRevisionMemos(t.ID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("Revision memo is empty.")
		return nil
	}
	fmt.Println(headerStyle.Render("Revision memo"))
	for _, it := range items {
		fmt.Printf("  %s %s\n", roleStyle.Render(fmt.Sprintf("r%d", it.FirstRound)), it.RawNote)
	}
	return nil
}

func renderMeetingStatus(s models.MeetingStatus) string {
	switch s {
	case models.MeetingCompleted:
		return approveStyle.Render(string(s))
	case models.MeetingRevisionRequested, models.MeetingFailed:
		return holdStyle.Render(string(s))
	default:
		return string(s)
	}
}
