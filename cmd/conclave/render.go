package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/ShayCichocki/conclave/internal/notify"
	"github.com/ShayCichocki/conclave/pkg/models"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(14)
	speakerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	roleStyle    = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("8"))
	bodyStyle    = lipgloss.NewStyle().PaddingLeft(4)
	approveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	holdStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

var statusColors = map[models.TaskStatus]lipgloss.Color{
	models.TaskStatusInbox:         lipgloss.Color("7"),
	models.TaskStatusPlanned:       lipgloss.Color("12"),
	models.TaskStatusCollaborating: lipgloss.Color("13"),
	models.TaskStatusInProgress:    lipgloss.Color("11"),
	models.TaskStatusReview:        lipgloss.Color("14"),
	models.TaskStatusPending:       lipgloss.Color("8"),
	models.TaskStatusDone:          lipgloss.Color("10"),
	models.TaskStatusCancelled:     lipgloss.Color("9"),
}

func renderStatus(s models.TaskStatus) string {
	return lipgloss.NewStyle().Foreground(statusColors[s]).Width(13).Render(string(s))
}

func renderDecision(d models.ReviewDecision) string {
	switch d {
	case "":
		return ""
	case models.DecisionApproved:
		return approveStyle.Render("[" + string(d) + "]")
	default:
		return holdStyle.Render("[" + string(d) + "]")
	}
}

func field(label, value string) string {
	return labelStyle.Render(label) + " " + value
}

// printStatus prints a colored status mark followed by a message.
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// formatEvent renders a broadcast event for the serve console. Events that
// are too chatty for the console return "".
func formatEvent(ev notify.Event) string {
	ts := ev.Timestamp.Local().Format("15:04:05")
	id := shortID(ev.TaskID)
	switch p := ev.Payload.(type) {
	case notify.TaskStatusPayload:
		return fmt.Sprintf("%s %s %s -> %s", ts, id, p.From, renderStatus(models.TaskStatus(p.To)))
	case notify.RunPayload:
		switch ev.Type {
		case notify.EventRunStarted:
			return fmt.Sprintf("%s %s run started: %s via %s (pid %d)", ts, id, p.AgentID, p.Provider, p.PID)
		case notify.EventRunFinished:
			msg := fmt.Sprintf("%s %s run finished: exit %d", ts, id, p.ExitCode)
			if p.Timeout != "" {
				msg += " (" + p.Timeout + " timeout)"
			}
			return msg
		}
	case notify.ReviewRoundPayload:
		if p.Outcome == "" {
			return fmt.Sprintf("%s %s review round %d opened (%s)", ts, id, p.Round, p.Mode)
		}
		return fmt.Sprintf("%s %s review round %d closed: %s", ts, id, p.Round, p.Outcome)
	case notify.DelegationPayload:
		return fmt.Sprintf("%s %s delegation %s -> %s %s", ts, id, p.Event, p.DepartmentID, shortID(p.ChildTaskID))
	case notify.Notification:
		if p.MessageType == notify.MessageFailure {
			return holdStyle.Render(fmt.Sprintf("%s %s %s", ts, id, truncate(p.Content, 160)))
		}
	}
	return ""
}
