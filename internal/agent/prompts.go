package agent

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/ShayCichocki/conclave/internal/lang"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// ScopeGuidancePrompt is injected into every execution prompt.
const ScopeGuidancePrompt = `## Scope Guidance

Stay focused on this task. If you discover refactoring opportunities
or unrelated improvements, report them in your summary but do not
implement them in this session.
`

// MarkerProtocolPrompt tells the agent how to report subtasks it starts on
// its own so the workflow can track them.
const MarkerProtocolPrompt = `## Subtask Reporting

When you split off a distinct piece of work, print a line
  [subtask:start] <short title>
before starting it and
  [subtask:done] <same title>
when it is finished.
`

// ExecutionPrompt holds what an execution prompt is built from.
type ExecutionPrompt struct {
	Task           *models.Task
	Agent          *models.Agent
	DepartmentName string
	Session        models.ExecutionSession
	// Subtasks are the task's open subtasks, listed as a checklist.
	Subtasks []models.Subtask
	// Resumed marks a run that continues after a pause or review hold.
	Resumed bool
}

// LanguageName returns the English name of the language text is written in.
func LanguageName(text string) string {
	return display.English.Languages().Name(lang.ResolveLanguage(text))
}

// BuildExecutionPrompt renders the prompt piped to the agent.
func BuildExecutionPrompt(p ExecutionPrompt) string {
	var sb strings.Builder

	agentName := p.Session.AgentID
	if p.Agent != nil {
		agentName = p.Agent.Name
	}
	fmt.Fprintf(&sb, "You are %s", agentName)
	if p.DepartmentName != "" {
		fmt.Fprintf(&sb, " of the %s department", p.DepartmentName)
	}
	sb.WriteString(".\n\n")

	if p.Session.SessionID != "" {
		fmt.Fprintf(&sb, "Session: %s (run %d).", p.Session.SessionID, p.Session.Runs)
		if p.Session.Runs > 1 || p.Resumed {
			sb.WriteString(" This continues your earlier work on the same task; pick up where you left off instead of starting over.")
		}
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Task\n\n")
	sb.WriteString(p.Task.Title)
	sb.WriteString("\n")
	if desc := strings.TrimSpace(p.Task.Description); desc != "" {
		sb.WriteString("\n")
		sb.WriteString(desc)
		sb.WriteString("\n")
	}

	var open []models.Subtask
	for _, st := range p.Subtasks {
		if st.Status != models.SubtaskDone {
			open = append(open, st)
		}
	}
	if len(open) > 0 {
		sb.WriteString("\n## Open Subtasks\n\n")
		for _, st := range open {
			fmt.Fprintf(&sb, "- [ ] %s", st.Title)
			if st.Status == models.SubtaskBlocked && st.BlockedReason != "" {
				fmt.Fprintf(&sb, " (blocked: %s)", st.BlockedReason)
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n")
	sb.WriteString(ScopeGuidancePrompt)
	sb.WriteString("\n")
	sb.WriteString(MarkerProtocolPrompt)

	tag := lang.ResolveLanguage(p.Task.Title + "\n" + p.Task.Description)
	if tag != language.English {
		fmt.Fprintf(&sb, "\nWrite your summary in %s.\n", display.English.Languages().Name(tag))
	}
	return sb.String()
}
