package review

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/conclave/internal/agent"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// Role labels recorded on meeting entries.
const (
	RoleOpening   = "opening"
	RoleFeedback  = "feedback"
	RoleSynthesis = "synthesis"
	RoleFinal     = "final_position"

	RoleKickoff = "kickoff"
	RoleInput   = "input"
	RolePlan    = "plan"
)

// maxTranscriptEntries bounds the transcript quoted into a turn prompt.
const maxTranscriptEntries = 24

type turnPrompt struct {
	task       *models.Task
	speaker    *models.Agent
	deptName   string
	meeting    *models.Meeting
	role       string
	transcript []models.MeetingEntry
}

var roleInstructions = map[string]string{
	RoleOpening: "You chair this review. Open the round: summarize what was delivered and what each department should check.",
	RoleFeedback: "Give your department's feedback on the delivered work. Name concrete problems if there are any; " +
		"say plainly if you see no blockers.",
	RoleSynthesis: "Synthesize the feedback so far into a short list of what must change before merge and what can be " +
		"deferred to a follow-up.",
	RoleFinal: "State your final position in two or three sentences. Say whether you approve or hold. " +
		"If you hold, name the single change you need; if a concern can be handled after merge, say it is out of scope for now.",
	RoleKickoff: "You chair this planning meeting. Introduce the task and ask the departments involved what they need.",
	RoleInput:   "Say what your department must contribute to this task and any risk you see up front.",
	RolePlan:    "Summarize the execution plan: who owns the work and which departments collaborate on what.",
}

var modeInstructions = map[models.RoundMode]string{
	models.ModeParallelRemediation: "This is round 1. Holds here send the work back for remediation.",
	models.ModeMergeSynthesis:      "This is round 2. Focus on merging the remaining feedback; new remediation work is not scheduled in this round.",
	models.ModeFinalDecision:       "This is the final round. Remaining concerns are recorded as conditions of approval.",
}

func buildTurnPrompt(p turnPrompt) string {
	var sb strings.Builder

	name := p.speaker.Name
	if name == "" {
		name = p.speaker.ID
	}
	fmt.Fprintf(&sb, "You are %s, leader of the %s department, speaking in a %s meeting.\n\n", name, p.deptName, p.meeting.Type)

	sb.WriteString("## Task\n\n")
	sb.WriteString(p.task.Title)
	sb.WriteString("\n")
	if desc := strings.TrimSpace(p.task.Description); desc != "" {
		sb.WriteString("\n")
		sb.WriteString(desc)
		sb.WriteString("\n")
	}

	if p.meeting.Type == models.MeetingReview {
		sb.WriteString("\n")
		sb.WriteString(modeInstructions[models.RoundModeFor(p.meeting.Round)])
		sb.WriteString("\n")
	}

	if len(p.transcript) > 0 {
		sb.WriteString("\n## Discussion so far\n\n")
		entries := p.transcript
		if len(entries) > maxTranscriptEntries {
			entries = entries[len(entries)-maxTranscriptEntries:]
		}
		for _, e := range entries {
			fmt.Fprintf(&sb, "[%s, %s] %s\n", e.DepartmentName, e.RoleLabel, strings.TrimSpace(e.Content))
		}
	}

	sb.WriteString("\n## Your turn\n\n")
	sb.WriteString(roleInstructions[p.role])
	sb.WriteString(" Do not modify any files.\n")

	if l := agent.LanguageName(p.task.Title + "\n" + p.task.Description); l != "English" {
		fmt.Fprintf(&sb, "\nAnswer in %s.\n", l)
	}
	return sb.String()
}

// fallbackStatement is recorded when a leader cannot produce a statement.
// Fallbacks never hold: a silent reviewer must not block the round.
func fallbackStatement(role, deptName string, meeting *models.Meeting) string {
	switch role {
	case RoleOpening:
		return fmt.Sprintf("Opening review round %d. Each department please check the delivered work against its area.", meeting.Round)
	case RoleFeedback:
		return fmt.Sprintf("%s has no additional feedback this round.", deptName)
	case RoleSynthesis:
		return "No consolidated change requests beyond the feedback above."
	case RoleFinal:
		return fmt.Sprintf("%s has no objection. Approve.", deptName)
	case RoleKickoff:
		return "Kicking off planning for this task."
	case RoleInput:
		return fmt.Sprintf("%s will support as needed.", deptName)
	case RolePlan:
		return "The owning department executes; collaborating departments handle their delegated parts."
	}
	return ""
}
