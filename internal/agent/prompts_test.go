package agent

import (
	"strings"
	"testing"

	"github.com/ShayCichocki/conclave/pkg/models"
)

func TestScopeGuidancePromptContent(t *testing.T) {
	requiredPhrases := []string{
		"Stay focused on this task",
		"refactoring opportunities",
		"do not\nimplement them",
	}

	for _, phrase := range requiredPhrases {
		if !strings.Contains(ScopeGuidancePrompt, phrase) {
			t.Errorf("ScopeGuidancePrompt missing required phrase: %q", phrase)
		}
	}
}

func TestBuildExecutionPrompt(t *testing.T) {
	task := &models.Task{ID: "t1", Title: "Add retries", Description: "Wrap the fetcher."}
	agent := &models.Agent{ID: "eng-lead", Name: "Erin"}

	prompt := BuildExecutionPrompt(ExecutionPrompt{
		Task:           task,
		Agent:          agent,
		DepartmentName: "Engineering",
		Session:        models.ExecutionSession{SessionID: "s-1", Runs: 2},
		Subtasks: []models.Subtask{
			{Title: "Write tests", Status: models.SubtaskPending},
			{Title: "Design review", Status: models.SubtaskBlocked, BlockedReason: "waiting on design"},
			{Title: "Already done", Status: models.SubtaskDone},
		},
	})

	for _, want := range []string{
		"You are Erin of the Engineering department.",
		"Session: s-1 (run 2). This continues your earlier work",
		"Add retries",
		"Wrap the fetcher.",
		"- [ ] Write tests",
		"- [ ] Design review (blocked: waiting on design)",
		"[subtask:start]",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "Already done") {
		t.Error("done subtasks should not be listed")
	}
	if strings.Contains(prompt, "Write your summary in") {
		t.Error("English tasks need no language instruction")
	}
}

func TestBuildExecutionPrompt_Language(t *testing.T) {
	task := &models.Task{ID: "t1", Title: "로그인 페이지에 재시도 로직을 추가해 주세요"}
	prompt := BuildExecutionPrompt(ExecutionPrompt{Task: task, Session: models.ExecutionSession{SessionID: "s", Runs: 1}})

	if !strings.Contains(prompt, "Write your summary in Korean.") {
		t.Errorf("expected Korean instruction:\n%s", prompt)
	}
	if strings.Contains(prompt, "continues your earlier work") {
		t.Error("first run should not claim continuity")
	}
}

func TestLanguageName(t *testing.T) {
	if got := LanguageName("hello"); got != "English" {
		t.Errorf("LanguageName = %q, want English", got)
	}
}
