package models

import (
	"testing"
)

func TestTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"inbox is valid", TaskStatusInbox, true},
		{"planned is valid", TaskStatusPlanned, true},
		{"collaborating is valid", TaskStatusCollaborating, true},
		{"in_progress is valid", TaskStatusInProgress, true},
		{"review is valid", TaskStatusReview, true},
		{"done is valid", TaskStatusDone, true},
		{"cancelled is valid", TaskStatusCancelled, true},
		{"pending is valid", TaskStatusPending, true},
		{"empty string is invalid", TaskStatus(""), false},
		{"unknown status is invalid", TaskStatus("failed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("TaskStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		TaskStatusDone:      true,
		TaskStatusCancelled: true,
	}
	for _, s := range []TaskStatus{TaskStatusInbox, TaskStatusPlanned, TaskStatusCollaborating,
		TaskStatusInProgress, TaskStatusReview, TaskStatusDone, TaskStatusCancelled, TaskStatusPending} {
		if got := s.Terminal(); got != terminal[s] {
			t.Errorf("TaskStatus(%q).Terminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestTaskStatus_AtLeastReview(t *testing.T) {
	if TaskStatusInProgress.AtLeastReview() {
		t.Error("in_progress should not count as reviewed")
	}
	if !TaskStatusReview.AtLeastReview() || !TaskStatusDone.AtLeastReview() {
		t.Error("review and done should count as reviewed")
	}
}

func TestSubtask_AwaitingDelegation(t *testing.T) {
	tests := []struct {
		name string
		st   Subtask
		want bool
	}{
		{"local subtask", Subtask{Status: SubtaskPending}, false},
		{"foreign undelegated", Subtask{TargetDepartmentID: "design", Status: SubtaskBlocked}, true},
		{"foreign delegated", Subtask{TargetDepartmentID: "design", DelegatedTaskID: "t2", Status: SubtaskInProgress}, false},
		{"foreign done", Subtask{TargetDepartmentID: "design", Status: SubtaskDone}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.st.AwaitingDelegation(); got != tt.want {
				t.Errorf("AwaitingDelegation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubtask_Foreign(t *testing.T) {
	st := Subtask{TargetDepartmentID: "qa"}
	if !st.Foreign("dev") {
		t.Error("qa subtask should be foreign to dev")
	}
	if st.Foreign("qa") {
		t.Error("qa subtask should not be foreign to qa")
	}
}

func TestRoundModeFor(t *testing.T) {
	tests := []struct {
		round int
		want  RoundMode
	}{
		{-3, ModeParallelRemediation},
		{0, ModeParallelRemediation},
		{1, ModeParallelRemediation},
		{2, ModeMergeSynthesis},
		{3, ModeFinalDecision},
		{4, ModeFinalDecision},
		{100, ModeFinalDecision},
	}
	for _, tt := range tests {
		if got := RoundModeFor(tt.round); got != tt.want {
			t.Errorf("RoundModeFor(%d) = %q, want %q", tt.round, got, tt.want)
		}
	}
}

func TestProvider_Streamed(t *testing.T) {
	if !ProviderAnthropicAPI.Streamed() {
		t.Error("anthropic_api should be streamed")
	}
	if ProviderClaude.Streamed() {
		t.Error("claude runs as a CLI process")
	}
	if Provider("cursor").Valid() {
		t.Error("unknown provider should be invalid")
	}
}

func TestStopMode_Valid(t *testing.T) {
	if !StopPause.Valid() || !StopCancel.Valid() {
		t.Error("pause and cancel must be valid")
	}
	if StopMode("kill").Valid() {
		t.Error("kill is not a stop mode")
	}
}
