package agent

import (
	"testing"
)

func TestScanMarkers_Text(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []Marker
	}{
		{
			name: "start",
			line: "[subtask:start] Write migration",
			want: []Marker{{Kind: MarkerDeclared, Ref: "text:write migration", Title: "Write migration"}},
		},
		{
			name: "done with spacing and case",
			line: "  [SUBTASK:DONE]   Write   Migration  ",
			want: []Marker{{Kind: MarkerCompleted, Ref: "text:write migration", Title: "Write   Migration"}},
		},
		{name: "plain output", line: "compiling...", want: nil},
		{name: "marker mid-line", line: "see [subtask:start] foo", want: nil},
		{name: "empty title", line: "[subtask:start]   ", want: nil},
		{name: "tab only title", line: "[subtask:done]\t\t", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScanMarkers(tt.line)
			if len(got) != len(tt.want) {
				t.Fatalf("ScanMarkers(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("marker[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestScanMarkers_StreamJSON(t *testing.T) {
	declared := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"Splitting this up."},` +
		`{"type":"tool_use","id":"toolu_1","name":"Task","input":{"description":"Audit logging","prompt":"Check every handler\nthen report"}},` +
		`{"type":"tool_use","id":"toolu_2","name":"Bash","input":{"command":"ls"}}]}}`

	got := ScanMarkers(declared)
	if len(got) != 1 {
		t.Fatalf("expected 1 marker, got %+v", got)
	}
	if got[0].Kind != MarkerDeclared || got[0].Ref != "toolu_1" || got[0].Title != "Audit logging" {
		t.Errorf("unexpected marker %+v", got[0])
	}
	if got[0].Detail != "Check every handler\nthen report" {
		t.Errorf("Detail = %q", got[0].Detail)
	}

	noDesc := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_3","name":"Task","input":{"prompt":"Fix the flaky test\nin ci"}}]}}`
	got = ScanMarkers(noDesc)
	if len(got) != 1 || got[0].Title != "Fix the flaky test" {
		t.Errorf("title should fall back to the prompt's first line, got %+v", got)
	}

	completed := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"ok"}]}}`
	got = ScanMarkers(completed)
	if len(got) != 1 || got[0].Kind != MarkerCompleted || got[0].Ref != "toolu_1" {
		t.Errorf("unexpected completion markers %+v", got)
	}

	if got := ScanMarkers(`{"type":"system","subtype":"init"}`); len(got) != 0 {
		t.Errorf("system events carry no markers, got %+v", got)
	}
}

func TestRenderLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{
			"assistant text and tools",
			`{"type":"assistant","message":{"content":[{"type":"text","text":" Reading files "},{"type":"tool_use","name":"Read","input":{"file_path":"/repo/internal/app.go"}},{"type":"tool_use","name":"Bash","input":{"command":"go test ./...\necho done"}}]}}`,
			"Reading files\n→ Read app.go\n→ Bash go test ./...",
		},
		{"result", `{"type":"result","result":"All done."}`, "All done."},
		{"error", `{"type":"error","error":"rate limited"}`, "error: rate limited"},
		{"system hidden", `{"type":"system","subtype":"init"}`, ""},
		{"broken json is plain", `{"type":`, `{"type":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderLine(tt.line); got != tt.want {
				t.Errorf("RenderLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("abcdefghijkl", 8); got != "abcde..." {
		t.Errorf("truncate long = %q", got)
	}
}
