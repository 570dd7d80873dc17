package agent

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// MarkerKind distinguishes a declared subtask from a completed one.
type MarkerKind string

const (
	MarkerDeclared  MarkerKind = "declared"
	MarkerCompleted MarkerKind = "completed"
)

// Marker is a subtask event embedded in provider output.
type Marker struct {
	Kind MarkerKind
	// Ref identifies the subtask across its declared and completed markers.
	Ref    string
	Title  string
	Detail string
}

// MarkerHandler receives markers found in a task's output.
type MarkerHandler func(taskID string, m Marker)

var textMarker = regexp.MustCompile(`(?i)^\s*\[subtask:(start|done)\]\s*(\S.*?)\s*$`)

// ScanMarkers extracts subtask markers from one output line. Two formats
// are recognized: Claude stream-json Task tool calls (declared by the
// tool_use block, completed by its tool_result), and plain-text lines
// "[subtask:start] title" / "[subtask:done] title".
func ScanMarkers(line string) []Marker {
	if isJSONLine(line) {
		return scanStreamJSON(line)
	}

	m := textMarker.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	kind := MarkerDeclared
	if strings.EqualFold(m[1], "done") {
		kind = MarkerCompleted
	}
	title := m[2]
	return []Marker{{Kind: kind, Ref: TextMarkerRef(title), Title: title}}
}

// TextMarkerRef is the ref used for plain-text markers with title.
func TextMarkerRef(title string) string {
	return "text:" + strings.ToLower(strings.Join(strings.Fields(title), " "))
}

func isJSONLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed)
}

func scanStreamJSON(line string) []Marker {
	var out []Marker
	switch gjson.Get(line, "type").String() {
	case "assistant":
		gjson.Get(line, `message.content.#(type=="tool_use")#`).ForEach(func(_, block gjson.Result) bool {
			if block.Get("name").String() != "Task" {
				return true
			}
			title := block.Get("input.description").String()
			if title == "" {
				title = firstLine(block.Get("input.prompt").String())
			}
			out = append(out, Marker{
				Kind:   MarkerDeclared,
				Ref:    block.Get("id").String(),
				Title:  title,
				Detail: block.Get("input.prompt").String(),
			})
			return true
		})
	case "user":
		gjson.Get(line, `message.content.#(type=="tool_result")#`).ForEach(func(_, block gjson.Result) bool {
			if ref := block.Get("tool_use_id").String(); ref != "" {
				out = append(out, Marker{Kind: MarkerCompleted, Ref: ref})
			}
			return true
		})
	}
	return out
}

// RenderLine returns the human-readable text of an output line. Plain
// lines are returned unchanged. stream-json events are reduced to their
// assistant text, tool activity or final result; events with nothing to
// show render as "".
func RenderLine(line string) string {
	if !isJSONLine(line) {
		return line
	}

	switch gjson.Get(line, "type").String() {
	case "assistant":
		var parts []string
		gjson.Get(line, "message.content").ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				if t := strings.TrimSpace(block.Get("text").String()); t != "" {
					parts = append(parts, t)
				}
			case "tool_use":
				parts = append(parts, "→ "+toolAction(block))
			}
			return true
		})
		return strings.Join(parts, "\n")
	case "result":
		return strings.TrimSpace(gjson.Get(line, "result").String())
	case "error":
		if msg := gjson.Get(line, "error").String(); msg != "" {
			return "error: " + msg
		}
		return "error: " + gjson.Get(line, "message").String()
	}
	return ""
}

// toolAction formats a tool_use block into a short description.
func toolAction(block gjson.Result) string {
	name := block.Get("name").String()
	input := block.Get("input")
	switch name {
	case "Read", "Edit", "Write":
		if path := input.Get("file_path").String(); path != "" {
			return name + " " + baseName(path)
		}
	case "Bash":
		if cmd := input.Get("command").String(); cmd != "" {
			return "Bash " + truncate(firstLine(cmd), 40)
		}
	case "Glob", "Grep":
		if pattern := input.Get("pattern").String(); pattern != "" {
			return name + " " + truncate(pattern, 30)
		}
	case "Task":
		return "Task " + input.Get("description").String()
	}
	return name
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
