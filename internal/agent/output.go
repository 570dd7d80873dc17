package agent

import (
	"io"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// maxPartialLine bounds the buffered unterminated line.
const maxPartialLine = 1 << 20

// OutputNormalizer turns raw output chunks into clean lines. It strips
// terminal control sequences, converts CRLF and CR to LF, drops lines that
// only draw a spinner or progress bar, and suppresses a line identical to
// one seen within the dedup window. Safe for concurrent writes.
type OutputNormalizer struct {
	window time.Duration
	emit   func(line string)
	now    func() time.Time

	mu       sync.Mutex
	partial  []byte
	lastCR   bool
	lastSeen map[string]time.Time
}

// NewOutputNormalizer creates a normalizer that calls emit for each line
// that survives filtering.
func NewOutputNormalizer(window time.Duration, emit func(line string)) *OutputNormalizer {
	return &OutputNormalizer{
		window:   window,
		emit:     emit,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

// Write implements io.Writer.
func (n *OutputNormalizer) Write(p []byte) (int, error) {
	n.mu.Lock()
	lines := n.split(p)
	n.mu.Unlock()

	for _, l := range lines {
		n.emit(l)
	}
	return len(p), nil
}

// Flush emits any buffered unterminated line.
func (n *OutputNormalizer) Flush() {
	n.mu.Lock()
	var lines []string
	if len(n.partial) > 0 {
		if l, ok := n.accept(string(n.partial)); ok {
			lines = append(lines, l)
		}
		n.partial = n.partial[:0]
	}
	n.mu.Unlock()

	for _, l := range lines {
		n.emit(l)
	}
}

// split consumes p and returns completed, accepted lines. Caller holds mu.
func (n *OutputNormalizer) split(p []byte) []string {
	var out []string
	for _, b := range p {
		switch b {
		case '\r':
			n.lastCR = true
			out = n.complete(out)
			continue
		case '\n':
			if n.lastCR {
				// Second half of CRLF.
				n.lastCR = false
				continue
			}
			out = n.complete(out)
			continue
		}
		n.lastCR = false
		if len(n.partial) >= maxPartialLine {
			out = n.complete(out)
		}
		n.partial = append(n.partial, b)
	}
	return out
}

func (n *OutputNormalizer) complete(out []string) []string {
	if l, ok := n.accept(string(n.partial)); ok {
		out = append(out, l)
	}
	n.partial = n.partial[:0]
	return out
}

// accept applies stripping, spinner filtering and dedup. Caller holds mu.
func (n *OutputNormalizer) accept(raw string) (string, bool) {
	line := strings.TrimRightFunc(ansi.Strip(raw), unicode.IsSpace)
	if strings.TrimSpace(line) == "" {
		// Bare redraws produce empty segments; real blank lines are noise
		// in logs and broadcasts alike.
		return "", false
	}
	if isSpinnerLine(line) {
		return "", false
	}

	if n.window > 0 {
		now := n.now()
		if seen, ok := n.lastSeen[line]; ok && now.Sub(seen) < n.window {
			n.lastSeen[line] = now
			return "", false
		}
		n.lastSeen[line] = now
		if len(n.lastSeen) > 4096 {
			n.prune(now)
		}
	}
	return line, true
}

func (n *OutputNormalizer) prune(now time.Time) {
	for l, seen := range n.lastSeen {
		if now.Sub(seen) >= n.window {
			delete(n.lastSeen, l)
		}
	}
}

// spinnerRunes are glyphs CLIs draw while busy.
const spinnerRunes = `|/-\◐◓◑◒◴◷◶◵⣾⣽⣻⢿⡿⣟⣯⣷✻✶✳✢·*●○◉`

// isSpinnerLine reports whether a line carries nothing but spinner glyphs,
// braille animation frames, progress-bar fill and percentages. A line of
// bare digits is kept.
func isSpinnerLine(line string) bool {
	glyph := false
	for _, r := range line {
		switch {
		case unicode.IsSpace(r), unicode.IsDigit(r):
		case r >= 0x2800 && r <= 0x28FF: // braille patterns
			glyph = true
		case r >= 0x2580 && r <= 0x259F: // block elements
			glyph = true
		case strings.ContainsRune(spinnerRunes, r), strings.ContainsRune("[]=#>.%…", r):
			glyph = true
		default:
			return false
		}
	}
	return glyph
}

// tailBuffer keeps the last n lines.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(n int) *tailBuffer {
	if n <= 0 {
		n = 40
	}
	return &tailBuffer{max: n}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = append(t.lines[:0:0], t.lines[len(t.lines)-t.max:]...)
	}
}

func (t *tailBuffer) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// activityWriter touches the watchdog for every chunk before handing it on.
type activityWriter struct {
	touch func()
	next  io.Writer
}

func (w activityWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.touch()
	}
	return w.next.Write(p)
}
