package agent

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) emit(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestOutputNormalizer_Lines(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{"lf", []string{"a\nb\n"}, []string{"a", "b"}},
		{"crlf", []string{"a\r\nb\r\n"}, []string{"a", "b"}},
		{"bare cr", []string{"a\rb\r"}, []string{"a", "b"}},
		{"split across writes", []string{"hel", "lo\nwor", "ld\n"}, []string{"hello", "world"}},
		{"crlf split across writes", []string{"a\r", "\nb\n"}, []string{"a", "b"}},
		{"ansi stripped", []string{"\x1b[32mok\x1b[0m   \n"}, []string{"ok"}},
		{"blank dropped", []string{"a\n\n   \nb\n"}, []string{"a", "b"}},
		{"spinner dropped", []string{"⠋\n⣾ \n[=====>   ] 50%\nreal line\n"}, []string{"real line"}},
		{"digits kept", []string{"42\n"}, []string{"42"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &lineCollector{}
			n := NewOutputNormalizer(0, c.emit)
			for _, chunk := range tt.chunks {
				n.Write([]byte(chunk))
			}
			n.Flush()
			if got := c.get(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("lines = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOutputNormalizer_FlushPartial(t *testing.T) {
	c := &lineCollector{}
	n := NewOutputNormalizer(0, c.emit)
	n.Write([]byte("no newline"))
	if len(c.get()) != 0 {
		t.Fatal("partial line should be held until flush")
	}
	n.Flush()
	if got := c.get(); len(got) != 1 || got[0] != "no newline" {
		t.Errorf("after flush = %q", got)
	}
}

func TestOutputNormalizer_Dedup(t *testing.T) {
	c := &lineCollector{}
	n := NewOutputNormalizer(time.Second, c.emit)
	clock := time.Unix(1000, 0)
	n.now = func() time.Time { return clock }

	n.Write([]byte("working\nworking\n"))
	clock = clock.Add(500 * time.Millisecond)
	n.Write([]byte("working\n"))
	// Each sighting extends the window.
	clock = clock.Add(900 * time.Millisecond)
	n.Write([]byte("working\n"))
	clock = clock.Add(2 * time.Second)
	n.Write([]byte("working\nother\n"))

	want := []string{"working", "working", "other"}
	if got := c.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(3)
	for _, l := range []string{"1", "2", "3", "4", "5"} {
		tb.add(l)
	}
	if got := tb.snapshot(); !reflect.DeepEqual(got, []string{"3", "4", "5"}) {
		t.Errorf("snapshot = %q", got)
	}
}

func TestIsSpinnerLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"⠙", true},
		{"| ", true},
		{"████░░ 60%", true},
		{"100", false},
		{"Building 3/10", false},
	}
	for _, tt := range tests {
		if got := isSpinnerLine(tt.line); got != tt.want {
			t.Errorf("isSpinnerLine(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}
