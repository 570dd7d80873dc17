package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/conclave/pkg/models"
)

func TestMeetingSpeaker(t *testing.T) {
	tests := []struct {
		name         string
		runner       *fakeRunner
		wantText     string
		wantFallback bool
	}{
		{
			name:     "statement",
			runner:   &fakeRunner{output: []string{"No blockers from QA.\n", "Ship it.\n"}, autoExit: exitWith(0)},
			wantText: "No blockers from QA.\nShip it.",
		},
		{
			name:         "non-zero exit",
			runner:       &fakeRunner{output: []string{"partial\n"}, autoExit: exitWith(1)},
			wantText:     "fallback",
			wantFallback: true,
		},
		{
			name:         "empty output",
			runner:       &fakeRunner{autoExit: exitWith(0)},
			wantText:     "fallback",
			wantFallback: true,
		},
		{
			name:         "start error",
			runner:       &fakeRunner{startErr: errors.New("no binary")},
			wantText:     "fallback",
			wantFallback: true,
		},
		{
			name:         "turn timeout",
			runner:       &fakeRunner{},
			wantText:     "fallback",
			wantFallback: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMeetingSpeaker(tt.runner, 100*time.Millisecond, 10*time.Millisecond)
			got, err := s.Speak(context.Background(), SpeakRequest{
				TaskID:   "t1",
				AgentID:  "quinn",
				Provider: models.ProviderClaude,
				Prompt:   "review",
				Fallback: "fallback",
			})
			if err != nil {
				t.Fatalf("Speak: %v", err)
			}
			if got.Text != tt.wantText || got.UsedFallback != tt.wantFallback {
				t.Errorf("Speak = %+v, want %q fallback=%v", got, tt.wantText, tt.wantFallback)
			}
		})
	}
}

func TestMeetingSpeaker_ContextCancelled(t *testing.T) {
	s := NewMeetingSpeaker(&fakeRunner{}, time.Minute, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	if _, err := s.Speak(ctx, SpeakRequest{Provider: models.ProviderClaude, Fallback: "x"}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
