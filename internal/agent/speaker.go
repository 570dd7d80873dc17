package agent

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/conclave/pkg/models"
)

// SpeakRequest asks one agent for one meeting statement.
type SpeakRequest struct {
	TaskID   string
	AgentID  string
	Provider models.Provider
	Prompt   string
	// Fallback is the statement used when the agent cannot answer in time.
	Fallback string
	WorkDir  string
}

// Statement is one agent's contribution to a meeting.
type Statement struct {
	Text string
	// UsedFallback is true when Text is the templated fallback.
	UsedFallback bool
}

// MeetingSpeaker runs short one-shot invocations for meeting turns. A turn
// never fails the meeting: errors, timeouts and empty answers all yield the
// fallback statement.
type MeetingSpeaker struct {
	runners        RunnerFactory
	turnTimeout    time.Duration
	terminateGrace time.Duration
}

// NewMeetingSpeaker creates a speaker bounded by turnTimeout per statement.
func NewMeetingSpeaker(runners RunnerFactory, turnTimeout, terminateGrace time.Duration) *MeetingSpeaker {
	return &MeetingSpeaker{runners: runners, turnTimeout: turnTimeout, terminateGrace: terminateGrace}
}

// Speak returns the agent's statement. The only error is ctx's, when the
// caller gives up on the meeting.
func (s *MeetingSpeaker) Speak(ctx context.Context, req SpeakRequest) (Statement, error) {
	if err := ctx.Err(); err != nil {
		return Statement{}, err
	}
	fallback := Statement{Text: req.Fallback, UsedFallback: true}

	runner, err := s.runners.RunnerFor(req.Provider)
	if err != nil {
		log.Printf("[meeting] %s: %v, using fallback", req.AgentID, err)
		return fallback, nil
	}

	var (
		mu    sync.Mutex
		lines []string
	)
	normalizer := NewOutputNormalizer(0, func(line string) {
		if text := RenderLine(line); text != "" {
			mu.Lock()
			lines = append(lines, text)
			mu.Unlock()
		}
	})

	proc, err := runner.Start(ctx, RunSpec{
		TaskID:   req.TaskID,
		AgentID:  req.AgentID,
		Provider: req.Provider,
		Prompt:   req.Prompt,
		WorkDir:  req.WorkDir,
	}, normalizer)
	if err != nil {
		if ctx.Err() != nil {
			return Statement{}, ctx.Err()
		}
		log.Printf("[meeting] %s: %v, using fallback", req.AgentID, err)
		return fallback, nil
	}

	type exit struct {
		code int
		err  error
	}
	done := make(chan exit, 1)
	go func() {
		code, err := proc.Wait()
		done <- exit{code, err}
	}()

	timer := time.NewTimer(s.turnTimeout)
	defer timer.Stop()

	var res exit
	select {
	case res = <-done:
	case <-timer.C:
		log.Printf("[meeting] %s: no statement within %s, using fallback", req.AgentID, s.turnTimeout)
		proc.Terminate(s.terminateGrace)
		<-done
		return fallback, nil
	case <-ctx.Done():
		proc.Terminate(s.terminateGrace)
		<-done
		return Statement{}, ctx.Err()
	}
	normalizer.Flush()

	mu.Lock()
	text := strings.TrimSpace(strings.Join(lines, "\n"))
	mu.Unlock()

	if res.err != nil || res.code != 0 || text == "" {
		log.Printf("[meeting] %s: exit %d (err=%v, %d chars), using fallback", req.AgentID, res.code, res.err, len(text))
		return fallback, nil
	}
	return Statement{Text: text}, nil
}
