// Package agent supervises the external coding-agent processes that do a
// task's work. It launches one run per task, bounds it with idle and hard
// timeouts, normalizes its output, and reports exactly one result when the
// run ends.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ShayCichocki/conclave/pkg/models"
)

var (
	// ErrAlreadyRunning is returned by Launch when the task has an active run.
	ErrAlreadyRunning = errors.New("agent: task already has an active run")
	// ErrProviderInvocation wraps failures to spawn or call a provider.
	ErrProviderInvocation = errors.New("agent: provider invocation failed")
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("agent: run timed out")
)

// TimeoutReason says which timer ended a run.
type TimeoutReason string

const (
	TimeoutNone TimeoutReason = ""
	// TimeoutIdle fires when no output arrives for the idle window.
	TimeoutIdle TimeoutReason = "idle"
	// TimeoutHard fires at the wall-clock limit regardless of activity.
	TimeoutHard TimeoutReason = "hard"
)

// TimeoutError reports a run terminated by the watchdog.
type TimeoutError struct {
	Reason TimeoutReason
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent: %s timeout after %s", e.Reason, e.After.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// RunSpec is what a runner needs to start one invocation.
type RunSpec struct {
	TaskID    string
	AgentID   string
	SessionID string
	Provider  models.Provider
	Prompt    string
	WorkDir   string
}

// Process is a started invocation.
type Process interface {
	// PID returns the OS process id, or 0 for HTTP-streamed runs.
	PID() int
	// Wait blocks until the invocation ends. err is non-nil only when the
	// invocation could not complete (spawn or transport failure); a process
	// that ran and exited non-zero reports its code with a nil error.
	Wait() (exitCode int, err error)
	// Terminate asks the invocation to stop and forces it after grace.
	Terminate(grace time.Duration)
	// Interrupt asks the invocation to wind down, escalating through
	// Terminate if it is still alive after grace.
	Interrupt(grace time.Duration)
}

// Runner starts invocations for one execution mode. Raw output chunks are
// written to out as they arrive; out must tolerate concurrent writes.
type Runner interface {
	Start(ctx context.Context, spec RunSpec, out io.Writer) (Process, error)
}

// RunnerFactory picks the runner for a provider.
type RunnerFactory interface {
	RunnerFor(p models.Provider) (Runner, error)
}

// Runners routes CLI providers to a ProcessRunner and HTTP-streamed
// providers to an APIRunner.
type Runners struct {
	Process Runner
	API     Runner
}

var _ RunnerFactory = (*Runners)(nil)

// RunnerFor returns the runner for p.
func (r *Runners) RunnerFor(p models.Provider) (Runner, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrProviderInvocation, p)
	}
	if p.Streamed() {
		if r.API == nil {
			return nil, fmt.Errorf("%w: %s is not configured (no API credentials)", ErrProviderInvocation, p)
		}
		return r.API, nil
	}
	if r.Process == nil {
		return nil, fmt.Errorf("%w: no process runner for %s", ErrProviderInvocation, p)
	}
	return r.Process, nil
}
