package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ShayCichocki/conclave/internal/metrics"
	"github.com/ShayCichocki/conclave/internal/notify"
	"github.com/ShayCichocki/conclave/internal/orchestrator/policy"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// LaunchRequest describes one supervised run.
type LaunchRequest struct {
	TaskID    string
	AgentID   string
	SessionID string
	Provider  models.Provider
	Prompt    string
	WorkDir   string
	// Timeouts overrides the supervisor policy when non-zero.
	Timeouts Timeouts
}

// Timeouts bounds a run. Zero fields fall back to the supervisor policy.
type Timeouts struct {
	Idle time.Duration
	Hard time.Duration
}

// RunResult is delivered exactly once per started run.
type RunResult struct {
	TaskID   string
	AgentID  string
	Provider models.Provider
	PID      int
	// ExitCode is the process exit status; -1 when killed by a signal.
	ExitCode int
	// Err is a *TimeoutError for watchdog terminations, or wraps
	// ErrProviderInvocation when the provider could not be reached.
	Err error
	// Timeout is set when the watchdog ended the run.
	Timeout TimeoutReason
	// Stopped is set when the run was ended by Stop.
	Stopped models.StopMode
	// Tail is the last rendered output lines.
	Tail     []string
	Duration time.Duration
}

// Succeeded reports a clean exit that nobody stopped.
func (r RunResult) Succeeded() bool {
	return r.ExitCode == 0 && r.Err == nil && r.Stopped == ""
}

// CompletionFunc receives run results.
type CompletionFunc func(RunResult)

// Run is the handle of an active run.
type Run struct {
	TaskID    string
	AgentID   string
	Provider  models.Provider
	StartedAt time.Time

	proc     Process
	done     chan struct{}
	mu       sync.Mutex
	stopMode models.StopMode
	subs     []chan string
	subsDone bool

	idle, hard time.Duration
}

// PID returns the process id, 0 for HTTP-streamed runs.
func (r *Run) PID() int {
	if proc := r.process(); proc != nil {
		return proc.PID()
	}
	return 0
}

func (r *Run) process() Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc
}

// Done is closed after the completion callback returns.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	Runners RunnerFactory
	Policy  policy.SupervisorPolicy
	// LogDir receives one <taskID>.log per task. Empty disables log files.
	LogDir     string
	OnComplete CompletionFunc
	OnMarker   MarkerHandler
	Sink       notify.Sink
	Metrics    *metrics.Metrics
}

// Supervisor runs at most one agent invocation per task.
type Supervisor struct {
	opts SupervisorOptions

	mu   sync.Mutex
	runs map[string]*Run
}

// NewSupervisor creates a supervisor.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Sink == nil {
		opts.Sink = notify.Nop{}
	}
	return &Supervisor{opts: opts, runs: make(map[string]*Run)}
}

// SetCompletionFunc replaces the completion callback. It must be called
// before the first Launch.
func (s *Supervisor) SetCompletionFunc(fn CompletionFunc) {
	s.opts.OnComplete = fn
}

// SetMarkerHandler replaces the marker callback. It must be called before
// the first Launch.
func (s *Supervisor) SetMarkerHandler(fn MarkerHandler) {
	s.opts.OnMarker = fn
}

// Launch starts a run for req.TaskID. It returns ErrAlreadyRunning if the
// task has an active run. When Launch returns an error no completion is
// delivered.
func (s *Supervisor) Launch(ctx context.Context, req LaunchRequest) (*Run, error) {
	run := &Run{
		TaskID:    req.TaskID,
		AgentID:   req.AgentID,
		Provider:  req.Provider,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	// Reserve the slot before doing anything slow.
	s.mu.Lock()
	if _, busy := s.runs[req.TaskID]; busy {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.runs[req.TaskID] = run
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.runs, req.TaskID)
		s.mu.Unlock()
	}

	runner, err := s.opts.Runners.RunnerFor(req.Provider)
	if err != nil {
		release()
		return nil, err
	}

	logFile := s.openLog(req)
	tail := newTailBuffer(s.opts.Policy.TailLines)

	// Output keeps flowing to subscribers after the launching caller returns.
	outCtx := context.WithoutCancel(ctx)
	normalizer := NewOutputNormalizer(s.opts.Policy.DedupWindow, func(line string) {
		s.handleLine(outCtx, run, logFile, tail, line)
	})

	idle, hard := s.opts.Policy.IdleTimeout, s.opts.Policy.HardTimeout
	if req.Timeouts.Idle > 0 {
		idle = req.Timeouts.Idle
	}
	if req.Timeouts.Hard > 0 {
		hard = req.Timeouts.Hard
	}
	run.idle, run.hard = idle, hard

	// The watchdog is armed before Start so output written during startup
	// counts as activity. A fire before proc is known is handled below.
	watchdog := NewWatchdog(idle, hard, func(reason TimeoutReason, elapsed time.Duration) {
		log.Printf("[supervisor] task %s: %s timeout after %s, terminating", req.TaskID, reason, elapsed.Round(time.Second))
		if proc := run.process(); proc != nil {
			proc.Terminate(s.opts.Policy.TerminateGrace)
		}
	})
	out := activityWriter{touch: watchdog.Touch, next: normalizer}

	proc, err := runner.Start(ctx, RunSpec{
		TaskID:    req.TaskID,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		Provider:  req.Provider,
		Prompt:    req.Prompt,
		WorkDir:   req.WorkDir,
	}, out)
	if err != nil {
		watchdog.Stop()
		release()
		if logFile != nil {
			fmt.Fprintf(logFile, "=== launch failed: %v ===\n", err)
			logFile.Close()
		}
		if !errors.Is(err, ErrProviderInvocation) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrProviderInvocation, err)
		}
		return nil, err
	}

	run.mu.Lock()
	run.proc = proc
	run.mu.Unlock()
	if watchdog.Reason() != TimeoutNone {
		go proc.Terminate(s.opts.Policy.TerminateGrace)
	}

	log.Printf("[supervisor] task %s: started %s run (agent %s, pid %d)", req.TaskID, req.Provider, req.AgentID, proc.PID())
	s.opts.Metrics.RunStarted(string(req.Provider))
	s.opts.Sink.Broadcast(ctx, notify.EventRunStarted, req.TaskID, notify.RunPayload{
		TaskID:   req.TaskID,
		AgentID:  req.AgentID,
		Provider: string(req.Provider),
		PID:      proc.PID(),
	})

	go s.wait(run, watchdog, normalizer, logFile, tail)
	return run, nil
}

func (s *Supervisor) wait(run *Run, wd *Watchdog, normalizer *OutputNormalizer, logFile *os.File, tail *tailBuffer) {
	exitCode, err := run.process().Wait()
	wd.Stop()
	normalizer.Flush()

	result := RunResult{
		TaskID:   run.TaskID,
		AgentID:  run.AgentID,
		Provider: run.Provider,
		PID:      run.PID(),
		ExitCode: exitCode,
		Err:      err,
		Tail:     tail.snapshot(),
		Duration: time.Since(run.StartedAt),
	}

	run.mu.Lock()
	result.Stopped = run.stopMode
	run.mu.Unlock()

	if reason := wd.Reason(); reason != TimeoutNone {
		result.Timeout = reason
		after := run.idle
		if reason == TimeoutHard {
			after = run.hard
		}
		result.Err = &TimeoutError{Reason: reason, After: after}
	}

	if logFile != nil {
		fmt.Fprintf(logFile, "=== exit code %d after %s", exitCode, result.Duration.Round(time.Millisecond))
		if result.Timeout != TimeoutNone {
			fmt.Fprintf(logFile, " (%s timeout)", result.Timeout)
		}
		if result.Stopped != "" {
			fmt.Fprintf(logFile, " (stopped: %s)", result.Stopped)
		}
		fmt.Fprintln(logFile, " ===")
		logFile.Close()
	}

	s.mu.Lock()
	if s.runs[run.TaskID] == run {
		delete(s.runs, run.TaskID)
	}
	s.mu.Unlock()

	run.closeSubscribers()

	s.opts.Metrics.RunFinished(string(run.Provider), resultLabel(result))
	s.opts.Sink.Broadcast(context.Background(), notify.EventRunFinished, run.TaskID, notify.RunPayload{
		TaskID:   run.TaskID,
		AgentID:  run.AgentID,
		Provider: string(run.Provider),
		PID:      result.PID,
		ExitCode: exitCode,
		Timeout:  string(result.Timeout),
	})
	log.Printf("[supervisor] task %s: run finished (exit %d, timeout=%q, stopped=%q)", run.TaskID, exitCode, result.Timeout, result.Stopped)

	if s.opts.OnComplete != nil {
		s.opts.OnComplete(result)
	}
	close(run.done)
}

func resultLabel(r RunResult) string {
	switch {
	case r.Timeout != TimeoutNone:
		return "timeout_" + string(r.Timeout)
	case r.Stopped != "":
		return "stopped"
	case r.Succeeded():
		return "success"
	default:
		return "failure"
	}
}

func (s *Supervisor) handleLine(ctx context.Context, run *Run, logFile *os.File, tail *tailBuffer, line string) {
	if logFile != nil {
		fmt.Fprintln(logFile, line)
	}

	if s.opts.OnMarker != nil {
		for _, m := range ScanMarkers(line) {
			s.opts.OnMarker(run.TaskID, m)
		}
	}

	text := RenderLine(line)
	if text == "" {
		return
	}
	tail.add(text)
	run.publish(text)
	s.opts.Sink.Broadcast(ctx, notify.EventRunOutput, run.TaskID, notify.RunPayload{
		TaskID: run.TaskID,
		Line:   text,
	})
}

func (s *Supervisor) openLog(req LaunchRequest) *os.File {
	if s.opts.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.opts.LogDir, 0755); err != nil {
		log.Printf("[supervisor] create log dir: %v", err)
		return nil
	}
	f, err := os.OpenFile(LogPath(s.opts.LogDir, req.TaskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("[supervisor] open task log: %v", err)
		return nil
	}
	fmt.Fprintf(f, "=== %s run by %s at %s ===\n", req.Provider, req.AgentID, time.Now().Format(time.RFC3339))
	return f
}

// LogPath returns the per-task log file path.
func LogPath(logDir, taskID string) string {
	return filepath.Join(logDir, taskID+".log")
}

// Stop ends the task's run. Pause interrupts (SIGINT, then SIGTERM, then
// SIGKILL); cancel terminates (SIGTERM, then SIGKILL). The caller must
// record the stop request before calling Stop. Returns false if the task
// has no active run. Stop does not wait for the run to exit.
func (s *Supervisor) Stop(taskID string, mode models.StopMode) bool {
	s.mu.Lock()
	run, ok := s.runs[taskID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	proc := run.process()
	if proc == nil {
		return false
	}

	run.mu.Lock()
	if run.stopMode == "" || mode == models.StopCancel {
		run.stopMode = mode
	}
	run.mu.Unlock()

	log.Printf("[supervisor] task %s: stop requested (%s)", taskID, mode)
	go func() {
		if mode == models.StopPause {
			proc.Interrupt(s.opts.Policy.InterruptGrace)
		} else {
			proc.Terminate(s.opts.Policy.TerminateGrace)
		}
	}()
	return true
}

// IsRunning reports whether the task has an active run.
func (s *Supervisor) IsRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[taskID]
	return ok
}

// Get returns the task's active run.
func (s *Supervisor) Get(taskID string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[taskID]
	return r, ok
}

// ActiveTasks returns the ids of tasks with an active run.
func (s *Supervisor) ActiveTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe streams the task's rendered output lines until the run ends.
// Slow subscribers miss lines rather than block the run. Returns false if
// the task has no active run.
func (s *Supervisor) Subscribe(taskID string) (<-chan string, bool) {
	s.mu.Lock()
	run, ok := s.runs[taskID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	ch := make(chan string, 256)
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.subsDone {
		close(ch)
		return ch, true
	}
	run.subs = append(run.subs, ch)
	return ch, true
}

// StopAll terminates every active run and waits for their completions.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	runs := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		s.Stop(r.TaskID, models.StopPause)
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Run) publish(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

func (r *Run) closeSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	r.subsDone = true
}
