package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/conclave/internal/config"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// ProcessRunner spawns provider CLIs with the prompt piped on stdin.
// Each process runs in its own process group so termination reaches any
// helpers it spawns.
type ProcessRunner struct {
	providers map[string]config.ProviderConfig
}

var _ Runner = (*ProcessRunner)(nil)

// NewProcessRunner creates a runner from the providers config section.
func NewProcessRunner(providers map[string]config.ProviderConfig) *ProcessRunner {
	return &ProcessRunner{providers: providers}
}

// Command returns the executable and arguments for a provider.
func (r *ProcessRunner) Command(p models.Provider) (string, []string) {
	pc := r.providers[string(p)]
	command := pc.Command
	if command == "" {
		command = string(p)
	}
	args := append([]string(nil), pc.Args...)
	if pc.Model != "" {
		args = append(args, "--model", pc.Model)
	}
	return command, args
}

// Start spawns the provider CLI.
func (r *ProcessRunner) Start(ctx context.Context, spec RunSpec, out io.Writer) (Process, error) {
	// ctx only gates the launch; once started, the supervisor decides how
	// the run ends.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	command, args := r.Command(spec.Provider)

	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProviderInvocation, command, err)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = spec.WorkDir
	cmd.Stdin = strings.NewReader(spec.Prompt)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(),
		"CONCLAVE_TASK_ID="+spec.TaskID,
		"CONCLAVE_AGENT_ID="+spec.AgentID,
		"CONCLAVE_SESSION_ID="+spec.SessionID,
	)
	// Orphaned grandchildren may hold the output pipe open after the
	// leader exits; don't let Wait block on them forever.
	cmd.WaitDelay = 5 * time.Second
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrProviderInvocation, command, err)
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type osProcess struct {
	cmd *exec.Cmd

	done     chan struct{}
	exitCode int
	err      error

	signalMu sync.Mutex
}

func (p *osProcess) wait() {
	err := p.cmd.Wait()
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.Is(err, exec.ErrWaitDelay):
		// Process exited; only the output copy was cut short.
		p.exitCode = p.cmd.ProcessState.ExitCode()
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
		} else {
			p.exitCode = -1
			p.err = fmt.Errorf("%w: %v", ErrProviderInvocation, err)
		}
	}
	close(p.done)
}

func (p *osProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.err
}

func (p *osProcess) exited(grace time.Duration) bool {
	if grace <= 0 {
		select {
		case <-p.done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// Terminate sends the graceful signal to the group, then kills it after grace.
func (p *osProcess) Terminate(grace time.Duration) {
	p.signalMu.Lock()
	defer p.signalMu.Unlock()

	if p.exited(0) {
		return
	}
	signalGroup(p.cmd.Process, sigTerminate)
	if p.exited(grace) {
		return
	}
	signalGroup(p.cmd.Process, sigKill)
}

// Interrupt sends the interrupt signal, then escalates to Terminate.
func (p *osProcess) Interrupt(grace time.Duration) {
	p.signalMu.Lock()
	if p.exited(0) {
		p.signalMu.Unlock()
		return
	}
	signalGroup(p.cmd.Process, sigInterrupt)
	stopped := p.exited(grace)
	p.signalMu.Unlock()

	if !stopped {
		p.Terminate(grace)
	}
}
