//go:build !unix

package agent

import (
	"os"
	"os/exec"
)

var (
	sigInterrupt os.Signal = os.Interrupt
	sigTerminate os.Signal = os.Kill
	sigKill      os.Signal = os.Kill
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup has no process groups to work with here; it signals the
// process and falls back to Kill when the signal is unsupported.
func signalGroup(p *os.Process, sig os.Signal) {
	if sig == os.Kill {
		p.Kill()
		return
	}
	if err := p.Signal(sig); err != nil {
		p.Kill()
	}
}
