//go:build unix

package agent

import (
	"os"
	"os/exec"
	"syscall"
)

var (
	sigInterrupt os.Signal = syscall.SIGINT
	sigTerminate os.Signal = syscall.SIGTERM
	sigKill      os.Signal = syscall.SIGKILL
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the whole process group led by p. Falls back to the
// process itself if the group is gone.
func signalGroup(p *os.Process, sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		p.Signal(sig)
		return
	}
	if pgid, err := syscall.Getpgid(p.Pid); err == nil {
		if err := syscall.Kill(-pgid, s); err == nil {
			return
		}
	}
	p.Signal(sig)
}
