//go:build unix

package agent

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func newProcessGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// Signal targets the whole process group so tool subprocesses see it too
func (p *execProcess) Signal(sig syscall.Signal) error {
	pid := p.Pid()
	if pid == 0 {
		return os.ErrProcessDone
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return p.cmd.Process.Signal(sig)
	}
	return nil
}
