package agent

import (
	"os"
	"syscall"
)

func newProcessGroupAttr() *syscall.SysProcAttr {
	return nil
}

func (p *execProcess) Signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	if sig == syscall.SIGKILL || sig == syscall.SIGTERM {
		return p.cmd.Process.Kill()
	}
	return p.cmd.Process.Signal(sig)
}
