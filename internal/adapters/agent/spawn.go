package agent

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/creack/pty"

	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/logging"
	"github.com/renato0307/tether/internal/ports"
)

// Terminal size used for terminal-mode agents
const (
	DefaultCols = 120
	DefaultRows = 40
)

// FactoryConfig configures how agent processes are launched
type FactoryConfig struct {
	Binary         string
	Cols           uint16
	Driver         Config
	Env            []string
	IdleCompletion IdleConfig
	Rows           uint16
}

// Factory builds drivers for sessions
type Factory struct {
	cfg FactoryConfig
}

// Verify interface compliance at compile time
var _ ports.DriverFactory = (*Factory)(nil)

// NewFactory creates a driver factory
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Binary == "" {
		cfg.Binary = "codex"
	}
	if cfg.Cols == 0 {
		cfg.Cols = DefaultCols
	}
	if cfg.Rows == 0 {
		cfg.Rows = DefaultRows
	}
	return &Factory{cfg: cfg}
}

// NewDriver builds an unstarted driver for the session config
func (f *Factory) NewDriver(sc domain.SessionConfig) (ports.ProcessDriver, error) {
	if sc.Mode == "" {
		sc.Mode = domain.ModePipe
	}
	cwd := resolveCwd(sc.Cwd)

	dcfg := f.cfg.Driver
	dcfg.Mode = sc.Mode

	switch sc.Mode {
	case domain.ModePipe:
		args := PipeArgs(sc)
		name := fmt.Sprintf("%s app-server (%s)", f.cfg.Binary, cwd)
		return newDriver(name, dcfg, f.pipeSpawner(args, cwd)), nil
	case domain.ModeTerminal:
		args := TerminalArgs(sc, cwd)
		name := fmt.Sprintf("%s tty (%s)", f.cfg.Binary, cwd)
		return newDriver(name, dcfg, f.terminalSpawner(args, cwd)), nil
	default:
		return nil, fmt.Errorf("unknown driver mode %q", sc.Mode)
	}
}

// NewDetector returns the completion detector matching the driver built
// from sc
func (f *Factory) NewDetector(sc domain.SessionConfig) ports.CompletionDetector {
	if sc.Mode == domain.ModeTerminal {
		idle := f.cfg.IdleCompletion
		if idle.QuietInterval <= 0 {
			idle.QuietInterval = f.cfg.Driver.QuietInterval
		}
		idle.Resuming = sc.ResumeThreadID != ""
		return NewIdleCompletion(idle)
	}
	return NewProtocolCompletion()
}

// PipeArgs builds the app-server command line. Session parameters travel
// in thread/start instead of flags.
func PipeArgs(sc domain.SessionConfig) []string {
	args := []string{"app-server", "--listen", "stdio://"}
	return append(args, sc.ExtraArgs...)
}

// TerminalArgs builds the interactive command line
func TerminalArgs(sc domain.SessionConfig, cwd string) []string {
	var args []string
	if sc.ResumeThreadID != "" {
		args = append(args, "resume", sc.ResumeThreadID)
	}
	if sc.Sandbox != "" {
		args = append(args, "--sandbox", sc.Sandbox)
	}
	if sc.ApprovalPolicy != "" {
		args = append(args, "--ask-for-approval", string(domain.NormalizeApprovalPolicy(string(sc.ApprovalPolicy))))
	}
	if sc.Model != "" {
		base, effort := domain.ParseModelEffort(sc.Model)
		args = append(args, "--model", base)
		if effort != "" {
			args = append(args, "-c", fmt.Sprintf("model_reasoning_effort=%q", effort))
		}
	}
	args = append(args, "--cd", cwd)
	return append(args, sc.ExtraArgs...)
}

// resolveCwd falls back to the home directory when cwd does not exist
func resolveCwd(cwd string) string {
	if cwd != "" {
		if info, err := os.Stat(cwd); err == nil && info.IsDir() {
			return cwd
		}
		logging.Logger.Warn("Working directory not found, using home", "cwd", cwd)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func (f *Factory) pipeSpawner(args []string, cwd string) spawnFunc {
	return func() (io.WriteCloser, io.ReadCloser, process, error) {
		cmd := exec.Command(f.cfg.Binary, args...)
		cmd.Dir = cwd
		cmd.Env = append(os.Environ(), f.cfg.Env...)
		cmd.SysProcAttr = newProcessGroupAttr()
		cmd.WaitDelay = f.cfg.Driver.withDefaults().StopGrace

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, nil, err
		}
		// Own the read end so Wait never closes it under the reader
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			return nil, nil, nil, err
		}
		cmd.Stdout = stdoutW
		stderr := &tailBuffer{limit: 4096}
		cmd.Stderr = stderr

		logging.Logger.Info("Spawning agent", "binary", f.cfg.Binary, "args", args, "cwd", cwd)
		if err := cmd.Start(); err != nil {
			stdoutR.Close()
			stdoutW.Close()
			return nil, nil, nil, err
		}
		stdoutW.Close()

		return stdin, stdoutR, &execProcess{cmd: cmd, stderr: stderr}, nil
	}
}

func (f *Factory) terminalSpawner(args []string, cwd string) spawnFunc {
	return func() (io.WriteCloser, io.ReadCloser, process, error) {
		cmd := exec.Command(f.cfg.Binary, args...)
		cmd.Dir = cwd
		cmd.Env = append(os.Environ(),
			"TERM=xterm-256color",
			"FORCE_COLOR=1",
			"COLUMNS="+strconv.Itoa(int(f.cfg.Cols)),
			"LINES="+strconv.Itoa(int(f.cfg.Rows)),
		)
		cmd.Env = append(cmd.Env, f.cfg.Env...)

		logging.Logger.Info("Spawning agent on pty", "binary", f.cfg.Binary, "args", args, "cwd", cwd)
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: f.cfg.Rows, Cols: f.cfg.Cols})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to start agent on pty: %w", err)
		}

		// The pty master is both ends; close it once
		return nopCloseWriter{ptmx}, ptmx, &execProcess{cmd: cmd, pty: ptmx}, nil
	}
}

// Resize changes the terminal size of a terminal-mode driver
func (d *Driver) Resize(rows, cols uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ep, ok := d.proc.(*execProcess)
	if !ok || ep.pty == nil {
		return fmt.Errorf("resize needs a terminal-mode agent")
	}
	return pty.Setsize(ep.pty, &pty.Winsize{Rows: rows, Cols: cols})
}

type execProcess struct {
	cmd    *exec.Cmd
	pty    *os.File
	stderr *tailBuffer
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if err != nil && p.stderr != nil {
		if tail := p.stderr.String(); tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
	}
	return err
}

type nopCloseWriter struct {
	io.Writer
}

func (nopCloseWriter) Close() error { return nil }

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
