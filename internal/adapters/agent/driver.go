package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/renato0307/tether/internal/adapters/protocol"
	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/logging"
	"github.com/renato0307/tether/internal/ports"
)

// Defaults for driver timing
const (
	DefaultEventBuffer    = 1024
	DefaultPartialFlush   = 250 * time.Millisecond
	DefaultQuietInterval  = 10 * time.Second
	DefaultStartupTimeout = 30 * time.Second
	DefaultStopGrace      = 500 * time.Millisecond
)

const (
	ctrlC       = "\x03"
	exitCommand = "/exit\r"
)

// DefaultReadyPatterns mark a terminal-mode process as ready for input
var DefaultReadyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"type":\s*"session_start"`),
	regexp.MustCompile(`"session_id"`),
	regexp.MustCompile(`>\s*$`),
}

// Config tunes a Driver
type Config struct {
	Clock          func() time.Time
	EventBuffer    int
	Mode           domain.DriverMode
	// PartialFlush is how long an unterminated terminal line may sit
	// before it is emitted anyway
	PartialFlush   time.Duration
	PromptPatterns []*regexp.Regexp
	QuietInterval  time.Duration
	ReadyPatterns  []*regexp.Regexp
	StartupTimeout time.Duration
	StopGrace      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.Mode == "" {
		c.Mode = domain.ModePipe
	}
	if c.PartialFlush <= 0 {
		c.PartialFlush = DefaultPartialFlush
	}
	if c.PromptPatterns == nil {
		c.PromptPatterns = DefaultPromptPatterns
	}
	if c.QuietInterval <= 0 {
		c.QuietInterval = DefaultQuietInterval
	}
	if c.ReadyPatterns == nil {
		c.ReadyPatterns = DefaultReadyPatterns
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}

// process is the OS handle behind a driver
type process interface {
	Pid() int
	// Signal delivers sig to the process group
	Signal(sig syscall.Signal) error
	Wait() error
}

// spawnFunc starts the child and returns its stdio and handle
type spawnFunc func() (stdin io.WriteCloser, stdout io.ReadCloser, proc process, err error)

// Driver owns exactly one child agent process
type Driver struct {
	cfg    Config
	name   string
	parser *protocol.Parser
	spawn  spawnFunc

	proc   process
	stdin  io.WriteCloser
	stdout io.ReadCloser

	done     chan struct{}
	events   chan domain.ProtocolEvent
	ready    chan struct{}
	stopping chan struct{}

	readyOnce sync.Once
	startOnce sync.Once
	stopOnce  sync.Once

	initID     domain.RequestID
	lastOutput atomic.Int64
	nextID     atomic.Int64
	sawOutput  atomic.Bool

	mu       sync.Mutex
	closed   bool
	exitErr  error
	isReady  bool
	pending  [][]byte
	startErr error
	started  bool
}

// Verify interface compliance at compile time
var _ ports.ProcessDriver = (*Driver)(nil)

func newDriver(name string, cfg Config, spawn spawnFunc) *Driver {
	cfg = cfg.withDefaults()

	opts := []protocol.Option{protocol.WithClock(cfg.Clock)}
	if cfg.Mode == domain.ModeTerminal {
		opts = append(opts, protocol.WithTerminalFilter())
	}

	return &Driver{
		cfg:      cfg,
		done:     make(chan struct{}),
		events:   make(chan domain.ProtocolEvent, cfg.EventBuffer),
		name:     name,
		parser:   protocol.NewParser(opts...),
		ready:    make(chan struct{}),
		spawn:    spawn,
		stopping: make(chan struct{}),
	}
}

// Mode returns the driver's operating mode
func (d *Driver) Mode() domain.DriverMode {
	return d.cfg.Mode
}

// Events returns the ordered event stream. It is closed when output ends.
func (d *Driver) Events() <-chan domain.ProtocolEvent {
	return d.events
}

// Done is closed once the child has exited
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// Err returns the exit cause once Done is closed
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitErr
}

// PID returns the child's process id, or 0 before start
func (d *Driver) PID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc == nil {
		return 0
	}
	return d.proc.Pid()
}

// Start spawns the child and waits until it is ready for input
func (d *Driver) Start(ctx context.Context) error {
	err := errors.New("driver already started")
	d.startOnce.Do(func() { err = d.start(ctx) })
	return err
}

func (d *Driver) start(ctx context.Context) error {
	stdin, stdout, proc, err := d.spawn()
	if err != nil {
		close(d.done)
		close(d.events)
		return fmt.Errorf("failed to spawn agent: %w", err)
	}

	d.mu.Lock()
	d.stdin, d.stdout, d.proc = stdin, stdout, proc
	d.started = true
	d.mu.Unlock()

	logging.Logger.Info("Agent process started", "driver", d.name, "mode", d.cfg.Mode, "pid", proc.Pid())

	go d.waitLoop()
	if d.cfg.Mode == domain.ModeTerminal {
		go d.terminalReadLoop()
	} else {
		d.initID = domain.NewRequestID(d.nextID.Add(1))
		go d.pipeReadLoop()
		if err := d.sendInitialize(); err != nil {
			d.Terminate()
			return err
		}
	}

	if err := d.waitReady(ctx); err != nil {
		logging.Logger.Warn("Agent process failed to become ready", "driver", d.name, "error", err)
		d.Terminate()
		return err
	}

	logging.Logger.Debug("Agent process ready", "driver", d.name)
	return nil
}

func (d *Driver) sendInitialize() error {
	line, err := protocol.EncodeRequest(d.initID, "initialize", map[string]any{
		"clientInfo": map[string]string{"name": "tether", "version": "1"},
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.write(line)
}

// acknowledgeInitialize precedes any queued input
func (d *Driver) acknowledgeInitialize() {
	line, err := protocol.EncodeNotification("initialized", nil)
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.write(line); err != nil {
		logging.Logger.Warn("Failed to acknowledge initialize", "driver", d.name, "error", err)
	}
}

func (d *Driver) waitReady(ctx context.Context) error {
	timer := time.NewTimer(d.cfg.StartupTimeout)
	defer timer.Stop()

	// Terminal mode also becomes ready after output followed by quiet
	var tick <-chan time.Time
	if d.cfg.Mode == domain.ModeTerminal {
		ticker := time.NewTicker(d.quietPoll())
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-d.ready:
			d.mu.Lock()
			err := d.startErr
			d.mu.Unlock()
			return err
		case <-d.done:
			return fmt.Errorf("%w: exited during startup: %v", domain.ErrProcessClosed, d.Err())
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if d.quietSinceOutput() {
				d.markReady(nil)
			}
		case <-timer.C:
			if d.cfg.Mode == domain.ModeTerminal && d.sawOutput.Load() {
				logging.Logger.Info("Startup timeout with output, assuming ready", "driver", d.name)
				d.markReady(nil)
				continue
			}
			return fmt.Errorf("%w after %s", domain.ErrStartupTimeout, d.cfg.StartupTimeout)
		}
	}
}

func (d *Driver) quietPoll() time.Duration {
	return max(d.cfg.QuietInterval/4, 10*time.Millisecond)
}

func (d *Driver) quietSinceOutput() bool {
	if !d.sawOutput.Load() {
		return false
	}
	last := time.Unix(0, d.lastOutput.Load())
	return d.cfg.Clock().Sub(last) >= d.cfg.QuietInterval
}

// markReady flushes queued input in order and releases Start
func (d *Driver) markReady(startErr error) {
	d.readyOnce.Do(func() {
		d.mu.Lock()
		d.startErr = startErr
		d.isReady = startErr == nil
		queued := d.pending
		d.pending = nil
		for _, input := range queued {
			if err := d.write(input); err != nil {
				logging.Logger.Warn("Failed to flush queued input", "driver", d.name, "error", err)
				break
			}
		}
		d.mu.Unlock()
		close(d.ready)
	})
}

// Send writes raw input, queuing it until the child is ready
func (d *Driver) Send(input []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return domain.ErrProcessClosed
	}
	select {
	case <-d.done:
		return domain.ErrProcessClosed
	default:
	}

	if !d.isReady {
		d.pending = append(d.pending, append([]byte(nil), input...))
		return nil
	}
	return d.write(input)
}

// write must be called with d.mu held
func (d *Driver) write(input []byte) error {
	if d.stdin == nil {
		return domain.ErrProcessClosed
	}
	if _, err := d.stdin.Write(input); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProcessClosed, err)
	}
	return nil
}

// Request writes a JSON-RPC request and returns its id. Pipe mode only.
func (d *Driver) Request(method string, params any) (domain.RequestID, error) {
	if d.cfg.Mode != domain.ModePipe {
		return "", fmt.Errorf("%w: %s in %s mode", domain.ErrUnsupportedMethod, method, d.cfg.Mode)
	}
	id := domain.NewRequestID(d.nextID.Add(1))
	line, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return "", err
	}
	if err := d.Send(line); err != nil {
		return "", err
	}
	return id, nil
}

// Reply answers a request raised by the child. In terminal mode the verb
// is typed as a y/n keystroke.
func (d *Driver) Reply(id domain.RequestID, verb string, result any) error {
	if d.cfg.Mode == domain.ModeTerminal {
		key := "n\r"
		if isPositiveVerb(verb) {
			key = "y\r"
		}
		return d.Send([]byte(key))
	}
	line, err := protocol.EncodeResponse(id, result)
	if err != nil {
		return err
	}
	return d.Send(line)
}

func isPositiveVerb(verb string) bool {
	switch verb {
	case "accept", "approve", "approved", "answered":
		return true
	}
	return false
}

// Interrupt asks the child to stop its current work
func (d *Driver) Interrupt() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.proc == nil {
		return domain.ErrProcessClosed
	}
	if d.cfg.Mode == domain.ModeTerminal {
		return d.write([]byte(ctrlC))
	}
	if err := d.proc.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("failed to interrupt agent: %w", err)
	}
	return nil
}

// Terminate ends the child: /exit and Ctrl-C in terminal mode, then
// SIGTERM and finally SIGKILL to the process group. Safe to call twice.
func (d *Driver) Terminate() error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.pending = nil
		started := d.started
		d.mu.Unlock()
		close(d.stopping)

		if !started {
			return
		}

		if d.cfg.Mode == domain.ModeTerminal {
			for _, key := range []string{exitCommand, ctrlC} {
				d.mu.Lock()
				d.write([]byte(key))
				d.mu.Unlock()
				if d.waitExit(d.cfg.StopGrace) {
					break
				}
			}
		}

		if !d.exited() {
			d.proc.Signal(syscall.SIGTERM)
			if !d.waitExit(d.cfg.StopGrace) {
				logging.Logger.Warn("Agent ignored SIGTERM, killing", "driver", d.name)
				d.proc.Signal(syscall.SIGKILL)
			}
		}

		d.stdin.Close()
		d.stdout.Close()
	})

	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if started {
		<-d.done
	}
	return nil
}

func (d *Driver) exited() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Driver) waitExit(timeout time.Duration) bool {
	select {
	case <-d.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (d *Driver) waitLoop() {
	err := d.proc.Wait()

	d.mu.Lock()
	d.exitErr = err
	d.mu.Unlock()

	logging.Logger.Info("Agent process exited", "driver", d.name, "error", err)
	close(d.done)
}

func (d *Driver) pipeReadLoop() {
	defer close(d.events)

	raw := make(chan domain.ProtocolEvent, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := d.parser.Run(ctx, d.stdout, raw); err != nil && !isClosedErr(err) {
			logging.Logger.Warn("Agent output read failed", "driver", d.name, "error", err)
		}
		close(raw)
	}()

	for ev := range raw {
		if !d.dispatch(ev) {
			return
		}
	}
}

type readResult struct {
	data []byte
	err  error
}

// terminalReadLoop emits complete lines as they arrive. A partial tail is
// emitted at once when it looks like a prompt, otherwise after PartialFlush
// without further output. A tail ending inside an escape sequence waits for
// the rest of it.
func (d *Driver) terminalReadLoop() {
	defer close(d.events)

	reads := make(chan readResult)
	quit := make(chan struct{})
	defer close(quit)
	go d.readTerminal(reads, quit)

	flush := time.NewTimer(d.cfg.PartialFlush)
	flush.Stop()
	defer flush.Stop()

	for {
		select {
		case <-flush.C:
			if !d.dispatchAll(d.parser.Flush()) {
				return
			}
		case r := <-reads:
			if len(r.data) > 0 {
				d.noteOutput()
				flush.Stop()
				events := d.parser.Feed(r.data)
				switch tail := d.parser.Pending(); {
				case len(tail) == 0 || tail[0] == '{' || endsInsideEscape(tail):
				case d.looksLikePrompt(tail):
					events = append(events, d.parser.Flush()...)
				default:
					flush.Reset(d.cfg.PartialFlush)
				}
				if !d.dispatchAll(events) {
					return
				}
			}
			if r.err != nil {
				if !d.dispatchAll(d.parser.Flush()) {
					return
				}
				if !isClosedErr(r.err) {
					logging.Logger.Warn("Agent terminal read failed", "driver", d.name, "error", r.err)
				}
				return
			}
		}
	}
}

func (d *Driver) readTerminal(out chan<- readResult, quit <-chan struct{}) {
	buf := make([]byte, 32*1024)
	for {
		n, err := d.stdout.Read(buf)
		r := readResult{err: err}
		if n > 0 {
			r.data = append([]byte(nil), buf[:n]...)
		}
		select {
		case out <- r:
		case <-quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (d *Driver) dispatchAll(events []domain.ProtocolEvent) bool {
	for _, ev := range events {
		if !d.dispatch(ev) {
			return false
		}
	}
	return true
}

func (d *Driver) looksLikePrompt(tail []byte) bool {
	text := []byte(ansi.Strip(string(tail)))
	for _, re := range d.cfg.ReadyPatterns {
		if re.Match(text) {
			return true
		}
	}
	for _, re := range d.cfg.PromptPatterns {
		if re.Match(text) {
			return true
		}
	}
	return false
}

// endsInsideEscape reports whether b stops partway through an ANSI escape:
// a CSI without its final byte, or an OSC/DCS string without its terminator
func endsInsideEscape(b []byte) bool {
	i := bytes.LastIndexByte(b, 0x1b)
	if i < 0 {
		return false
	}
	seq := b[i+1:]
	if len(seq) == 0 {
		return true
	}
	switch seq[0] {
	case '[':
		for _, c := range seq[1:] {
			if c >= 0x40 && c <= 0x7e {
				return false
			}
		}
		return true
	case ']', 'P', '_', '^':
		// ST is ESC \, so a finished string ends at the next ESC
		return bytes.IndexByte(seq, 0x07) < 0
	default:
		return false
	}
}

func (d *Driver) noteOutput() {
	d.lastOutput.Store(d.cfg.Clock().UnixNano())
	d.sawOutput.Store(true)
}

// dispatch routes one event; it returns false once the driver is stopping
func (d *Driver) dispatch(ev domain.ProtocolEvent) bool {
	d.noteOutput()

	switch ev.Kind {
	case domain.EventRequest:
		if _, ok := domain.ApprovalKindFor(ev.Request.Method); !ok {
			d.rejectRequest(ev.Request)
			return true
		}
	case domain.EventResponse:
		if d.cfg.Mode == domain.ModePipe && d.initID != "" && ev.Response.ID == d.initID {
			if ev.Response.Error != nil {
				d.markReady(fmt.Errorf("initialize failed: %w", ev.Response.Error))
				return true
			}
			d.acknowledgeInitialize()
			d.markReady(nil)
			return true
		}
	}

	if d.cfg.Mode == domain.ModeTerminal && d.readyEvent(ev) {
		d.markReady(nil)
	}

	select {
	case d.events <- ev:
		return true
	case <-d.stopping:
		return false
	}
}

func (d *Driver) readyEvent(ev domain.ProtocolEvent) bool {
	switch ev.Kind {
	case domain.EventNotification, domain.EventRequest, domain.EventResponse:
		return true
	case domain.EventRawOutput:
		for _, re := range d.cfg.ReadyPatterns {
			if re.Match(ev.Raw) {
				return true
			}
		}
	}
	return false
}

func (d *Driver) rejectRequest(req *domain.Request) {
	logging.Logger.Warn("Rejecting unsupported agent request", "driver", d.name, "method", req.Method, "id", req.ID)

	line, err := protocol.MethodNotFound(req.ID)
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.write(line); err != nil {
		logging.Logger.Warn("Failed to reject request", "driver", d.name, "error", err)
	}
}

// isClosedErr matches the errors a read returns once the child or the
// driver has closed the stream; a pty reports EIO
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, os.ErrClosed)
}
