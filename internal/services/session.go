package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/logging"
	"github.com/renato0307/tether/internal/ports"
)

// Session defaults
const (
	DefaultCancelGrace      = 5 * time.Second
	DefaultCommandTimeout   = 60 * time.Hour
	DefaultSubscriberBuffer = 256
	DefaultTickInterval     = 250 * time.Millisecond
)

var errCancelled = errors.New("command cancelled")

// terminalSessionID finds the conversation id a terminal-mode agent prints
var terminalSessionID = regexp.MustCompile(`"session_id"\s*:\s*"([^"]+)"`)

// SessionObserver receives durable facts about a session
type SessionObserver interface {
	ItemFinished(item domain.QueueItem)
	ThreadStarted(sessionKey, threadID string)
}

// SessionOptions tunes a Session
type SessionOptions struct {
	CancelGrace      time.Duration
	Clock            func() time.Time
	CommandTimeout   time.Duration
	MaxQueueDepth    int
	Observer         SessionObserver
	SubscriberBuffer int
	TickInterval     time.Duration
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.CancelGrace <= 0 {
		o.CancelGrace = DefaultCancelGrace
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	return o
}

// Session is one conversation bound to one agent process. A single runner
// goroutine drains its queue, so at most one command runs at a time and
// every state transition happens there.
type Session struct {
	bridge    *ApprovalBridge
	createdAt time.Time
	factory   ports.DriverFactory
	key       string
	opts      SessionOptions
	resume    *ResumeController

	exited   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wake     chan struct{}

	// runner-owned
	detector           ports.CompletionDetector
	instructionsQueued bool
	threadOpen         bool
	turnActive         bool
	turnID             string

	mu            sync.Mutex
	cancelRunning chan struct{}
	cfg           domain.SessionConfig
	driver        ports.ProcessDriver
	items         map[string]*domain.QueueItem
	lastActivity  time.Time
	order         []string
	queue         []string
	running       string
	state         domain.SessionState
	subscribers   map[string]chan domain.SessionEvent
	threadID      string
}

// NewSession creates an unstarted session
func NewSession(key string, cfg domain.SessionConfig, factory ports.DriverFactory, bridge *ApprovalBridge, opts SessionOptions) *Session {
	opts = opts.withDefaults()
	if cfg.Mode == "" {
		cfg.Mode = domain.ModePipe
	}
	cfg.ApprovalPolicy = domain.NormalizeApprovalPolicy(string(cfg.ApprovalPolicy))

	now := opts.Clock()
	return &Session{
		bridge:             bridge,
		cfg:                cfg,
		createdAt:          now,
		exited:             make(chan struct{}),
		factory:            factory,
		instructionsQueued: cfg.Instructions != "",
		items:              make(map[string]*domain.QueueItem),
		key:                key,
		lastActivity:       now,
		opts:               opts,
		resume:             &ResumeController{},
		state:              domain.StateStarting,
		stop:               make(chan struct{}),
		subscribers:        make(map[string]chan domain.SessionEvent),
		threadID:           cfg.ResumeThreadID,
		wake:               make(chan struct{}, 1),
	}
}

// Key returns the pool key of the session
func (s *Session) Key() string {
	return s.key
}

// Start spawns the agent and launches the runner. On failure the session
// is terminated and must be discarded.
func (s *Session) Start(ctx context.Context) error {
	if err := s.spawnDriver(ctx); err != nil {
		s.mu.Lock()
		s.state = domain.StateTerminated
		s.mu.Unlock()
		close(s.exited)
		return err
	}

	s.setState(domain.StateIdle, nil)
	go s.run()
	return nil
}

// Close terminates a started session and waits for its runner to exit. It
// is safe to call more than once.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.exited
}

// Done is closed once the session has terminated
func (s *Session) Done() <-chan struct{} {
	return s.exited
}

// State returns the current lifecycle state
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ThreadID returns the conversation id, empty before one is started
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// Config returns the session's process configuration
func (s *Session) Config() domain.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// IdleFor reports how long an idle session has had no activity. Busy
// sessions report zero.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateIdle || s.running != "" || len(s.queue) > 0 {
		return 0
	}
	return now.Sub(s.lastActivity)
}

// Status returns a snapshot for inspection
func (s *Session) Status() domain.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sum := domain.SessionSummary{
		CreatedAt:    s.createdAt,
		Cwd:          s.cfg.Cwd,
		IdleSeconds:  now.Sub(s.lastActivity).Seconds(),
		IsAlive:      s.state.IsLive() && s.driver != nil,
		Key:          s.key,
		LastActivity: s.lastActivity,
		Mode:         s.cfg.Mode,
		Model:        s.cfg.Model,
		Pending:      len(s.queue),
		RunningItem:  s.running,
		State:        s.state,
		ThreadID:     s.threadID,
	}
	if s.driver != nil {
		sum.PID = s.driver.PID()
	}
	return sum
}

// Subscribe registers for session events. Delivery never blocks the
// session; a subscriber that falls behind loses events. The channel is
// closed when the session terminates or cancel is called.
func (s *Session) Subscribe() (<-chan domain.SessionEvent, func()) {
	id := uuid.New().String()
	ch := make(chan domain.SessionEvent, s.opts.SubscriberBuffer)

	s.mu.Lock()
	if s.state == domain.StateTerminated {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
	}
}

// HasSubscribers reports whether anyone is listening for events
func (s *Session) HasSubscribers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers) > 0
}

// Resize changes the terminal size of a terminal-mode agent
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	drv := s.driver
	s.mu.Unlock()

	r, ok := drv.(interface{ Resize(rows, cols uint16) error })
	if drv == nil || !ok {
		return fmt.Errorf("session %s has no resizable terminal", s.key)
	}
	return r.Resize(rows, cols)
}

func (s *Session) now() time.Time {
	return s.opts.Clock()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *Session) currentDriver() ports.ProcessDriver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver
}

func (s *Session) setState(state domain.SessionState, cause error) {
	s.mu.Lock()
	if s.state == state || s.state == domain.StateTerminated {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	s.mu.Unlock()

	logging.Logger.Debug("Session state changed", "session", s.key, "from", prev, "to", state)

	ev := domain.SessionEvent{Kind: domain.SessionEventState, State: state}
	if cause != nil {
		ev.Error = cause.Error()
	}
	s.publish(ev)
}

// publish fans an event out without blocking on slow subscribers
func (s *Session) publish(ev domain.SessionEvent) {
	ev.At = s.now()
	ev.SessionKey = s.key

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			logging.Logger.Debug("Dropping event for slow subscriber", "session", s.key, "subscriber", id, "kind", ev.Kind)
		}
	}
}

func (s *Session) publishItem(item domain.QueueItem) {
	s.publish(domain.SessionEvent{Kind: domain.SessionEventItem, Item: &item})
}

func (s *Session) observeItem(item domain.QueueItem) {
	if s.opts.Observer != nil {
		s.opts.Observer.ItemFinished(item)
	}
}

func (s *Session) setThread(id string) {
	s.mu.Lock()
	changed := s.threadID != id
	s.threadID = id
	s.mu.Unlock()

	if changed && id != "" {
		logging.Logger.Info("Conversation thread bound", "session", s.key, "thread", id)
		if s.opts.Observer != nil {
			s.opts.Observer.ThreadStarted(s.key, id)
		}
	}
}

// run is the session's single serialized execution path
func (s *Session) run() {
	defer s.shutdown()

	for {
		if item, ok := s.dequeue(); ok {
			if !s.execute(item) {
				return
			}
			continue
		}

		var events <-chan domain.ProtocolEvent
		if drv := s.currentDriver(); drv != nil {
			events = drv.Events()
		}

		select {
		case <-s.stop:
			return
		case <-s.wake:
		case ev, ok := <-events:
			if !ok {
				s.fail(s.exitError())
				return
			}
			s.observe(ev)
			if ev.Kind == domain.EventRequest {
				if err := s.handleApproval(context.Background(), nil, ev.Request); err != nil {
					s.fail(err)
					return
				}
				s.setState(domain.StateIdle, nil)
			}
		}
	}
}

// execute runs one item to a terminal status. It returns false once the
// session can no longer continue.
func (s *Session) execute(item domain.QueueItem) bool {
	s.setState(domain.StateBusy, nil)
	logging.Logger.Info("Running command", "session", s.key, "item", item.ID)

	s.mu.Lock()
	cancelCh := s.cancelRunning
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CommandTimeout)
	defer cancel()

	c, err := s.resume.Execute(ctx, s, func(ctx context.Context) (ports.Completion, error) {
		return s.attempt(ctx, cancelCh, item.Command)
	})

	switch {
	case errors.Is(err, errCancelled):
		s.settle()
		s.finish(item.ID, domain.ItemCancelled, c.Output, nil)
	case errors.Is(err, context.DeadlineExceeded):
		logging.Logger.Warn("Command timed out", "session", s.key, "item", item.ID, "timeout", s.opts.CommandTimeout)
		s.settle()
		s.finish(item.ID, domain.ItemFailed, c.Output, fmt.Errorf("%w after %s", domain.ErrCommandTimeout, s.opts.CommandTimeout))
	case errors.Is(err, domain.ErrSessionTerminated):
		s.finish(item.ID, domain.ItemCancelled, c.Output, err)
		return false
	case isFatal(err):
		s.finish(item.ID, domain.ItemFailed, c.Output, err)
		s.fail(err)
		return false
	case err != nil:
		s.finish(item.ID, domain.ItemFailed, c.Output, err)
	case c.Interrupted:
		s.finish(item.ID, domain.ItemCancelled, c.Output, nil)
	default:
		s.finish(item.ID, domain.ItemCompleted, c.Output, nil)
	}

	s.setState(domain.StateIdle, nil)
	return true
}

func isFatal(err error) bool {
	return errors.Is(err, domain.ErrSessionFatal) ||
		errors.Is(err, domain.ErrProcessClosed) ||
		errors.Is(err, domain.ErrStartupTimeout)
}

// attempt sends one command and waits for its completion
func (s *Session) attempt(ctx context.Context, cancelCh <-chan struct{}, cmd domain.Command) (ports.Completion, error) {
	if err := s.ensureDriver(ctx); err != nil {
		return ports.Completion{}, err
	}

	drv := s.currentDriver()
	text := cmd.Text
	if s.instructionsQueued {
		text = s.cfg.Instructions + "\n\n" + text
	}

	s.turnID = ""
	var turn domain.RequestID
	if drv.Mode() == domain.ModePipe {
		if err := s.ensureThread(ctx, cancelCh); err != nil {
			return ports.Completion{}, err
		}
		params := map[string]any{
			"input":    []map[string]string{{"type": "text", "text": text}},
			"threadId": s.ThreadID(),
		}
		if effort := s.effortFor(cmd); effort != "" {
			params["effort"] = effort
		}
		id, err := drv.Request("turn/start", params)
		if err != nil {
			return ports.Completion{}, err
		}
		turn = id
		s.detector.Begin(s.now(), turn)
	} else {
		// Output may arrive before Send returns
		s.detector.Begin(s.now(), "")
		if err := drv.Send([]byte(text + "\r")); err != nil {
			return ports.Completion{}, err
		}
	}
	s.instructionsQueued = false
	s.turnActive = true

	c, _, err := s.wait(ctx, cancelCh, turn, true)
	if c.Done {
		s.turnActive = false
	}
	return c, err
}

func (s *Session) effortFor(cmd domain.Command) string {
	if cmd.Effort != "" {
		return cmd.Effort
	}
	_, effort := domain.ParseModelEffort(s.cfg.Model)
	return effort
}

// ensureDriver respawns the agent after it was force-stopped
func (s *Session) ensureDriver(ctx context.Context) error {
	if drv := s.currentDriver(); drv != nil {
		return nil
	}
	return s.spawnDriver(ctx)
}

func (s *Session) spawnDriver(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	cfg.ResumeThreadID = s.threadID
	s.mu.Unlock()

	drv, err := s.factory.NewDriver(cfg)
	if err != nil {
		return fmt.Errorf("failed to build driver: %w", err)
	}
	if err := drv.Start(ctx); err != nil {
		drv.Terminate()
		return fmt.Errorf("failed to start agent for session %s: %w", s.key, err)
	}

	s.mu.Lock()
	s.driver = drv
	s.mu.Unlock()

	cfg.Mode = drv.Mode()
	s.detector = s.factory.NewDetector(cfg)
	s.threadOpen = false
	s.turnActive = false
	return nil
}

// dropDriver force-stops the agent; the next command respawns it
func (s *Session) dropDriver() {
	s.mu.Lock()
	drv := s.driver
	s.driver = nil
	s.mu.Unlock()

	if drv != nil {
		drv.Terminate()
	}
	s.threadOpen = false
	s.turnActive = false
}

// resetThread forgets the conversation so the next start is fresh
func (s *Session) resetThread() {
	s.mu.Lock()
	s.threadID = ""
	s.mu.Unlock()
	s.threadOpen = false
	s.instructionsQueued = s.cfg.Instructions != ""
}

type threadResult struct {
	Thread struct {
		ID string `json:"id"`
	} `json:"thread"`
}

// ensureThread starts or resumes the conversation in pipe mode
func (s *Session) ensureThread(ctx context.Context, cancelCh <-chan struct{}) error {
	if s.threadOpen {
		return nil
	}
	drv := s.currentDriver()
	threadID := s.ThreadID()

	var (
		id     domain.RequestID
		err    error
		method string
	)
	if threadID != "" {
		method = "thread/resume"
		id, err = drv.Request(method, map[string]string{"threadId": threadID})
	} else {
		method = "thread/start"
		id, err = drv.Request(method, s.threadParams())
	}
	if err != nil {
		return err
	}

	_, resp, err := s.wait(ctx, cancelCh, id, false)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		if domain.IsSessionNotFoundMessage(resp.Error.Message) {
			return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, resp.Error.Message)
		}
		return fmt.Errorf("%s failed: %w", method, resp.Error)
	}

	var result threadResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			logging.Logger.Warn("Unexpected thread result", "session", s.key, "method", method, "error", err)
		}
	}
	if result.Thread.ID != "" {
		threadID = result.Thread.ID
	}
	s.setThread(threadID)
	s.threadOpen = true
	return nil
}

func (s *Session) threadParams() map[string]any {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	params := map[string]any{"approvalPolicy": cfg.ApprovalPolicy}
	if cfg.Cwd != "" {
		params["cwd"] = cfg.Cwd
	}
	if cfg.Sandbox != "" {
		params["sandbox"] = cfg.Sandbox
	}
	if base, _ := domain.ParseModelEffort(cfg.Model); base != "" {
		params["model"] = base
	}
	return params
}

// wait pumps driver events until the detector reports completion or, when
// want is set, until the response to want arrives
func (s *Session) wait(ctx context.Context, cancelCh <-chan struct{}, want domain.RequestID, detect bool) (ports.Completion, *domain.Response, error) {
	drv := s.currentDriver()
	events := drv.Events()

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return ports.Completion{}, nil, domain.ErrSessionTerminated
		case <-cancelCh:
			return ports.Completion{}, nil, errCancelled
		case <-ctx.Done():
			return ports.Completion{}, nil, ctx.Err()
		case <-ticker.C:
			if detect {
				if c := s.detector.Tick(s.now()); c.Done {
					return c, nil, c.Err
				}
			}
		case ev, ok := <-events:
			if !ok {
				return ports.Completion{}, nil, s.exitError()
			}
			s.observe(ev)

			switch ev.Kind {
			case domain.EventRequest:
				if err := s.handleApproval(ctx, cancelCh, ev.Request); err != nil {
					return ports.Completion{}, nil, err
				}
				s.setState(domain.StateBusy, nil)
				continue
			case domain.EventResponse:
				if !detect && ev.Response.ID == want {
					return ports.Completion{}, ev.Response, nil
				}
				if detect && ev.Response.ID == want {
					s.noteTurn(ev.Response)
				}
			}

			if detect {
				if c := s.detector.Observe(ev); c.Done {
					return c, nil, c.Err
				}
			}
		}
	}
}

// observe publishes an event and picks up facts the session tracks
func (s *Session) observe(ev domain.ProtocolEvent) {
	s.touch()
	s.publish(domain.SessionEvent{Kind: domain.SessionEventProtocol, Protocol: &ev})

	if ev.Kind == domain.EventRawOutput {
		if m := terminalSessionID.FindSubmatch(ev.Raw); m != nil {
			s.setThread(string(m[1]))
		}
	}
	if ev.Kind == domain.EventParseError {
		logging.Logger.Debug("Agent emitted malformed message", "session", s.key, "reason", ev.ParseError.Reason)
	}
}

func (s *Session) noteTurn(resp *domain.Response) {
	var result struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if resp.Error == nil && len(resp.Result) > 0 && json.Unmarshal(resp.Result, &result) == nil {
		s.turnID = result.Turn.ID
	}
}

// handleApproval blocks this command until the request is resolved
func (s *Session) handleApproval(ctx context.Context, cancelCh <-chan struct{}, req *domain.Request) error {
	s.mu.Lock()
	policy := s.cfg.ApprovalPolicy
	s.mu.Unlock()

	a := s.bridge.Open(s.key, req, policy)
	pending := a.Pending()
	s.setState(domain.StateAwaitingApproval, nil)
	s.publish(domain.SessionEvent{Kind: domain.SessionEventApproval, Approval: &pending})

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-cancelCh:
			cancel()
		case <-s.stop:
			cancel()
		case <-actx.Done():
		}
	}()

	res, _ := s.bridge.Await(actx, a)
	s.publish(domain.SessionEvent{Kind: domain.SessionEventApproval, Approval: &pending, Resolution: &res})

	drv := s.currentDriver()
	if drv == nil {
		return domain.ErrProcessClosed
	}
	if err := drv.Reply(req.ID, res.Verb, res.Payload); err != nil {
		return fmt.Errorf("failed to reply to %s: %w", req.Method, err)
	}
	return nil
}

// settle interrupts the running turn and waits for the agent to quiesce,
// force-stopping it after the cancel grace period
func (s *Session) settle() {
	drv := s.currentDriver()
	if drv == nil || !s.turnActive {
		return
	}

	if err := s.interruptTurn(drv); err != nil {
		logging.Logger.Warn("Interrupt failed, stopping agent", "session", s.key, "error", err)
		s.dropDriver()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CancelGrace)
	defer cancel()

	_, _, err := s.wait(ctx, nil, "", true)
	switch {
	case err == nil, errors.Is(err, domain.ErrSessionNotFound):
		s.turnActive = false
	case errors.Is(err, domain.ErrSessionTerminated):
	default:
		logging.Logger.Warn("Agent did not quiesce, stopping it", "session", s.key, "error", err)
		s.dropDriver()
	}
}

// interruptTurn prefers the protocol's own interrupt in pipe mode
func (s *Session) interruptTurn(drv ports.ProcessDriver) error {
	if drv.Mode() == domain.ModePipe && s.turnID != "" {
		_, err := drv.Request("turn/interrupt", map[string]string{
			"threadId": s.ThreadID(),
			"turnId":   s.turnID,
		})
		return err
	}
	return drv.Interrupt()
}

func (s *Session) exitError() error {
	drv := s.currentDriver()
	if drv == nil {
		return domain.ErrProcessClosed
	}
	select {
	case <-drv.Done():
		if err := drv.Err(); err != nil {
			return fmt.Errorf("%w: agent exited: %v", domain.ErrProcessClosed, err)
		}
	default:
	}
	return fmt.Errorf("%w: agent output ended", domain.ErrProcessClosed)
}

// fail marks the session failed; the runner then terminates it
func (s *Session) fail(err error) {
	logging.Logger.Error("Session failed", "session", s.key, "error", err)
	s.setState(domain.StateFailed, fmt.Errorf("%w: %v", domain.ErrSessionFatal, err))
}

// shutdown releases everything the session owns
func (s *Session) shutdown() {
	s.dropDriver()
	s.bridge.Forget(s.key)

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running != "" {
		s.finish(running, domain.ItemCancelled, "", domain.ErrSessionTerminated)
	}
	s.cancelPending(domain.ErrSessionTerminated.Error())

	s.setState(domain.StateTerminated, nil)

	s.mu.Lock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mu.Unlock()

	logging.Logger.Info("Session terminated", "session", s.key)
	close(s.exited)
}
