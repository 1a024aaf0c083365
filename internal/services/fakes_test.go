package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/renato0307/tether/internal/adapters/agent"
	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/ports"
)

type fakeRequest struct {
	ID     domain.RequestID
	Method string
	Params map[string]any
}

type fakeReply struct {
	ID     domain.RequestID
	Result string
	Verb   string
}

// fakeDriver is an in-memory agent. Hooks run synchronously inside the
// call that triggers them and may emit events.
type fakeDriver struct {
	cfg    domain.SessionConfig
	done   chan struct{}
	events chan domain.ProtocolEvent
	mode   domain.DriverMode

	onInterrupt func(d *fakeDriver)
	onReply     func(d *fakeDriver, id domain.RequestID, verb string)
	onRequest   func(d *fakeDriver, id domain.RequestID, method string, params map[string]any)
	onSend      func(d *fakeDriver, input string)
	startErr    error

	mu         sync.Mutex
	closed     bool
	interrupts int
	nextID     int
	replies    []fakeReply
	requests   []fakeRequest
	sent       []string
	terminated bool
}

var _ ports.ProcessDriver = (*fakeDriver)(nil)

func newFakeDriver(cfg domain.SessionConfig) *fakeDriver {
	mode := cfg.Mode
	if mode == "" {
		mode = domain.ModePipe
	}
	return &fakeDriver{
		cfg:    cfg,
		done:   make(chan struct{}),
		events: make(chan domain.ProtocolEvent, 1024),
		mode:   mode,
	}
}

func (d *fakeDriver) Start(context.Context) error { return d.startErr }
func (d *fakeDriver) Mode() domain.DriverMode      { return d.mode }
func (d *fakeDriver) Done() <-chan struct{}        { return d.done }
func (d *fakeDriver) Err() error                   { return nil }
func (d *fakeDriver) PID() int                     { return 4242 }

func (d *fakeDriver) Events() <-chan domain.ProtocolEvent { return d.events }

func (d *fakeDriver) Send(input []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return domain.ErrProcessClosed
	}
	d.sent = append(d.sent, string(input))
	hook := d.onSend
	d.mu.Unlock()

	if hook != nil {
		hook(d, string(input))
	}
	return nil
}

func (d *fakeDriver) Request(method string, params any) (domain.RequestID, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", domain.ErrProcessClosed
	}
	d.nextID++
	id := domain.NewRequestID(d.nextID)

	var decoded map[string]any
	if data, err := json.Marshal(params); err == nil {
		_ = json.Unmarshal(data, &decoded)
	}
	d.requests = append(d.requests, fakeRequest{ID: id, Method: method, Params: decoded})
	hook := d.onRequest
	d.mu.Unlock()

	if hook != nil {
		hook(d, id, method, decoded)
	}
	return id, nil
}

func (d *fakeDriver) Reply(id domain.RequestID, verb string, result any) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return domain.ErrProcessClosed
	}
	data, _ := json.Marshal(result)
	d.replies = append(d.replies, fakeReply{ID: id, Result: string(data), Verb: verb})
	hook := d.onReply
	d.mu.Unlock()

	if hook != nil {
		hook(d, id, verb)
	}
	return nil
}

func (d *fakeDriver) Interrupt() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return domain.ErrProcessClosed
	}
	d.interrupts++
	hook := d.onInterrupt
	d.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return nil
}

func (d *fakeDriver) Terminate() error {
	d.mu.Lock()
	d.terminated = true
	d.mu.Unlock()
	d.shut()
	return nil
}

// crash ends the event stream as if the process died
func (d *fakeDriver) crash() {
	d.shut()
}

func (d *fakeDriver) shut() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.events)
	close(d.done)
}

func (d *fakeDriver) emit(ev domain.ProtocolEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	ev.At = time.Now()
	d.events <- ev
}

func (d *fakeDriver) respond(id domain.RequestID, result string) {
	d.emit(domain.ProtocolEvent{
		Kind:     domain.EventResponse,
		Response: &domain.Response{ID: id, Result: json.RawMessage(result)},
	})
}

func (d *fakeDriver) respondError(id domain.RequestID, msg string) {
	d.emit(domain.ProtocolEvent{
		Kind:     domain.EventResponse,
		Response: &domain.Response{ID: id, Error: &domain.RPCError{Code: -32000, Message: msg}},
	})
}

func (d *fakeDriver) notify(method, params string) {
	d.emit(domain.ProtocolEvent{
		Kind: domain.EventNotification,
		Notification: &domain.Notification{
			Method: method,
			Params: json.RawMessage(params),
			Type:   domain.NotificationTypeFor(method),
		},
	})
}

func (d *fakeDriver) request(id int, method, params string) domain.RequestID {
	rid := domain.NewRequestID(id)
	d.emit(domain.ProtocolEvent{
		Kind:    domain.EventRequest,
		Request: &domain.Request{ID: rid, Method: method, Params: json.RawMessage(params)},
	})
	return rid
}

func (d *fakeDriver) raw(line string) {
	d.emit(domain.ProtocolEvent{Kind: domain.EventRawOutput, Raw: []byte(line)})
}

func (d *fakeDriver) methods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.requests))
	for _, r := range d.requests {
		out = append(out, r.Method)
	}
	return out
}

func (d *fakeDriver) requestsFor(method string) []fakeRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []fakeRequest
	for _, r := range d.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (d *fakeDriver) sentInputs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func (d *fakeDriver) replyLog() []fakeReply {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]fakeReply(nil), d.replies...)
}

func (d *fakeDriver) wasTerminated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminated
}

// fakeFactory hands out fake drivers and real completion detectors
type fakeFactory struct {
	idle  agent.IdleConfig
	setup func(n int, d *fakeDriver)

	mu      sync.Mutex
	drivers []*fakeDriver
}

var _ ports.DriverFactory = (*fakeFactory)(nil)

func (f *fakeFactory) NewDriver(cfg domain.SessionConfig) (ports.ProcessDriver, error) {
	d := newFakeDriver(cfg)

	f.mu.Lock()
	n := len(f.drivers)
	f.drivers = append(f.drivers, d)
	f.mu.Unlock()

	if f.setup != nil {
		f.setup(n, d)
	}
	return d, nil
}

func (f *fakeFactory) NewDetector(cfg domain.SessionConfig) ports.CompletionDetector {
	if cfg.Mode == domain.ModeTerminal {
		idle := f.idle
		idle.Resuming = cfg.ResumeThreadID != ""
		return agent.NewIdleCompletion(idle)
	}
	return agent.NewProtocolCompletion()
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drivers)
}

func (f *fakeFactory) driver(t *testing.T, n int) *fakeDriver {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.drivers), n, "driver %d was never built", n)
	return f.drivers[n]
}

// codexScript answers requests the way the app-server does
type codexScript struct {
	deltas          []string
	hold            chan struct{}
	ignoreInterrupt bool
	resumeErr       string
	threadID        string
	turnErr         string
	turnFailure     string

	mu       sync.Mutex
	inFlight int
	maxTurns int
}

func (c *codexScript) install(d *fakeDriver) {
	d.onRequest = func(d *fakeDriver, id domain.RequestID, method string, params map[string]any) {
		switch method {
		case "thread/start":
			d.respond(id, fmt.Sprintf(`{"thread":{"id":%q}}`, c.threadID))
		case "thread/resume":
			if c.resumeErr != "" {
				d.respondError(id, c.resumeErr)
				return
			}
			d.respond(id, fmt.Sprintf(`{"thread":{"id":%q}}`, params["threadId"]))
		case "turn/start":
			if c.turnErr != "" {
				d.respondError(id, c.turnErr)
				return
			}
			d.respond(id, `{"turn":{"id":"turn-1"}}`)

			c.mu.Lock()
			c.inFlight++
			c.maxTurns = max(c.maxTurns, c.inFlight)
			c.mu.Unlock()

			if c.hold == nil {
				c.complete(d)
				return
			}
			go func() {
				<-c.hold
				c.complete(d)
			}()
		case "turn/interrupt":
			if !c.ignoreInterrupt {
				c.mu.Lock()
				c.inFlight--
				c.mu.Unlock()
				d.notify("turn/completed", `{"turn":{"status":"interrupted"}}`)
			}
		}
	}
}

func (c *codexScript) complete(d *fakeDriver) {
	for _, delta := range c.deltas {
		d.notify("item/agentMessage/delta", fmt.Sprintf(`{"delta":%q}`, delta))
	}

	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()

	if c.turnFailure != "" {
		d.notify("turn/completed", fmt.Sprintf(`{"turn":{"status":"failed","error":{"message":%q}}}`, c.turnFailure))
		return
	}
	d.notify("turn/completed", `{"turn":{"status":"completed"}}`)
}

func (c *codexScript) peak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxTurns
}

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeHistory records what the pool writes
type fakeHistory struct {
	mu       sync.Mutex
	commands []ports.CommandRecord
	deleted  []string
	threads  map[string]ports.ThreadRecord
}

var _ ports.HistoryStore = (*fakeHistory)(nil)

func newFakeHistory() *fakeHistory {
	return &fakeHistory{threads: make(map[string]ports.ThreadRecord)}
}

func (h *fakeHistory) ListCommands(_ context.Context, key string, limit int) ([]ports.CommandRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []ports.CommandRecord
	for _, c := range h.commands {
		if c.SessionKey == key {
			out = append(out, c)
		}
	}
	return out, nil
}

func (h *fakeHistory) ListCommandsSince(_ context.Context, since time.Time) ([]ports.CommandRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []ports.CommandRecord
	for _, c := range h.commands {
		if !c.CompletedAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (h *fakeHistory) LoadThread(_ context.Context, key string) (*ports.ThreadRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.threads[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (h *fakeHistory) DeleteThread(_ context.Context, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.threads, key)
	h.deleted = append(h.deleted, key)
	return nil
}

func (h *fakeHistory) RecordCommand(_ context.Context, rec ports.CommandRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, rec)
	return nil
}

func (h *fakeHistory) SaveThread(_ context.Context, rec ports.ThreadRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.threads[rec.SessionKey] = rec
	return nil
}

func (h *fakeHistory) Close() error { return nil }

func (h *fakeHistory) commandCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.commands)
}

// waitForStatus polls until the item reaches status
func waitForStatus(t *testing.T, s *Session, id string, status domain.ItemStatus) domain.QueueItem {
	t.Helper()
	var item domain.QueueItem
	require.Eventually(t, func() bool {
		var err error
		item, err = s.Item(id)
		return err == nil && item.Status == status
	}, 3*time.Second, 5*time.Millisecond, "item %s never reached %s", id, status)
	return item
}
