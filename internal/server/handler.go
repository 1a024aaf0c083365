package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/logging"
)

const maxRequestSize = 1024 * 1024

var (
	errBadRequest    = errors.New("bad request")
	errUnknownMethod = errors.New("unknown method")
)

// Broker is what the control protocol drives. *services.Pool satisfies it.
type Broker interface {
	Cancel(key, itemID string) error
	Decide(key string, id domain.RequestID, decision domain.Decision) bool
	Interrupt(key string) (bool, error)
	InterruptByPrefix(channel string) int
	Items(key string) ([]domain.QueueItem, error)
	List() []domain.SessionSummary
	Pending(key string) []domain.PendingApproval
	Reset(key string) bool
	ResetByPrefix(channel string) int
	Resize(key string, rows, cols uint16) error
	Status(key string) (domain.SessionSummary, error)
	Submit(ctx context.Context, key string, text string, override *domain.SessionConfig) (domain.QueueItem, error)
	Subscribe(ctx context.Context, key string) (<-chan domain.SessionEvent, func(), error)
	Sweep() []string
}

type request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type response struct {
	Error  *responseError  `json:"error,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
}

type eventMessage struct {
	Event WireEvent `json:"event"`
}

type handlerFunc func(ctx context.Context, c *conn, params json.RawMessage) (any, error)

var handlers = map[string]handlerFunc{
	"cancel":      handleCancel,
	"decide":      handleDecide,
	"interrupt":   handleInterrupt,
	"list":        handleList,
	"reset":       handleReset,
	"resize":      handleResize,
	"status":      handleStatus,
	"submit":      handleSubmit,
	"subscribe":   handleSubscribe,
	"sweep":       handleSweep,
	"unsubscribe": handleUnsubscribe,
}

type subscription struct {
	cancel func()
}

// conn is one control client. Requests are handled in arrival order;
// subscribed events are interleaved with responses.
type conn struct {
	broker Broker
	id     string

	writeMu sync.Mutex
	enc     *json.Encoder

	subsMu sync.Mutex
	subs   map[string]*subscription
	wg     sync.WaitGroup
}

func newConn(broker Broker, w io.Writer, id string) *conn {
	return &conn{
		broker: broker,
		enc:    json.NewEncoder(w),
		id:     id,
		subs:   make(map[string]*subscription),
	}
}

// serve reads requests until r is exhausted
func (c *conn) serve(ctx context.Context, r io.Reader) error {
	defer func() {
		c.unsubscribeAll()
		c.wg.Wait()
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxRequestSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.dispatch(ctx, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}
	return nil
}

func (c *conn) dispatch(ctx context.Context, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		c.reply(nil, nil, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	handler, ok := handlers[req.Method]
	if !ok {
		c.reply(req.ID, nil, fmt.Errorf("%w: %q", errUnknownMethod, req.Method))
		return
	}

	logging.Logger.Debug("Control request", "conn", c.id, "method", req.Method)
	result, err := handler(ctx, c, req.Params)
	c.reply(req.ID, result, err)
}

func (c *conn) reply(id json.RawMessage, result any, err error) {
	resp := response{ID: id}
	if err != nil {
		resp.Error = &responseError{Code: errorCode(err), Message: err.Error()}
	} else {
		resp.Result = result
	}
	c.send(resp)
}

func (c *conn) send(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enc.Encode(v); err != nil {
		logging.Logger.Debug("Failed to write to control client", "conn", c.id, "error", err)
	}
}

func (c *conn) subscribe(ctx context.Context, key string) error {
	c.subsMu.Lock()
	_, exists := c.subs[key]
	c.subsMu.Unlock()
	if exists {
		return nil
	}

	ch, cancel, err := c.broker.Subscribe(ctx, key)
	if err != nil {
		return err
	}

	sub := &subscription{cancel: cancel}
	c.subsMu.Lock()
	c.subs[key] = sub
	c.subsMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range ch {
			c.send(eventMessage{Event: ToWireEvent(ev)})
		}

		// The session ended; forget the subscription unless it was replaced
		c.subsMu.Lock()
		if c.subs[key] == sub {
			delete(c.subs, key)
		}
		c.subsMu.Unlock()
	}()
	return nil
}

func (c *conn) unsubscribe(key string) bool {
	c.subsMu.Lock()
	sub, ok := c.subs[key]
	delete(c.subs, key)
	c.subsMu.Unlock()

	if ok {
		sub.cancel()
	}
	return ok
}

func (c *conn) unsubscribeAll() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.subsMu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errBadRequest):
		return "bad_request"
	case errors.Is(err, errUnknownMethod):
		return "unknown_method"
	case errors.Is(err, domain.ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, domain.ErrItemNotFound):
		return "item_not_found"
	case errors.Is(err, domain.ErrPoolFull):
		return "pool_full"
	case errors.Is(err, domain.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, domain.ErrSessionTerminated):
		return "session_terminated"
	case errors.Is(err, domain.ErrSessionFatal):
		return "session_fatal"
	case errors.Is(err, domain.ErrStartupTimeout):
		return "startup_timeout"
	default:
		return "internal"
	}
}

// Params

type keyParams struct {
	Channel string `json:"channel,omitempty"`
	Key     string `json:"key,omitempty"`
	Thread  string `json:"thread,omitempty"`
}

// sessionKey resolves an explicit key, or channel plus optional thread
func (p keyParams) sessionKey() (string, error) {
	if p.Key != "" {
		return p.Key, nil
	}
	if p.Channel == "" {
		return "", fmt.Errorf("%w: key or channel is required", errBadRequest)
	}
	return domain.SessionKey(p.Channel, p.Thread), nil
}

// channelOnly reports whether the params address a whole channel
func (p keyParams) channelOnly() bool {
	return p.Key == "" && p.Thread == "" && p.Channel != ""
}

type wireConfig struct {
	ApprovalPolicy string   `json:"approval_policy,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	ExtraArgs      []string `json:"extra_args,omitempty"`
	Instructions   string   `json:"instructions,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	Model          string   `json:"model,omitempty"`
	ResumeThreadID string   `json:"resume_thread_id,omitempty"`
	Sandbox        string   `json:"sandbox,omitempty"`
}

func (w *wireConfig) toDomain() *domain.SessionConfig {
	if w == nil {
		return nil
	}
	cfg := &domain.SessionConfig{
		Cwd:            w.Cwd,
		ExtraArgs:      w.ExtraArgs,
		Instructions:   w.Instructions,
		Mode:           domain.DriverMode(w.Mode),
		Model:          w.Model,
		ResumeThreadID: w.ResumeThreadID,
		Sandbox:        w.Sandbox,
	}
	if w.ApprovalPolicy != "" {
		cfg.ApprovalPolicy = domain.NormalizeApprovalPolicy(w.ApprovalPolicy)
	}
	return cfg
}

type submitParams struct {
	keyParams
	Config *wireConfig `json:"config,omitempty"`
	Text   string      `json:"text"`
}

type decideParams struct {
	keyParams
	Answers   map[string][]string `json:"answers,omitempty"`
	Approved  bool                `json:"approved"`
	RequestID domain.RequestID    `json:"request_id"`
}

type itemParams struct {
	keyParams
	ItemID string `json:"item_id"`
}

type resizeParams struct {
	keyParams
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// Results

type countResult struct {
	Count int `json:"count"`
}

type statusResult struct {
	Items   []domain.QueueItem       `json:"items"`
	Pending []domain.PendingApproval `json:"pending"`
	Session domain.SessionSummary    `json:"session"`
}

// Handlers

func handleSubmit(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p submitParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	key, err := p.sessionKey()
	if err != nil {
		return nil, err
	}
	if p.Text == "" {
		return nil, fmt.Errorf("%w: text is required", errBadRequest)
	}
	return c.broker.Submit(ctx, key, p.Text, p.Config.toDomain())
}

func handleSubscribe(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p keyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	key, err := p.sessionKey()
	if err != nil {
		return nil, err
	}
	if err := c.subscribe(ctx, key); err != nil {
		return nil, err
	}
	return map[string]string{"subscribed": key}, nil
}

func handleUnsubscribe(_ context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p keyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	key, err := p.sessionKey()
	if err != nil {
		return nil, err
	}
	return map[string]bool{"unsubscribed": c.unsubscribe(key)}, nil
}

func handleDecide(_ context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p decideParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	key, err := p.sessionKey()
	if err != nil {
		return nil, err
	}
	if p.RequestID == "" {
		return nil, fmt.Errorf("%w: request_id is required", errBadRequest)
	}
	accepted := c.broker.Decide(key, p.RequestID, domain.Decision{Answers: p.Answers, Approved: p.Approved})
	return map[string]bool{"accepted": accepted}, nil
}

func handleStatus(_ context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p keyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	key, err := p.sessionKey()
	if err != nil {
		return nil, err
	}
	summary, err := c.broker.Status(key)
	if err != nil {
		return nil, err
	}
	items, err := c.broker.Items(key)
	if err != nil {
		return nil, err
	}
	pending := c.broker.Pending(key)
	if pending == nil {
		pending = []domain.PendingApproval{}
	}
	return statusResult{Items: items, Pending: pending, Session: summary}, nil
}

func handleCancel(_ context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p itemParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	key, err := p.sessionKey()
	if err != nil {
		return nil, err
	}
	if p.ItemID == "" {
		return nil, fmt.Errorf("%w: item_id is required", errBadRequest)
	}
	if err := c.broker.Cancel(key, p.ItemID); err != nil {
		return nil, err
	}
	return map[string]bool{"cancelled": true}, nil
}

func handleInterrupt(_ context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p keyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.channelOnly() {
		return countResult{Count: c.broker.InterruptByPrefix(p.Channel)}, nil
	}
	key, err := p.sessionKey()
	if err != nil {
		return nil, err
	}
	interrupted, err := c.broker.Interrupt(key)
	if err != nil {
		return nil, err
	}
	if interrupted {
		return countResult{Count: 1}, nil
	}
	return countResult{}, nil
}

func handleReset(_ context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p keyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.channelOnly() {
		return countResult{Count: c.broker.ResetByPrefix(p.Channel)}, nil
	}
	key, err := p.sessionKey()
	if err != nil {
		return nil, err
	}
	if c.broker.Reset(key) {
		return countResult{Count: 1}, nil
	}
	return countResult{}, nil
}

func handleResize(_ context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p resizeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	key, err := p.sessionKey()
	if err != nil {
		return nil, err
	}
	if p.Rows == 0 || p.Cols == 0 {
		return nil, fmt.Errorf("%w: rows and cols are required", errBadRequest)
	}
	if err := c.broker.Resize(key, p.Rows, p.Cols); err != nil {
		return nil, err
	}
	return map[string]bool{"resized": true}, nil
}

func handleList(_ context.Context, c *conn, _ json.RawMessage) (any, error) {
	sessions := c.broker.List()
	if sessions == nil {
		sessions = []domain.SessionSummary{}
	}
	return map[string][]domain.SessionSummary{"sessions": sessions}, nil
}

func handleSweep(_ context.Context, c *conn, _ json.RawMessage) (any, error) {
	evicted := c.broker.Sweep()
	if evicted == nil {
		evicted = []string{}
	}
	return map[string][]string{"evicted": evicted}, nil
}

// Events

type wireProtocol struct {
	Error  *domain.RPCError        `json:"error,omitempty"`
	ID     domain.RequestID        `json:"id,omitempty"`
	Kind   domain.EventKind        `json:"kind"`
	Method string                  `json:"method,omitempty"`
	Params json.RawMessage         `json:"params,omitempty"`
	Reason string                  `json:"reason,omitempty"`
	Result json.RawMessage         `json:"result,omitempty"`
	Text   string                  `json:"text,omitempty"`
	Type   domain.NotificationType `json:"type,omitempty"`
}

type wireResolution struct {
	Method    string                  `json:"method"`
	RequestID domain.RequestID        `json:"request_id"`
	Source    domain.ResolutionSource `json:"source"`
	Verb      string                  `json:"verb"`
}

// WireEvent is the JSON form of a session event sent to clients
type WireEvent struct {
	Approval   *domain.PendingApproval `json:"approval,omitempty"`
	At         time.Time               `json:"at"`
	Error      string                  `json:"error,omitempty"`
	Item       *domain.QueueItem       `json:"item,omitempty"`
	Kind       domain.SessionEventKind `json:"kind"`
	Protocol   *wireProtocol           `json:"protocol,omitempty"`
	Resolution *wireResolution         `json:"resolution,omitempty"`
	SessionKey string                  `json:"session_key"`
	State      domain.SessionState     `json:"state,omitempty"`
}

// ToWireEvent converts a session event to its JSON form
func ToWireEvent(ev domain.SessionEvent) WireEvent {
	w := WireEvent{
		Approval:   ev.Approval,
		At:         ev.At,
		Error:      ev.Error,
		Item:       ev.Item,
		Kind:       ev.Kind,
		SessionKey: ev.SessionKey,
		State:      ev.State,
	}
	if ev.Resolution != nil {
		w.Resolution = &wireResolution{
			Method:    ev.Resolution.Method,
			RequestID: ev.Resolution.RequestID,
			Source:    ev.Resolution.Source,
			Verb:      ev.Resolution.Verb,
		}
	}
	if ev.Protocol != nil {
		w.Protocol = toWireProtocol(*ev.Protocol)
	}
	return w
}

func toWireProtocol(ev domain.ProtocolEvent) *wireProtocol {
	p := &wireProtocol{Kind: ev.Kind}
	switch ev.Kind {
	case domain.EventNotification:
		p.Method = ev.Notification.Method
		p.Params = validJSON(ev.Notification.Params)
		p.Type = ev.Notification.Type
	case domain.EventRequest:
		p.ID = ev.Request.ID
		p.Method = ev.Request.Method
		p.Params = validJSON(ev.Request.Params)
	case domain.EventResponse:
		p.Error = ev.Response.Error
		p.ID = ev.Response.ID
		p.Result = validJSON(ev.Response.Result)
	case domain.EventParseError:
		p.Reason = ev.ParseError.Reason
		p.Text = ev.ParseError.Line
	default:
		p.Text = string(ev.Raw)
	}
	return p
}

// validJSON drops payloads that would break the encoder
func validJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return raw
}
