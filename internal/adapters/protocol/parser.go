package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/renato0307/tether/internal/domain"
)

// DefaultMaxLineSize bounds a single buffered line
const DefaultMaxLineSize = 1024 * 1024

// Option configures a Parser
type Option func(*Parser)

// WithTerminalFilter strips ANSI escape and control sequences from each line
func WithTerminalFilter() Option {
	return func(p *Parser) { p.filter = true }
}

// WithClock injects the time source used to stamp events
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// WithMaxLineSize overrides the line size limit
func WithMaxLineSize(n int) Option {
	return func(p *Parser) { p.maxLine = n }
}

// Parser turns a line-delimited byte stream into protocol events.
// One instance per connection; it is not safe for concurrent use.
type Parser struct {
	buf      []byte
	filter   bool
	maxLine  int
	now      func() time.Time
	skipping bool
}

// NewParser creates a Parser
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		maxLine: DefaultMaxLineSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed consumes a chunk and returns the events for every line it completed
func (p *Parser) Feed(chunk []byte) []domain.ProtocolEvent {
	var events []domain.ProtocolEvent
	p.buf = append(p.buf, chunk...)

	start := 0
	for {
		i := bytes.IndexByte(p.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := p.buf[start : start+i]
		start += i + 1

		if p.skipping {
			p.skipping = false
			continue
		}
		if ev, ok := p.parseLine(line); ok {
			events = append(events, ev)
		}
	}

	rest := p.buf[start:]
	if p.skipping {
		rest = nil
	} else if len(rest) > p.maxLine {
		events = append(events, p.overflow())
		p.skipping = true
		rest = nil
	}
	p.buf = append([]byte(nil), rest...)

	return events
}

// Flush emits the trailing unterminated line, if any. Call it at EOF.
func (p *Parser) Flush() []domain.ProtocolEvent {
	line := p.buf
	skipping := p.skipping
	p.Reset()
	if skipping || len(line) == 0 {
		return nil
	}
	if ev, ok := p.parseLine(line); ok {
		return []domain.ProtocolEvent{ev}
	}
	return nil
}

// Pending returns the buffered, unterminated tail. The slice is only valid
// until the next call to Feed.
func (p *Parser) Pending() []byte {
	if p.skipping {
		return nil
	}
	return p.buf
}

// Reset drops any buffered partial line
func (p *Parser) Reset() {
	p.buf = nil
	p.skipping = false
}

// Run reads r until EOF, sending events to out in order
func (p *Parser) Run(ctx context.Context, r io.Reader, out chan<- domain.ProtocolEvent) error {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if sendErr := send(ctx, out, p.Feed(chunk[:n])); sendErr != nil {
				return sendErr
			}
		}
		if err != nil {
			if sendErr := send(ctx, out, p.Flush()); sendErr != nil {
				return sendErr
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func send(ctx context.Context, out chan<- domain.ProtocolEvent, events []domain.ProtocolEvent) error {
	for _, ev := range events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Parser) overflow() domain.ProtocolEvent {
	return domain.ProtocolEvent{
		At:   p.now(),
		Kind: domain.EventParseError,
		ParseError: &domain.ParseError{
			Reason: fmt.Sprintf("line exceeds %d bytes", p.maxLine),
		},
	}
}

// envelope captures the JSON-RPC framing fields of a line
type envelope struct {
	Error   json.RawMessage `json:"error"`
	ID      json.RawMessage `json:"id"`
	JSONRPC *string         `json:"jsonrpc"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
}

func (e *envelope) framed() bool {
	return e.JSONRPC != nil || e.Method != nil || e.ID != nil || e.Result != nil || e.Error != nil
}

func (e *envelope) hasID() bool {
	return len(e.ID) > 0 && !bytes.Equal(e.ID, []byte("null"))
}

func (p *Parser) parseLine(line []byte) (domain.ProtocolEvent, bool) {
	if len(line) > p.maxLine {
		return p.overflow(), true
	}
	line = bytes.TrimSuffix(line, []byte("\r"))
	if p.filter {
		line = []byte(ansi.Strip(string(line)))
	}
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return domain.ProtocolEvent{}, false
	}

	raw := domain.ProtocolEvent{
		At:   p.now(),
		Kind: domain.EventRawOutput,
		Raw:  append([]byte(nil), line...),
	}
	if trimmed[0] != '{' {
		return raw, true
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil || !env.framed() {
		return raw, true
	}

	ev, reason := p.classify(&env)
	if reason != "" {
		return domain.ProtocolEvent{
			At:         p.now(),
			Kind:       domain.EventParseError,
			ParseError: &domain.ParseError{Line: string(trimmed), Reason: reason},
		}, true
	}
	return ev, true
}

func (p *Parser) classify(env *envelope) (domain.ProtocolEvent, string) {
	ev := domain.ProtocolEvent{At: p.now()}

	var id domain.RequestID
	if env.hasID() {
		if err := json.Unmarshal(env.ID, &id); err != nil || !validID(env.ID) {
			return ev, "id must be a string or number"
		}
	}

	if env.Method != nil {
		method := *env.Method
		if method == "" {
			return ev, "empty method"
		}
		if env.hasID() {
			ev.Kind = domain.EventRequest
			ev.Request = &domain.Request{ID: id, Method: method, Params: env.Params}
			return ev, ""
		}
		ev.Kind = domain.EventNotification
		ev.Notification = &domain.Notification{
			Method: method,
			Params: env.Params,
			Type:   domain.NotificationTypeFor(method),
		}
		return ev, ""
	}

	if !env.hasID() {
		return ev, "message has neither method nor id"
	}
	if env.Result == nil && env.Error == nil {
		return ev, "response has neither result nor error"
	}

	resp := &domain.Response{ID: id, Result: env.Result}
	if env.Error != nil && !bytes.Equal(env.Error, []byte("null")) {
		var rpcErr domain.RPCError
		if err := json.Unmarshal(env.Error, &rpcErr); err != nil {
			return ev, "invalid error object"
		}
		resp.Error = &rpcErr
	}
	ev.Kind = domain.EventResponse
	ev.Response = resp
	return ev, ""
}

func validID(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	c := trimmed[0]
	return c == '"' || c == '-' || (c >= '0' && c <= '9')
}
