package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/ports"
)

const defaultMaxOutput = 256 * 1024

// ProtocolCompletion finishes a command on an explicit turn/completed
// notification or an error response to the request that started it
type ProtocolCompletion struct {
	lastErr string
	output  strings.Builder
	turn    domain.RequestID
}

// Verify interface compliance at compile time
var _ ports.CompletionDetector = (*ProtocolCompletion)(nil)

// NewProtocolCompletion creates a detector for pipe-mode agents
func NewProtocolCompletion() *ProtocolCompletion {
	return &ProtocolCompletion{}
}

// Begin resets the detector for the turn started by the given request
func (c *ProtocolCompletion) Begin(_ time.Time, turn domain.RequestID) {
	c.turn = turn
	c.lastErr = ""
	c.output.Reset()
}

type turnParams struct {
	Delta string `json:"delta"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Turn *struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Status string `json:"status"`
	} `json:"turn"`
	WillRetry bool `json:"willRetry"`
}

// Observe inspects one event
func (c *ProtocolCompletion) Observe(ev domain.ProtocolEvent) ports.Completion {
	switch ev.Kind {
	case domain.EventNotification:
		return c.observeNotification(ev.Notification)
	case domain.EventResponse:
		if c.turn != "" && ev.Response.ID == c.turn && ev.Response.Error != nil {
			return ports.Completion{Done: true, Err: classify(ev.Response.Error.Message, ev.Response.Error), Output: c.output.String()}
		}
	}
	return ports.Completion{}
}

func (c *ProtocolCompletion) observeNotification(n *domain.Notification) ports.Completion {
	var params turnParams
	if len(n.Params) > 0 {
		// Shapes vary by method; unknown fields stay zero
		_ = json.Unmarshal(n.Params, &params)
	}

	switch n.Type {
	case domain.NotifyAgentMessageDelta:
		c.output.WriteString(params.Delta)
	case domain.NotifyError:
		if params.Error != nil && !params.WillRetry {
			c.lastErr = params.Error.Message
		}
	case domain.NotifyTurnCompleted:
		done := ports.Completion{Done: true, Output: c.output.String()}
		if params.Turn == nil {
			return done
		}
		switch params.Turn.Status {
		case "interrupted":
			done.Interrupted = true
		case "failed":
			msg := c.lastErr
			if params.Turn.Error != nil && params.Turn.Error.Message != "" {
				msg = params.Turn.Error.Message
			}
			if msg == "" {
				msg = "turn failed"
			}
			done.Err = classify(msg, nil)
		}
		return done
	}
	return ports.Completion{}
}

// Tick never fires; completion is explicit in pipe mode
func (c *ProtocolCompletion) Tick(time.Time) ports.Completion {
	return ports.Completion{}
}

func classify(msg string, cause error) error {
	if domain.IsSessionNotFoundMessage(msg) {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, msg)
	}
	if cause != nil {
		return cause
	}
	return fmt.Errorf("%s", msg)
}

// DefaultPromptPatterns mark the interactive prompt returning after a command.
// They match the tail of any line, so agent prose ending in "?" or markup
// ending in ">" also completes the command early. Settings can replace them
// with patterns anchored to the agent's real prompt.
var DefaultPromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`>\s*(?:\x1b\[[0-9;]*[a-zA-Z])*\s*$`),
	regexp.MustCompile(`\?\s*$`),
}

// CompilePromptPatterns compiles user supplied prompt patterns. An empty
// list yields nil so the defaults apply.
func CompilePromptPatterns(exprs []string) ([]*regexp.Regexp, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid prompt pattern %q: %w", expr, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// IdleConfig tunes IdleCompletion
type IdleConfig struct {
	MaxOutput      int
	PromptPatterns []*regexp.Regexp
	QuietInterval  time.Duration
	// Resuming is set when the agent was started to resume a conversation
	Resuming bool
}

// IdleCompletion infers completion of terminal-mode commands: a prompt
// pattern on fresh output, or no output for the quiet interval after some
// output was seen. It is a heuristic; slow output can look finished.
type IdleCompletion struct {
	began    time.Time
	begun    bool
	cfg      IdleConfig
	last     time.Time
	output   []byte
	resuming bool
	saw      bool
}

// Verify interface compliance at compile time
var _ ports.CompletionDetector = (*IdleCompletion)(nil)

// NewIdleCompletion creates a detector for terminal-mode agents
func NewIdleCompletion(cfg IdleConfig) *IdleCompletion {
	if cfg.QuietInterval <= 0 {
		cfg.QuietInterval = DefaultQuietInterval
	}
	if cfg.PromptPatterns == nil {
		cfg.PromptPatterns = DefaultPromptPatterns
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutput
	}
	return &IdleCompletion{cfg: cfg, resuming: cfg.Resuming}
}

// Begin resets the detector at the moment the command was written
func (c *IdleCompletion) Begin(now time.Time, _ domain.RequestID) {
	c.began = now
	c.begun = true
	c.last = now
	c.output = nil
	c.saw = false
}

// Observe inspects one event
func (c *IdleCompletion) Observe(ev domain.ProtocolEvent) ports.Completion {
	if c.resuming && ev.Kind == domain.EventRawOutput {
		if domain.IsSessionNotFoundMessage(string(ev.Raw)) {
			c.resuming = false
			return ports.Completion{Done: true, Err: fmt.Errorf("%w: %s", domain.ErrSessionNotFound, strings.TrimSpace(string(ev.Raw))), Output: string(c.output)}
		}
		// The resumed conversation answered the first command
		if c.begun && !ev.At.Before(c.began) {
			c.resuming = false
		}
	}
	if ev.At.Before(c.began) {
		return ports.Completion{}
	}

	switch ev.Kind {
	case domain.EventRawOutput:
		c.saw = true
		c.last = ev.At
		c.appendOutput(ev.Raw)

		for _, re := range c.cfg.PromptPatterns {
			if re.Match(ev.Raw) {
				return ports.Completion{Done: true, Output: string(c.output)}
			}
		}
	case domain.EventNotification:
		c.last = ev.At
		if ev.Notification.Type == domain.NotifyTurnCompleted {
			return ports.Completion{Done: true, Output: string(c.output)}
		}
	default:
		c.last = ev.At
	}
	return ports.Completion{}
}

// Tick fires once output has gone quiet for the configured interval
func (c *IdleCompletion) Tick(now time.Time) ports.Completion {
	if c.saw && now.Sub(c.last) >= c.cfg.QuietInterval {
		return ports.Completion{Done: true, Output: string(c.output)}
	}
	return ports.Completion{}
}

func (c *IdleCompletion) appendOutput(line []byte) {
	c.output = append(c.output, line...)
	c.output = append(c.output, '\n')
	if over := len(c.output) - c.cfg.MaxOutput; over > 0 {
		c.output = c.output[over:]
	}
}
