package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind discriminates the ProtocolEvent union
type EventKind string

const (
	EventNotification EventKind = "notification"
	EventParseError   EventKind = "parse_error"
	EventRawOutput    EventKind = "raw_output"
	EventRequest      EventKind = "request"
	EventResponse     EventKind = "response"
)

// NotificationType is the normalized form of a notification method
type NotificationType string

const (
	NotifyAgentMessageDelta NotificationType = "agent-message-delta"
	NotifyError             NotificationType = "error"
	NotifyItemCompleted     NotificationType = "item-completed"
	NotifyItemStarted       NotificationType = "item-started"
	NotifyOther             NotificationType = "other"
	NotifyPlanDelta         NotificationType = "plan-delta"
	NotifySessionStarted    NotificationType = "session-started"
	NotifyTurnCompleted     NotificationType = "turn-completed"
)

var notificationTypes = map[string]NotificationType{
	"error":                   NotifyError,
	"item/agentMessage/delta": NotifyAgentMessageDelta,
	"item/completed":          NotifyItemCompleted,
	"item/plan/delta":         NotifyPlanDelta,
	"item/started":            NotifyItemStarted,
	"thread/started":          NotifySessionStarted,
	"turn/completed":          NotifyTurnCompleted,
}

// NotificationTypeFor maps a wire method to its normalized type
func NotificationTypeFor(method string) NotificationType {
	if t, ok := notificationTypes[method]; ok {
		return t
	}
	return NotifyOther
}

// RequestID is a JSON-RPC id kept as its compact JSON text, so 7 and "7" stay distinct.
type RequestID string

// NewRequestID builds an id from a Go value (int or string)
func NewRequestID(v any) RequestID {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return RequestID(data)
}

// MarshalJSON writes the id back verbatim
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

// UnmarshalJSON keeps the compact raw text
func (id *RequestID) UnmarshalJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return err
	}
	*id = RequestID(buf.String())
	return nil
}

// RPCError is a JSON-RPC error object
type RPCError struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Notification is a server message without an id
type Notification struct {
	Method string
	Params json.RawMessage
	Type   NotificationType
}

// Request is a server-to-client message expecting a reply
type Request struct {
	ID     RequestID
	Method string
	Params json.RawMessage
}

// Response answers a request previously sent to the child
type Response struct {
	Error  *RPCError
	ID     RequestID
	Result json.RawMessage
}

// ParseError describes a line that looked structured but had an invalid shape
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", ErrParse.Error(), e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrParse
}

// ProtocolEvent is one typed unit parsed from child output. Exactly one
// payload matching Kind is set. Events are never mutated after creation.
type ProtocolEvent struct {
	At           time.Time
	Kind         EventKind
	Notification *Notification
	ParseError   *ParseError
	Raw          []byte
	Request      *Request
	Response     *Response
}

// IsNotification reports whether the event is a notification of the given type
func (e ProtocolEvent) IsNotification(t NotificationType) bool {
	return e.Kind == EventNotification && e.Notification != nil && e.Notification.Type == t
}

// String renders a short description for logs
func (e ProtocolEvent) String() string {
	switch e.Kind {
	case EventNotification:
		return "notification " + e.Notification.Method
	case EventRequest:
		return fmt.Sprintf("request %s id=%s", e.Request.Method, e.Request.ID)
	case EventResponse:
		if e.Response.Error != nil {
			return fmt.Sprintf("response id=%s error=%q", e.Response.ID, e.Response.Error.Message)
		}
		return fmt.Sprintf("response id=%s", e.Response.ID)
	case EventParseError:
		return "parse error: " + e.ParseError.Reason
	default:
		return fmt.Sprintf("raw output (%d bytes)", len(e.Raw))
	}
}
