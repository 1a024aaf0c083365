package domain

import (
	"strings"
	"time"
)

// SessionState represents the lifecycle state of a broker session
type SessionState string

const (
	StateAwaitingApproval SessionState = "awaiting_approval"
	StateBusy             SessionState = "busy"
	StateFailed           SessionState = "failed"
	StateIdle             SessionState = "idle"
	StateStarting         SessionState = "starting"
	StateTerminated       SessionState = "terminated"
)

// IsLive reports whether the session can still accept work
func (s SessionState) IsLive() bool {
	return s != StateFailed && s != StateTerminated
}

// DriverMode selects how the child process is attached
type DriverMode string

const (
	ModePipe     DriverMode = "pipe"
	ModeTerminal DriverMode = "terminal"
)

// SessionConfig holds the initiation parameters for a session's process
type SessionConfig struct {
	ApprovalPolicy ApprovalPolicy
	Cwd            string
	ExtraArgs      []string
	Instructions   string
	Mode           DriverMode
	Model          string
	ResumeThreadID string
	Sandbox        string
}

// SessionSummary is a read-only snapshot of a session for inspection
type SessionSummary struct {
	CreatedAt    time.Time    `json:"created_at"`
	Cwd          string       `json:"cwd"`
	IdleSeconds  float64      `json:"idle_seconds"`
	IsAlive      bool         `json:"is_alive"`
	Key          string       `json:"key"`
	LastActivity time.Time    `json:"last_activity"`
	Mode         DriverMode   `json:"mode"`
	Model        string       `json:"model,omitempty"`
	Pending      int          `json:"pending"`
	PID          int          `json:"pid,omitempty"`
	RunningItem  string       `json:"running_item,omitempty"`
	State        SessionState `json:"state"`
	ThreadID     string       `json:"thread_id,omitempty"`
}

// SessionEventKind discriminates events delivered to session subscribers
type SessionEventKind string

const (
	SessionEventApproval SessionEventKind = "approval"
	SessionEventItem     SessionEventKind = "item"
	SessionEventProtocol SessionEventKind = "protocol"
	SessionEventState    SessionEventKind = "state"
)

// SessionEvent is what upstream collaborators consume from a session
type SessionEvent struct {
	Approval   *PendingApproval
	At         time.Time
	Error      string
	Item       *QueueItem
	Kind       SessionEventKind
	Protocol   *ProtocolEvent
	Resolution *Resolution
	SessionKey string
	State      SessionState
}

// SessionKey joins a channel and thread into a pool key
func SessionKey(channel, thread string) string {
	if thread == "" {
		return channel
	}
	return channel + ":" + thread
}

// KeyHasPrefix reports whether key belongs to the given channel
func KeyHasPrefix(key, channel string) bool {
	return key == channel || strings.HasPrefix(key, channel+":")
}
