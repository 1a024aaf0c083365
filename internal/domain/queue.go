package domain

import "time"

// ItemStatus is the lifecycle status of a queued command
type ItemStatus string

const (
	ItemCancelled ItemStatus = "cancelled"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
	ItemPending   ItemStatus = "pending"
	ItemRunning   ItemStatus = "running"
)

// IsTerminal reports whether the status can no longer change
func (s ItemStatus) IsTerminal() bool {
	return s == ItemCancelled || s == ItemCompleted || s == ItemFailed
}

// Command is the payload submitted for execution
type Command struct {
	Effort string `json:"effort,omitempty"`
	Text   string `json:"text"`
}

// NewCommand builds a command, pulling a trailing effort hint out of the text
func NewCommand(text string) Command {
	stripped, effort := ParseEffortHint(text)
	return Command{Effort: effort, Text: stripped}
}

// QueueItem is one command on a session's queue
type QueueItem struct {
	Command     Command    `json:"command"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Error       string     `json:"error,omitempty"`
	ID          string     `json:"id"`
	Output      string     `json:"output,omitempty"`
	SessionKey  string     `json:"session_key"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	Status      ItemStatus `json:"status"`
	ThreadID    string     `json:"thread_id,omitempty"`
}
