package ports

import (
	"context"
	"time"
)

// CommandRecord is a finished command kept as history
type CommandRecord struct {
	CompletedAt time.Time
	CreatedAt   time.Time
	Error       string
	ItemID      string
	SessionKey  string
	Status      string
	Text        string
	ThreadID    string
}

// ThreadRecord remembers the conversation a session key was last bound to
type ThreadRecord struct {
	Cwd        string
	Model      string
	SessionKey string
	ThreadID   string
	UpdatedAt  time.Time
}

// HistoryReader reads history records
type HistoryReader interface {
	ListCommands(ctx context.Context, sessionKey string, limit int) ([]CommandRecord, error)
	// ListCommandsSince returns commands of every session completed at or after since
	ListCommandsSince(ctx context.Context, since time.Time) ([]CommandRecord, error)
	LoadThread(ctx context.Context, sessionKey string) (*ThreadRecord, error)
}

// HistoryWriter writes history records
type HistoryWriter interface {
	DeleteThread(ctx context.Context, sessionKey string) error
	RecordCommand(ctx context.Context, rec CommandRecord) error
	SaveThread(ctx context.Context, rec ThreadRecord) error
}

// HourlyCommandStats counts finished commands in one hour of the day
type HourlyCommandStats struct {
	Cancelled int
	Completed int
	Failed    int
	Hour      int
}

// CommandTotals sums HourlyCommandStats over a day
type CommandTotals struct {
	Cancelled int
	Completed int
	Failed    int
}

// HistoryStore is the composite interface
type HistoryStore interface {
	HistoryReader
	HistoryWriter
	Close() error
}
