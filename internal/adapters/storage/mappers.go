package storage

import (
	"github.com/renato0307/tether/internal/ports"
)

// commandModelToRecord converts a CommandModel (GORM) to ports.CommandRecord
func commandModelToRecord(m CommandModel) ports.CommandRecord {
	return ports.CommandRecord{
		CompletedAt: m.CompletedAt,
		CreatedAt:   m.CreatedAt,
		Error:       m.Error,
		ItemID:      m.ItemID,
		SessionKey:  m.SessionKey,
		Status:      m.Status,
		Text:        m.Text,
		ThreadID:    m.ThreadID,
	}
}

// recordToCommandModel converts a ports.CommandRecord to CommandModel (GORM).
// Times are stored in UTC so text comparisons in SQLite order correctly.
func recordToCommandModel(r ports.CommandRecord) CommandModel {
	return CommandModel{
		CompletedAt: r.CompletedAt.UTC(),
		CreatedAt:   r.CreatedAt.UTC(),
		Error:       r.Error,
		ItemID:      r.ItemID,
		SessionKey:  r.SessionKey,
		Status:      r.Status,
		Text:        r.Text,
		ThreadID:    r.ThreadID,
	}
}

// threadModelToRecord converts a ThreadModel (GORM) to ports.ThreadRecord
func threadModelToRecord(m ThreadModel) ports.ThreadRecord {
	return ports.ThreadRecord{
		Cwd:        m.Cwd,
		Model:      m.Model,
		SessionKey: m.SessionKey,
		ThreadID:   m.ThreadID,
		UpdatedAt:  m.UpdatedAt,
	}
}

// recordToThreadModel converts a ports.ThreadRecord to ThreadModel (GORM)
func recordToThreadModel(r ports.ThreadRecord) ThreadModel {
	return ThreadModel{
		Cwd:        r.Cwd,
		Model:      r.Model,
		SessionKey: r.SessionKey,
		ThreadID:   r.ThreadID,
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}
