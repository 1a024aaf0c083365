package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renato0307/tether/internal/ports"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestHistory(t *testing.T) *SQLiteHistory {
	t.Helper()
	h, err := NewSQLiteHistory(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func command(id, key, status string, completed time.Time) ports.CommandRecord {
	return ports.CommandRecord{
		CompletedAt: completed,
		CreatedAt:   completed.Add(-time.Minute),
		ItemID:      id,
		SessionKey:  key,
		Status:      status,
		Text:        "do " + id,
		ThreadID:    "thread-" + key,
	}
}

func TestSQLiteHistory_RecordAndListCommands(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	require.NoError(t, h.RecordCommand(ctx, command("a", "C1", "completed", base)))
	require.NoError(t, h.RecordCommand(ctx, command("b", "C1", "failed", base.Add(time.Hour))))
	require.NoError(t, h.RecordCommand(ctx, command("c", "C2", "cancelled", base.Add(2*time.Hour))))

	recs, err := h.ListCommands(ctx, "C1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ItemID, "newest first")
	assert.Equal(t, "a", recs[1].ItemID)
	assert.Equal(t, "do a", recs[1].Text)
	assert.Equal(t, "thread-C1", recs[1].ThreadID)
	assert.True(t, base.Equal(recs[1].CompletedAt))

	recs, err = h.ListCommands(ctx, "C1", 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].ItemID)

	recs, err = h.ListCommands(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSQLiteHistory_RecordingTwiceKeepsLatest(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	rec := command("a", "C1", "cancelled", base)
	require.NoError(t, h.RecordCommand(ctx, rec))

	rec.Status = "failed"
	rec.Error = "session terminated"
	require.NoError(t, h.RecordCommand(ctx, rec))

	recs, err := h.ListCommands(ctx, "C1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "failed", recs[0].Status)
	assert.Equal(t, "session terminated", recs[0].Error)
}

func TestSQLiteHistory_RejectsUnknownStatus(t *testing.T) {
	h := openTestHistory(t)

	err := h.RecordCommand(context.Background(), command("a", "C1", "running", base))

	require.Error(t, err)
	var sqliteErr sqlite3.Error
	require.True(t, errors.As(err, &sqliteErr))
	assert.Equal(t, sqlite3.ErrConstraint, sqliteErr.Code)
}

func TestSQLiteHistory_ListCommandsSince(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	require.NoError(t, h.RecordCommand(ctx, command("yesterday", "C1", "completed", base.Add(-24*time.Hour))))
	require.NoError(t, h.RecordCommand(ctx, command("late", "C2", "completed", base.Add(3*time.Hour))))
	require.NoError(t, h.RecordCommand(ctx, command("early", "C1", "failed", base)))

	local := time.FixedZone("UTC+2", 2*60*60)
	recs, err := h.ListCommandsSince(ctx, base.In(local))
	require.NoError(t, err)

	require.Len(t, recs, 2)
	assert.Equal(t, "early", recs[0].ItemID, "oldest first")
	assert.Equal(t, "late", recs[1].ItemID)
}

func TestSQLiteHistory_Threads(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	rec, err := h.LoadThread(ctx, "C1:T1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, h.SaveThread(ctx, ports.ThreadRecord{Cwd: "/srv", Model: "gpt-5", SessionKey: "C1:T1", ThreadID: "thread-1"}))
	require.NoError(t, h.SaveThread(ctx, ports.ThreadRecord{Cwd: "/srv", Model: "gpt-5", SessionKey: "C1:T1", ThreadID: "thread-2"}))

	rec, err = h.LoadThread(ctx, "C1:T1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "thread-2", rec.ThreadID)
	assert.Equal(t, "/srv", rec.Cwd)
	assert.Equal(t, "gpt-5", rec.Model)
	assert.False(t, rec.UpdatedAt.IsZero())

	require.NoError(t, h.DeleteThread(ctx, "C1:T1"))
	require.NoError(t, h.DeleteThread(ctx, "C1:T1"), "deleting twice is fine")

	rec, err = h.LoadThread(ctx, "C1:T1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSQLiteHistory_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	h, err := NewSQLiteHistory(path)
	require.NoError(t, err)
	require.NoError(t, h.SaveThread(ctx, ports.ThreadRecord{SessionKey: "C1", ThreadID: "thread-1"}))
	require.NoError(t, h.Close())

	h, err = NewSQLiteHistory(path)
	require.NoError(t, err)
	defer h.Close()

	rec, err := h.LoadThread(ctx, "C1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "thread-1", rec.ThreadID)
}

func TestWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{name: "success", errs: []error{nil}, wantCalls: 1},
		{name: "busy then success", errs: []error{sqlite3.Error{Code: sqlite3.ErrBusy}, nil}, wantCalls: 2},
		{name: "always locked", errs: []error{sqlite3.Error{Code: sqlite3.ErrLocked}, sqlite3.Error{Code: sqlite3.ErrLocked}, sqlite3.Error{Code: sqlite3.ErrLocked}}, wantCalls: 3, wantErr: true},
		{name: "other error is not retried", errs: []error{errors.New("boom")}, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := withRetry(func() error {
				err := tt.errs[calls]
				calls++
				return err
			}, 3)

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
