package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renato0307/tether/internal/ports"
)

var completedAt = time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local)

func record(id, status, text, errText string) ports.CommandRecord {
	return ports.CommandRecord{
		CompletedAt: completedAt,
		CreatedAt:   completedAt.Add(-90 * time.Second),
		Error:       errText,
		ItemID:      id,
		SessionKey:  "C1:T1",
		Status:      status,
		Text:        text,
	}
}

func TestRenderHistoryTable(t *testing.T) {
	var out bytes.Buffer

	renderHistoryTable(&out, "C1:T1", []ports.CommandRecord{
		record("0123456789abcdef", "completed", "fix the\nflaky test", ""),
		record("short", "failed", strings.Repeat("x", 100), "agent crashed"),
	})

	text := ansi.Strip(out.String())
	assert.Contains(t, text, "History - C1:T1")
	assert.Contains(t, text, "COMPLETED")
	assert.Contains(t, text, "2026-03-01 09:30:00")
	assert.Contains(t, text, "1m30s")
	assert.Contains(t, text, "01234567 ")
	assert.NotContains(t, text, "0123456789")
	assert.Contains(t, text, "fix the flaky test")
	assert.Contains(t, text, "…")
	assert.NotContains(t, text, strings.Repeat("x", 100))
	assert.Contains(t, text, "failed agent crashed")
}

func TestRenderHistoryTable_Empty(t *testing.T) {
	var out bytes.Buffer

	renderHistoryTable(&out, "C9", nil)

	assert.Contains(t, ansi.Strip(out.String()), "No commands recorded yet.")
}

func TestRenderHistoryJSON(t *testing.T) {
	var out bytes.Buffer

	require.NoError(t, renderHistoryJSON(&out, []ports.CommandRecord{record("a", "completed", "hi", "")}))

	var entries []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0]["item_id"])
	assert.Equal(t, "C1:T1", entries[0]["session_key"])
	assert.Equal(t, "completed", entries[0]["status"])
	assert.NotContains(t, entries[0], "error")
}

func TestRenderHistoryJSON_EmptyIsArray(t *testing.T) {
	var out bytes.Buffer

	require.NoError(t, renderHistoryJSON(&out, nil))

	assert.Equal(t, "[]\n", out.String())
}

func TestRenderStatsTable(t *testing.T) {
	var out bytes.Buffer

	renderStatsTable(&out, completedAt,
		[]ports.HourlyCommandStats{
			{Hour: 9, Completed: 1200, Failed: 1},
			{Hour: 14, Cancelled: 2},
		},
		ports.CommandTotals{Cancelled: 2, Completed: 1200, Failed: 1})

	lines := strings.Split(out.String(), "\n")
	assert.Equal(t, "Commands - 2026-03-01", lines[0])
	assert.Contains(t, out.String(), "09:00    1,200       1           0           1,201")
	assert.Contains(t, out.String(), "14:00    0           0           2           2")
	assert.Contains(t, out.String(), "Total    1,200       1           2           1,203")
}

func TestRenderStatsTable_Empty(t *testing.T) {
	var out bytes.Buffer

	renderStatsTable(&out, completedAt, nil, ports.CommandTotals{})

	assert.Contains(t, out.String(), "No commands finished today.")
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatNumber(tt.in))
		})
	}
}
