package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/ports"
	"github.com/renato0307/tether/internal/theme"
)

const historyTextWidth = 60

// HistoryCmd inspects finished commands
type HistoryCmd struct {
	List  HistoryListCmd  `cmd:"list" help:"List the latest commands of a session key"`
	Stats HistoryStatsCmd `cmd:"stats" help:"Show today's finished commands per hour"`
}

// HistoryListCmd lists recorded commands
type HistoryListCmd struct {
	Key    string `arg:"" help:"Session key"`
	Format string `help:"Output format (table or json)" default:"table" enum:"table,json"`
	Limit  int    `help:"Maximum number of commands to show" default:"20"`
}

// Run executes the list command
func (h *HistoryListCmd) Run(cli *CLI) error {
	records, err := cli.Container.History.ListCommands(context.Background(), h.Key, h.Limit)
	if err != nil {
		return fmt.Errorf("failed to list commands: %w", err)
	}

	w := cli.stdout()
	if h.Format == "json" {
		return renderHistoryJSON(w, records)
	}
	renderHistoryTable(w, h.Key, records)
	return nil
}

type historyEntry struct {
	CompletedAt time.Time `json:"completed_at"`
	CreatedAt   time.Time `json:"created_at"`
	Error       string    `json:"error,omitempty"`
	ItemID      string    `json:"item_id"`
	SessionKey  string    `json:"session_key"`
	Status      string    `json:"status"`
	Text        string    `json:"text"`
	ThreadID    string    `json:"thread_id,omitempty"`
}

func renderHistoryJSON(w io.Writer, records []ports.CommandRecord) error {
	entries := make([]historyEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, historyEntry(r))
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func renderHistoryTable(w io.Writer, key string, records []ports.CommandRecord) {
	fmt.Fprintln(w, theme.TitleStyle.Render("History - "+key))
	fmt.Fprintln(w)

	if len(records) == 0 {
		fmt.Fprintln(w, theme.MutedStyle.Render("No commands recorded yet."))
		return
	}

	// Status goes last so its escape codes do not skew the columns
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPLETED\tDURATION\tITEM\tTEXT\tSTATUS")
	for _, r := range records {
		status := theme.ItemStatusStyle(domain.ItemStatus(r.Status)).Render(r.Status)
		if r.Error != "" {
			status += " " + theme.MutedStyle.Render(ansi.Truncate(oneLine(r.Error), historyTextWidth, "…"))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.CompletedAt.Local().Format("2006-01-02 15:04:05"),
			r.CompletedAt.Sub(r.CreatedAt).Round(time.Second),
			shortID(r.ItemID),
			ansi.Truncate(oneLine(r.Text), historyTextWidth, "…"),
			status)
	}
	tw.Flush()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// HistoryStatsCmd shows today's command counts
type HistoryStatsCmd struct{}

// Run executes the stats command
func (h *HistoryStatsCmd) Run(cli *CLI) error {
	ctx := context.Background()
	hourly, err := cli.Container.HistoryStatsService.GetTodayHourly(ctx)
	if err != nil {
		return fmt.Errorf("failed to get command stats: %w", err)
	}
	totals, err := cli.Container.HistoryStatsService.GetTodayTotals(ctx)
	if err != nil {
		return fmt.Errorf("failed to get command totals: %w", err)
	}

	renderStatsTable(cli.stdout(), time.Now(), hourly, totals)
	return nil
}

func renderStatsTable(w io.Writer, today time.Time, hourly []ports.HourlyCommandStats, totals ports.CommandTotals) {
	fmt.Fprintf(w, "Commands - %s\n\n", today.Format("2006-01-02"))

	if len(hourly) == 0 {
		fmt.Fprintln(w, "No commands finished today.")
		return
	}

	fmt.Fprintln(w, "Hour     Completed   Failed      Cancelled   Total")
	fmt.Fprintln(w, strings.Repeat("─", 55))

	for _, h := range hourly {
		fmt.Fprintf(w, "%02d:00    %-11s %-11s %-11s %s\n",
			h.Hour,
			formatNumber(h.Completed),
			formatNumber(h.Failed),
			formatNumber(h.Cancelled),
			formatNumber(h.Completed+h.Failed+h.Cancelled))
	}

	fmt.Fprintln(w, strings.Repeat("─", 55))
	fmt.Fprintf(w, "Total    %-11s %-11s %-11s %s\n",
		formatNumber(totals.Completed),
		formatNumber(totals.Failed),
		formatNumber(totals.Cancelled),
		formatNumber(totals.Completed+totals.Failed+totals.Cancelled))
}

// formatNumber formats a number with comma separators
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result.WriteRune(',')
		}
		result.WriteRune(c)
	}
	return result.String()
}
