package cli

// This file contains the list command for displaying previous test runs.

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/vtest/history"
)

func (a *App) list(ctx *cli.Context) error {
	filter := ctx.String("filter")
	limit := ctx.Int("limit")

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	// Load all history entries, newest first
	historyEntries, err := history.NewStore(a.fs, cfg.HistoryDir, a.logger).LoadEntries()
	if errors.Is(err, history.ErrNoRuns) {
		fmt.Fprintln(a.out, "No test runs found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	// Apply file filter if specified
	var filteredEntries []history.Entry
	for _, entry := range historyEntries {
		if filter == "" || entryMatches(entry, filter) {
			filteredEntries = append(filteredEntries, entry)
		}
	}

	if len(filteredEntries) == 0 {
		if filter != "" {
			fmt.Fprintf(a.out, "No test runs found matching: %s\n", filter)
		} else {
			fmt.Fprintln(a.out, "No test runs found")
		}
		return nil
	}

	// Apply limit
	displayEntries := filteredEntries
	if limit > 0 && limit < len(displayEntries) {
		displayEntries = displayEntries[:limit]
	}

	t := table.NewWriter()
	t.SetOutputMirror(a.out)
	t.SetTitle(fmt.Sprintf("Test Runs (%d total)", len(filteredEntries)))
	t.AppendHeader(table.Row{"", "ID", "TIME", "DURATION", "PASSED", "FAILED", "SKIPPED", "COMMIT", "FILTERS"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "DURATION", Align: text.AlignRight},
		{Name: "PASSED", Align: text.AlignRight},
		{Name: "FAILED", Align: text.AlignRight},
		{Name: "SKIPPED", Align: text.AlignRight},
	})

	for _, entry := range displayEntries {
		h := entry.History

		// Determine status indicator
		status := "✓"
		if !h.Passed() {
			status = "✗"
		}

		commit := ""
		if h.Git != nil {
			commit = shortID(h.Git.Commit)
			if h.Git.Branch != "" {
				commit += " (" + h.Git.Branch + ")"
			}
		}

		t.AppendRow(table.Row{
			status,
			shortID(h.ID),
			h.Timestamp.Format("2006-01-02 15:04:05"),
			h.Duration.Round(time.Millisecond),
			h.Counts.Passed,
			h.Counts.Failed,
			h.Counts.Skipped + h.Counts.Todo,
			commit,
			strings.Join(h.Filters, " "),
		})
	}
	t.Render()

	fmt.Fprintf(a.out, "\nView a run: %s view <id>\n", AppName)
	return nil
}

// entryMatches reports whether any file of the run contains filter in its path
func entryMatches(entry history.Entry, filter string) bool {
	for _, f := range entry.History.Files {
		if strings.Contains(f.Filepath, filter) {
			return true
		}
	}
	return false
}

// shortID returns the first 8 characters of id
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
