package cli

// This file contains the view command for displaying test results from history.

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/vtest/history"
)

func removeFirstDashDash(in []string) []string {
	if len(in) > 0 && in[0] == "--" {
		return in[1:]
	}
	return in
}

// parseViewArgs returns the requested run, "0" (the last run) when none is
// given.
func parseViewArgs(in []string) string {
	in = removeFirstDashDash(in)
	if len(in) == 0 {
		return "0"
	}
	return in[0]
}

// selectEntry picks an entry from entries ordered newest first. arg is
// either an index (0 for the last run, -1 for the one before, ...) or an
// ID prefix.
func selectEntry(entries []history.Entry, arg string) (*history.Entry, error) {
	if parsed, err := strconv.ParseInt(arg, 10, 64); err == nil {
		if parsed > 0 {
			// Positive integers are not allowed
			return nil, fmt.Errorf("invalid index: %s (use 0 for last, -1 for second-to-last, -2 for third-to-last, etc.)", arg)
		}
		index := int(-parsed)
		if index >= len(entries) {
			return nil, fmt.Errorf("index %s out of range (only %d history entries)", arg, len(entries))
		}
		return &entries[index], nil
	}

	prefix := strings.ToLower(arg)
	for i := range entries {
		if strings.HasPrefix(strings.ToLower(entries[i].History.ID), prefix) {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("no history entry found matching ID: %s", arg)
}

func (a *App) view(ctx *cli.Context) error {
	arg := parseViewArgs(ctx.Args().Slice())

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	historyEntries, err := history.NewStore(a.fs, cfg.HistoryDir, a.logger).LoadEntries()
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if len(historyEntries) == 0 {
		return fmt.Errorf("no history entries found")
	}

	entry, err := selectEntry(historyEntries, arg)
	if err != nil {
		return err
	}

	if ctx.Bool("tap") {
		renderTAP(a.out, entry.History.Files)
		return nil
	}
	return a.displayHistoryEntry(entry, ctx.Bool("failed"))
}

func (a *App) displayHistoryEntry(entry *history.Entry, failedOnly bool) error {
	h := entry.History

	// Print header
	fmt.Fprintf(a.out, "=== Test Run: %s ===\n", shortID(h.ID))
	fmt.Fprintf(a.out, "Time: %s\n", h.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(a.out, "Duration: %s\n", h.Duration.Round(time.Millisecond))
	fmt.Fprintf(a.out, "Exit Code: %d\n", h.ExitCode)
	if h.WorkDir != "" {
		fmt.Fprintf(a.out, "Working Dir: %s\n", h.WorkDir)
	}
	if h.Git != nil && h.Git.Commit != "" {
		fmt.Fprintf(a.out, "Git Commit: %s", shortID(h.Git.Commit))
		if h.Git.Branch != "" {
			fmt.Fprintf(a.out, " (%s)", h.Git.Branch)
		}
		fmt.Fprintln(a.out)
	}
	if h.Target != nil {
		fmt.Fprintf(a.out, "Target: %s/%s %s\n", h.Target.OS, h.Target.Arch, h.Target.GoVersion)
	}
	if len(h.Filters) > 0 {
		fmt.Fprintf(a.out, "Filters: %s\n", strings.Join(h.Filters, " "))
	}
	fmt.Fprintln(a.out)

	if err := renderTree(a.out, h.Files, failedOnly); err != nil {
		return err
	}
	renderSummary(a.out, h.Counts, h.Duration)
	return nil
}
