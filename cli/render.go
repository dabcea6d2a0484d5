package cli

// This file contains the text renderings of task trees: a table with the
// tree indented in the first column, a one-line summary and TAP output.

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/perfgo/vtest/model"
)

const tapIndent = "    "

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}

func stateSymbol(s model.TaskState) string {
	switch s {
	case model.StatePass:
		return "✓"
	case model.StateFail:
		return "✗"
	case model.StateSkip:
		return "↓"
	case model.StateTodo:
		return "□"
	}
	return "·"
}

// renderTree writes the files as a table. With failedOnly, only failed tasks
// and the suites leading to them are shown.
func renderTree(w io.Writer, files []*model.Task, failedOnly bool) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"STATE", "TASK", "DURATION"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "DURATION", Align: text.AlignRight},
	})

	var failures []*model.Task
	for _, f := range files {
		depth := map[*model.Task]int{}
		model.Walk(f, func(task *model.Task) bool {
			if task.Suite != nil {
				depth[task] = depth[task.Suite] + 1
			}
			if failedOnly && task.State() != model.StateFail {
				return task.IsSuite() && model.HasFailed(task)
			}

			name := task.Name
			if task.Suite == nil && task.Filepath != "" {
				name = task.Filepath
			}
			var duration time.Duration
			if task.Result != nil {
				duration = task.Result.Duration
			}
			t.AppendRow(table.Row{
				stateSymbol(task.State()) + " " + string(task.State()),
				strings.Repeat("  ", depth[task]) + name,
				formatDuration(duration),
			})

			if task.State() == model.StateFail && task.Result.Error != nil {
				failures = append(failures, task)
			}
			return true
		})
	}
	t.Render()

	for _, task := range failures {
		e := task.Result.Error
		fmt.Fprintf(w, "\n%s %s\n", stateSymbol(model.StateFail), strings.Join(task.Path(), " > "))
		fmt.Fprintf(w, "  %s: %s\n", e.Name, e.Message)
		if e.ShowDiff {
			fmt.Fprintf(w, "  expected: %s\n  actual:   %s\n", e.Expected, e.Actual)
		}
	}
	return nil
}

func renderSummary(w io.Writer, c model.Counts, d time.Duration) {
	fmt.Fprintf(w, "\nTests: %d passed, %d failed, %d skipped, %d todo, %d total (%s)\n",
		c.Passed, c.Failed, c.Skipped, c.Todo, c.Total, d.Round(time.Millisecond))
}

func yamlString(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// tapString makes a name usable as a TAP description: it must not contain
// '#' and must not start with a number.
func tapString(s string) string {
	s = strings.ReplaceAll(s, "#", "?")
	trimmed := strings.TrimLeft(s, "0123456789")
	if trimmed != s {
		return "?" + trimmed
	}
	return s
}

// renderTAP writes the files in TAP version 13 with suites as subtests
func renderTAP(w io.Writer, files []*model.Task) {
	fmt.Fprintln(w, "TAP version 13")
	writeTAP(w, files, "")
}

func writeTAP(w io.Writer, tasks []*model.Task, indent string) {
	fmt.Fprintf(w, "%s1..%d\n", indent, len(tasks))

	for i, task := range tasks {
		id := i + 1
		ok := "not ok"
		if task.State() == model.StatePass || task.Mode == model.ModeSkip || task.Mode == model.ModeTodo {
			ok = "ok"
		}

		comment := ""
		switch {
		case task.Mode == model.ModeSkip:
			comment = " # SKIP"
		case task.Mode == model.ModeTodo:
			comment = " # TODO"
		case task.Result != nil && task.Result.Duration > 0:
			comment = fmt.Sprintf(" # time=%.2fms", float64(task.Result.Duration.Microseconds())/1000)
		}

		name := task.Name
		if task.Suite == nil && task.Filepath != "" {
			name = task.Filepath
		}

		if task.IsSuite() && len(task.Tasks) > 0 {
			fmt.Fprintf(w, "%s%s %d - %s%s {\n", indent, ok, id, tapString(name), comment)
			writeTAP(w, task.Tasks, indent+tapIndent)
			fmt.Fprintf(w, "%s}\n", indent)
			continue
		}

		fmt.Fprintf(w, "%s%s %d - %s%s\n", indent, ok, id, tapString(name), comment)
		if task.State() != model.StateFail || task.Result.Error == nil {
			continue
		}

		e := task.Result.Error
		base := indent + "  "
		inner := indent + tapIndent
		fmt.Fprintf(w, "%s---\n", base)
		fmt.Fprintf(w, "%serror:\n", base)
		fmt.Fprintf(w, "%sname: %s\n", inner, yamlString(e.Name))
		fmt.Fprintf(w, "%smessage: %s\n", inner, yamlString(e.Message))
		if e.ShowDiff {
			fmt.Fprintf(w, "%sactual: %s\n", base, yamlString(e.Actual))
			fmt.Fprintf(w, "%sexpected: %s\n", base, yamlString(e.Expected))
		}
		fmt.Fprintf(w, "%s...\n", base)
	}
}
