package run

import (
	"context"
	"fmt"

	"github.com/perfgo/vtest/model"
)

type taskKey struct{}

type taskContext struct {
	runner *Runner
	task   *model.Task
}

func withTask(ctx context.Context, r *Runner, t *model.Task) context.Context {
	return context.WithValue(ctx, taskKey{}, &taskContext{runner: r, task: t})
}

// CurrentTask returns the test running under ctx, or nil
func CurrentTask(ctx context.Context) *model.Task {
	tc, _ := ctx.Value(taskKey{}).(*taskContext)
	if tc == nil {
		return nil
	}
	return tc.task
}

// Logf sends a log event attributed to the test running under ctx
func Logf(ctx context.Context, level, format string, args ...any) {
	tc, _ := ctx.Value(taskKey{}).(*taskContext)
	if tc == nil {
		return
	}
	tc.runner.opts.Sender.Send(model.EventLog, model.LogEntry{
		Level:   level,
		Message: fmt.Sprintf(format, args...),
		TaskID:  tc.task.ID,
	})
}
