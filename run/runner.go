package run

// This file contains the execution scheduler: it walks collected task trees,
// runs hooks and bodies, and reports every state change to the sender.

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/perfgo/vtest/collect"
	"github.com/perfgo/vtest/loader"
	"github.com/perfgo/vtest/mocker"
	"github.com/perfgo/vtest/model"
)

// Options configures a Runner
type Options struct {
	Sender   Sender
	Snapshot SnapshotClient
	Metrics  Recorder

	// Module loading and mocking; a nil Loader disables per-file mockers
	Loader      *loader.Loader
	Mocks       *mocker.Registry
	Spies       *mocker.Spies
	MockOptions mocker.Options

	// Upper bound of concurrently running siblings, 0 means unbounded
	MaxConcurrency int

	// Spy cleanup applied after each file
	ClearMocks   bool
	MockReset    bool
	RestoreMocks bool

	Clock  func() time.Time
	Logger zerolog.Logger
}

// Runner executes task trees
type Runner struct {
	opts Options
}

// New creates a runner, filling in no-op collaborators where none are given
func New(opts Options) *Runner {
	if opts.Sender == nil {
		opts.Sender = nopSender{}
	}
	if opts.Snapshot == nil {
		opts.Snapshot = nopSnapshot{}
	}
	if opts.Mocks == nil {
		opts.Mocks = mocker.NewRegistry()
	}
	if opts.Spies == nil {
		opts.Spies = mocker.NewSpies()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	opts.MockOptions.Logger = opts.Logger.With().Str("component", "mocker").Logger()
	return &Runner{opts: opts}
}

func (r *Runner) levels() mocker.Levels {
	return mocker.Levels{Clear: r.opts.ClearMocks, Reset: r.opts.MockReset, Restore: r.opts.RestoreMocks}
}

// StartTests collects the files of set matching filters and runs them
func (r *Runner) StartTests(ctx context.Context, set *collect.Set, filters ...string) ([]*model.Task, error) {
	files, err := collect.NewCollector(r.opts.Logger).CollectAll(ctx, set.Files(filters...))
	if err != nil {
		return nil, fmt.Errorf("failed to collect tests: %w", err)
	}
	if err := r.RunFiles(ctx, files); err != nil {
		return files, err
	}
	return files, nil
}

// RunFiles announces the files, runs them one after another and saves
// snapshots. Mocks registered by a file are dropped once it completes.
func (r *Runner) RunFiles(ctx context.Context, files []*model.Task) error {
	r.opts.Sender.Send(model.EventCollected, files)

	for _, file := range files {
		fctx := ctx
		var m *mocker.Mocker
		if r.opts.Loader != nil {
			m = mocker.New(file.Filepath, r.opts.Mocks, r.opts.Loader, r.opts.Spies, r.opts.MockOptions)
			fctx = mocker.WithContext(ctx, m)
		}

		r.opts.Logger.Debug().Str("file", file.Filepath).Msg("Running file")
		r.RunSuite(fctx, file)

		n := r.opts.Mocks.ClearFile(file.Filepath)
		if m != nil {
			if n > 0 || m.Touched() {
				// modules evaluated during this file may have captured its
				// mocks, even ones it unmocked again
				r.opts.Loader.Invalidate()
			} else {
				// factories of global mocks run once per file
				r.opts.Loader.InvalidateMocks()
			}
		}
		r.opts.Spies.Clear(r.levels())

		r.opts.Logger.Info().
			Str("file", file.Filepath).
			Str("state", string(file.State())).
			Dur("duration", file.Result.Duration).
			Msg("File completed")
	}

	if err := r.opts.Snapshot.Save(ctx); err != nil {
		return fmt.Errorf("failed to save snapshots: %w", err)
	}
	return nil
}

// RunSuite runs a suite and its children. A suite that already failed
// during collection is left untouched.
func (r *Runner) RunSuite(ctx context.Context, suite *model.Task) {
	if suite.State() == model.StateFail {
		r.record(suite)
		return
	}

	start := r.opts.Clock()
	suite.Result = &model.Result{State: model.StateRunning, Start: start}
	r.update(suite)

	switch suite.Mode {
	case model.ModeSkip:
		suite.Result.State = model.StateSkip
		r.skipPending(suite)
	case model.ModeTodo:
		suite.Result.State = model.StateTodo
		r.skipPending(suite)
	default:
		hooks := suite.Hooks
		if hooks == nil {
			hooks = &model.Hooks{}
		}

		var suiteErr error
		if err := r.callSuiteHooks(ctx, suite, "beforeAll", hooks.BeforeAll); err != nil {
			suiteErr = err
			r.skipPending(suite)
		} else {
			r.runChildren(ctx, suite)
		}

		if err := r.callSuiteHooks(ctx, suite, "afterAll", hooks.AfterAll); err != nil && suiteErr == nil {
			suiteErr = err
		}

		switch {
		case suiteErr != nil:
			suite.Result.State = model.StateFail
			suite.Result.Error = ProcessError(suiteErr)
		case !model.HasRunnableTests(suite):
			suite.Result.State = model.StateFail
			suite.Result.Error = ProcessError(&EmptySuiteError{Suite: suite.Name})
		case model.HasFailed(suite):
			suite.Result.State = model.StateFail
		default:
			suite.Result.State = model.StatePass
		}
	}

	r.finish(suite, start)
}

// runChildren runs maximal runs of equal compute mode one after another.
// Serial runs execute in declaration order, concurrent runs are started in
// declaration order and joined before the next run begins.
func (r *Runner) runChildren(ctx context.Context, suite *model.Task) {
	for _, group := range model.PartitionChildren(suite) {
		if group[0].ComputeMode != model.ComputeConcurrent {
			for _, c := range group {
				r.runChild(ctx, c)
			}
			continue
		}

		var g errgroup.Group
		if r.opts.MaxConcurrency > 0 {
			g.SetLimit(r.opts.MaxConcurrency)
		}
		for _, c := range group {
			g.Go(func() error {
				r.runChild(ctx, c)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (r *Runner) runChild(ctx context.Context, t *model.Task) {
	if t.IsSuite() {
		r.RunSuite(ctx, t)
		return
	}
	r.RunTest(ctx, t)
}

// RunTest runs one test with the beforeEach/afterEach cascade of its
// suites. Tests that are not in run mode are left untouched.
func (r *Runner) RunTest(ctx context.Context, test *model.Task) {
	if test.Mode != model.ModeRun {
		return
	}

	start := r.opts.Clock()
	test.Result = &model.Result{State: model.StateRunning, Start: start}
	r.update(test)

	r.opts.Snapshot.SetTest(test)
	tctx := withTask(ctx, r, test)

	testErr := r.beforeEach(tctx, test)
	if testErr == nil && test.Fn != nil {
		testErr = protect(func() error { return test.Fn(tctx) })
	}
	if err := r.afterEach(tctx, test); err != nil && testErr == nil {
		testErr = err
	}

	if testErr != nil {
		test.Result.State = model.StateFail
		test.Result.Error = ProcessError(testErr)
		r.opts.Logger.Debug().
			Str("task", test.ID).
			Str("error", test.Result.Error.Message).
			Msg("Test failed")
	} else {
		test.Result.State = model.StatePass
	}

	r.opts.Snapshot.ClearTest()
	r.finish(test, start)
}

// suiteChain returns the suites owning t ordered from the file down
func suiteChain(t *model.Task) []*model.Task {
	var chain []*model.Task
	for s := t.Suite; s != nil; s = s.Suite {
		chain = append([]*model.Task{s}, chain...)
	}
	return chain
}

func (r *Runner) beforeEach(ctx context.Context, test *model.Task) error {
	for _, s := range suiteChain(test) {
		if s.Hooks == nil {
			continue
		}
		for _, fn := range s.Hooks.BeforeEach {
			if err := protect(func() error { return fn(ctx, test) }); err != nil {
				return &HookError{Hook: "beforeEach", Suite: s.Name, Err: err}
			}
		}
	}
	return nil
}

// afterEach runs every afterEach hook from the test's suite up to the file
// and returns the first failure.
func (r *Runner) afterEach(ctx context.Context, test *model.Task) error {
	chain := suiteChain(test)
	var first error
	for i := len(chain) - 1; i >= 0; i-- {
		s := chain[i]
		if s.Hooks == nil {
			continue
		}
		for _, fn := range s.Hooks.AfterEach {
			if err := protect(func() error { return fn(ctx, test) }); err != nil && first == nil {
				first = &HookError{Hook: "afterEach", Suite: s.Name, Err: err}
			}
		}
	}
	return first
}

func (r *Runner) callSuiteHooks(ctx context.Context, suite *model.Task, name string, hooks []model.HookFunc) error {
	for _, fn := range hooks {
		if err := protect(func() error { return fn(ctx, suite) }); err != nil {
			return &HookError{Hook: name, Suite: suite.Name, Err: err}
		}
	}
	return nil
}

// skipPending gives every descendant that never started a skip result
func (r *Runner) skipPending(suite *model.Task) {
	for _, t := range model.Flatten(suite.Tasks...) {
		if t.State().Terminal() {
			continue
		}
		now := r.opts.Clock()
		t.Result = &model.Result{State: model.StateSkip, Start: now, End: now}
		r.update(t)
		r.record(t)
	}
}

func (r *Runner) finish(t *model.Task, start time.Time) {
	end := r.opts.Clock()
	t.Result.End = end
	t.Result.Duration = end.Sub(start)
	r.update(t)
	r.record(t)
}

func (r *Runner) update(t *model.Task) {
	r.opts.Sender.Send(model.EventTaskUpdate, []model.TaskResultPack{{ID: t.ID, Result: t.Result.Clone()}})
}

func (r *Runner) record(t *model.Task) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.TaskFinished(t)
	}
}
