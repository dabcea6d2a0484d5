package collect

import (
	"context"
	"fmt"
	"path"
	"runtime/debug"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/perfgo/vtest/model"
)

type item struct {
	test  *model.Task
	suite *suiteCollector
}

// suiteCollector accumulates the declarations of one suite until its
// factory has returned.
type suiteCollector struct {
	name    string
	mode    model.RunMode
	compute model.ComputeMode
	factory Factory
	hooks   *model.Hooks
	items   []item
}

func newSuiteCollector(name string, factory Factory, mode model.RunMode, compute model.ComputeMode) *suiteCollector {
	if mode == model.ModeTodo {
		factory = nil
	}
	return &suiteCollector{
		name:    name,
		mode:    mode,
		compute: compute,
		factory: factory,
		hooks:   &model.Hooks{},
	}
}

func (c *suiteCollector) inherit(compute model.ComputeMode) model.ComputeMode {
	if compute != "" {
		return compute
	}
	return c.compute
}

func (c *suiteCollector) addTest(name string, fn model.TestFunc, mode model.RunMode, compute model.ComputeMode) {
	compute = c.inherit(compute)
	if compute == "" {
		compute = model.ComputeSerial
	}
	if mode == model.ModeTodo {
		fn = nil
	}
	c.items = append(c.items, item{test: &model.Task{
		Name:        name,
		Kind:        model.KindTest,
		Mode:        mode,
		ComputeMode: compute,
		Fn:          fn,
	}})
}

func (c *suiteCollector) addSuite(name string, factory Factory, mode model.RunMode, compute model.ComputeMode) {
	c.items = append(c.items, item{suite: newSuiteCollector(name, factory, mode, c.inherit(compute))})
}

// runFactory invokes the suite factory, converting a panic into an error
func (c *suiteCollector) runFactory() (err error) {
	if c.factory == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &model.PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	c.factory(&Scope{c: c})
	return nil
}

// build runs the factory and turns the declarations into a suite task.
// Nested suites are built depth-first in declaration order.
func (c *suiteCollector) build(id string, parent, file *model.Task) *model.Task {
	compute := c.compute
	if compute == "" {
		compute = model.ComputeSerial
	}
	suite := &model.Task{
		ID:          id,
		Name:        c.name,
		Kind:        model.KindSuite,
		Mode:        c.mode,
		ComputeMode: compute,
		Suite:       parent,
		File:        file,
		Hooks:       c.hooks,
	}
	if file == nil {
		file = suite
		suite.File = suite
	}

	if err := c.runFactory(); err != nil {
		suite.Result = &model.Result{
			State: model.StateFail,
			Error: model.ProcessError(fmt.Errorf("failed to collect suite %q: %w", c.name, err)),
		}
	}

	suite.Tasks = make([]*model.Task, 0, len(c.items))
	for i, it := range c.items {
		childID := model.ChildID(id, i)
		if it.test != nil {
			it.test.ID = childID
			it.test.Suite = suite
			it.test.File = file
			suite.Tasks = append(suite.Tasks, it.test)
			continue
		}
		suite.Tasks = append(suite.Tasks, it.suite.build(childID, suite, file))
	}
	return suite
}

// Collector turns registered files into task trees
type Collector struct {
	logger zerolog.Logger
}

// NewCollector creates a collector
func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{logger: logger}
}

// Collect runs the file body and returns the finished file-level suite
// with modes interpreted. Non-runnable tests carry their terminal result.
func (c *Collector) Collect(f File) *model.Task {
	root := newSuiteCollector(path.Base(f.Path), f.Body, model.ModeRun, "")
	file := root.build(model.FileID(f.Path), nil, nil)
	file.Filepath = f.Path

	interpretModes(file, someTasksAreOnly(file), false)
	stampNonRunnable(file)

	counts := model.CountTests(file)
	c.logger.Debug().
		Str("file", f.Path).
		Int("tests", counts.Total).
		Int("skipped", counts.Skipped).
		Int("todo", counts.Todo).
		Msg("Collected file")
	if file.State() == model.StateFail {
		c.logger.Warn().Str("file", f.Path).Str("error", file.Result.Error.Message).Msg("Collection failed")
	}
	return file
}

// CollectAll collects the files concurrently and returns them in input order
func (c *Collector) CollectAll(ctx context.Context, files []File) ([]*model.Task, error) {
	out := make([]*model.Task, len(files))
	g, _ := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			out[i] = c.Collect(f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func someTasksAreOnly(suite *model.Task) bool {
	for _, t := range suite.Tasks {
		if t.Mode == model.ModeOnly || (t.IsSuite() && someTasksAreOnly(t)) {
			return true
		}
	}
	return false
}

// interpretModes applies only/skip semantics below suite. In only mode,
// siblings without only are skipped unless they contain an only task or sit
// below an only suite.
func interpretModes(suite *model.Task, onlyMode, parentIsOnly bool) {
	suiteIsOnly := parentIsOnly || suite.Mode == model.ModeOnly

	for _, t := range suite.Tasks {
		include := suiteIsOnly || t.Mode == model.ModeOnly
		if onlyMode {
			switch {
			case t.IsSuite() && (include || someTasksAreOnly(t)):
				if t.Mode == model.ModeOnly {
					t.Mode = model.ModeRun
				}
			case t.Mode == model.ModeRun && !include:
				t.Mode = model.ModeSkip
			case t.Mode == model.ModeOnly:
				t.Mode = model.ModeRun
			}
		}

		if t.IsSuite() {
			if t.Mode == model.ModeSkip {
				skipAllTasks(t)
			} else {
				interpretModes(t, onlyMode, include)
			}
		}
	}

	if suite.Mode == model.ModeRun && len(suite.Tasks) > 0 && !anyRunnable(suite.Tasks) {
		suite.Mode = model.ModeSkip
	}
}

func anyRunnable(tasks []*model.Task) bool {
	for _, t := range tasks {
		if t.Mode == model.ModeRun {
			return true
		}
	}
	return false
}

func skipAllTasks(suite *model.Task) {
	for _, t := range suite.Tasks {
		if t.Mode == model.ModeRun || t.Mode == model.ModeOnly {
			t.Mode = model.ModeSkip
		}
		if t.IsSuite() {
			skipAllTasks(t)
		}
	}
}

func stampNonRunnable(file *model.Task) {
	for _, t := range model.Tests(file) {
		switch t.Mode {
		case model.ModeSkip:
			t.Result = &model.Result{State: model.StateSkip}
		case model.ModeTodo:
			t.Result = &model.Result{State: model.StateTodo}
		}
	}
}
