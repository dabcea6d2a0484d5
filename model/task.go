package model

import (
	"context"
	"time"
)

// TaskKind distinguishes suites from tests
type TaskKind string

const (
	KindSuite TaskKind = "suite"
	KindTest  TaskKind = "test"
)

// RunMode is the declared run mode of a task
type RunMode string

const (
	ModeRun  RunMode = "run"
	ModeSkip RunMode = "skip"
	ModeOnly RunMode = "only"
	ModeTodo RunMode = "todo"
)

// ComputeMode controls whether consecutive siblings run one at a time or together
type ComputeMode string

const (
	ComputeSerial     ComputeMode = "serial"
	ComputeConcurrent ComputeMode = "concurrent"
)

// TaskState is the execution state recorded in a Result
type TaskState string

const (
	StatePending TaskState = "pending"
	StateRunning TaskState = "running"
	StatePass    TaskState = "pass"
	StateFail    TaskState = "fail"
	StateSkip    TaskState = "skip"
	StateTodo    TaskState = "todo"
)

// Terminal reports whether the state can no longer change
func (s TaskState) Terminal() bool {
	switch s {
	case StatePass, StateFail, StateSkip, StateTodo:
		return true
	}
	return false
}

// TestFunc is the body of a test
type TestFunc func(ctx context.Context) error

// HookFunc is a lifecycle hook. For beforeAll/afterAll the task is the suite,
// for beforeEach/afterEach it is the test being run.
type HookFunc func(ctx context.Context, task *Task) error

// Hooks holds the lifecycle callbacks owned by a suite
type Hooks struct {
	BeforeAll  []HookFunc
	AfterAll   []HookFunc
	BeforeEach []HookFunc
	AfterEach  []HookFunc
}

// ErrorInfo is the transport-safe form of a task failure
type ErrorInfo struct {
	Name     string `json:"name"`
	Message  string `json:"message"`
	Stack    string `json:"stack,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	ShowDiff bool   `json:"show_diff,omitempty"`
}

func (e *ErrorInfo) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Result is produced once execution of a task starts
type Result struct {
	State    TaskState     `json:"state"`
	Start    time.Time     `json:"start,omitempty"`
	End      time.Time     `json:"end,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
}

// Clone returns a copy that can be handed to another goroutine
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

// Task is a node in the execution tree: either a suite or a test.
type Task struct {
	// Stable identifier derived from the declaration position
	ID string `json:"id"`
	// Display name
	Name string `json:"name"`
	// Suite or test
	Kind TaskKind `json:"kind"`
	// Declared run mode (after only/skip interpretation)
	Mode RunMode `json:"mode"`
	// Serial or concurrent relative to its siblings
	ComputeMode ComputeMode `json:"compute_mode"`
	// File path, set on file-level suites only
	Filepath string `json:"filepath,omitempty"`
	// Children, suites only
	Tasks []*Task `json:"tasks,omitempty"`
	// Execution result, nil until the task is collected as non-runnable or started
	Result *Result `json:"result,omitempty"`

	// Owning suite, nil for file-level suites
	Suite *Task `json:"-"`
	// Owning file-level suite
	File *Task `json:"-"`

	Fn    TestFunc `json:"-"`
	Hooks *Hooks   `json:"-"`
}

// TaskResultPack carries a result update for one task
type TaskResultPack struct {
	ID     string  `json:"id"`
	Result *Result `json:"result"`
}

// IsSuite reports whether the task is a suite
func (t *Task) IsSuite() bool {
	return t.Kind == KindSuite
}

// State returns the current state, StatePending when no result exists yet
func (t *Task) State() TaskState {
	if t.Result == nil {
		return StatePending
	}
	return t.Result.State
}

// Path returns the names from the file-level suite down to this task.
// The file-level suite contributes its file path.
func (t *Task) Path() []string {
	var path []string
	for cur := t; cur != nil; cur = cur.Suite {
		name := cur.Name
		if cur.Suite == nil && cur.Filepath != "" {
			name = cur.Filepath
		}
		path = append([]string{name}, path...)
	}
	return path
}
