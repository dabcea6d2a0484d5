package model

// This file contains helpers for walking and summarizing task trees.

import (
	"fmt"

	"github.com/google/uuid"
)

// fileNamespace scopes the name-based UUIDs used as file task IDs.
var fileNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/perfgo/vtest/file"))

// FileID returns the stable task ID of a file-level suite
func FileID(filepath string) string {
	return uuid.NewSHA1(fileNamespace, []byte(filepath)).String()
}

// ChildID returns the stable task ID of the index-th child of parentID
func ChildID(parentID string, index int) string {
	return fmt.Sprintf("%s_%d", parentID, index)
}

// Walk visits t and all of its descendants depth-first in declaration order.
// Returning false from fn stops the descent into that task's children.
func Walk(t *Task, fn func(*Task) bool) {
	if !fn(t) {
		return
	}
	for _, c := range t.Tasks {
		Walk(c, fn)
	}
}

// Tests returns every test below the given tasks in declaration order
func Tests(tasks ...*Task) []*Task {
	var tests []*Task
	for _, t := range tasks {
		Walk(t, func(c *Task) bool {
			if c.Kind == KindTest {
				tests = append(tests, c)
			}
			return true
		})
	}
	return tests
}

// Flatten returns the given tasks and all of their descendants
func Flatten(tasks ...*Task) []*Task {
	var all []*Task
	for _, t := range tasks {
		Walk(t, func(c *Task) bool {
			all = append(all, c)
			return true
		})
	}
	return all
}

// HasRunnableTests reports whether the suite has a test descendant in run
// mode that is not below a skipped or todo suite
func HasRunnableTests(suite *Task) bool {
	for _, c := range suite.Tasks {
		if c.Kind == KindTest {
			if c.Mode == ModeRun {
				return true
			}
			continue
		}
		if c.Mode != ModeSkip && c.Mode != ModeTodo && HasRunnableTests(c) {
			return true
		}
	}
	return false
}

// HasFailed reports whether any descendant of the suite failed
func HasFailed(suite *Task) bool {
	for _, c := range suite.Tasks {
		if c.State() == StateFail {
			return true
		}
		if c.IsSuite() && HasFailed(c) {
			return true
		}
	}
	return false
}

// PartitionChildren splits the suite's children into maximal runs of
// consecutive tasks sharing the same compute mode.
func PartitionChildren(suite *Task) [][]*Task {
	var groups [][]*Task
	var current []*Task
	for _, c := range suite.Tasks {
		if len(current) > 0 && current[0].ComputeMode != c.ComputeMode {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, c)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// Counts tallies the tests below the given tasks by state
type Counts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Todo    int `json:"todo"`
	Pending int `json:"pending"`
}

// CountTests returns the per-state tally of every test below tasks
func CountTests(tasks ...*Task) Counts {
	var c Counts
	for _, t := range Tests(tasks...) {
		c.Total++
		switch t.State() {
		case StatePass:
			c.Passed++
		case StateFail:
			c.Failed++
		case StateSkip:
			c.Skipped++
		case StateTodo:
			c.Todo++
		default:
			c.Pending++
		}
	}
	return c
}

// CloneTree returns a copy of the tree rooted at t without test bodies or
// hooks. Back-references are rebuilt to point into the copy.
func CloneTree(t *Task) *Task {
	c := cloneNode(t)
	Link(c)
	return c
}

func cloneNode(t *Task) *Task {
	c := &Task{
		ID:          t.ID,
		Name:        t.Name,
		Kind:        t.Kind,
		Mode:        t.Mode,
		ComputeMode: t.ComputeMode,
		Filepath:    t.Filepath,
		Result:      t.Result.Clone(),
	}
	if len(t.Tasks) > 0 {
		c.Tasks = make([]*Task, len(t.Tasks))
		for i, child := range t.Tasks {
			c.Tasks[i] = cloneNode(child)
		}
	}
	return c
}

// Link stamps Suite and File back-references below a file-level suite,
// e.g. after decoding it from JSON.
func Link(file *Task) {
	file.Suite = nil
	file.File = file
	var link func(parent *Task)
	link = func(parent *Task) {
		for _, c := range parent.Tasks {
			c.Suite = parent
			c.File = file
			link(c)
		}
	}
	link(file)
}
