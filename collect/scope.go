package collect

// This file contains the declaration API that test files use to register
// suites, tests and hooks.

import (
	"github.com/perfgo/vtest/model"
)

// Factory declares the contents of a suite
type Factory func(s *Scope)

// Scope is the suite currently being declared. Every factory receives its
// own scope, so declarations never depend on a shared cursor.
type Scope struct {
	c *suiteCollector
}

// Test declares a test in this suite
func (s *Scope) Test(name string, fn model.TestFunc) {
	s.c.addTest(name, fn, model.ModeRun, "")
}

// Suite declares a nested suite. Its factory runs after the current
// factory returns.
func (s *Scope) Suite(name string, factory Factory) {
	s.c.addSuite(name, factory, model.ModeRun, "")
}

// BeforeAll registers a hook run once before the suite's children
func (s *Scope) BeforeAll(fn model.HookFunc) {
	s.c.hooks.BeforeAll = append(s.c.hooks.BeforeAll, fn)
}

// AfterAll registers a hook run once after the suite's children
func (s *Scope) AfterAll(fn model.HookFunc) {
	s.c.hooks.AfterAll = append(s.c.hooks.AfterAll, fn)
}

// BeforeEach registers a hook run before every test below the suite
func (s *Scope) BeforeEach(fn model.HookFunc) {
	s.c.hooks.BeforeEach = append(s.c.hooks.BeforeEach, fn)
}

// AfterEach registers a hook run after every test below the suite
func (s *Scope) AfterEach(fn model.HookFunc) {
	s.c.hooks.AfterEach = append(s.c.hooks.AfterEach, fn)
}

// Name returns the name of the suite being declared
func (s *Scope) Name() string {
	return s.c.name
}

// Skip starts a declaration in skip mode
func (s *Scope) Skip() Modifier {
	return Modifier{c: s.c, mode: model.ModeSkip}
}

// Only starts a declaration in only mode
func (s *Scope) Only() Modifier {
	return Modifier{c: s.c, mode: model.ModeOnly}
}

// Todo starts a declaration in todo mode
func (s *Scope) Todo() Modifier {
	return Modifier{c: s.c, mode: model.ModeTodo}
}

// Concurrent starts a concurrent declaration
func (s *Scope) Concurrent() Modifier {
	return Modifier{c: s.c, mode: model.ModeRun, compute: model.ComputeConcurrent}
}

// Modifier is a declaration with a chosen run mode and compute mode.
// Modifiers chain: s.Concurrent().Only().Test(...).
type Modifier struct {
	c       *suiteCollector
	mode    model.RunMode
	compute model.ComputeMode
}

// Skip switches the declaration to skip mode
func (m Modifier) Skip() Modifier {
	m.mode = model.ModeSkip
	return m
}

// Only switches the declaration to only mode
func (m Modifier) Only() Modifier {
	m.mode = model.ModeOnly
	return m
}

// Todo switches the declaration to todo mode
func (m Modifier) Todo() Modifier {
	m.mode = model.ModeTodo
	return m
}

// Concurrent makes the declaration concurrent
func (m Modifier) Concurrent() Modifier {
	m.compute = model.ComputeConcurrent
	return m
}

// Test declares a test with the modifier's modes
func (m Modifier) Test(name string, fn model.TestFunc) {
	m.c.addTest(name, fn, m.mode, m.compute)
}

// Suite declares a suite with the modifier's modes. A todo suite has no
// body.
func (m Modifier) Suite(name string, factory Factory) {
	m.c.addSuite(name, factory, m.mode, m.compute)
}
