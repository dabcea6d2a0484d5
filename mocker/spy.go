package mocker

// This file contains call-recording spies and the set that tracks them.

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/perfgo/vtest/loader"
)

// Impl is the implementation a spy forwards calls to
type Impl func(args ...any) any

// Spy records calls and forwards them to its current implementation
type Spy struct {
	mu       sync.Mutex
	name     string
	arity    int
	standIn  bool
	original Impl
	impl     Impl
	calls    [][]any
	results  []any
	restore  func()
}

func newSpy(name string, original any, arity int) *Spy {
	impl := wrap(original)
	return &Spy{name: name, arity: arity, original: impl, impl: impl}
}

// Name returns the property name the spy was created for
func (s *Spy) Name() string {
	return s.name
}

// Arity returns the number of declared parameters
func (s *Spy) Arity() int {
	return s.arity
}

// IsStandIn reports whether the spy was created by automocking
func (s *Spy) IsStandIn() bool {
	return s.standIn
}

// Call records the arguments and invokes the current implementation
func (s *Spy) Call(args ...any) any {
	s.mu.Lock()
	impl := s.impl
	recorded := append([]any(nil), args...)
	s.calls = append(s.calls, recorded)
	idx := len(s.results)
	s.results = append(s.results, nil)
	s.mu.Unlock()

	var result any
	if impl != nil {
		result = impl(args...)
	}

	s.mu.Lock()
	if idx < len(s.results) {
		s.results[idx] = result
	}
	s.mu.Unlock()
	return result
}

// Calls returns the recorded argument lists
func (s *Spy) Calls() [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]any, len(s.calls))
	copy(out, s.calls)
	return out
}

// Results returns the recorded return values
func (s *Spy) Results() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.results))
	copy(out, s.results)
	return out
}

// CallCount returns the number of recorded calls
func (s *Spy) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Called reports whether the spy was called at least once
func (s *Spy) Called() bool {
	return s.CallCount() > 0
}

// MockImplementation replaces the implementation
func (s *Spy) MockImplementation(impl Impl) *Spy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.impl = impl
	return s
}

// MockReturnValue makes every call return v
func (s *Spy) MockReturnValue(v any) *Spy {
	return s.MockImplementation(func(...any) any { return v })
}

// MockClear forgets recorded calls
func (s *Spy) MockClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.results = nil
}

// MockReset forgets recorded calls and removes the implementation
func (s *Spy) MockReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.results = nil
	s.impl = nil
}

// MockRestore resets the spy, reinstates the original implementation and,
// for spies installed on an object, puts the original value back.
func (s *Spy) MockRestore() {
	s.mu.Lock()
	s.calls = nil
	s.results = nil
	s.impl = s.original
	restore := s.restore
	s.mu.Unlock()

	if restore != nil {
		restore()
	}
}

func (s *Spy) String() string {
	return fmt.Sprintf("Spy<%s>", s.name)
}

// Levels selects which cleanup clearMocks applies
type Levels struct {
	Clear   bool
	Reset   bool
	Restore bool
}

// Any reports whether any level is requested
func (l Levels) Any() bool {
	return l.Clear || l.Reset || l.Restore
}

// Spies tracks every spy created during a run
type Spies struct {
	mu   sync.Mutex
	list []*Spy
}

// NewSpies creates an empty set
func NewSpies() *Spies {
	return &Spies{}
}

func (s *Spies) add(spy *Spy) *Spy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, spy)
	return spy
}

// Len returns the number of tracked spies
func (s *Spies) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Each calls fn for every tracked spy
func (s *Spies) Each(fn func(*Spy)) {
	s.mu.Lock()
	list := make([]*Spy, len(s.list))
	copy(list, s.list)
	s.mu.Unlock()

	for _, spy := range list {
		fn(spy)
	}
}

// Clear applies the strongest requested level to every spy:
// restore over reset over clear.
func (s *Spies) Clear(levels Levels) {
	if !levels.Any() {
		return
	}
	s.Each(func(spy *Spy) {
		switch {
		case levels.Restore:
			spy.MockRestore()
		case levels.Reset:
			spy.MockReset()
		default:
			spy.MockClear()
		}
	})
}

// Fn creates a tracked spy around impl, which may be nil or any Go func
func (s *Spies) Fn(impl any) *Spy {
	arity := 0
	if impl != nil {
		arity = funcArity(reflect.ValueOf(impl))
	}
	return s.add(newSpy("fn", impl, arity))
}

// ErrNotCallable is returned when spying on a property that is not a func
var ErrNotCallable = errors.New("property is not callable")

// SpyOn replaces the callable property key of target with a tracked spy.
// Restoring the spy puts the original value back.
func (s *Spies) SpyOn(target any, key string) (*Spy, error) {
	props, err := propsOf(target)
	if err != nil {
		return nil, err
	}

	current, ok := props[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not defined", ErrNotCallable, key)
	}
	if existing, ok := current.(*Spy); ok {
		return existing, nil
	}
	rv := reflect.ValueOf(current)
	if !rv.IsValid() || rv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %s", ErrNotCallable, key)
	}

	spy := newSpy(key, current, funcArity(rv))
	spy.restore = func() { props[key] = current }
	props[key] = spy
	return s.add(spy), nil
}

// standIn creates the automock replacement for a callable. The stand-in
// returns nil until given an implementation; restoring it reinstates the
// original func.
func (s *Spies) standIn(key string, original any, arity int) *Spy {
	spy := newSpy(key, original, arity)
	spy.standIn = true
	spy.impl = func(...any) any { return nil }
	return s.add(spy)
}

func propsOf(target any) (map[string]any, error) {
	switch t := target.(type) {
	case map[string]any:
		return t, nil
	case loader.Exports:
		return t, nil
	case *Object:
		if t.Props == nil {
			t.Props = make(map[string]any)
		}
		return t.Props, nil
	}
	return nil, fmt.Errorf("cannot spy on properties of %T", target)
}

// Invoke calls v, which must be a spy or a func, with args. A func
// returning several values yields them as []any; a trailing non-nil error
// result is returned as the error.
func Invoke(v any, args ...any) (any, error) {
	if spy, ok := v.(*Spy); ok {
		return spy.Call(args...), nil
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T", ErrNotCallable, v)
	}
	return callFunc(rv, args)
}

func wrap(fn any) Impl {
	if fn == nil {
		return nil
	}
	if impl, ok := fn.(Impl); ok {
		return impl
	}
	if impl, ok := fn.(func(...any) any); ok {
		return impl
	}
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil
	}
	return func(args ...any) any {
		result, err := callFunc(rv, args)
		if err != nil {
			return err
		}
		return result
	}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func callFunc(fn reflect.Value, args []any) (any, error) {
	t := fn.Type()
	in := make([]reflect.Value, 0, len(args))
	for i := 0; i < t.NumIn() || (t.IsVariadic() && i < len(args)); i++ {
		var pt reflect.Type
		switch {
		case t.IsVariadic() && i >= t.NumIn()-1:
			pt = t.In(t.NumIn() - 1).Elem()
		default:
			pt = t.In(i)
		}
		if t.IsVariadic() && i >= t.NumIn()-1 && i >= len(args) {
			break
		}
		in = append(in, argValue(args, i, pt))
	}

	out := fn.Call(in)

	var err error
	if n := len(out); n > 0 && t.Out(n-1) == errorType {
		if !out[n-1].IsNil() {
			err = out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}

	switch len(out) {
	case 0:
		return nil, err
	case 1:
		return out[0].Interface(), err
	}
	results := make([]any, len(out))
	for i, o := range out {
		results[i] = o.Interface()
	}
	return results, err
}

func argValue(args []any, i int, pt reflect.Type) reflect.Value {
	if i >= len(args) || args[i] == nil {
		return reflect.Zero(pt)
	}
	v := reflect.ValueOf(args[i])
	if v.Type().AssignableTo(pt) {
		return v
	}
	if v.Type().ConvertibleTo(pt) {
		return v.Convert(pt)
	}
	return reflect.Zero(pt)
}

func funcArity(fn reflect.Value) int {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return 0
	}
	n := fn.Type().NumIn()
	if fn.Type().IsVariadic() {
		n--
	}
	return n
}
