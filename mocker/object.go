package mocker

// This file contains the structural automock of module exports.

import (
	"reflect"

	"github.com/perfgo/vtest/loader"
)

// Object is a value with own properties and an optional prototype whose
// properties are inherited.
type Object struct {
	Props map[string]any
	Proto *Object
}

// NewObject creates an object with the given own properties and prototype
func NewObject(props map[string]any, proto *Object) *Object {
	if props == nil {
		props = make(map[string]any)
	}
	return &Object{Props: props, Proto: proto}
}

// Get looks up key on the object and then along its prototype chain
func (o *Object) Get(key string) (any, bool) {
	for cur := o; cur != nil; cur = cur.Proto {
		if v, ok := cur.Props[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Call invokes the callable found at key
func (o *Object) Call(key string, args ...any) (any, error) {
	v, ok := o.Get(key)
	if !ok {
		return nil, ErrNotCallable
	}
	return Invoke(v, args...)
}

type automocker struct {
	spies *Spies
	seen  map[uintptr]any
}

// MockObject returns the automocked form of value. Slices become empty,
// values that are not plain objects pass through, plain objects are
// shallow-copied with nested plain values mocked recursively and callables
// replaced by stand-in spies.
func (s *Spies) MockObject(value any) any {
	a := &automocker{spies: s, seen: make(map[uintptr]any)}
	return a.mock(value)
}

func (a *automocker) mock(value any) any {
	switch v := value.(type) {
	case loader.Exports:
		if v == nil {
			return v
		}
		if done, ok := a.seen[reflect.ValueOf(v).Pointer()]; ok {
			return done
		}
		out := make(loader.Exports, len(v))
		a.seen[reflect.ValueOf(v).Pointer()] = out
		a.mockProps(v, out)
		return out
	case map[string]any:
		if v == nil {
			return v
		}
		if done, ok := a.seen[reflect.ValueOf(v).Pointer()]; ok {
			return done
		}
		out := make(map[string]any, len(v))
		a.seen[reflect.ValueOf(v).Pointer()] = out
		a.mockProps(v, out)
		return out
	case *Object:
		if v == nil {
			return v
		}
		if done, ok := a.seen[reflect.ValueOf(v).Pointer()]; ok {
			return done
		}
		out := &Object{Props: make(map[string]any, len(v.Props))}
		a.seen[reflect.ValueOf(v).Pointer()] = out
		out.Proto = a.mockPrototype(v.Proto)
		a.mockProps(v.Props, out.Props)
		return out
	}

	rv := reflect.ValueOf(value)
	if rv.IsValid() && rv.Kind() == reflect.Slice {
		return reflect.MakeSlice(rv.Type(), 0, 0).Interface()
	}
	return value
}

func (a *automocker) mockProps(src, dst map[string]any) {
	for k, v := range src {
		dst[k] = a.mock(v)
		if _, isSpy := v.(*Spy); isSpy {
			continue
		}
		if rv := reflect.ValueOf(v); rv.IsValid() && rv.Kind() == reflect.Func {
			dst[k] = a.spies.standIn(k, v, 0)
		}
	}
}

// mockPrototype copies one prototype level, replacing its callables with
// stand-ins that keep the original arity.
func (a *automocker) mockPrototype(proto *Object) *Object {
	if proto == nil {
		return nil
	}
	out := &Object{Props: make(map[string]any, len(proto.Props))}
	for k, v := range proto.Props {
		out.Props[k] = v
		if _, isSpy := v.(*Spy); isSpy {
			continue
		}
		if rv := reflect.ValueOf(v); rv.IsValid() && rv.Kind() == reflect.Func {
			out.Props[k] = a.spies.standIn(k, v, funcArity(rv))
		}
	}
	return out
}
