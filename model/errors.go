package model

// This file normalizes arbitrary failures into ErrorInfo so they survive
// JSON transport between the runner and the state synchronizer.

import (
	"bytes"
	"context"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

const maxSanitizeDepth = 32

// AssertionError is returned by assertion helpers that can show a diff
type AssertionError struct {
	Message  string
	Expected any
	Actual   any
}

func (e *AssertionError) Error() string {
	return e.Message
}

// PanicError wraps a value recovered from a panicking test, hook or factory
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(e.Value)
}

func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Awaitable is implemented by promise-like values that settle later.
// They are never serialized; a placeholder is emitted instead.
type Awaitable interface {
	Await(ctx context.Context) (any, error)
}

// ProcessError converts err into its transport-safe form
func ProcessError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}

	var existing *ErrorInfo
	if errors.As(err, &existing) && existing == err {
		c := *existing
		return &c
	}

	info := &ErrorInfo{
		Name:    errorName(err),
		Message: err.Error(),
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		info.Stack = panicErr.Stack
		if error(panicErr) == err {
			if inner := panicErr.Unwrap(); inner != nil {
				info.Name = errorName(inner)
			} else {
				info.Name = "Panic"
			}
		}
	}

	var assertErr *AssertionError
	if errors.As(err, &assertErr) {
		info.Name = "AssertionError"
		info.Expected = Stringify(assertErr.Expected)
		info.Actual = Stringify(assertErr.Actual)
		info.ShowDiff = true
	}

	return info
}

// errorName derives a display name from the concrete error type
func errorName(err error) string {
	if named, ok := err.(interface{ ErrorName() string }); ok {
		return named.ErrorName()
	}
	name := fmt.Sprintf("%T", err)
	name = strings.TrimLeft(name, "*")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" || name[0] < 'A' || name[0] > 'Z' {
		return "Error"
	}
	return name
}

// Stringify renders any value as text, replacing values that cannot be
// transported with stable placeholders.
func Stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	sanitized := Sanitize(v)
	if s, ok := sanitized.(string); ok {
		return s
	}
	data, err := EncodeJSON(sanitized)
	if err != nil {
		return "[Unserializable]"
	}
	return string(data)
}

// EncodeJSON marshals v without HTML escaping, so placeholders such as
// Function<name> stay readable.
func EncodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sanitize returns a JSON-encodable copy of v. Functions become
// "Function<name>", channels and Awaitable values become "Promise",
// cycles become "[Circular]".
func Sanitize(v any) any {
	return sanitize(reflect.ValueOf(v), map[uintptr]bool{}, 0)
}

var (
	awaitableType     = reflect.TypeOf((*Awaitable)(nil)).Elem()
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

func sanitize(v reflect.Value, seen map[uintptr]bool, depth int) any {
	if !v.IsValid() {
		return nil
	}
	if depth > maxSanitizeDepth {
		return "[Max Depth]"
	}
	if v.Type().Implements(awaitableType) {
		if v.Kind() == reflect.Pointer && v.IsNil() {
			return nil
		}
		return "Promise"
	}
	if v.Type().Implements(jsonMarshalerType) || v.Type().Implements(textMarshalerType) {
		if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
			return nil
		}
		return v.Interface()
	}

	switch v.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.String:
		return v.Interface()
	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprint(v.Interface())
	case reflect.Func:
		if v.IsNil() {
			return nil
		}
		return "Function<" + funcName(v) + ">"
	case reflect.Chan:
		return "Promise"
	case reflect.UnsafePointer:
		return "[Unserializable]"
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return sanitize(v.Elem(), seen, depth+1)
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return "[Circular]"
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		if err, ok := v.Interface().(error); ok && v.Elem().Kind() != reflect.Struct {
			return err.Error()
		}
		return sanitize(v.Elem(), seen, depth+1)
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return "[Circular]"
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = sanitize(iter.Value(), seen, depth+1)
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Len() > 0 {
			ptr := v.Pointer()
			if seen[ptr] {
				return "[Circular]"
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		fallthrough
	case reflect.Array:
		out := make([]any, v.Len())
		for i := range out {
			out[i] = sanitize(v.Index(i), seen, depth+1)
		}
		return out
	case reflect.Struct:
		out := make(map[string]any)
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("json"); ok {
				tagName, _, _ := strings.Cut(tag, ",")
				if tagName == "-" {
					continue
				}
				if tagName != "" {
					name = tagName
				}
			}
			out[name] = sanitize(v.Field(i), seen, depth+1)
		}
		return out
	}
	return "[Unserializable]"
}

func funcName(v reflect.Value) string {
	fn := runtime.FuncForPC(v.Pointer())
	if fn == nil {
		return "anonymous"
	}
	name := fn.Name()
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}
