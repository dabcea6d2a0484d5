package run

import (
	"fmt"
	"runtime/debug"

	"github.com/perfgo/vtest/model"
)

// HookError is a failure of a lifecycle hook
type HookError struct {
	// beforeAll, afterAll, beforeEach or afterEach
	Hook string
	// Name of the suite owning the hook
	Suite string
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook of suite %q failed: %v", e.Hook, e.Suite, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// EmptySuiteError marks a runnable suite without any test
type EmptySuiteError struct {
	Suite string
}

func (e *EmptySuiteError) Error() string {
	return fmt.Sprintf("No tests found in suite %s", e.Suite)
}

// ProcessError normalizes an error or a recovered panic value into its
// transport-safe form.
func ProcessError(v any) *model.ErrorInfo {
	switch e := v.(type) {
	case nil:
		return nil
	case error:
		return model.ProcessError(e)
	}
	return model.ProcessError(&model.PanicError{Value: v, Stack: string(debug.Stack())})
}

// protect runs fn and converts a panic into a *model.PanicError
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &model.PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}
