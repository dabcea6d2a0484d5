package loader

// This file contains an in-process host whose modules are Go functions.

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
)

// ModuleFunc evaluates a module defined in Go
type ModuleFunc func(ctx context.Context, imp Importer) (Exports, error)

type memModule struct {
	fn       ModuleFunc
	external bool
	builtin  bool
}

// MemoryHost serves modules defined with Define. It is safe for concurrent
// use.
type MemoryHost struct {
	// TransformHook, when set, runs before every transform. Returning an
	// error fails the transform.
	TransformHook func(ctx context.Context, id string) error

	mu         sync.RWMutex
	modules    map[string]*memModule
	aliases    map[string]string
	transforms map[string]int
}

// NewMemoryHost creates an empty host
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		modules:    make(map[string]*memModule),
		aliases:    make(map[string]string),
		transforms: make(map[string]int),
	}
}

// Default is the host modules defined from Go code register into
var Default = NewMemoryHost()

// Define registers an internal module
func (h *MemoryHost) Define(id string, fn ModuleFunc) {
	h.define(id, &memModule{fn: fn})
}

// DefineValue registers an internal module with fixed exports
func (h *MemoryHost) DefineValue(id string, exports Exports) {
	h.Define(id, func(context.Context, Importer) (Exports, error) {
		return exports, nil
	})
}

// DefineExternal registers a module that lives in the dependency directory
func (h *MemoryHost) DefineExternal(id string, fn ModuleFunc) {
	h.define(id, &memModule{fn: fn, external: true})
}

// DefineBuiltin registers a module provided by the runtime
func (h *MemoryHost) DefineBuiltin(id string, fn ModuleFunc) {
	h.define(id, &memModule{fn: fn, builtin: true})
}

func (h *MemoryHost) define(id string, m *memModule) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modules[id] = m
}

// Alias makes the bare specifier resolve to id
func (h *MemoryHost) Alias(specifier, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aliases[specifier] = id
}

// TransformCount returns how many times id was transformed
func (h *MemoryHost) TransformCount(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.transforms[id]
}

// Has reports whether id is defined
func (h *MemoryHost) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.modules[id]
	return ok
}

// Resolve implements Resolver
func (h *MemoryHost) Resolve(_ context.Context, id, importer string) (*Resolved, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if target, ok := h.aliases[id]; ok {
		id = target
	} else if isRelative(id) {
		id = path.Join(path.Dir(importer), id)
	}

	m, ok := h.modules[id]
	if !ok {
		return nil, nil
	}
	return &Resolved{ID: id, External: m.external, Builtin: m.builtin}, nil
}

// Transform implements Transformer
func (h *MemoryHost) Transform(ctx context.Context, id string) (*TransformResult, error) {
	h.mu.Lock()
	h.transforms[id]++
	_, ok := h.modules[id]
	hook := h.TransformHook
	h.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &TransformResult{Code: "module " + id}, nil
}

// Evaluate implements Evaluator
func (h *MemoryHost) Evaluate(ctx context.Context, id string, _ *TransformResult, imp Importer) (Exports, error) {
	h.mu.RLock()
	m, ok := h.modules[id]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.fn(ctx, imp)
}

func isRelative(id string) bool {
	return strings.HasPrefix(id, "./") || strings.HasPrefix(id, "../")
}
