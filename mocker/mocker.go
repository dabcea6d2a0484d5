package mocker

// This file contains the per-file mocker that intercepts module requests.

import (
	"context"
	"fmt"
	"path"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/perfgo/vtest/loader"
)

// FactoryError wraps a failure of a user mock factory
type FactoryError struct {
	Path string
	Err  error
}

func (e *FactoryError) Error() string {
	return fmt.Sprintf("mock factory for %s failed: %v", e.Path, e.Err)
}

func (e *FactoryError) Unwrap() error {
	return e.Err
}

// Observer is notified whenever a request is served by a mock
type Observer interface {
	MockServed(path string, kind EntryKind)
}

// Options configures a Mocker
type Options struct {
	// Filesystem probed for override modules
	Fs afero.Fs
	// Project root, override modules for external dependencies live below it
	Root string
	// Name of override directories, default "__mocks__"
	MocksDir string
	// Path segment marking external dependencies, default "node_modules"
	DependencyDir string
	Logger        zerolog.Logger
	Observer      Observer
}

type pendingMock struct {
	id       string
	importer string
	unmock   bool
	factory  Factory
}

// Mocker serves module requests of one test file, substituting mocks
// registered by that file or globally.
type Mocker struct {
	file     string
	registry *Registry
	loader   *loader.Loader
	spies    *Spies
	opts     Options

	mu      sync.Mutex
	pending []pendingMock
	// held while the queue is drained so requests never observe a
	// partially applied queue
	resolving sync.Mutex
	// set once a record of this file reached the registry
	touched atomic.Bool

	factories singleflight.Group
}

// New creates the mocker for file. An empty file registers into the global
// partition.
func New(file string, registry *Registry, l *loader.Loader, spies *Spies, opts Options) *Mocker {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.MocksDir == "" {
		opts.MocksDir = "__mocks__"
	}
	if opts.DependencyDir == "" {
		opts.DependencyDir = "node_modules"
	}
	if spies == nil {
		spies = NewSpies()
	}
	return &Mocker{
		file:     file,
		registry: registry,
		loader:   l,
		spies:    spies,
		opts:     opts,
	}
}

// File returns the test file the mocker serves
func (m *Mocker) File() string {
	return m.file
}

// Spies returns the spy set used by the mocker
func (m *Mocker) Spies() *Spies {
	return m.spies
}

// Registry returns the mock registry
func (m *Mocker) Registry() *Registry {
	return m.registry
}

// Fn creates a tracked spy
func (m *Mocker) Fn(impl any) *Spy {
	return m.spies.Fn(impl)
}

// SpyOn replaces a callable property with a tracked spy
func (m *Mocker) SpyOn(target any, key string) (*Spy, error) {
	return m.spies.SpyOn(target, key)
}

// MockObject returns the automocked form of value
func (m *Mocker) MockObject(value any) any {
	return m.spies.MockObject(value)
}

// QueueMock records that id, as imported from importer, is to be mocked.
// A nil factory selects the override module or an automock. The record
// takes effect on the next request.
func (m *Mocker) QueueMock(id, importer string, factory Factory) {
	m.queue(pendingMock{id: id, importer: m.importer(importer), factory: factory})
}

// QueueUnmock records that a mock of id is to be removed
func (m *Mocker) QueueUnmock(id, importer string) {
	m.queue(pendingMock{id: id, importer: m.importer(importer), unmock: true})
}

func (m *Mocker) importer(importer string) string {
	if importer == "" {
		return m.file
	}
	return importer
}

func (m *Mocker) queue(p pendingMock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, p)
}

// Touched reports whether any queued mock or unmock of this file was
// applied to the registry. Modules loaded afterwards may have captured it.
func (m *Mocker) Touched() bool {
	return m.touched.Load()
}

// ResolveMocks drains the pending queue into the registry in queue order.
// When a record fails to resolve, it is dropped and the records queued
// after it stay pending for the next call.
func (m *Mocker) ResolveMocks(ctx context.Context) error {
	m.resolving.Lock()
	defer m.resolving.Unlock()

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for i, p := range pending {
		resolved, external, err := m.resolvePath(ctx, p.id, p.importer)
		if err != nil {
			m.requeue(pending[i+1:])
			return err
		}

		// stale mock exports must not outlive a registry change
		m.loader.Invalidate(resolved + loader.MockSuffix)
		m.touched.Store(true)

		if p.unmock {
			m.registry.Delete(m.file, resolved)
			m.opts.Logger.Debug().Str("file", m.file).Str("module", resolved).Msg("Unmocked module")
			continue
		}

		entry := Entry{Kind: KindAutomock}
		if p.factory != nil {
			entry = Entry{Kind: KindFactory, Factory: p.factory}
		} else if override, ok := m.ResolveMockPath(resolved, external); ok {
			entry = Entry{Kind: KindPath, Path: override}
		}
		m.registry.Set(m.file, resolved, entry)

		m.opts.Logger.Debug().
			Str("file", m.file).
			Str("module", resolved).
			Stringer("kind", entry.Kind).
			Msg("Mocked module")
	}
	return nil
}

// requeue puts records back in front of anything queued meanwhile
func (m *Mocker) requeue(records []pendingMock) {
	if len(records) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(append([]pendingMock(nil), records...), m.pending...)
}

// resolvePath returns the canonical path of id and, for external or
// builtin modules, the bare specifier used to find root-level overrides.
// Unresolvable ids keep the raw id as path.
func (m *Mocker) resolvePath(ctx context.Context, id, importer string) (string, string, error) {
	resolved, err := m.loader.Resolve(ctx, id, importer)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve %q from %q: %w", id, importer, err)
	}

	p := id
	external := false
	if resolved != nil {
		p = resolved.ID
		external = resolved.External || resolved.Builtin
	} else {
		m.opts.Logger.Debug().Str("module", id).Str("importer", importer).Msg("Module not resolvable, using raw id")
	}
	if !external {
		external = hasSegment(p, m.opts.DependencyDir)
	}

	if external {
		return p, id, nil
	}
	return p, "", nil
}

func hasSegment(p, segment string) bool {
	for _, s := range strings.Split(p, "/") {
		if s == segment {
			return true
		}
	}
	return false
}

// ResolveMockPath finds the override module for p. Overrides of external
// modules live in <root>/<mocksDir>/ mirroring the specifier external, and
// the first file whose name up to the first dot matches wins. Overrides of
// internal modules live in <dir>/<mocksDir>/<base>.
func (m *Mocker) ResolveMockPath(p, external string) (string, bool) {
	fs := m.opts.Fs

	if external != "" {
		specifier := strings.TrimPrefix(path.Clean(external), "/")
		folder := path.Join(m.opts.Root, m.opts.MocksDir, path.Dir(specifier))
		base := path.Base(specifier)

		entries, err := afero.ReadDir(fs, folder)
		if err != nil {
			return "", false
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name, _, _ := strings.Cut(e.Name(), ".")
			if name == base {
				return m.relative(path.Join(folder, e.Name())), true
			}
		}
		return "", false
	}

	full := path.Join(m.opts.Root, path.Dir(p), m.opts.MocksDir, path.Base(p))
	if ok, err := afero.Exists(fs, full); err != nil || !ok {
		return "", false
	}
	return m.relative(full), true
}

func (m *Mocker) relative(p string) string {
	if m.opts.Root == "" {
		return p
	}
	rel := strings.TrimPrefix(p, path.Clean(m.opts.Root))
	return strings.TrimPrefix(rel, "/")
}

// Require implements loader.Importer, so modules evaluated on behalf of
// this file see its mocks.
func (m *Mocker) Require(ctx context.Context, id, importer string) (loader.Exports, error) {
	p, _, err := m.resolvePath(ctx, id, importer)
	if err != nil {
		return nil, err
	}
	return m.Request(ctx, p)
}

// Request returns the exports of dep, honoring the effective mock entry
func (m *Mocker) Request(ctx context.Context, dep string) (loader.Exports, error) {
	if err := m.ResolveMocks(ctx); err != nil {
		return nil, err
	}

	entry, ok := m.registry.Lookup(m.file, dep)
	if !ok {
		return m.loader.Request(ctx, dep, m)
	}
	if m.opts.Observer != nil {
		m.opts.Observer.MockServed(dep, entry.Kind)
	}

	switch entry.Kind {
	case KindFactory:
		return m.callFactory(ctx, dep, entry.Factory)
	case KindPath:
		return m.loader.Request(ctx, entry.Path, m)
	}
	return m.automock(ctx, dep)
}

func (m *Mocker) automock(ctx context.Context, dep string) (loader.Exports, error) {
	key := dep + loader.MockSuffix
	if cached := m.loader.Cached(key); cached != nil {
		return cached.Exports, nil
	}

	v, err, _ := m.factories.Do(key, func() (any, error) {
		if cached := m.loader.Cached(key); cached != nil {
			return cached.Exports, nil
		}
		actual, err := m.loader.Request(ctx, dep, m)
		if err != nil {
			return nil, err
		}
		exports, _ := m.spies.MockObject(actual).(loader.Exports)
		m.loader.SetCache(key, exports, true)
		return exports, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(loader.Exports), nil
}

// callFactory invokes the factory once per registration; later requests are
// served from the mock cache entry.
func (m *Mocker) callFactory(ctx context.Context, dep string, factory Factory) (loader.Exports, error) {
	key := dep + loader.MockSuffix
	if cached := m.loader.Cached(key); cached != nil {
		return cached.Exports, nil
	}

	v, err, _ := m.factories.Do(key, func() (exports any, err error) {
		if cached := m.loader.Cached(key); cached != nil {
			return cached.Exports, nil
		}

		defer func() {
			if r := recover(); r != nil {
				err = &FactoryError{Path: dep, Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
			}
		}()

		m.opts.Logger.Debug().Str("file", m.file).Str("module", dep).Msg("Calling mock factory")
		result, err := factory(ctx)
		if err != nil {
			return nil, &FactoryError{Path: dep, Err: err}
		}
		if result == nil {
			result = loader.Exports{}
		}
		m.loader.SetCache(key, result, true)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(loader.Exports), nil
}

// Import resolves id relative to the test file and requests it with mocks
func (m *Mocker) Import(ctx context.Context, id string) (loader.Exports, error) {
	return m.Require(ctx, id, m.file)
}

// ImportActual loads the real module regardless of any mock entry. Its own
// dependencies are still served through the mocker.
func (m *Mocker) ImportActual(ctx context.Context, id string) (loader.Exports, error) {
	if err := m.ResolveMocks(ctx); err != nil {
		return nil, err
	}
	p, _, err := m.resolvePath(ctx, id, m.file)
	if err != nil {
		return nil, err
	}
	return m.loader.Request(ctx, p, m)
}

// ImportMock returns the mocked form of id even when it is not registered
// as mocked: the registered entry if any, else the override module, else
// an automock of the real module.
func (m *Mocker) ImportMock(ctx context.Context, id string) (loader.Exports, error) {
	if err := m.ResolveMocks(ctx); err != nil {
		return nil, err
	}
	p, external, err := m.resolvePath(ctx, id, m.file)
	if err != nil {
		return nil, err
	}

	if entry, ok := m.registry.Lookup(m.file, p); ok {
		switch entry.Kind {
		case KindFactory:
			return m.callFactory(ctx, p, entry.Factory)
		case KindPath:
			return m.loader.Request(ctx, entry.Path, m)
		}
		return m.automock(ctx, p)
	}

	if override, ok := m.ResolveMockPath(p, external); ok {
		return m.loader.Request(ctx, override, m)
	}

	actual, err := m.loader.Request(ctx, p, m)
	if err != nil {
		return nil, err
	}
	exports, _ := m.spies.MockObject(actual).(loader.Exports)
	return exports, nil
}

// ClearMocks applies the strongest requested cleanup to every spy
func (m *Mocker) ClearMocks(levels Levels) {
	m.spies.Clear(levels)
}

type contextKey struct{}

// WithContext returns a context carrying m
func WithContext(ctx context.Context, m *Mocker) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// FromContext returns the mocker of the running test file, or nil
func FromContext(ctx context.Context) *Mocker {
	m, _ := ctx.Value(contextKey{}).(*Mocker)
	return m
}
