package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// MockSuffix marks cache keys holding mock-derived exports
const MockSuffix = "__mock"

// ErrImportCycle is returned when a module transitively requires itself
var ErrImportCycle = errors.New("import cycle")

// ErrNotFound is returned when no host serves a module id
var ErrNotFound = errors.New("module not found")

// CacheEntry is a loaded module
type CacheEntry struct {
	Exports Exports
	// Exports were produced by a mock rather than the real module
	Mock bool
}

// Observer is notified about module loads
type Observer interface {
	ModuleLoaded(id string, d time.Duration, err error)
}

// Options configures a Loader
type Options struct {
	Logger   zerolog.Logger
	Observer Observer
}

// Loader caches evaluated modules by canonical id and deduplicates
// concurrent loads and transforms of the same id.
type Loader struct {
	host     Host
	logger   zerolog.Logger
	observer Observer

	mu    sync.RWMutex
	cache map[string]*CacheEntry

	loads      singleflight.Group
	transforms singleflight.Group

	waits waitGraph
}

// New creates a loader over the given host
func New(host Host, opts Options) *Loader {
	return &Loader{
		host:     host,
		logger:   opts.Logger,
		observer: opts.Observer,
		cache:    make(map[string]*CacheEntry),
		waits:    waitGraph{edges: make(map[string]map[string]int)},
	}
}

// Host returns the module host
func (l *Loader) Host() Host {
	return l.host
}

// Cached returns the cache entry for key, or nil
func (l *Loader) Cached(key string) *CacheEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cache[key]
}

// SetCache stores exports under key
func (l *Loader) SetCache(key string, exports Exports, mock bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[key] = &CacheEntry{Exports: exports, Mock: mock}
}

// Invalidate drops the given keys, or every entry when none are given
func (l *Loader) Invalidate(keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(keys) == 0 {
		l.cache = make(map[string]*CacheEntry)
		return
	}
	for _, k := range keys {
		delete(l.cache, k)
	}
}

// InvalidateMocks drops every mock-derived entry
func (l *Loader) InvalidateMocks() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.cache {
		if e.Mock || strings.HasSuffix(k, MockSuffix) {
			delete(l.cache, k)
		}
	}
}

// Resolve resolves id relative to importer through the host
func (l *Loader) Resolve(ctx context.Context, id, importer string) (*Resolved, error) {
	return l.host.Resolve(ctx, id, importer)
}

// Require resolves id relative to importer and loads the real module.
// Unresolvable ids are requested as-is.
func (l *Loader) Require(ctx context.Context, id, importer string) (Exports, error) {
	resolved, err := l.Resolve(ctx, id, importer)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q from %q: %w", id, importer, err)
	}
	if resolved != nil {
		id = resolved.ID
	}
	return l.Request(ctx, id, l)
}

type loadingKey struct{}

func loading(ctx context.Context) []string {
	chain, _ := ctx.Value(loadingKey{}).([]string)
	return chain
}

// Request returns the exports of the canonical id, loading it on a cache
// miss. imp serves the module's own dependencies.
func (l *Loader) Request(ctx context.Context, id string, imp Importer) (Exports, error) {
	if e := l.Cached(id); e != nil {
		return e.Exports, nil
	}

	chain := loading(ctx)
	for _, c := range chain {
		if c == id {
			return nil, fmt.Errorf("%w: %s -> %s", ErrImportCycle, strings.Join(chain, " -> "), id)
		}
	}
	release, err := l.waits.enter(chain, id)
	if err != nil {
		return nil, err
	}
	defer release()

	next := make([]string, len(chain), len(chain)+1)
	copy(next, chain)
	ctx = context.WithValue(ctx, loadingKey{}, append(next, id))

	v, err, shared := l.loads.Do(id, func() (any, error) {
		if e := l.Cached(id); e != nil {
			return e.Exports, nil
		}

		start := time.Now()
		exports, err := l.load(ctx, id, imp)
		if l.observer != nil {
			l.observer.ModuleLoaded(id, time.Since(start), err)
		}
		if err != nil {
			return nil, err
		}
		l.SetCache(id, exports, false)
		return exports, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		l.logger.Debug().Str("module", id).Msg("Joined in-flight module load")
	}
	return v.(Exports), nil
}

// waitGraph records which in-flight load waits on which module. An edge
// from -> to exists while the load of from, or a request made while
// evaluating it, waits for to. A request closing a path back into the
// caller's own loading chain would never settle.
type waitGraph struct {
	mu    sync.Mutex
	edges map[string]map[string]int
}

// enter adds the edge from the innermost load of chain to id, or fails
// with ErrImportCycle when id already waits on a module of chain.
func (g *waitGraph) enter(chain []string, id string) (func(), error) {
	if len(chain) == 0 {
		return func() {}, nil
	}
	from := chain[len(chain)-1]

	g.mu.Lock()
	defer g.mu.Unlock()

	if via := g.path(id, chain); via != nil {
		return nil, fmt.Errorf("%w: %s -> %s (in flight)", ErrImportCycle,
			strings.Join(chain, " -> "), strings.Join(via, " -> "))
	}
	if g.edges[from] == nil {
		g.edges[from] = make(map[string]int)
	}
	g.edges[from][id]++

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.edges[from][id]--; g.edges[from][id] == 0 {
			delete(g.edges[from], id)
		}
		if len(g.edges[from]) == 0 {
			delete(g.edges, from)
		}
	}, nil
}

// path returns the waits leading from id to a module of chain, or nil
func (g *waitGraph) path(id string, chain []string) []string {
	targets := make(map[string]bool, len(chain))
	for _, c := range chain {
		targets[c] = true
	}
	seen := map[string]bool{}

	var walk func(n string) []string
	walk = func(n string) []string {
		if targets[n] {
			return []string{n}
		}
		if seen[n] {
			return nil
		}
		seen[n] = true
		for next := range g.edges[n] {
			if rest := walk(next); rest != nil {
				return append([]string{n}, rest...)
			}
		}
		return nil
	}
	return walk(id)
}

func (l *Loader) load(ctx context.Context, id string, imp Importer) (Exports, error) {
	if !l.host.Has(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	res, err := l.Transform(ctx, id)
	if err != nil {
		return nil, err
	}

	l.logger.Debug().Str("module", id).Msg("Evaluating module")
	exports, err := l.host.Evaluate(ctx, id, res, imp)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", id, err)
	}
	if exports == nil {
		exports = Exports{}
	}
	return exports, nil
}

// Transform transforms id. Concurrent calls for the same id share one
// transform; the in-flight entry is forgotten once it settles, so a failed
// transform is retried by the next call.
func (l *Loader) Transform(ctx context.Context, id string) (*TransformResult, error) {
	v, err, _ := l.transforms.Do(id, func() (any, error) {
		l.logger.Debug().Str("module", id).Msg("Transforming module")
		return l.host.Transform(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to transform %s: %w", id, err)
	}
	res, _ := v.(*TransformResult)
	return res, nil
}
