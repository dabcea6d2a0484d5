package mocker

import (
	"context"
	"sync"

	"github.com/perfgo/vtest/loader"
)

// GlobalPartition holds mocks registered outside of any test file
const GlobalPartition = "global"

// EntryKind tells how a mocked module is produced
type EntryKind int

const (
	// KindAutomock derives the mock from the real module
	KindAutomock EntryKind = iota
	// KindPath loads an override module instead
	KindPath
	// KindFactory calls a user factory
	KindFactory
)

func (k EntryKind) String() string {
	switch k {
	case KindPath:
		return "path"
	case KindFactory:
		return "factory"
	}
	return "automock"
}

// Factory produces the exports of a mocked module
type Factory func(ctx context.Context) (loader.Exports, error)

// Entry is a registered mock
type Entry struct {
	Kind    EntryKind
	Path    string
	Factory Factory
}

// Registry holds mock entries partitioned by test file
type Registry struct {
	mu         sync.RWMutex
	partitions map[string]map[string]Entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{partitions: make(map[string]map[string]Entry)}
}

// Global returns the name of the partition shared by all files
func (r *Registry) Global() string {
	return GlobalPartition
}

func partition(file string) string {
	if file == "" {
		return GlobalPartition
	}
	return file
}

// Set registers the entry for path in the file's partition
func (r *Registry) Set(file, path string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := partition(file)
	if r.partitions[p] == nil {
		r.partitions[p] = make(map[string]Entry)
	}
	r.partitions[p][path] = e
}

// Delete removes the entry for path from the file's partition
func (r *Registry) Delete(file, path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.partitions[partition(file)]
	if _, ok := entries[path]; !ok {
		return false
	}
	delete(entries, path)
	return true
}

// Lookup returns the effective entry for path as seen from file. The
// file's own partition takes precedence over the global one.
func (r *Registry) Lookup(file, path string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.partitions[partition(file)][path]; ok {
		return e, true
	}
	e, ok := r.partitions[GlobalPartition][path]
	return e, ok
}

// Paths returns the mocked paths of the file's own partition
func (r *Registry) Paths(file string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.partitions[partition(file)]
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	return paths
}

// ClearFile drops the file's partition and returns how many entries it held
func (r *Registry) ClearFile(file string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := partition(file)
	n := len(r.partitions[p])
	delete(r.partitions, p)
	return n
}

// Reset drops every partition
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partitions = make(map[string]map[string]Entry)
}
