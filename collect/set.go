package collect

import (
	"strings"
	"sync"
)

// File is a registered test file
type File struct {
	Path string
	Body Factory
}

// Set is an ordered registry of test files
type Set struct {
	mu    sync.RWMutex
	files []File
}

// NewSet creates an empty set
func NewSet() *Set {
	return &Set{}
}

// Default is the set used by the package-level Register
var Default = NewSet()

// Register adds the file to the default set
func Register(path string, body Factory) {
	Default.Register(path, body)
}

// Register adds a file. Registering an existing path replaces its body and
// keeps its position.
func (s *Set) Register(path string, body Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.files {
		if f.Path == path {
			s.files[i].Body = body
			return
		}
	}
	s.files = append(s.files, File{Path: path, Body: body})
}

// Len returns the number of registered files
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// Files returns the registered files in registration order. With filters,
// only files whose path contains at least one of them are returned.
func (s *Set) Files(filters ...string) []File {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []File
	for _, f := range s.files {
		if matches(f.Path, filters) {
			out = append(out, f)
		}
	}
	return out
}

func matches(path string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, filter := range filters {
		if strings.Contains(path, filter) {
			return true
		}
	}
	return false
}
