package loader

// This file contains a host that treats JSON and YAML files as modules.

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// DataExtensions lists the file extensions served by DataHost, in probe order
var DataExtensions = []string{".json", ".yaml", ".yml"}

// DataHost serves data files below Root. A file whose top-level value is a
// mapping becomes the exports; anything else is exported as "default".
type DataHost struct {
	Fs   afero.Fs
	Root string
	// DependencyDir marks ids below it as external
	DependencyDir string
}

// NewDataHost creates a host reading from fs below root
func NewDataHost(fs afero.Fs, root string) *DataHost {
	return &DataHost{Fs: fs, Root: root, DependencyDir: "node_modules"}
}

func isDataFile(id string) bool {
	ext := strings.ToLower(path.Ext(id))
	for _, e := range DataExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func (h *DataHost) filename(id string) string {
	if filepath.IsAbs(id) {
		return id
	}
	return filepath.Join(h.Root, filepath.FromSlash(id))
}

// Has reports whether id is an existing data file
func (h *DataHost) Has(id string) bool {
	if !isDataFile(id) {
		return false
	}
	ok, err := afero.Exists(h.Fs, h.filename(id))
	return err == nil && ok
}

// Resolve implements Resolver. Specifiers without extension are probed
// with each of DataExtensions.
func (h *DataHost) Resolve(_ context.Context, id, importer string) (*Resolved, error) {
	if isRelative(id) {
		id = path.Join(path.Dir(importer), id)
	}
	id = path.Clean(id)

	candidates := []string{id}
	if !isDataFile(id) {
		candidates = candidates[:0]
		for _, ext := range DataExtensions {
			candidates = append(candidates, id+ext)
		}
	}

	for _, c := range candidates {
		if h.Has(c) {
			external := false
			if h.DependencyDir != "" {
				for _, seg := range strings.Split(c, "/") {
					if seg == h.DependencyDir {
						external = true
						break
					}
				}
			}
			return &Resolved{ID: c, External: external}, nil
		}
	}
	return nil, nil
}

// Transform implements Transformer by reading the file
func (h *DataHost) Transform(_ context.Context, id string) (*TransformResult, error) {
	data, err := afero.ReadFile(h.Fs, h.filename(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", id, err)
	}
	return &TransformResult{Code: string(data)}, nil
}

// Evaluate implements Evaluator by decoding the transformed code
func (h *DataHost) Evaluate(_ context.Context, id string, res *TransformResult, _ Importer) (Exports, error) {
	if res == nil {
		return nil, fmt.Errorf("no code for %s", id)
	}
	var value any
	if strings.ToLower(path.Ext(id)) == ".json" {
		if err := json.Unmarshal([]byte(res.Code), &value); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", id, err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(res.Code), &value); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", id, err)
		}
	}

	if m, ok := value.(map[string]any); ok {
		return Exports(m), nil
	}
	return Exports{"default": value}, nil
}
