package loader

import (
	"context"
	"fmt"
)

// MultiHost routes each module id to the first host that has it
type MultiHost []Host

// Has reports whether any host serves id
func (m MultiHost) Has(id string) bool {
	return m.host(id) != nil
}

func (m MultiHost) host(id string) Host {
	for _, h := range m {
		if h.Has(id) {
			return h
		}
	}
	return nil
}

// Resolve returns the first successful resolution
func (m MultiHost) Resolve(ctx context.Context, id, importer string) (*Resolved, error) {
	for _, h := range m {
		r, err := h.Resolve(ctx, id, importer)
		if err != nil {
			return nil, err
		}
		if r != nil {
			return r, nil
		}
	}
	return nil, nil
}

// Transform implements Transformer
func (m MultiHost) Transform(ctx context.Context, id string) (*TransformResult, error) {
	h := m.host(id)
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h.Transform(ctx, id)
}

// Evaluate implements Evaluator
func (m MultiHost) Evaluate(ctx context.Context, id string, res *TransformResult, imp Importer) (Exports, error) {
	h := m.host(id)
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h.Evaluate(ctx, id, res, imp)
}
