package loader

// This file contains the collaborator interfaces the loader drives: the
// resolver, transformer and evaluator of the module host.

import (
	"context"
)

// Exports is the evaluated value of a module
type Exports map[string]any

// Resolved describes a canonical module identity
type Resolved struct {
	// Canonical module id, used as cache key
	ID string
	// Module comes from the dependency directory
	External bool
	// Module is provided by the host runtime itself
	Builtin bool
}

// TransformResult is the output of transforming a module
type TransformResult struct {
	Code      string
	SourceMap string
}

// Resolver maps an import specifier to a canonical id. It returns nil, nil
// when the specifier cannot be resolved.
type Resolver interface {
	Resolve(ctx context.Context, id, importer string) (*Resolved, error)
}

// Transformer produces the code of a module
type Transformer interface {
	Transform(ctx context.Context, id string) (*TransformResult, error)
}

// Evaluator turns transformed code into exports. Dependencies of the module
// are requested through imp.
type Evaluator interface {
	Evaluate(ctx context.Context, id string, res *TransformResult, imp Importer) (Exports, error)
}

// Importer loads a dependency on behalf of the module identified by importer
type Importer interface {
	Require(ctx context.Context, id, importer string) (Exports, error)
}

// Host bundles the collaborators for a set of modules
type Host interface {
	Resolver
	Transformer
	Evaluator
	// Has reports whether the canonical id is served by this host
	Has(id string) bool
}

// WithTransformer returns a host that uses t for transforms and h for
// everything else.
func WithTransformer(h Host, t Transformer) Host {
	return &transformingHost{Host: h, transformer: t}
}

type transformingHost struct {
	Host
	transformer Transformer
}

func (h *transformingHost) Transform(ctx context.Context, id string) (*TransformResult, error) {
	return h.transformer.Transform(ctx, id)
}
