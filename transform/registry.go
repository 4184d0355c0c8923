package transform

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/vecproj/internal/errs"
)

// Factory builds a typed parameter struct from a normalized parameter map
// (see Schema.Validate for the normalized value types).
type Factory func(params map[string]any) (Params, error)

type entry struct {
	schema  Schema
	factory Factory
}

// Registry maps transform names to schemas and factories.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// NewDefaultRegistry returns a registry with the built-in transforms.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, b := range builtins() {
		if err := r.Register(b.name, b.schema, b.factory); err != nil {
			panic(fmt.Sprintf("transform: register builtin %q: %v", b.name, err))
		}
	}
	return r
}

// Register adds a transform. Names are unique within a registry.
func (r *Registry) Register(name string, schema Schema, factory Factory) error {
	if name == "" {
		return fmt.Errorf("%w: transform name must not be empty", errs.ErrInvalidArgument)
	}
	if factory == nil {
		return fmt.Errorf("%w: transform %q has no factory", errs.ErrInvalidArgument, name)
	}
	seen := make(map[string]struct{}, len(schema.Fields))
	for _, f := range schema.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: transform %q has an unnamed schema field", errs.ErrInvalidArgument, name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: transform %q declares field %q twice", errs.ErrInvalidArgument, name, f.Name)
		}
		seen[f.Name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: transform %q already registered", errs.ErrInvalidArgument, name)
	}
	r.entries[name] = entry{schema: schema, factory: factory}
	return nil
}

// Instantiate validates params against the named schema and builds the
// transform.
func (r *Registry) Instantiate(name string, params map[string]any) (Transform, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Transform{}, fmt.Errorf("%w: %q", errs.ErrUnknownTransform, name)
	}

	normalized, err := e.schema.Validate(params)
	if err != nil {
		return Transform{}, fmt.Errorf("transform %q: %w", name, err)
	}

	p, err := e.factory(normalized)
	if err != nil {
		if !errors.Is(err, errs.ErrInvalidParameters) {
			err = fmt.Errorf("%w: %w", errs.ErrInvalidParameters, err)
		}
		return Transform{}, fmt.Errorf("transform %q: %w", name, err)
	}
	if p == nil {
		return Transform{}, fmt.Errorf("transform %q: %w: factory returned no parameters", name, errs.ErrInvalidParameters)
	}
	if !knownParams(p) {
		return Transform{}, fmt.Errorf("transform %q: %w: unsupported parameter type %T", name, errs.ErrInvalidParameters, p)
	}

	return Transform{name: name, params: p, normalized: normalized}, nil
}

// knownParams reports whether Transform can apply p. Factories of new
// transforms return CustomParams.
func knownParams(p Params) bool {
	switch p.(type) {
	case TruncateParams, LinearParams, CenterScaleParams, NormalizeParams,
		RandomRotationParams, RandomProjectionParams, CustomParams:
		return true
	default:
		return false
	}
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Schema returns the schema registered under name.
func (r *Registry) Schema(name string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.schema, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
