package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/hupe1980/vecproj/codec"
	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/hupe1980/vecproj/model"
	"github.com/hupe1980/vecproj/transform"
)

// Pipeline builds configs against an explicit transform registry.
type Pipeline struct {
	registry *transform.Registry
}

// New returns a Pipeline bound to registry. A nil registry means
// transform.NewDefaultRegistry().
func New(registry *transform.Registry) *Pipeline {
	if registry == nil {
		registry = transform.NewDefaultRegistry()
	}
	return &Pipeline{registry: registry}
}

// Registry returns the registry the pipeline instantiates from.
func (p *Pipeline) Registry() *transform.Registry { return p.registry }

// Build validates spec and returns an immutable Config.
//
// Every step is instantiated and its declared output width chained before
// anything runs; a width disagreement fails with *errs.DimensionMismatchError
// naming the 1-based step whose expected input is violated.
func (p *Pipeline) Build(spec Spec) (*Config, error) {
	if spec.InputDim <= 0 {
		return nil, errs.Invalidf("input_dim must be positive, got %d", spec.InputDim)
	}
	if len(spec.Steps) == 0 {
		return nil, errs.Invalidf("config %q has no steps", spec.Name)
	}

	steps := make([]transform.Transform, len(spec.Steps))
	dims := make([]int, len(spec.Steps))
	width := spec.InputDim

	for i, s := range spec.Steps {
		stepNo := i + 1
		tr, err := p.registry.Instantiate(s.Transform, s.Params)
		if err != nil {
			return nil, &errs.StepError{Step: stepNo, Transform: s.Transform, Err: err}
		}

		out, err := tr.OutputDim(width)
		if err != nil {
			var dm *errs.DimensionMismatchError
			if errors.As(err, &dm) {
				return nil, &errs.DimensionMismatchError{Step: stepNo, Expected: dm.Expected, Actual: dm.Actual}
			}
			return nil, &errs.StepError{Step: stepNo, Transform: s.Transform, Err: err}
		}

		steps[i] = tr
		dims[i] = out
		width = out
	}

	normalized := Spec{
		Name:     spec.Name,
		Version:  spec.Version,
		InputDim: spec.InputDim,
		Steps:    make([]StepSpec, len(steps)),
	}
	for i, tr := range steps {
		normalized.Steps[i] = StepSpec{Transform: tr.Name(), Params: tr.Params()}
	}

	id, err := contentHash(normalized)
	if err != nil {
		return nil, err
	}

	return &Config{
		id:    id,
		spec:  normalized,
		steps: steps,
		dims:  dims,
	}, nil
}

type hashedStep struct {
	Transform string         `json:"transform"`
	Params    map[string]any `json:"params"`
}

type hashedSpec struct {
	InputDim int          `json:"input_dim"`
	Steps    []hashedStep `json:"steps"`
}

// contentHash hashes the canonical JSON of the width and ordered, normalized
// steps. Map keys are emitted sorted, so the encoding is canonical. Name and
// version are labels and do not take part in identity.
func contentHash(s Spec) (model.ConfigID, error) {
	h := hashedSpec{InputDim: s.InputDim, Steps: make([]hashedStep, len(s.Steps))}
	for i, st := range s.Steps {
		params := st.Params
		if params == nil {
			params = map[string]any{}
		}
		h.Steps[i] = hashedStep{Transform: st.Transform, Params: params}
	}

	b, err := codec.Canonical(h)
	if err != nil {
		return "", fmt.Errorf("hash config: %w", err)
	}
	sum := sha256.Sum256(b)
	return model.ConfigID(hex.EncodeToString(sum[:])), nil
}
