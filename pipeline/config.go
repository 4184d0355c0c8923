package pipeline

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/hupe1980/vecproj/model"
	"github.com/hupe1980/vecproj/transform"
)

// Config is an immutable, validated projection config.
// All methods are safe for concurrent use.
type Config struct {
	id    model.ConfigID
	spec  Spec
	steps []transform.Transform
	dims  []int
}

// ID returns the content hash identity.
func (c *Config) ID() model.ConfigID { return c.id }

// Name returns the config's label.
func (c *Config) Name() string { return c.spec.Name }

// Version returns the config's version label.
func (c *Config) Version() string { return c.spec.Version }

// InputDim returns the width Apply accepts.
func (c *Config) InputDim() int { return c.spec.InputDim }

// OutputDim returns the width of projected vectors.
func (c *Config) OutputDim() int { return c.dims[len(c.dims)-1] }

// Dims returns the output width after each step.
func (c *Config) Dims() []int { return slices.Clone(c.dims) }

// Steps returns the number of steps.
func (c *Config) Steps() int { return len(c.steps) }

// Spec returns a copy of the normalized spec (defaults filled in).
func (c *Config) Spec() Spec {
	out := c.spec
	out.Steps = make([]StepSpec, len(c.spec.Steps))
	for i, s := range c.spec.Steps {
		out.Steps[i] = StepSpec{Transform: s.Transform, Params: maps.Clone(s.Params)}
	}
	return out
}

// String returns a short description for logs.
func (c *Config) String() string {
	return fmt.Sprintf("%s@%s(%s %d->%d)", c.spec.Name, c.spec.Version, c.id.Short(), c.InputDim(), c.OutputDim())
}

// Apply runs every step over v and returns a fresh projected vector.
// v is never modified. On error no partial output is returned.
func (c *Config) Apply(v []float32) ([]float32, error) {
	if len(v) != c.spec.InputDim {
		return nil, &errs.DimensionMismatchError{Expected: c.spec.InputDim, Actual: len(v)}
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil, errs.Invalidf("component %d is not finite", i)
		}
	}

	src := v
	for i, tr := range c.steps {
		dst := make([]float32, c.dims[i])
		if err := tr.Apply(dst, src); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, tr.Name(), err)
		}
		src = dst
	}
	return src, nil
}

// OutputDimChain recomputes the final width by chaining each step's
// declared output function from the input width.
func (c *Config) OutputDimChain() (int, error) {
	w := c.spec.InputDim
	for _, tr := range c.steps {
		out, err := tr.OutputDim(w)
		if err != nil {
			return 0, err
		}
		w = out
	}
	return w, nil
}
