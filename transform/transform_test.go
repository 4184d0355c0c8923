package transform

import (
	"errors"
	"math"
	"testing"

	"github.com/hupe1980/vecproj/distance"
	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustInstantiate(t *testing.T, r *Registry, name string, params map[string]any) Transform {
	t.Helper()
	tr, err := r.Instantiate(name, params)
	require.NoError(t, err)
	return tr
}

func apply(t *testing.T, tr Transform, src []float32) []float32 {
	t.Helper()
	out, err := tr.OutputDim(len(src))
	require.NoError(t, err)
	dst := make([]float32, out)
	require.NoError(t, tr.Apply(dst, src))
	return dst
}

func TestTruncate(t *testing.T) {
	r := NewDefaultRegistry()
	tr := mustInstantiate(t, r, "truncate", map[string]any{"width": 4})

	assert.Equal(t, KindTruncate, tr.Kind())
	assert.Equal(t, []float32{1, 2, 3, 4}, apply(t, tr, []float32{1, 2, 3, 4, 5, 6}))

	_, err := tr.OutputDim(3)
	var dm *errs.DimensionMismatchError
	require.True(t, errors.As(err, &dm))
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 3, dm.Actual)
}

func TestLinear(t *testing.T) {
	r := NewDefaultRegistry()
	tr := mustInstantiate(t, r, "linear", map[string]any{
		"matrix": [][]float64{{1, 0, 0}, {0, 2, 1}},
		"bias":   []float64{0.5, -1},
	})

	out, err := tr.OutputDim(3)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
	assert.Equal(t, []float32{1.5, 6}, apply(t, tr, []float32{1, 2, 3}))

	_, err = tr.OutputDim(2)
	assert.ErrorIs(t, err, errs.ErrDimensionalityMismatch)

	_, err = r.Instantiate("linear", map[string]any{"matrix": [][]float64{{1, 2}, {3}}})
	assert.ErrorIs(t, err, errs.ErrInvalidParameters)

	_, err = r.Instantiate("linear", map[string]any{"matrix": [][]float64{{1}}, "bias": []float64{1, 2}})
	assert.ErrorIs(t, err, errs.ErrInvalidParameters)
}

func TestCenterScale(t *testing.T) {
	r := NewDefaultRegistry()
	tr := mustInstantiate(t, r, "center_scale", map[string]any{"mean": []float64{1, 1}, "scale": 2})
	assert.Equal(t, []float32{0, 4}, apply(t, tr, []float32{1, 3}))

	anyWidth := mustInstantiate(t, r, "center_scale", map[string]any{"scale": 0.5})
	assert.Equal(t, []float32{1, 2, 3}, apply(t, anyWidth, []float32{2, 4, 6}))
	assert.Equal(t, 0, anyWidth.ExpectedInput())
}

func TestNormalize(t *testing.T) {
	r := NewDefaultRegistry()
	tr := mustInstantiate(t, r, "normalize", nil)

	out := apply(t, tr, []float32{3, 4})
	assert.InDelta(t, 0.6, out[0], 1e-6)
	assert.InDelta(t, 0.8, out[1], 1e-6)
	assert.Equal(t, []float32{0, 0}, apply(t, tr, []float32{0, 0}))
}

func TestRandomRotationIsOrthogonalAndSeeded(t *testing.T) {
	r := NewDefaultRegistry()
	a := mustInstantiate(t, r, "random_rotation", map[string]any{"dim": 8, "seed": 42})
	b := mustInstantiate(t, r, "random_rotation", map[string]any{"dim": 8, "seed": 42})
	c := mustInstantiate(t, r, "random_rotation", map[string]any{"dim": 8, "seed": 7})

	src := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	outA := apply(t, a, src)
	assert.Equal(t, outA, apply(t, b, src))
	assert.NotEqual(t, outA, apply(t, c, src))

	// Rotations preserve length.
	assert.InDelta(t, distance.Norm(src), distance.Norm(outA), 1e-4)

	p := a.Variant().(RandomRotationParams)
	for i := range 8 {
		for j := range 8 {
			var dot float64
			for k := range 8 {
				dot += p.matrix[i*8+k] * p.matrix[j*8+k]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, dot, 1e-9)
		}
	}
}

func TestRandomProjection(t *testing.T) {
	r := NewDefaultRegistry()
	tr := mustInstantiate(t, r, "random_projection", map[string]any{"input": 16, "output": 4, "seed": 1})

	out, err := tr.OutputDim(16)
	require.NoError(t, err)
	assert.Equal(t, 4, out)

	src := make([]float32, 16)
	for i := range src {
		src[i] = float32(i)
	}
	assert.Equal(t, apply(t, tr, src), apply(t, tr, src))

	_, err = tr.OutputDim(8)
	assert.ErrorIs(t, err, errs.ErrDimensionalityMismatch)
}

func TestRandomProjectionRejectsOversizedMatrix(t *testing.T) {
	r := NewDefaultRegistry()
	for _, tc := range []struct{ in, out int64 }{
		{1 << 32, 1 << 32}, // product wraps to zero in int64
		{1 << 13, 1 << 14},
	} {
		var err error
		assert.NotPanics(t, func() {
			_, err = r.Instantiate("random_projection", map[string]any{"input": tc.in, "output": tc.out})
		})
		assert.ErrorIs(t, err, errs.ErrInvalidParameters, "%dx%d", tc.out, tc.in)
	}
}

func TestApplyRejectsWrongBuffer(t *testing.T) {
	r := NewDefaultRegistry()
	tr := mustInstantiate(t, r, "truncate", map[string]any{"width": 2})
	err := tr.Apply(make([]float32, 3), []float32{1, 2, 3})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestApplyRejectsNonFiniteOutput(t *testing.T) {
	r := NewDefaultRegistry()
	tr := mustInstantiate(t, r, "center_scale", map[string]any{"scale": math.MaxFloat64})
	err := tr.Apply(make([]float32, 1), []float32{10})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestCustomTransform(t *testing.T) {
	r := NewDefaultRegistry()
	double := func(in int) (int, error) { return in * 2, nil }
	fn := func(dst, src []float32) error {
		for i, x := range src {
			dst[2*i] = x
			dst[2*i+1] = -x
		}
		return nil
	}
	require.NoError(t, r.Register("mirror", Schema{}, CustomFactory(0, double, fn)))

	tr := mustInstantiate(t, r, "mirror", nil)
	assert.Equal(t, KindCustom, tr.Kind())
	assert.Equal(t, []float32{1, -1, 2, -2}, apply(t, tr, []float32{1, 2}))
}

func TestParamsAreCopied(t *testing.T) {
	r := NewDefaultRegistry()
	tr := mustInstantiate(t, r, "truncate", map[string]any{"width": 2})
	p := tr.Params()
	p["width"] = int64(99)
	assert.Equal(t, int64(2), tr.Params()["width"])
}
