package transform

import (
	"fmt"
	"maps"
	"math"

	"github.com/hupe1980/vecproj/distance"
	"github.com/hupe1980/vecproj/internal/errs"
)

// Kind tags the variant of a Transform.
type Kind int

const (
	KindTruncate Kind = iota + 1
	KindLinear
	KindCenterScale
	KindNormalize
	KindRandomRotation
	KindRandomProjection
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindTruncate:
		return "truncate"
	case KindLinear:
		return "linear"
	case KindCenterScale:
		return "center_scale"
	case KindNormalize:
		return "normalize"
	case KindRandomRotation:
		return "random_rotation"
	case KindRandomProjection:
		return "random_projection"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Params is the per-kind parameter struct. The set of implementations is
// closed: Registry.Instantiate rejects any other type, and new transforms
// return CustomParams.
type Params interface {
	Kind() Kind
}

// TruncateParams keeps the first Width components.
type TruncateParams struct {
	Width int
}

// LinearParams computes y = Matrix·x + Bias. Matrix is row-major with
// Rows×Cols entries.
type LinearParams struct {
	Rows, Cols int
	Matrix     []float64
	Bias       []float64
}

// CenterScaleParams computes (x - Mean)·Scale. A nil Mean accepts any width.
type CenterScaleParams struct {
	Mean  []float64
	Scale float64
}

// NormalizeParams rescales to unit L2 norm. Zero vectors stay zero.
type NormalizeParams struct{}

// RandomRotationParams applies a seeded orthogonal Dim×Dim matrix.
type RandomRotationParams struct {
	Dim    int
	Seed   int64
	matrix []float64
}

// RandomProjectionParams applies a seeded Gaussian Output×Input matrix
// scaled by 1/sqrt(Output).
type RandomProjectionParams struct {
	Input, Output int
	Seed          int64
	matrix        []float64
}

// CustomParams wraps a user-supplied transform. Apply must be pure and
// deterministic; it writes exactly len(dst) components.
type CustomParams struct {
	// InputDim is the required input width; 0 accepts any width.
	InputDim int
	// Out maps input width to output width without touching data.
	Out func(in int) (int, error)
	// Fn computes dst from src.
	Fn func(dst, src []float32) error
}

func (TruncateParams) Kind() Kind         { return KindTruncate }
func (LinearParams) Kind() Kind           { return KindLinear }
func (CenterScaleParams) Kind() Kind      { return KindCenterScale }
func (NormalizeParams) Kind() Kind        { return KindNormalize }
func (RandomRotationParams) Kind() Kind   { return KindRandomRotation }
func (RandomProjectionParams) Kind() Kind { return KindRandomProjection }
func (CustomParams) Kind() Kind           { return KindCustom }

// Transform is an instantiated, immutable transformation.
type Transform struct {
	name       string
	params     Params
	normalized map[string]any
}

// Name returns the registry name the transform was instantiated from.
func (t Transform) Name() string { return t.name }

// Kind returns the variant tag.
func (t Transform) Kind() Kind { return t.params.Kind() }

// Params returns a copy of the normalized parameter map used for config
// identity hashing.
func (t Transform) Params() map[string]any {
	return maps.Clone(t.normalized)
}

// Variant returns the typed parameter struct.
func (t Transform) Variant() Params { return t.params }

// OutputDim returns the output width for input width in. It never looks at
// data. An unacceptable input width fails with *errs.DimensionMismatchError
// (Step 0; pipelines fill in the step).
func (t Transform) OutputDim(in int) (int, error) {
	if in <= 0 {
		return 0, &errs.DimensionMismatchError{Expected: t.ExpectedInput(), Actual: in}
	}

	switch p := t.params.(type) {
	case TruncateParams:
		if in < p.Width {
			return 0, &errs.DimensionMismatchError{Expected: p.Width, Actual: in}
		}
		return p.Width, nil
	case LinearParams:
		if in != p.Cols {
			return 0, &errs.DimensionMismatchError{Expected: p.Cols, Actual: in}
		}
		return p.Rows, nil
	case CenterScaleParams:
		if p.Mean != nil && in != len(p.Mean) {
			return 0, &errs.DimensionMismatchError{Expected: len(p.Mean), Actual: in}
		}
		return in, nil
	case NormalizeParams:
		return in, nil
	case RandomRotationParams:
		if in != p.Dim {
			return 0, &errs.DimensionMismatchError{Expected: p.Dim, Actual: in}
		}
		return p.Dim, nil
	case RandomProjectionParams:
		if in != p.Input {
			return 0, &errs.DimensionMismatchError{Expected: p.Input, Actual: in}
		}
		return p.Output, nil
	case CustomParams:
		if p.InputDim > 0 && in != p.InputDim {
			return 0, &errs.DimensionMismatchError{Expected: p.InputDim, Actual: in}
		}
		if p.Out == nil {
			return in, nil
		}
		out, err := p.Out(in)
		if err != nil {
			return 0, err
		}
		if out <= 0 {
			return 0, fmt.Errorf("%w: custom transform %q declares output width %d", errs.ErrInvalidParameters, t.name, out)
		}
		return out, nil
	default:
		return 0, fmt.Errorf("%w: unsupported parameter type %T", errs.ErrInvalidParameters, t.params)
	}
}

// ExpectedInput returns the input width a transform is fixed to, or the
// minimum width for truncate. It returns 0 when any width is accepted.
func (t Transform) ExpectedInput() int {
	switch p := t.params.(type) {
	case TruncateParams:
		return p.Width
	case LinearParams:
		return p.Cols
	case CenterScaleParams:
		return len(p.Mean)
	case NormalizeParams:
		return 0
	case RandomRotationParams:
		return p.Dim
	case RandomProjectionParams:
		return p.Input
	case CustomParams:
		return p.InputDim
	default:
		return 0
	}
}

// Apply writes the transform of src into dst. The caller sizes dst with
// OutputDim(len(src)); src and dst must not alias.
func (t Transform) Apply(dst, src []float32) error {
	want, err := t.OutputDim(len(src))
	if err != nil {
		return err
	}
	if len(dst) != want {
		return fmt.Errorf("%w: output buffer has width %d, want %d", errs.ErrInvalidArgument, len(dst), want)
	}

	switch p := t.params.(type) {
	case TruncateParams:
		copy(dst, src[:p.Width])
	case LinearParams:
		matVec(dst, p.Matrix, p.Rows, p.Cols, src, p.Bias)
	case CenterScaleParams:
		for i, x := range src {
			v := float64(x)
			if p.Mean != nil {
				v -= p.Mean[i]
			}
			dst[i] = float32(v * p.Scale)
		}
	case NormalizeParams:
		copy(dst, src)
		distance.NormalizeL2InPlace(dst)
	case RandomRotationParams:
		matVec(dst, p.matrix, p.Dim, p.Dim, src, nil)
	case RandomProjectionParams:
		matVec(dst, p.matrix, p.Output, p.Input, src, nil)
	case CustomParams:
		if p.Fn == nil {
			copy(dst, src)
			return nil
		}
		if err := p.Fn(dst, src); err != nil {
			return fmt.Errorf("custom transform %q: %w", t.name, err)
		}
	default:
		return fmt.Errorf("%w: unsupported parameter type %T", errs.ErrInvalidParameters, t.params)
	}

	for _, x := range dst {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: transform %q produced a non-finite component", errs.ErrInvalidArgument, t.name)
		}
	}
	return nil
}

// matVec computes dst = M·x (+ bias) with float64 accumulation.
func matVec(dst []float32, m []float64, rows, cols int, x []float32, bias []float64) {
	for r := range rows {
		row := m[r*cols : (r+1)*cols]
		var sum float64
		for c, v := range row {
			sum += v * float64(x[c])
		}
		if bias != nil {
			sum += bias[r]
		}
		dst[r] = float32(sum)
	}
}
