package transform

import "fmt"

const (
	maxRotationDim     = 4096
	maxProjectionCells = 1 << 26
)

type builtin struct {
	name    string
	schema  Schema
	factory Factory
}

func builtins() []builtin {
	return []builtin{
		{
			name: KindTruncate.String(),
			schema: Schema{Fields: []Field{
				{Name: "width", Type: TypeInteger, Required: true, Min: Bound(0), ExclusiveMin: true},
			}},
			factory: func(p map[string]any) (Params, error) {
				return TruncateParams{Width: int(p["width"].(int64))}, nil
			},
		},
		{
			name: KindLinear.String(),
			schema: Schema{Fields: []Field{
				{Name: "matrix", Type: TypeNumberMatrix, Required: true},
				{Name: "bias", Type: TypeNumberList},
			}},
			factory: newLinear,
		},
		{
			name: KindCenterScale.String(),
			schema: Schema{Fields: []Field{
				{Name: "mean", Type: TypeNumberList},
				{Name: "scale", Type: TypeNumber, Default: 1.0, NonZero: true},
			}},
			factory: func(p map[string]any) (Params, error) {
				cs := CenterScaleParams{Scale: p["scale"].(float64)}
				if m, ok := p["mean"].([]float64); ok {
					if len(m) == 0 {
						return nil, invalidParams("parameter %q must not be empty", "mean")
					}
					cs.Mean = m
				}
				return cs, nil
			},
		},
		{
			name:   KindNormalize.String(),
			schema: Schema{},
			factory: func(map[string]any) (Params, error) {
				return NormalizeParams{}, nil
			},
		},
		{
			name: KindRandomRotation.String(),
			schema: Schema{Fields: []Field{
				{Name: "dim", Type: TypeInteger, Required: true, Min: Bound(0), ExclusiveMin: true, Max: Bound(maxRotationDim)},
				{Name: "seed", Type: TypeInteger, Default: int64(0)},
			}},
			factory: func(p map[string]any) (Params, error) {
				dim := int(p["dim"].(int64))
				seed := p["seed"].(int64)
				return RandomRotationParams{Dim: dim, Seed: seed, matrix: randomOrthogonal(dim, seed)}, nil
			},
		},
		{
			name: KindRandomProjection.String(),
			schema: Schema{Fields: []Field{
				{Name: "input", Type: TypeInteger, Required: true, Min: Bound(0), ExclusiveMin: true},
				{Name: "output", Type: TypeInteger, Required: true, Min: Bound(0), ExclusiveMin: true},
				{Name: "seed", Type: TypeInteger, Default: int64(0)},
			}},
			factory: func(p map[string]any) (Params, error) {
				in := int(p["input"].(int64))
				out := int(p["output"].(int64))
				if out > maxProjectionCells/in {
					return nil, invalidParams("projection matrix %dx%d exceeds %d cells", out, in, maxProjectionCells)
				}
				seed := p["seed"].(int64)
				return RandomProjectionParams{Input: in, Output: out, Seed: seed, matrix: randomProjection(out, in, seed)}, nil
			},
		},
	}
}

func newLinear(p map[string]any) (Params, error) {
	m := p["matrix"].([][]float64)
	if len(m) == 0 || len(m[0]) == 0 {
		return nil, invalidParams("parameter %q must not be empty", "matrix")
	}
	rows, cols := len(m), len(m[0])
	flat := make([]float64, 0, rows*cols)
	for i, row := range m {
		if len(row) != cols {
			return nil, invalidParams("matrix row %d has %d columns, want %d", i, len(row), cols)
		}
		flat = append(flat, row...)
	}

	lp := LinearParams{Rows: rows, Cols: cols, Matrix: flat}
	if b, ok := p["bias"].([]float64); ok {
		if len(b) != rows {
			return nil, invalidParams("bias has %d entries, want %d", len(b), rows)
		}
		lp.Bias = b
	}
	return lp, nil
}

// CustomFactory adapts a pure function into a Factory for Registry.Register.
// outputDim may be nil for width-preserving functions.
func CustomFactory(inputDim int, outputDim func(in int) (int, error), fn func(dst, src []float32) error) Factory {
	return func(map[string]any) (Params, error) {
		if fn == nil {
			return nil, fmt.Errorf("custom transform requires a function")
		}
		return CustomParams{InputDim: inputDim, Out: outputDim, Fn: fn}, nil
	}
}
