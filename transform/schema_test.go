package transform

import (
	"testing"

	"github.com/hupe1980/vecproj/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidate(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Name: "width", Type: TypeInteger, Required: true, Min: Bound(0), ExclusiveMin: true},
		{Name: "scale", Type: TypeNumber, Default: 1.0, NonZero: true},
		{Name: "mode", Type: TypeString, Enum: []string{"a", "b"}},
		{Name: "mean", Type: TypeNumberList},
	}}

	tests := []struct {
		name    string
		params  map[string]any
		want    map[string]any
		wantErr bool
	}{
		{
			name:   "defaults applied",
			params: map[string]any{"width": 4},
			want:   map[string]any{"width": int64(4), "scale": 1.0},
		},
		{
			name:   "json style numbers",
			params: map[string]any{"width": 4.0, "scale": 2, "mean": []any{1, 2.5}},
			want:   map[string]any{"width": int64(4), "scale": 2.0, "mean": []float64{1, 2.5}},
		},
		{name: "missing required", params: map[string]any{}, wantErr: true},
		{name: "zero width", params: map[string]any{"width": 0}, wantErr: true},
		{name: "negative width", params: map[string]any{"width": -3}, wantErr: true},
		{name: "fractional integer", params: map[string]any{"width": 2.5}, wantErr: true},
		{name: "wrong type", params: map[string]any{"width": "4"}, wantErr: true},
		{name: "zero scale", params: map[string]any{"width": 1, "scale": 0}, wantErr: true},
		{name: "enum violation", params: map[string]any{"width": 1, "mode": "c"}, wantErr: true},
		{name: "unknown key", params: map[string]any{"width": 1, "depth": 2}, wantErr: true},
		{name: "bad list element", params: map[string]any{"width": 1, "mean": []any{"x"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := schema.Validate(tt.params)
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrInvalidParameters)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchemaMatrix(t *testing.T) {
	schema := Schema{Fields: []Field{{Name: "m", Type: TypeNumberMatrix, Required: true}}}

	got, err := schema.Validate(map[string]any{"m": []any{[]any{1, 0}, []any{0.5, 2}}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 0}, {0.5, 2}}, got["m"])

	_, err = schema.Validate(map[string]any{"m": []any{1, 2}})
	assert.ErrorIs(t, err, errs.ErrInvalidParameters)
}
