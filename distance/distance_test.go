package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Mixed", []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"Empty", []float32{}, []float32{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Dot(tt.a, tt.b), 1e-9)
		})
	}
}

func TestEuclidean(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{"Origin", []float32{0, 0}, []float32{3, 4}, 5},
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"Mixed", []float32{1, -1}, []float32{-1, 1}, math.Sqrt(8)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Euclidean(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{"Same direction", []float32{1, 0}, []float32{5, 0}, 0},
		{"Orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"Opposite", []float32{1, 0}, []float32{-2, 0}, 2},
		{"Zero operand", []float32{0, 0}, []float32{3, 4}, 1},
		{"Both zero", []float32{0, 0}, []float32{0, 0}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCosineNeverNegative(t *testing.T) {
	v := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7}
	assert.GreaterOrEqual(t, Cosine(v, v), 0.0)
}

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	assert.False(t, NormalizeL2InPlace(zero))
	assert.Equal(t, []float32{0, 0}, zero)

	src := []float32{0, 2}
	out, ok := NormalizeL2Copy(src)
	require.True(t, ok)
	assert.Equal(t, []float32{0, 1}, out)
	assert.Equal(t, []float32{0, 2}, src)
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("Cosine")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m)

	m, err = ParseMetric("l2")
	require.NoError(t, err)
	assert.Equal(t, MetricEuclidean, m)

	_, err = ParseMetric("dot")
	assert.ErrorIs(t, err, ErrUnsupportedMetric)

	_, err = ParseMetric("")
	assert.ErrorIs(t, err, ErrUnsupportedMetric)
}

func TestProvider(t *testing.T) {
	fn, err := Provider(MetricEuclidean)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, fn([]float32{0, 0}, []float32{3, 4}), 1e-9)

	_, err = Provider(MetricUnspecified)
	assert.ErrorIs(t, err, ErrUnsupportedMetric)

	_, err = Provider(Metric(42))
	assert.ErrorIs(t, err, ErrUnsupportedMetric)
}

func TestMetricText(t *testing.T) {
	var m Metric
	require.NoError(t, m.UnmarshalText([]byte("euclidean")))
	assert.Equal(t, MetricEuclidean, m)

	b, err := MetricCosine.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "cosine", string(b))

	_, err = MetricUnspecified.MarshalText()
	assert.Error(t, err)
}
