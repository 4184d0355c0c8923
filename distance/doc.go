// Package distance provides exact vector distance calculations.
//
// Components are stored as float32 but every metric accumulates in float64
// so results are reproducible across platforms and query paths.
//
// # Supported Metrics
//
//   - MetricEuclidean: Euclidean (L2) distance
//   - MetricCosine: cosine distance, 1 - cosine similarity
//
// There is no default metric. The zero value MetricUnspecified is rejected
// by Provider so callers always choose explicitly.
//
// # Usage
//
//	fn, err := distance.Provider(distance.MetricCosine)
//	d := fn(a, b)
package distance
