package testutil

import (
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/hupe1980/vecproj/distance"
	"github.com/hupe1980/vecproj/model"
)

// RNG wraps a seeded generator. It is safe for concurrent use.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset rewinds the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand = rand.New(rand.NewSource(r.seed))
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float32 returns, as a float32, a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// vectors fills num vectors of width dim from one backing array.
func (r *RNG) vectors(num, dim int, next func() float32) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	out := make([][]float32, num)
	for i := range num {
		vec := data[i*dim : (i+1)*dim : (i+1)*dim]
		for j := range vec {
			vec[j] = next()
		}
		out[i] = vec
	}
	return out
}

// UniformVectors generates vectors with components in [0, 1).
func (r *RNG) UniformVectors(num, dim int) [][]float32 {
	return r.vectors(num, dim, func() float32 { return r.rand.Float32() })
}

// UniformRangeVectors generates vectors with components in [-1, 1).
func (r *RNG) UniformRangeVectors(num, dim int) [][]float32 {
	return r.vectors(num, dim, func() float32 { return r.rand.Float32()*2 - 1 })
}

// GaussianVectors generates vectors with standard normal components.
func (r *RNG) GaussianVectors(num, dim int) [][]float32 {
	return r.vectors(num, dim, func() float32 { return float32(r.rand.NormFloat64()) })
}

// UnitVectors generates L2-normalized vectors, uniform on the hypersphere.
func (r *RNG) UnitVectors(num, dim int) [][]float32 {
	out := r.GaussianVectors(num, dim)
	for _, v := range out {
		if !distance.NormalizeL2InPlace(v) {
			v[0] = 1
		}
	}
	return out
}

// ClusteredVectors generates vectors scattered around random unit centroids.
func (r *RNG) ClusteredVectors(num, dim, clusters int, spread float32) [][]float32 {
	centroids := r.UnitVectors(clusters, dim)
	out := r.GaussianVectors(num, dim)
	for i, v := range out {
		c := centroids[i%clusters]
		for j := range v {
			v[j] = c[j] + v[j]*spread
		}
	}
	return out
}

// DuplicateHeavyVectors returns num vectors drawn from only distinct unique
// ones, so that many exact distance ties occur.
func (r *RNG) DuplicateHeavyVectors(num, dim, distinct int) [][]float32 {
	pool := r.UniformVectors(distinct, dim)
	out := make([][]float32, num)
	for i := range out {
		out[i] = slices.Clone(pool[r.Intn(distinct)])
	}
	return out
}

// Records wraps vectors as projection records of config with ids 1..n and
// source ids 1000+i.
func Records(configID model.ConfigID, vectors [][]float32) []model.ProjectionRecord {
	out := make([]model.ProjectionRecord, len(vectors))
	for i, v := range vectors {
		out[i] = model.ProjectionRecord{
			ID:       model.RecordID(i + 1),
			SourceID: model.RawID(1000 + i),
			ConfigID: configID,
			Vector:   v,
		}
	}
	return out
}

// BruteForce returns the exact top-k of records for query, ordered by
// distance and then record id.
func BruteForce(records []model.ProjectionRecord, query []float32, k int, metric distance.Metric) []model.Hit {
	fn, err := distance.Provider(metric)
	if err != nil {
		panic(err)
	}
	hits := make([]model.Hit, len(records))
	for i, rec := range records {
		hits[i] = model.Hit{ID: rec.ID, SourceID: rec.SourceID, Distance: fn(query, rec.Vector)}
	}
	slices.SortFunc(hits, func(a, b model.Hit) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Recall returns the fraction of truth ids present in got.
func Recall(truth, got []model.Hit) float64 {
	if len(truth) == 0 {
		return 1
	}
	seen := make(map[model.RecordID]struct{}, len(got))
	for _, h := range got {
		seen[h.ID] = struct{}{}
	}
	var n int
	for _, h := range truth {
		if _, ok := seen[h.ID]; ok {
			n++
		}
	}
	return float64(n) / float64(len(truth))
}

// AlmostEqual reports whether a and b agree within tol.
func AlmostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}
