package transform

import (
	"math"
	"math/rand/v2"
)

// seededRand returns a PCG generator. The PCG stream for a given seed is
// stable across Go releases, which keeps random matrices reproducible.
func seededRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
}

// gaussianMatrix returns a row-major rows×cols matrix of N(0,1) samples.
func gaussianMatrix(rows, cols int, seed int64) []float64 {
	r := seededRand(seed)
	m := make([]float64, rows*cols)
	for i := range m {
		m[i] = r.NormFloat64()
	}
	return m
}

// orthogonalize applies modified Gram-Schmidt to the rows of a dim×dim
// matrix in place. A row that collapses to (near) zero is replaced by the
// first standard basis vector orthogonal to all previous rows.
func orthogonalize(m []float64, dim int) {
	row := func(i int) []float64 { return m[i*dim : (i+1)*dim] }

	for i := range dim {
		ri := row(i)
		for j := range i {
			rj := row(j)
			var dot float64
			for k := range dim {
				dot += ri[k] * rj[k]
			}
			for k := range dim {
				ri[k] -= dot * rj[k]
			}
		}

		var norm float64
		for _, v := range ri {
			norm += v * v
		}
		norm = math.Sqrt(norm)
		if norm < 1e-10 {
			replaceWithBasis(m, dim, i)
			continue
		}
		for k := range ri {
			ri[k] /= norm
		}
	}
}

func replaceWithBasis(m []float64, dim, i int) {
	ri := m[i*dim : (i+1)*dim]
	for e := range dim {
		clear(ri)
		ri[e] = 1
		for j := range i {
			rj := m[j*dim : (j+1)*dim]
			dot := rj[e]
			for k := range dim {
				ri[k] -= dot * rj[k]
			}
		}
		var norm float64
		for _, v := range ri {
			norm += v * v
		}
		if norm = math.Sqrt(norm); norm > 1e-6 {
			for k := range ri {
				ri[k] /= norm
			}
			return
		}
	}
}

// randomOrthogonal returns a seeded dim×dim orthogonal matrix.
func randomOrthogonal(dim int, seed int64) []float64 {
	m := gaussianMatrix(dim, dim, seed)
	orthogonalize(m, dim)
	return m
}

// randomProjection returns a seeded output×input Gaussian matrix scaled so
// squared norms are preserved in expectation.
func randomProjection(output, input int, seed int64) []float64 {
	m := gaussianMatrix(output, input, seed)
	scale := 1 / math.Sqrt(float64(output))
	for i := range m {
		m[i] *= scale
	}
	return m
}
