// Package testutil provides testing utilities for vecproj.
//
// This package is intended for use in tests and benchmarks only.
//
// # Random Vectors
//
//	rng := testutil.NewRNG(seed)
//	vecs := rng.GaussianVectors(1000, 64)
//
// # Exact Search (Ground Truth)
//
//	recs := testutil.Records(cfgID, vecs)
//	want := testutil.BruteForce(recs, query, k, distance.MetricCosine)
package testutil
