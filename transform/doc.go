// Package transform implements the library of deterministic vector
// transformations that projection pipelines are composed of.
//
// Transforms are a closed set of kinds (truncate, linear, center_scale,
// normalize, random_rotation, random_projection) plus one open kind, custom,
// for user-supplied functions. Each kind carries its own parameter struct and
// is dispatched with an exhaustive switch.
//
// A Registry maps names to a parameter Schema and a Factory. There is no
// process-wide registry; construct one with NewRegistry or NewDefaultRegistry
// and hand it to the pipeline builder.
//
//	reg := transform.NewDefaultRegistry()
//	tr, err := reg.Instantiate("truncate", map[string]any{"width": 4})
//	out, err := tr.OutputDim(6) // 4
package transform
