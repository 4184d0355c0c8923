// Package pipeline composes transforms into immutable projection configs.
//
// A Spec is plain data (name, version, input width, ordered steps) and can
// be decoded from JSON, YAML or TOML. Pipeline.Build validates every step
// against a transform.Registry and checks widths across the whole chain
// before any vector is processed. The resulting Config is identified by the
// SHA-256 of its canonical content, so identical specs built independently
// share one ConfigID.
package pipeline
