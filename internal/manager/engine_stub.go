//go:build !llama

package manager

// This file provides a no-CGO stub engine. It is compiled when the 'llama'
// build tag is NOT set, keeping default builds and CI CGO-free. The real
// engine lives in engine_llama.go.

// llamaBuilt indicates whether this binary was compiled with real llama support.
const llamaBuilt = false

type stubEngine struct{}

// NewLlamaEngine returns an engine that refuses to load weights because the
// llama runtime is not linked into this build.
func NewLlamaEngine() Engine { return stubEngine{} }

func (stubEngine) LoadWeights(path string, params LoadParams) (Weights, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}
