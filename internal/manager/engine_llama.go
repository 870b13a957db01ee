//go:build llama

package manager

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
)

const llamaBuilt = true

type llamaEngine struct{}

// NewLlamaEngine returns the in-process go-llama.cpp engine.
func NewLlamaEngine() Engine { return llamaEngine{} }

// llamaWeights owns the loaded model. go-llama.cpp keeps a single native
// context per model, so calls into it are serialized.
type llamaWeights struct {
	mu      sync.Mutex
	model   *llama.LLama
	threads int
}

func (llamaEngine) LoadWeights(path string, params LoadParams) (Weights, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	mo := []llama.ModelOption{llama.SetContext(zn(params.ContextSize, 2048))}
	if params.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(params.GPULayers))
	}
	if params.Embeddings {
		mo = append(mo, llama.EnableEmbeddings)
	}
	m, err := llama.New(path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaWeights{model: m}, nil
}

func (w *llamaWeights) NewContext(params ContextParams) (Context, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model == nil {
		return nil, ErrDisposed
	}
	w.threads = params.Threads
	return &llamaContext{w: w, threads: max(1, params.Threads)}, nil
}

func (w *llamaWeights) Embed(ctx context.Context, text string) ([]float32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model == nil {
		return nil, ErrDisposed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return w.model.Embeddings(text, llama.SetThreads(max(1, w.threads)))
}

func (w *llamaWeights) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model != nil {
		w.model.Free()
		w.model = nil
	}
	return nil
}

type llamaContext struct {
	w       *llamaWeights
	threads int
	closed  bool
}

func (c *llamaContext) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	if c.closed || c.w.model == nil {
		return FinalResult{}, ErrDisposed
	}
	var sinkErr error
	// Bridge token streaming to onToken and respect cancellation
	c.w.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if err := onToken(tok); err != nil {
			sinkErr = err
			return false
		}
		return true
	})
	defer c.w.model.SetTokenCallback(nil)
	text, err := c.w.model.Predict(prompt, predictOptions(params, c.threads)...)
	switch {
	case ctx.Err() != nil:
		return FinalResult{}, ctx.Err()
	case sinkErr != nil:
		return FinalResult{}, sinkErr
	case err != nil:
		return FinalResult{}, err
	}
	// token counts are not exposed by go-llama.cpp
	return FinalResult{Content: text, FinishReason: "stop"}, nil
}

func (c *llamaContext) Close() error {
	c.closed = true
	return nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// predictOptions converts InferParams into go-llama.cpp options.
func predictOptions(params InferParams, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, zn(params.MaxTokens, llama.DefaultOptions.Tokens))),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(params.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(params.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(params.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(params.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if params.Seed != 0 {
		po = append(po, llama.SetSeed(params.Seed))
	}
	if len(params.Stop) > 0 {
		po = append(po, llama.SetStopWords(params.Stop...))
	}
	return po
}
