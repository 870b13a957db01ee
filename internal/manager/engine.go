package manager

import "context"

// Engine loads model weights. Concrete implementations (e.g., llama.cpp)
// should satisfy this interface.
type Engine interface {
	// LoadWeights reads the weight file at path into memory.
	LoadWeights(path string, params LoadParams) (Weights, error)
}

// Weights is a loaded model. It owns the native memory until Close.
type Weights interface {
	// NewContext creates an execution context bound to these weights.
	NewContext(params ContextParams) (Context, error)
	// Embed returns the embedding vector of text.
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}

// Context is an execution context used for generation.
type Context interface {
	// Generate streams tokens for the given prompt. The onToken callback is
	// invoked for each token. Implementations must return when ctx is canceled.
	Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error)
	Close() error
}

// LoadParams configures weight loading.
type LoadParams struct {
	ContextSize int
	GPULayers   int
	// Embeddings enables the embedding head; required for Embed.
	Embeddings bool
}

// ContextParams configures an execution context.
type ContextParams struct {
	Threads int
}

// InferParams captures generation parameters passed to the engine.
type InferParams struct {
	Temperature   float32
	TopP          float32
	TopK          int
	MaxTokens     int
	Stop          []string
	Seed          int
	RepeatPenalty float32
}

// FinalResult summarizes the generation after streaming.
type FinalResult struct {
	Content      string
	Usage        Usage
	FinishReason string
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
