package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// createModelFile writes a small placeholder weight file and returns its path.
func createModelFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("GGUF"), 0o644); err != nil {
		t.Fatalf("write model file: %v", err)
	}
	return p
}

// fakeEngine is an in-memory engine that counts acquisitions and releases.
type fakeEngine struct {
	loadDelay time.Duration
	loadErr   error
	loadPanic bool
	closeErr  error

	mu      sync.Mutex
	genErrs []error // consumed one per Generate call
	tokens  []string

	weightsLoaded   atomic.Int32
	weightsClosed   atomic.Int32
	contextsCreated atomic.Int32
	contextsClosed  atomic.Int32
	generateCalls   atomic.Int32
}

func (f *fakeEngine) LoadWeights(path string, params LoadParams) (Weights, error) {
	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}
	if f.loadPanic {
		panic("native crash")
	}
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	f.weightsLoaded.Add(1)
	return &fakeWeights{f: f}, nil
}

// live returns the number of weights acquired and not yet released.
func (f *fakeEngine) live() int32 { return f.weightsLoaded.Load() - f.weightsClosed.Load() }

func (f *fakeEngine) nextGenErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.genErrs) == 0 {
		return nil
	}
	err := f.genErrs[0]
	f.genErrs = f.genErrs[1:]
	return err
}

type fakeWeights struct{ f *fakeEngine }

func (w *fakeWeights) NewContext(params ContextParams) (Context, error) {
	w.f.contextsCreated.Add(1)
	return &fakeContext{f: w.f}, nil
}

func (w *fakeWeights) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func (w *fakeWeights) Close() error {
	w.f.weightsClosed.Add(1)
	return w.f.closeErr
}

type fakeContext struct{ f *fakeEngine }

func (c *fakeContext) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	c.f.generateCalls.Add(1)
	if err := c.f.nextGenErr(); err != nil {
		return FinalResult{}, err
	}
	var content string
	for _, t := range c.f.tokens {
		select {
		case <-ctx.Done():
			return FinalResult{}, ctx.Err()
		default:
		}
		if err := onToken(t); err != nil {
			return FinalResult{}, err
		}
		content += t
	}
	return FinalResult{Content: content, FinishReason: "stop"}, nil
}

func (c *fakeContext) Close() error {
	c.f.contextsClosed.Add(1)
	return nil
}

// blockingEngine holds every Generate call until released.
type blockingEngine struct {
	fakeEngine
	started chan struct{}
	unblock chan struct{}
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{started: make(chan struct{}, 8), unblock: make(chan struct{})}
}

func (b *blockingEngine) LoadWeights(path string, params LoadParams) (Weights, error) {
	b.weightsLoaded.Add(1)
	return &blockingWeights{fakeWeights{f: &b.fakeEngine}, b}, nil
}

type blockingWeights struct {
	fakeWeights
	b *blockingEngine
}

func (w *blockingWeights) NewContext(params ContextParams) (Context, error) {
	return &blockingContext{w.b}, nil
}

type blockingContext struct{ b *blockingEngine }

func (c *blockingContext) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	c.b.started <- struct{}{}
	select {
	case <-c.b.unblock:
		return FinalResult{Content: "ok"}, nil
	case <-ctx.Done():
		return FinalResult{}, ctx.Err()
	}
}

func (c *blockingContext) Close() error { return nil }

var errTransient = errors.New("temporary engine failure")

func newTestManager(t *testing.T, eng Engine, cfg Config) (*Manager, *MemoryPublisher) {
	t.Helper()
	pub := NewMemoryPublisher()
	cfg.Engine = eng
	cfg.Publisher = pub
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	return New(cfg), pub
}
