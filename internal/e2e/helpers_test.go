// Package e2e drives the HTTP API against a real hub, a fake registry and a
// fake inference engine.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"modelhub/internal/httpapi"
	"modelhub/internal/hub"
	"modelhub/internal/manager"
)

var weights = bytes.Repeat([]byte("gguf"), 256) // 1024 bytes

// newRegistry serves one repository, acme/tiny, with a single GGUF artifact.
// When gated is set every request answers 401.
func newRegistry(t *testing.T, gated *atomic.Bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/acme/tiny", func(w http.ResponseWriter, r *http.Request) {
		if gated.Load() && r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `{"id":"acme/tiny","pipeline_tag":"text-generation","siblings":[{"rfilename":"tiny-q4.gguf","size":%d}]}`, len(weights))
	})
	mux.HandleFunc("/acme/tiny/resolve/main/tiny-q4.gguf", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "tiny-q4.gguf", time.Unix(0, 0), bytes.NewReader(weights))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// engine streams the prompt back word by word. When hold is non-nil each
// generation signals started and waits for hold to close.
type engine struct {
	started chan struct{}
	hold    chan struct{}
}

func (e *engine) LoadWeights(string, manager.LoadParams) (manager.Weights, error) {
	return weightsHandle{e}, nil
}

type weightsHandle struct{ e *engine }

func (w weightsHandle) NewContext(manager.ContextParams) (manager.Context, error) {
	return genContext{w.e}, nil
}
func (w weightsHandle) Embed(context.Context, string) ([]float32, error) { return []float32{1}, nil }
func (w weightsHandle) Close() error                                     { return nil }

type genContext struct{ e *engine }

func (c genContext) Generate(ctx context.Context, prompt string, _ manager.InferParams, onToken func(string) error) (manager.FinalResult, error) {
	if c.e.hold != nil {
		c.e.started <- struct{}{}
		select {
		case <-c.e.hold:
		case <-ctx.Done():
			return manager.FinalResult{}, ctx.Err()
		}
	}
	for _, tok := range []string{"echo:", " ", prompt} {
		if err := onToken(tok); err != nil {
			return manager.FinalResult{}, err
		}
	}
	return manager.FinalResult{FinishReason: "stop"}, nil
}
func (c genContext) Close() error { return nil }

type stack struct {
	hub *hub.Hub
	api *httptest.Server
}

func newStack(t *testing.T, cfg hub.Config, eng manager.Engine) *stack {
	t.Helper()
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = t.TempDir()
	}
	cfg.PollInterval = 5 * time.Millisecond
	h, err := hub.New(cfg, eng)
	require.NoError(t, err)
	api := httptest.NewServer(httpapi.NewMux(h))
	t.Cleanup(func() {
		api.Close()
		_ = h.Close(context.Background())
	})
	return &stack{hub: h, api: api}
}

func (s *stack) call(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.api.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}
