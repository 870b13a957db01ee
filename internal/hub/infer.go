package hub

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"modelhub/internal/manager"
	"modelhub/pkg/types"
)

// Infer resolves the requested model (or the default), loads it when needed
// and streams NDJSON token lines to w, followed by a final summary line.
func (h *Hub) Infer(ctx context.Context, req types.InferRequest, w io.Writer, flusher func()) error {
	m, err := h.resolveLoaded(ctx, req.Model)
	if err != nil {
		return err
	}
	params := manager.InferParams{
		Temperature:   float32(req.Temperature),
		TopP:          float32(req.TopP),
		TopK:          req.TopK,
		MaxTokens:     req.MaxTokens,
		Stop:          req.Stop,
		Seed:          int(req.Seed),
		RepeatPenalty: float32(req.RepeatPenalty),
	}
	var b strings.Builder
	onTok := func(tok string) error {
		if _, e := w.Write(tokenLineJSON(tok)); e != nil {
			return e
		}
		b.WriteString(tok)
		if flusher != nil {
			flusher()
		}
		return nil
	}
	final, err := h.mgr.Generate(ctx, m.ID, req.Prompt, params, onTok)
	if err != nil {
		return err
	}
	content := final.Content
	if content == "" {
		content = b.String()
	}
	end := map[string]any{
		"done":          true,
		"model":         m.ID,
		"content":       content,
		"finish_reason": final.FinishReason,
		"usage":         final.Usage,
	}
	jb, _ := json.Marshal(end)
	if _, err := w.Write(append(jb, '\n')); err != nil {
		return err
	}
	if flusher != nil {
		flusher()
	}
	return nil
}

// tokenLineJSON formats a token NDJSON line using json.Marshal for correctness.
func tokenLineJSON(tok string) []byte {
	type tokenMsg struct {
		Token string `json:"token"`
	}
	b, _ := json.Marshal(tokenMsg{Token: tok})
	return append(b, '\n')
}
