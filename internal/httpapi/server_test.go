package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"modelhub/internal/download"
	"modelhub/internal/hub"
	"modelhub/internal/manager"
	"modelhub/internal/repository"
	"modelhub/pkg/types"
)

type mockService struct {
	models    []types.Model
	status    types.StatusResponse
	ready     bool
	inferErr  error
	midErr    error
	block     bool
	err       error
	downloads map[string]bool
	lastOpts  repository.ListOptions
	unloaded  string
}

func (m *mockService) Ready() bool { return m.ready }
func (m *mockService) ListModels(opts repository.ListOptions) []types.Model {
	m.lastOpts = opts
	return append([]types.Model(nil), m.models...)
}
func (m *mockService) Resolve(key string) (types.Model, bool) {
	for _, x := range m.models {
		if x.ID == key || (x.Alias != "" && x.Alias == key) {
			return x, true
		}
	}
	return types.Model{}, false
}
func (m *mockService) Delete(ctx context.Context, key string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.Resolve(key)
	return ok, nil
}
func (m *mockService) SetAlias(key, alias string) (types.Model, error) {
	if m.err != nil {
		return types.Model{}, m.err
	}
	x, ok := m.Resolve(key)
	if !ok {
		return types.Model{}, fmt.Errorf("%w: %s", hub.ErrModelNotFound, key)
	}
	x.Alias = alias
	return x, nil
}
func (m *mockService) Load(ctx context.Context, key string) (manager.LocalModelInfo, error) {
	if m.err != nil {
		return manager.LocalModelInfo{}, m.err
	}
	return manager.LocalModelInfo{ModelID: key, State: manager.StateLoaded, LoadedAt: time.Unix(100, 0)}, nil
}
func (m *mockService) Unload(ctx context.Context, key string) error {
	m.unloaded = key
	return m.err
}
func (m *mockService) StartDownload(ctx context.Context, key string) (types.DownloadStatus, error) {
	if m.err != nil {
		return types.DownloadStatus{}, m.err
	}
	return types.DownloadStatus{OperationID: "op-1", ModelID: key, Status: "pending"}, nil
}
func (m *mockService) DownloadViews() []types.DownloadStatus {
	var out []types.DownloadStatus
	for id := range m.downloads {
		out = append(out, types.DownloadStatus{ModelID: id, Status: "downloading"})
	}
	return out
}
func (m *mockService) PauseDownload(id string) bool  { return m.downloads[id] }
func (m *mockService) ResumeDownload(id string) bool { return m.downloads[id] }
func (m *mockService) CancelDownload(id string) bool { return m.downloads[id] }
func (m *mockService) Status() types.StatusResponse  { return m.status }
func (m *mockService) Infer(ctx context.Context, req types.InferRequest, w io.Writer, flush func()) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.inferErr != nil {
		return m.inferErr
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(map[string]any{"token": "hi"})
	if flush != nil {
		flush()
	}
	if m.midErr != nil {
		return m.midErr
	}
	_ = enc.Encode(map[string]any{"done": true})
	if flush != nil {
		flush()
	}
	return nil
}
func (m *mockService) Embed(ctx context.Context, key, text string) (types.EmbedResponse, error) {
	if m.inferErr != nil {
		return types.EmbedResponse{}, m.inferErr
	}
	return types.EmbedResponse{Model: key, Embedding: []float32{1, 2}}, nil
}

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func do(t *testing.T, svc Service, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, req)
	return w
}

func TestModelsHandler(t *testing.T) {
	svc := &mockService{models: []types.Model{{ID: "m1"}, {ID: "m2"}}}
	w := do(t, svc, http.MethodGet, "/models?type=embedding&search=ti&skip=1&take=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var body types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Models) != 2 {
		t.Fatalf("models len=%d", len(body.Models))
	}
	want := repository.ListOptions{Type: types.TypeEmbedding, Search: "ti", Skip: 1, Take: 5}
	if svc.lastOpts != want {
		t.Fatalf("opts=%+v", svc.lastOpts)
	}
	if w := do(t, svc, http.MethodGet, "/models?skip=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad skip status=%d", w.Code)
	}
}

func TestModelsHandler_EmptyListIsArray(t *testing.T) {
	w := do(t, &mockService{}, http.MethodGet, "/models", "")
	if !strings.Contains(w.Body.String(), `"models":[]`) {
		t.Fatalf("body=%s", w.Body.String())
	}
}

func TestGetAndDeleteModel(t *testing.T) {
	svc := &mockService{models: []types.Model{{ID: "hf:a/b/c", Alias: "tiny"}}}
	if w := do(t, svc, http.MethodGet, "/model?id=tiny", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "hf:a/b/c") {
		t.Fatalf("get status=%d body=%s", w.Code, w.Body.String())
	}
	if w := do(t, svc, http.MethodGet, "/model?id=nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", w.Code)
	}
	if w := do(t, svc, http.MethodGet, "/model", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("no id status=%d", w.Code)
	}
	if w := do(t, svc, http.MethodDelete, "/model?id=tiny", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", w.Code)
	}
	if w := do(t, svc, http.MethodDelete, "/model?id=nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("delete missing status=%d", w.Code)
	}
}

func TestSetAlias(t *testing.T) {
	svc := &mockService{models: []types.Model{{ID: "m1"}}}
	w := do(t, svc, http.MethodPut, "/model/alias", `{"id":"m1","alias":" fast "}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"alias":"fast"`) {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if w := do(t, svc, http.MethodPut, "/model/alias", `{"id":"zz","alias":"x"}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown status=%d", w.Code)
	}
	svc.err = fmt.Errorf("set: %w", repository.ErrAliasConflict)
	if w := do(t, svc, http.MethodPut, "/model/alias", `{"id":"m1","alias":"x"}`); w.Code != http.StatusConflict {
		t.Fatalf("conflict status=%d", w.Code)
	}
}

func TestLoadUnload(t *testing.T) {
	svc := &mockService{}
	w := do(t, svc, http.MethodPost, "/model/load", `{"id":"m1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("load status=%d", w.Code)
	}
	var st types.InstanceStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	if st.ModelID != "m1" || st.State != "loaded" || st.LoadedAt != 100 {
		t.Fatalf("unexpected: %+v", st)
	}
	if w := do(t, svc, http.MethodPost, "/model/unload", `{"id":"m1"}`); w.Code != http.StatusNoContent || svc.unloaded != "m1" {
		t.Fatalf("unload status=%d", w.Code)
	}
	if w := do(t, svc, http.MethodPost, "/model/load", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty id status=%d", w.Code)
	}
	svc.err = fmt.Errorf("unload: %w", manager.ErrInvalidOperation)
	if w := do(t, svc, http.MethodPost, "/model/unload", `{"id":"m1"}`); w.Code != http.StatusConflict {
		t.Fatalf("invalid op status=%d", w.Code)
	}
}

func TestDownloadRoutes(t *testing.T) {
	svc := &mockService{downloads: map[string]bool{"hf:a/b/c": true}}
	w := do(t, svc, http.MethodPost, "/downloads", `{"model":"hf:a/b/c"}`)
	if w.Code != http.StatusAccepted || !strings.Contains(w.Body.String(), "op-1") {
		t.Fatalf("start status=%d body=%s", w.Code, w.Body.String())
	}
	w = do(t, svc, http.MethodGet, "/downloads", "")
	var body types.DownloadsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || len(body.Downloads) != 1 {
		t.Fatalf("list: %v %s", err, w.Body.String())
	}
	for _, path := range []string{"/downloads/pause", "/downloads/resume"} {
		if w := do(t, svc, http.MethodPost, path, `{"id":"hf:a/b/c"}`); w.Code != http.StatusNoContent {
			t.Fatalf("%s status=%d", path, w.Code)
		}
		if w := do(t, svc, http.MethodPost, path, `{"id":"other"}`); w.Code != http.StatusNotFound {
			t.Fatalf("%s missing status=%d", path, w.Code)
		}
	}
	if w := do(t, svc, http.MethodDelete, "/downloads?id=hf:a/b/c", ""); w.Code != http.StatusNoContent {
		t.Fatalf("cancel status=%d", w.Code)
	}
}

func TestDownloadErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&download.AuthRequiredError{URL: "u"}, http.StatusUnauthorized},
		{fmt.Errorf("x: %w", hub.ErrDownloadInProgress), http.StatusConflict},
		{fmt.Errorf("x: %w", hub.ErrUnsupportedRegistry), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &mockService{err: tc.err}
		if w := do(t, svc, http.MethodPost, "/downloads", `{"model":"hf:a/b/c"}`); w.Code != tc.want {
			t.Fatalf("%v: status=%d want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{MaxResident: 10, State: "ready"}}
	w := do(t, svc, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.MaxResident != 10 || body.State != "ready" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	if w := do(t, &mockService{ready: true}, http.MethodGet, "/readyz", ""); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	w := do(t, &mockService{}, http.MethodGet, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "loading") {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	if w := do(t, &mockService{}, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestInferStreams(t *testing.T) {
	w := do(t, &mockService{}, http.MethodPost, "/infer", `{"prompt":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%s", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 ndjson lines, got %d", len(lines))
	}
}

func TestInferMidStreamErrorEndsWithErrorLine(t *testing.T) {
	w := do(t, &mockService{midErr: errors.New("engine crashed")}, http.MethodPost, "/infer", `{"prompt":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "engine crashed") {
		t.Fatalf("lines=%q", lines)
	}
}

func TestInferBadJSON(t *testing.T) {
	if w := do(t, &mockService{}, http.MethodPost, "/infer", "not-json"); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestInferErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{mockHTTPError{msg: "teapot", code: http.StatusTeapot}, http.StatusTeapot},
		{manager.ErrModelNotFound("abc"), http.StatusNotFound},
		{fmt.Errorf("x: %w", hub.ErrModelNotFound), http.StatusNotFound},
		{fmt.Errorf("load m: %w", manager.ErrDependencyUnavailable("llama support not built")), http.StatusServiceUnavailable},
		{fmt.Errorf("%w", hub.ErrNoModel), http.StatusBadRequest},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := do(t, &mockService{inferErr: tc.err}, http.MethodPost, "/infer", `{"prompt":"hi"}`)
		if w.Code != tc.want {
			t.Fatalf("%v: status=%d want %d", tc.err, w.Code, tc.want)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("%v: content-type=%s", tc.err, ct)
		}
	}
}

func TestInferUnsupportedMediaType(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/infer", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestContentTypeCaseInsensitive(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/infer", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "Application/JSON; charset=utf-8")
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with mixed-case content-type, got %d", w.Code)
	}
}

func TestInferBodyTooLarge(t *testing.T) {
	big := bytes.Repeat([]byte("a"), (1<<20)+10)
	req := httptest.NewRequest(http.MethodPost, "/infer", bytes.NewReader(big))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too-large body, got %d", w.Code)
	}
}

func TestInferPromptRequired(t *testing.T) {
	if w := do(t, &mockService{}, http.MethodPost, "/infer", `{"prompt":"   "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing prompt, got %d", w.Code)
	}
}

func TestInferTimeoutMaps504(t *testing.T) {
	SetInferTimeout(20 * time.Millisecond)
	defer SetInferTimeout(0)
	if w := do(t, &mockService{block: true}, http.MethodPost, "/infer", `{"prompt":"x"}`); w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 on timeout, got %d", w.Code)
	}
}

func TestEmbed(t *testing.T) {
	w := do(t, &mockService{}, http.MethodPost, "/embed", `{"model":"m1","input":"hello"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"embedding":[1,2]`) {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if w := do(t, &mockService{}, http.MethodPost, "/embed", `{"model":"m1"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty input status=%d", w.Code)
	}
	busy := &mockService{inferErr: fmt.Errorf("embed: %w", errTooBusy)}
	if w := do(t, busy, http.MethodPost, "/embed", `{"input":"x"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("busy status=%d", w.Code)
	}
}

var errTooBusy = mockHTTPError{msg: "too busy", code: http.StatusTooManyRequests}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, nil, nil)
	defer SetCORSOptions(false, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	NewMux(&mockService{ready: true}).ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected Access-Control-Allow-Origin to be set")
	}
}

func TestCORSDisabledByDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected CORS header %q", got)
	}
}
