// Package httpapi exposes the model hub over HTTP: model management,
// downloads, status and NDJSON streaming inference.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelhub/internal/manager"
	"modelhub/internal/repository"
	"modelhub/pkg/types"
)

// Service defines the methods required by the HTTP API layer. *hub.Hub
// implements it.
type Service interface {
	Ready() bool
	ListModels(opts repository.ListOptions) []types.Model
	Resolve(key string) (types.Model, bool)
	Delete(ctx context.Context, key string) (bool, error)
	SetAlias(key, alias string) (types.Model, error)
	Load(ctx context.Context, key string) (manager.LocalModelInfo, error)
	Unload(ctx context.Context, key string) error

	StartDownload(ctx context.Context, key string) (types.DownloadStatus, error)
	DownloadViews() []types.DownloadStatus
	PauseDownload(id string) bool
	ResumeDownload(id string) bool
	CancelDownload(id string) bool

	Status() types.StatusResponse
	Infer(ctx context.Context, req types.InferRequest, w io.Writer, flush func()) error
	Embed(ctx context.Context, key, text string) (types.EmbedResponse, error)
}

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
	defaultCORSHeaders = []string{"Content-Type", "Authorization", "X-Log-Level"}
)

// NewMux builds the router for svc.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(MetricsMiddleware)
	r.Use(logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		methods, headers := corsAllowedMethods, corsAllowedHeaders
		if len(methods) == 0 {
			methods = defaultCORSMethods
		}
		if len(headers) == 0 {
			headers = defaultCORSHeaders
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: methods,
			AllowedHeaders: headers,
			MaxAge:         300,
		}))
	}

	h := &handlers{svc: svc}
	r.Get("/models", h.listModels)
	r.Get("/model", h.getModel)
	r.Delete("/model", h.deleteModel)
	r.Put("/model/alias", h.setAlias)
	r.Post("/model/load", h.load)
	r.Post("/model/unload", h.unload)

	r.Get("/downloads", h.listDownloads)
	r.Post("/downloads", h.startDownload)
	r.Post("/downloads/pause", h.pauseDownload)
	r.Post("/downloads/resume", h.resumeDownload)
	r.Delete("/downloads", h.cancelDownload)

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})
	r.Post("/infer", h.infer)
	r.Post("/embed", h.embed)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

type handlers struct {
	svc Service
}

// decodeJSON enforces a JSON content type and the body size limit. It writes
// the error response and reports false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// queryID reads the required ?id= parameter.
func queryID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return "", false
	}
	return id, true
}

// bodyID decodes a ModelRequest and requires its id.
func bodyID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req types.ModelRequest
	if !decodeJSON(w, r, &req) {
		return "", false
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return "", false
	}
	return id, true
}

func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := repository.ListOptions{
		Type:   types.ModelType(q.Get("type")),
		Search: q.Get("search"),
	}
	var err error
	if s := q.Get("skip"); s != "" {
		if opts.Skip, err = strconv.Atoi(s); err != nil || opts.Skip < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid skip")
			return
		}
	}
	if s := q.Get("take"); s != "" {
		if opts.Take, err = strconv.Atoi(s); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid take")
			return
		}
	}
	models := h.svc.ListModels(opts)
	if models == nil {
		models = []types.Model{}
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

func (h *handlers) getModel(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r)
	if !ok {
		return
	}
	m, found := h.svc.Resolve(id)
	if !found {
		writeJSONError(w, http.StatusNotFound, "model not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handlers) deleteModel(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r)
	if !ok {
		return
	}
	deleted, err := h.svc.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeJSONError(w, http.StatusNotFound, "model not found: "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) setAlias(w http.ResponseWriter, r *http.Request) {
	var req types.AliasRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}
	m, err := h.svc.SetAlias(req.ID, strings.TrimSpace(req.Alias))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handlers) load(w http.ResponseWriter, r *http.Request) {
	id, ok := bodyID(w, r)
	if !ok {
		return
	}
	info, err := h.svc.Load(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info.View())
}

func (h *handlers) unload(w http.ResponseWriter, r *http.Request) {
	id, ok := bodyID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Unload(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listDownloads(w http.ResponseWriter, r *http.Request) {
	ds := h.svc.DownloadViews()
	if ds == nil {
		ds = []types.DownloadStatus{}
	}
	writeJSON(w, http.StatusOK, types.DownloadsResponse{Downloads: ds})
}

func (h *handlers) startDownload(w http.ResponseWriter, r *http.Request) {
	var req types.DownloadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key := strings.TrimSpace(req.Model)
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	st, err := h.svc.StartDownload(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (h *handlers) pauseDownload(w http.ResponseWriter, r *http.Request) {
	h.downloadOp(w, r, h.svc.PauseDownload)
}

func (h *handlers) resumeDownload(w http.ResponseWriter, r *http.Request) {
	h.downloadOp(w, r, h.svc.ResumeDownload)
}

func (h *handlers) downloadOp(w http.ResponseWriter, r *http.Request, op func(string) bool) {
	id, ok := bodyID(w, r)
	if !ok {
		return
	}
	if !op(id) {
		writeJSONError(w, http.StatusNotFound, "no matching download: "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) cancelDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r)
	if !ok {
		return
	}
	if !h.svc.CancelDownload(id) {
		writeJSONError(w, http.StatusNotFound, "no matching download: "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) infer(w http.ResponseWriter, r *http.Request) {
	var req types.InferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	// Headers go out with the first token; errors before then still get a
	// proper status code.
	sw := &startedWriter{w: w}
	writer := io.Writer(sw)
	if requestLogLevel(r) >= LevelDebug {
		writer = io.MultiWriter(sw, &loggingLineWriter{log: requestLogger(r)})
	}
	ctx, cancel := requestContext(r.Context(), inferTimeout)
	defer cancel()
	err := h.svc.Infer(ctx, req, writer, flush)
	if err == nil {
		return
	}
	if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
		return
	}
	if sw.started {
		// mid-stream failure: report it as a final NDJSON line
		_ = json.NewEncoder(w).Encode(map[string]any{"done": true, "error": err.Error(), "code": statusFor(err)})
		if flush != nil {
			flush()
		}
		return
	}
	writeError(w, err)
}

func (h *handlers) embed(w http.ResponseWriter, r *http.Request) {
	var req types.EmbedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeJSONError(w, http.StatusBadRequest, "input is required")
		return
	}
	ctx, cancel := requestContext(r.Context(), inferTimeout)
	defer cancel()
	resp, err := h.svc.Embed(ctx, req.Model, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// startedWriter records whether any response bytes were written.
type startedWriter struct {
	w       io.Writer
	started bool
}

func (s *startedWriter) Write(p []byte) (int, error) {
	s.started = true
	return s.w.Write(p)
}
