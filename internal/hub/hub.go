// Package hub ties the model store together: it resolves identifiers,
// downloads artifacts from the registry into the repository, and loads
// installed models into the manager for inference.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"modelhub/internal/download"
	"modelhub/internal/ledger"
	"modelhub/internal/manager"
	"modelhub/internal/remote"
	"modelhub/internal/repository"
	"modelhub/pkg/types"
)

const (
	defaultLedgerName  = "download-state.json"
	defaultHTTPTimeout = 30 * time.Second
)

// Config configures a Hub. Every dependency is explicit; nothing is read from
// the environment.
type Config struct {
	// ModelsDir is the repository root.
	ModelsDir string
	// LedgerPath defaults to <ModelsDir>/download-state.json.
	LedgerPath string
	// DefaultModel is used by Infer and Embed when the request names none.
	DefaultModel string

	RegistryURL string
	Token       string
	Revision    string
	UserAgent   string
	// HTTPTimeout bounds registry API calls; file transfers are bounded by
	// their context only.
	HTTPTimeout time.Duration
	// DownloadClient performs file transfers; a client without timeout when nil.
	DownloadClient *http.Client

	DownloadConcurrency int
	MaxRetries          int
	RetryBackoff        time.Duration
	PollInterval        time.Duration

	Manager manager.Config
	Logger  zerolog.Logger
}

// Hub is the facade over repository, ledger, downloader, registry client and
// manager.
type Hub struct {
	cfg     Config
	repo    *repository.Repository
	ledger  *ledger.Tracker
	remote  *remote.Client
	fetcher *download.RepoDownloader
	mgr     *manager.Manager
	log     zerolog.Logger

	// downloads maps a normalized model id to *entry.
	downloads sync.Map
	// bg parents background downloads; Close cancels it.
	bg       context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	ready     atomic.Bool
	startTime time.Time
}

// New builds a Hub from cfg. engine overrides cfg.Manager.Engine when non-nil.
// The repository is scanned and the download ledger reconciled with disk
// before New returns.
func New(cfg Config, engine manager.Engine) (*Hub, error) {
	if cfg.ModelsDir == "" {
		return nil, errors.New("hub: empty models dir")
	}
	repo, err := repository.New(repository.Config{Root: cfg.ModelsDir, Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("hub: repository: %w", err)
	}
	if _, err := repo.Scan(); err != nil {
		return nil, fmt.Errorf("hub: scan: %w", err)
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = filepath.Join(repo.Root(), defaultLedgerName)
	}
	tracker, err := ledger.New(ledger.Config{Path: cfg.LedgerPath, Locator: repo.LocateDir, Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}
	if rep, err := tracker.ValidateAndRepair(); err != nil {
		cfg.Logger.Warn().Err(err).Msg("download ledger repair failed")
	} else if rep.Reset {
		cfg.Logger.Warn().Str("path", tracker.Path()).Msg("download ledger was corrupt and has been reset")
	}

	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	client := remote.New(remote.Config{
		BaseURL:   cfg.RegistryURL,
		Token:     cfg.Token,
		Revision:  cfg.Revision,
		UserAgent: cfg.UserAgent,
		Client:    &http.Client{Timeout: cfg.HTTPTimeout},
		Logger:    cfg.Logger,
	})
	files := download.NewFileDownloader(download.Config{
		Client:    cfg.DownloadClient,
		Token:     cfg.Token,
		UserAgent: cfg.UserAgent,
		Logger:    cfg.Logger,
	})
	fetcher := download.NewRepoDownloader(download.RepoConfig{
		Files:        files,
		Source:       client,
		Tracker:      tracker,
		Concurrency:  cfg.DownloadConcurrency,
		PollInterval: cfg.PollInterval,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		Logger:       cfg.Logger,
	})

	mcfg := cfg.Manager
	if engine != nil {
		mcfg.Engine = engine
	}
	mcfg.Logger = cfg.Logger

	h := &Hub{
		cfg:       cfg,
		repo:      repo,
		ledger:    tracker,
		remote:    client,
		fetcher:   fetcher,
		mgr:       manager.New(mcfg),
		log:       cfg.Logger,
		startTime: time.Now(),
	}
	h.bg, h.bgCancel = context.WithCancel(context.Background())
	h.ready.Store(true)
	h.log.Info().Str("models_dir", repo.Root()).Int("models", repo.Count()).Msg("model hub ready")
	return h, nil
}

// Ready reports whether the hub finished initialization and is not closed.
func (h *Hub) Ready() bool { return h.ready.Load() }

// Repository exposes the model repository.
func (h *Hub) Repository() *repository.Repository { return h.repo }

// Ledger exposes the download ledger.
func (h *Hub) Ledger() *ledger.Tracker { return h.ledger }

// Manager exposes the in-memory model manager.
func (h *Hub) Manager() *manager.Manager { return h.mgr }

// Resolve looks up an installed model by id, alias or bare name.
func (h *Hub) Resolve(key string) (types.Model, bool) { return h.repo.Get(key) }

// ListModels lists installed models.
func (h *Hub) ListModels(opts repository.ListOptions) []types.Model { return h.repo.List(opts) }

// Search queries the registry. Results carry no artifacts; use GetRepo for
// the file listing.
func (h *Hub) Search(ctx context.Context, q remote.Query) ([]types.Repo, error) {
	infos, err := h.remote.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]types.Repo, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.ToRepo())
	}
	return out, nil
}

// GetRepo describes a registry repository with its artifacts.
func (h *Hub) GetRepo(ctx context.Context, repoID string) (types.Repo, error) {
	info, err := h.remote.GetRepo(ctx, repoID)
	if err != nil {
		return types.Repo{}, err
	}
	return info.ToRepo(), nil
}

// Ensure returns the installed model for key, downloading it first when it is
// not installed, and loads it.
func (h *Hub) Ensure(ctx context.Context, key string) (manager.LocalModelInfo, error) {
	if _, ok := h.repo.Get(key); !ok {
		var dlErr error
		for ev := range h.Download(ctx, key) {
			if ev.Kind == download.EventError {
				dlErr = ev.Err
			}
		}
		if dlErr != nil {
			return manager.LocalModelInfo{}, dlErr
		}
	}
	return h.Load(ctx, key)
}

// Load makes an installed model resident. A failed load is returned as an
// error carrying the engine's failure.
func (h *Hub) Load(ctx context.Context, key string) (manager.LocalModelInfo, error) {
	m, ok := h.repo.Get(key)
	if !ok {
		return manager.LocalModelInfo{}, fmt.Errorf("%w: %s", ErrModelNotFound, key)
	}
	file := m.PrimaryFile()
	if file == "" {
		return manager.LocalModelInfo{}, fmt.Errorf("%w: %s has no weight files", ErrModelNotFound, m.ID)
	}
	info, err := h.mgr.Load(ctx, filepath.Join(m.LocalPath, filepath.FromSlash(file)), m.ID)
	if err != nil {
		return info, err
	}
	if info.State == manager.StateFailed {
		if lerr := info.Err(); lerr != nil {
			return info, fmt.Errorf("load %s: %w", m.ID, lerr)
		}
		return info, fmt.Errorf("load %s: %s", m.ID, info.LastError)
	}
	return info, nil
}

// Unload releases a resident model.
func (h *Hub) Unload(ctx context.Context, key string) error {
	id := key
	if m, ok := h.repo.Get(key); ok {
		id = m.ID
	}
	return h.mgr.Unload(ctx, id)
}

// Generate runs a prompt on a loaded model.
func (h *Hub) Generate(ctx context.Context, key, prompt string, params manager.InferParams, onToken func(string) error) (manager.FinalResult, error) {
	m, err := h.resolveLoaded(ctx, key)
	if err != nil {
		return manager.FinalResult{}, err
	}
	return h.mgr.Generate(ctx, m.ID, prompt, params, onToken)
}

// Embed returns the embedding of text, loading the model if needed.
func (h *Hub) Embed(ctx context.Context, key, text string) (types.EmbedResponse, error) {
	m, err := h.resolveLoaded(ctx, key)
	if err != nil {
		return types.EmbedResponse{}, err
	}
	vec, err := h.mgr.Embed(ctx, m.ID, text)
	if err != nil {
		return types.EmbedResponse{}, err
	}
	return types.EmbedResponse{Model: m.ID, Embedding: vec}, nil
}

// resolveLoaded resolves key (or the default model) and loads it when needed.
func (h *Hub) resolveLoaded(ctx context.Context, key string) (types.Model, error) {
	if key == "" {
		key = h.cfg.DefaultModel
	}
	if key == "" {
		return types.Model{}, ErrNoModel
	}
	m, ok := h.repo.Get(key)
	if !ok {
		return types.Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, key)
	}
	if !h.mgr.IsLoaded(m.ID) {
		if _, err := h.Load(ctx, m.ID); err != nil {
			return types.Model{}, err
		}
	}
	return m, nil
}

// Delete unloads a resident model, stops its download, removes it from the
// repository and clears its ledger records. It reports false when key
// resolves to nothing.
func (h *Hub) Delete(ctx context.Context, key string) (bool, error) {
	m, ok := h.repo.Get(key)
	if !ok {
		return false, nil
	}
	if h.mgr.IsLoaded(m.ID) {
		if err := h.mgr.Unload(ctx, m.ID); err != nil && !manager.IsModelNotFound(err) {
			return false, fmt.Errorf("delete %s: %w", m.ID, err)
		}
	}
	h.CancelDownload(m.ID)
	deleted, err := h.repo.Delete(m.ID)
	if err != nil {
		return false, err
	}
	if _, err := h.ledger.RemoveModel(m.ID); err != nil {
		h.log.Warn().Str("model", m.ID).Err(err).Msg("ledger cleanup failed")
	}
	return deleted, nil
}

// SetAlias assigns (or clears) the alias of an installed model.
func (h *Hub) SetAlias(key, alias string) (types.Model, error) {
	m, err := h.repo.SetAlias(key, alias)
	if errors.Is(err, repository.ErrNotFound) {
		return types.Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, key)
	}
	return m, err
}

// Status reports manager state plus hub-level counters.
func (h *Hub) Status() types.StatusResponse {
	st := h.mgr.Status()
	st.ActiveDownloads = len(h.Downloads())
	st.UptimeSeconds = int64(time.Since(h.startTime).Seconds())
	return st
}

// Close pauses running downloads, keeping their partial files, and unloads
// every model.
func (h *Hub) Close(ctx context.Context) error {
	h.ready.Store(false)
	h.downloads.Range(func(_, v any) bool {
		v.(*entry).stop(StatusPaused, "shutting down")
		return true
	})
	h.bgCancel()
	h.bgWG.Wait()
	return h.mgr.Close(ctx)
}
