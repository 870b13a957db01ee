package hub

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"modelhub/internal/download"
	"modelhub/internal/remote"
	"modelhub/pkg/modelid"
	"modelhub/pkg/types"
)

// DownloadEvent is one element of a model download sequence. Model is set on
// the EventComplete event.
type DownloadEvent struct {
	Kind     download.EventKind
	State    DownloadState
	Progress download.AggregateProgress
	Model    types.Model
	Err      error
}

// errStopped ends a transfer that was paused or cancelled on request.
var errStopped = errors.New("hub: download stopped")

// entry is one active download.
type entry struct {
	mu     sync.Mutex
	st     DownloadState
	id     modelid.ID
	repoID string
	files  []download.RemoteFile
	// model is saved to the repository once every file is present.
	model types.Model
	done  chan struct{}
}

func (e *entry) snapshot() DownloadState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.clone()
}

func (e *entry) status() DownloadStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.Status
}

// stop cancels a running transfer and records why. It reports whether the
// entry was in a state that allows the transition.
func (e *entry) stop(to DownloadStatus, msg string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.st.Status.Active() || (to == StatusPaused && e.st.Status == StatusPaused) {
		return false
	}
	e.st.Status = to
	e.st.Message = msg
	e.st.LastUpdateTime = time.Now()
	if e.st.cancel != nil {
		e.st.cancel()
	}
	return true
}

// begin starts a new run of the entry under ctx and returns the run context.
func (e *entry) begin(ctx context.Context) (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.Status != StatusPending && e.st.Status != StatusPaused {
		return nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	now := time.Now()
	e.st.Status = StatusPending
	e.st.Message = ""
	e.st.cancel = cancel
	e.st.sessionStart = now
	e.st.sessionBytes = -1
	e.st.LastUpdateTime = now
	e.done = make(chan struct{})
	return runCtx, true
}

func (e *entry) observe(p download.AggregateProgress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.Status == StatusPending {
		e.st.Status = StatusDownloading
	}
	if e.st.sessionBytes < 0 {
		e.st.sessionBytes = p.BytesSoFar
	}
	e.st.BytesDownloaded = p.BytesSoFar
	if p.TotalBytes >= 0 {
		t := p.TotalBytes
		e.st.TotalBytes = &t
	}
	for rel, fp := range p.Files {
		e.st.DownloadedFiles[rel] = fp.BytesSoFar
	}
	e.st.LastUpdateTime = time.Now()
}

// Download fetches the artifact named by key into the repository and saves
// its metadata. The sequence reports progress, then ends with EventComplete
// (carrying the saved model) or EventError. Breaking out of the loop stops
// the transfer; partial files are kept for a later resume.
func (h *Hub) Download(ctx context.Context, key string) iter.Seq[DownloadEvent] {
	return func(yield func(DownloadEvent) bool) {
		e, err := h.prepare(ctx, key)
		if err != nil {
			yield(DownloadEvent{Kind: download.EventError, Err: err})
			return
		}
		runCtx, ok := e.begin(ctx)
		if !ok {
			yield(DownloadEvent{Kind: download.EventError, State: e.snapshot(), Err: fmt.Errorf("%w: not runnable", errStopped)})
			return
		}
		for ev := range h.transfer(runCtx, e) {
			if !yield(ev) {
				return
			}
		}
	}
}

// StartDownload prepares the download of key and runs it in the background.
// Progress is visible through Downloads.
func (h *Hub) StartDownload(ctx context.Context, key string) (types.DownloadStatus, error) {
	e, err := h.prepare(ctx, key)
	if err != nil {
		return types.DownloadStatus{}, err
	}
	h.runBackground(e)
	return e.snapshot().View(), nil
}

func (h *Hub) runBackground(e *entry) {
	runCtx, ok := e.begin(h.bg)
	if !ok {
		return
	}
	h.bgWG.Add(1)
	go func() {
		defer h.bgWG.Done()
		for ev := range h.transfer(runCtx, e) {
			if ev.Kind == download.EventError && !errors.Is(ev.Err, errStopped) {
				h.log.Warn().Str("model", e.st.ModelID).Err(ev.Err).Msg("background download failed")
			}
		}
	}()
}

// Downloads lists active downloads ordered by start time.
func (h *Hub) Downloads() []DownloadState {
	var out []DownloadState
	h.downloads.Range(func(_, v any) bool {
		st := v.(*entry).snapshot()
		if st.Status.Active() {
			out = append(out, st)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ModelID < out[j].ModelID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// DownloadViews returns Downloads in their API representation.
func (h *Hub) DownloadViews() []types.DownloadStatus {
	ds := h.Downloads()
	out := make([]types.DownloadStatus, 0, len(ds))
	for _, st := range ds {
		out = append(out, st.View())
	}
	return out
}

// PauseDownload stops a running download, keeping its partial files and
// ledger records. id is a model id, alias or operation id.
func (h *Hub) PauseDownload(id string) bool {
	e := h.findDownload(id)
	if e == nil || !e.stop(StatusPaused, "paused") {
		return false
	}
	h.log.Info().Str("model", e.st.ModelID).Msg("download paused")
	return true
}

// ResumeDownload restarts a paused download in the background.
func (h *Hub) ResumeDownload(id string) bool {
	e := h.findDownload(id)
	if e == nil || e.status() != StatusPaused {
		return false
	}
	e.wait()
	h.runBackground(e)
	h.log.Info().Str("model", e.model.ID).Msg("download resumed")
	return true
}

// CancelDownload stops a download and deletes its partial files and ledger
// records.
func (h *Hub) CancelDownload(id string) bool {
	e := h.findDownload(id)
	if e == nil || !e.stop(StatusCancelled, "cancelled") {
		return false
	}
	e.wait()
	h.downloads.CompareAndDelete(e.id.Key(), e)
	h.removePartial(e)
	if _, err := h.ledger.RemoveModel(e.model.ID); err != nil {
		h.log.Warn().Str("model", e.model.ID).Err(err).Msg("ledger cleanup failed")
	}
	h.log.Info().Str("model", e.model.ID).Msg("download cancelled")
	return true
}

// wait blocks until the current run of e has ended.
func (e *entry) wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (h *Hub) findDownload(id string) *entry {
	keys := []string{modelid.Normalize(id)}
	if m, ok := h.repo.Get(id); ok {
		keys = append(keys, modelid.Normalize(m.ID))
	}
	if parsed, err := modelid.Parse(id); err == nil {
		keys = append(keys, parsed.Key())
	}
	for _, k := range keys {
		if v, ok := h.downloads.Load(k); ok {
			return v.(*entry)
		}
	}
	var found *entry
	h.downloads.Range(func(_, v any) bool {
		e := v.(*entry)
		if e.snapshot().OperationID == id {
			found = e
			return false
		}
		return true
	})
	return found
}

// prepare resolves key against the registry, picks the artifact files and
// registers the active download.
func (h *Hub) prepare(ctx context.Context, key string) (*entry, error) {
	id, err := modelid.Parse(key)
	if err != nil {
		return nil, err
	}
	if id.Registry != remote.Registry {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRegistry, id.Registry)
	}
	if _, busy := h.downloads.Load(id.Key()); busy {
		return nil, fmt.Errorf("%w: %s", ErrDownloadInProgress, id)
	}
	info, err := h.remote.GetRepo(ctx, id.RepoID())
	if err != nil {
		return nil, err
	}
	repo := info.ToRepo()
	files, model := selectArtifact(info, repo, id)
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s has no files", ErrModelNotFound, id.RepoID())
	}
	dir := h.repo.ModelDir(id, model.Type)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("hub: create %s: %w", dir, err)
	}

	now := time.Now()
	e := &entry{
		id:     id,
		repoID: id.RepoID(),
		files:  files,
		model:  model,
		st: DownloadState{
			OperationID:     uuid.NewString(),
			ModelID:         model.ID,
			TargetDirectory: dir,
			ModelType:       model.Type,
			Status:          StatusPending,
			StartTime:       now,
			LastUpdateTime:  now,
			DownloadedFiles: make(map[string]int64, len(files)),
			ProviderData:    map[string]string{"repo_id": id.RepoID(), "revision": info.SHA},
		},
	}
	var total int64
	for _, f := range files {
		e.st.ProviderData["url:"+f.Path] = h.remote.FileURL(id.RepoID(), f.Path)
		if total >= 0 && f.Size > 0 {
			total += f.Size
		} else {
			total = -1
		}
	}
	if total >= 0 {
		e.st.TotalBytes = &total
	}
	if _, busy := h.downloads.LoadOrStore(id.Key(), e); busy {
		return nil, fmt.Errorf("%w: %s", ErrDownloadInProgress, id)
	}
	h.log.Info().Str("model", model.ID).Str("dir", dir).Int("files", len(files)).Str("op", e.st.OperationID).Msg("download prepared")
	return e, nil
}

// selectArtifact picks the files of the artifact named by id: the registry's
// artifact grouping first, then files whose base name matches the artifact,
// else the whole repository.
func selectArtifact(info remote.RepoInfo, repo types.Repo, id modelid.ID) ([]download.RemoteFile, types.Model) {
	all := info.Files()
	sizes := make(map[string]int64, len(all))
	for _, f := range all {
		sizes[f.Path] = f.Size
	}
	var picked []string
	model, ok := repo.Model(id.ArtifactName)
	if ok && (id.Format == "" || strings.EqualFold(model.Format, id.Format)) {
		picked = model.FilePaths
	} else {
		model = types.Model{
			Registry:     repo.Registry,
			RepoID:       repo.RepoID,
			Name:         repo.Name,
			Description:  repo.Description,
			Version:      repo.Version,
			Capabilities: repo.Capabilities,
			ArtifactName: id.ArtifactName,
			Format:       id.Format,
			Type:         repo.Type,
		}
		for _, f := range all {
			base := path.Base(f.Path)
			if strings.EqualFold(strings.TrimSuffix(base, path.Ext(base)), id.ArtifactName) {
				picked = append(picked, f.Path)
			}
		}
		if len(picked) == 0 {
			for _, f := range all {
				picked = append(picked, f.Path)
			}
		}
	}
	model.ID = id.WithFormat("").String()
	model.Properties = info.Extra
	model.FilePaths = picked
	files := make([]download.RemoteFile, 0, len(picked))
	for _, p := range picked {
		files = append(files, download.RemoteFile{Path: p, Size: sizes[p]})
	}
	if model.Format == "" {
		for _, p := range picked {
			if ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), "."); ext == "gguf" || ext == "safetensors" {
				model.Format = ext
				break
			}
		}
	}
	return files, model
}

// transfer runs one download of e under ctx. When it ends the entry leaves
// the active map unless it was paused.
func (h *Hub) transfer(ctx context.Context, e *entry) iter.Seq[DownloadEvent] {
	return func(yield func(DownloadEvent) bool) {
		defer func() {
			if st := e.status(); st != StatusPaused {
				h.downloads.CompareAndDelete(e.id.Key(), e)
			}
			e.mu.Lock()
			if e.st.cancel != nil {
				e.st.cancel()
			}
			close(e.done)
			e.mu.Unlock()
		}()

		req := download.RepoRequest{
			ModelID:   e.model.ID,
			RepoID:    e.repoID,
			OutputDir: e.snapshot().TargetDirectory,
			Files:     e.files,
		}
		for ev := range h.fetcher.Download(ctx, req) {
			switch ev.Kind {
			case download.EventData:
				e.observe(ev.Progress)
				if !yield(DownloadEvent{Kind: download.EventData, State: e.snapshot(), Progress: ev.Progress}) {
					e.stop(StatusCancelled, "consumer stopped")
					return
				}
			case download.EventError:
				e.observe(ev.Progress)
				err := ev.Err
				switch st := e.status(); {
				case st == StatusPaused || st == StatusCancelled:
					err = fmt.Errorf("%w: %s", errStopped, st)
				default:
					e.finish(StatusFailed, err.Error())
				}
				yield(DownloadEvent{Kind: download.EventError, State: e.snapshot(), Progress: ev.Progress, Err: err})
				return
			case download.EventComplete:
				e.observe(ev.Progress)
				saved, err := h.install(e)
				if err != nil {
					e.finish(StatusFailed, err.Error())
					yield(DownloadEvent{Kind: download.EventError, State: e.snapshot(), Progress: ev.Progress, Err: err})
					return
				}
				e.finish(StatusCompleted, "")
				yield(DownloadEvent{Kind: download.EventComplete, State: e.snapshot(), Progress: ev.Progress, Model: saved})
				return
			}
		}
	}
}

func (e *entry) finish(st DownloadStatus, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st.Status = st
	e.st.Message = msg
	e.st.LastUpdateTime = time.Now()
}

// install saves the metadata of a completed download and clears its ledger
// records.
func (h *Hub) install(e *entry) (types.Model, error) {
	m := e.model
	dir := e.snapshot().TargetDirectory
	m.SizeInBytes = 0
	for _, f := range e.files {
		fi, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f.Path)))
		if err != nil {
			return types.Model{}, fmt.Errorf("hub: verify %s: %w", f.Path, err)
		}
		m.SizeInBytes += fi.Size()
	}
	if prev, ok := h.repo.Get(m.ID); ok {
		m.Alias = prev.Alias
	}
	saved, err := h.repo.Save(m)
	if err != nil {
		return types.Model{}, err
	}
	if _, err := h.ledger.RemoveModel(saved.ID); err != nil {
		h.log.Warn().Str("model", saved.ID).Err(err).Msg("ledger cleanup failed")
	}
	h.log.Info().Str("model", saved.ID).Int64("bytes", saved.SizeInBytes).Msg("model installed")
	return saved, nil
}

// removePartial deletes the files of a cancelled download. Files of an
// installed model with the same id are complete and left alone.
func (h *Hub) removePartial(e *entry) {
	dir := e.snapshot().TargetDirectory
	_, installed := h.repo.Get(e.model.ID)
	for _, f := range e.files {
		p := filepath.Join(dir, filepath.FromSlash(f.Path))
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		if installed && f.Size > 0 && fi.Size() == f.Size {
			continue
		}
		if err := os.Remove(p); err != nil {
			h.log.Warn().Str("file", p).Err(err).Msg("remove partial file")
		}
	}
	if !installed {
		// drop the directory if nothing else lives there
		_ = os.Remove(dir)
	}
}
