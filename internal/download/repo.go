package download

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Defaults applied when corresponding RepoConfig fields are unset.
const (
	defaultConcurrency  = 4
	defaultPollInterval = 100 * time.Millisecond
	defaultMaxRetries   = 3
	defaultRetryBackoff = time.Second
	ledgerFlushInterval = time.Second
)

// RemoteFile is one file offered by a repository. Size is 0 when unknown.
type RemoteFile struct {
	Path string
	Size int64
}

// Source lists repository files and builds their download URLs.
type Source interface {
	ListFiles(ctx context.Context, repoID string) ([]RemoteFile, error)
	FileURL(repoID, path string) string
}

// Tracker persists per-file progress so interrupted downloads can resume.
type Tracker interface {
	RecordStart(modelID, file string, total int64) error
	UpdateProgress(modelID, file string, bytes int64, completed bool) error
	ResumePosition(modelID, file string) int64
}

// RepoConfig configures a RepoDownloader.
type RepoConfig struct {
	Files   *FileDownloader
	Source  Source
	Tracker Tracker
	// Concurrency bounds parallel file transfers (default 4).
	Concurrency  int
	PollInterval time.Duration
	// MaxRetries bounds retries of transient failures per file (default 3).
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       zerolog.Logger
}

// RepoDownloader downloads every file of a repository concurrently.
type RepoDownloader struct {
	files        *FileDownloader
	source       Source
	tracker      Tracker
	concurrency  int
	pollInterval time.Duration
	maxRetries   int
	retryBackoff time.Duration
	log          zerolog.Logger
}

// NewRepoDownloader constructs a RepoDownloader from cfg, applying defaults.
func NewRepoDownloader(cfg RepoConfig) *RepoDownloader {
	d := &RepoDownloader{
		files:        cfg.Files,
		source:       cfg.Source,
		tracker:      cfg.Tracker,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		log:          cfg.Logger,
	}
	if d.files == nil {
		d.files = NewFileDownloader(Config{Logger: cfg.Logger})
	}
	if d.concurrency <= 0 {
		d.concurrency = defaultConcurrency
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultPollInterval
	}
	if d.maxRetries <= 0 {
		d.maxRetries = defaultMaxRetries
	}
	if d.retryBackoff <= 0 {
		d.retryBackoff = defaultRetryBackoff
	}
	return d
}

// RepoRequest names what to download and where.
type RepoRequest struct {
	// ModelID keys ledger entries; RepoID is used when empty.
	ModelID string
	RepoID  string
	// OutputDir receives the files, or OutputDir/<publisher>_<model> with UseSubdir.
	OutputDir string
	UseSubdir bool
	// Filter selects files; nil keeps all of them.
	Filter func(RemoteFile) bool
	// Files skips listing when non-empty.
	Files []RemoteFile
}

// AggregateProgress is a snapshot across all files of a repository download.
type AggregateProgress struct {
	RepoID     string
	OutputDir  string
	TotalFiles int
	Completed  map[string]bool
	Files      map[string]Progress
	BytesSoFar int64
	// TotalBytes is -1 while any file size is unknown.
	TotalBytes int64
	Elapsed    time.Duration
}

// Fraction returns completion in [0,1], or -1 when the total is unknown.
func (p AggregateProgress) Fraction() float64 {
	if p.TotalBytes <= 0 {
		return -1
	}
	return float64(p.BytesSoFar) / float64(p.TotalBytes)
}

// RepoEvent is one element of a repository download sequence.
type RepoEvent struct {
	Kind     EventKind
	Progress AggregateProgress
	Err      error
}

// Dir returns the directory the files of req are written to.
func (req RepoRequest) Dir() string {
	if !req.UseSubdir {
		return req.OutputDir
	}
	return filepath.Join(req.OutputDir, strings.ReplaceAll(req.RepoID, "/", "_"))
}

// Download returns a lazy sequence of aggregate progress events. Files are
// fetched concurrently; the first failure cancels the others and ends the
// sequence with an EventError.
func (d *RepoDownloader) Download(ctx context.Context, req RepoRequest) iter.Seq[RepoEvent] {
	return func(yield func(RepoEvent) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		start := time.Now()
		if req.ModelID == "" {
			req.ModelID = req.RepoID
		}
		outDir := req.Dir()

		files, err := d.selectFiles(ctx, req)
		if err != nil {
			yield(RepoEvent{Kind: EventError, Err: err, Progress: AggregateProgress{RepoID: req.RepoID, OutputDir: outDir, TotalBytes: -1}})
			return
		}
		st := &repoState{repoID: req.RepoID, outDir: outDir, files: files, start: start}
		if !yield(RepoEvent{Kind: EventData, Progress: st.snapshot()}) {
			return
		}

		done := make(chan error, 1)
		go func() { done <- d.fetchAll(ctx, req, st) }()

		ticker := time.NewTicker(d.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case err := <-done:
				snap := st.snapshot()
				if err != nil {
					d.log.Warn().Str("repo", req.RepoID).Err(err).Msg("repository download failed")
					yield(RepoEvent{Kind: EventError, Err: err, Progress: snap})
					return
				}
				d.log.Info().Str("repo", req.RepoID).Int("files", len(files)).Dur("elapsed", snap.Elapsed).Msg("repository download complete")
				yield(RepoEvent{Kind: EventComplete, Progress: snap})
				return
			case <-ticker.C:
				if !yield(RepoEvent{Kind: EventData, Progress: st.snapshot()}) {
					cancel()
					<-done
					return
				}
			}
		}
	}
}

func (d *RepoDownloader) selectFiles(ctx context.Context, req RepoRequest) ([]RemoteFile, error) {
	if d.source == nil {
		return nil, errors.New("download: no source configured")
	}
	files := req.Files
	if len(files) == 0 {
		listed, err := d.source.ListFiles(ctx, req.RepoID)
		if err != nil {
			return nil, fmt.Errorf("list files of %s: %w", req.RepoID, err)
		}
		files = listed
	}
	out := make([]RemoteFile, 0, len(files))
	for _, f := range files {
		if !validRelPath(f.Path) {
			return nil, fmt.Errorf("download: unsafe file path %q in %s", f.Path, req.RepoID)
		}
		if req.Filter == nil || req.Filter(f) {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("download: no files selected from %s", req.RepoID)
	}
	return out, nil
}

func (d *RepoDownloader) fetchAll(ctx context.Context, req RepoRequest, st *repoState) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(d.concurrency))
	for _, f := range st.files {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return d.fetchFile(gctx, req, st, f)
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// fetchFile downloads one file, retrying transient failures from the on-disk
// resume position with linear backoff.
func (d *RepoDownloader) fetchFile(ctx context.Context, req RepoRequest, st *repoState, f RemoteFile) error {
	path := filepath.Join(st.outDir, filepath.FromSlash(f.Path))
	url := d.source.FileURL(req.RepoID, f.Path)
	for attempt := 1; ; attempt++ {
		offset := d.resumePosition(req.ModelID, f.Path, path)
		if f.Size > 0 && offset == f.Size {
			st.store(f.Path, Progress{Path: path, BytesSoFar: offset, Total: offset}, true)
			d.updateLedger(req.ModelID, f.Path, offset, true)
			return nil
		}
		err := d.fetchOnce(ctx, req.ModelID, url, path, f, offset, st)
		if err == nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if !IsTransient(err) || attempt > d.maxRetries {
			return fmt.Errorf("%s (attempt %d): %w", f.Path, attempt, err)
		}
		retriesTotal.Inc()
		wait := time.Duration(attempt) * d.retryBackoff
		d.log.Warn().Str("file", f.Path).Int("attempt", attempt).Dur("backoff", wait).Err(err).Msg("transient download failure, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *RepoDownloader) fetchOnce(ctx context.Context, modelID, url, path string, f RemoteFile, offset int64, st *repoState) error {
	var lastFlush time.Time
	for ev := range d.files.Download(ctx, url, path, offset) {
		switch ev.Kind {
		case EventData:
			if ev.Status != 0 && d.tracker != nil {
				if err := d.tracker.RecordStart(modelID, f.Path, ev.Progress.Total); err != nil {
					d.log.Warn().Str("file", f.Path).Err(err).Msg("ledger record failed")
				}
				lastFlush = time.Now()
			}
			st.store(f.Path, ev.Progress, false)
			if time.Since(lastFlush) >= ledgerFlushInterval {
				d.updateLedger(modelID, f.Path, ev.Progress.BytesSoFar, false)
				lastFlush = time.Now()
			}
		case EventComplete:
			st.store(f.Path, ev.Progress, true)
			d.updateLedger(modelID, f.Path, ev.Progress.BytesSoFar, true)
			return nil
		case EventError:
			st.store(f.Path, ev.Progress, false)
			if ev.Progress.BytesSoFar > 0 {
				d.updateLedger(modelID, f.Path, ev.Progress.BytesSoFar, false)
			}
			return ev.Err
		}
	}
	return ctx.Err()
}

func (d *RepoDownloader) resumePosition(modelID, rel, path string) int64 {
	if d.tracker != nil {
		return d.tracker.ResumePosition(modelID, rel)
	}
	if fi, err := os.Stat(path); err == nil {
		return fi.Size()
	}
	return 0
}

func (d *RepoDownloader) updateLedger(modelID, file string, n int64, completed bool) {
	if d.tracker == nil {
		return
	}
	if err := d.tracker.UpdateProgress(modelID, file, n, completed); err != nil {
		d.log.Warn().Str("file", file).Err(err).Msg("ledger update failed")
	}
}

// repoState holds the per-file snapshots written by workers and read by the
// polling loop.
type repoState struct {
	repoID    string
	outDir    string
	files     []RemoteFile
	start     time.Time
	snapshots sync.Map // rel path -> Progress
	completed sync.Map // rel path -> struct{}
}

func (s *repoState) store(rel string, p Progress, done bool) {
	s.snapshots.Store(rel, p)
	if done {
		s.completed.Store(rel, struct{}{})
	}
}

func (s *repoState) snapshot() AggregateProgress {
	out := AggregateProgress{
		RepoID:     s.repoID,
		OutputDir:  s.outDir,
		TotalFiles: len(s.files),
		Completed:  make(map[string]bool),
		Files:      make(map[string]Progress, len(s.files)),
		Elapsed:    time.Since(s.start),
	}
	known := true
	for _, f := range s.files {
		size := f.Size
		if v, ok := s.snapshots.Load(f.Path); ok {
			p := v.(Progress)
			out.Files[f.Path] = p
			out.BytesSoFar += p.BytesSoFar
			if p.Total >= 0 {
				size = p.Total
			}
		}
		if _, ok := s.completed.Load(f.Path); ok {
			out.Completed[f.Path] = true
		}
		if size <= 0 {
			known = false
		}
		out.TotalBytes += size
	}
	if !known {
		out.TotalBytes = -1
	}
	return out
}

// CompletedFiles returns the completed paths in sorted order.
func (p AggregateProgress) CompletedFiles() []string {
	out := make([]string, 0, len(p.Completed))
	for k := range p.Completed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func validRelPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
