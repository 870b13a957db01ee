// Package ledger persists per-file download progress in a single JSON file so
// interrupted downloads can resume across restarts. The files on disk are the
// ground truth; the ledger only remembers what was being fetched.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelhub/internal/common/fsutil"
	"modelhub/pkg/modelid"
)

const (
	defaultLockTimeout = 10 * time.Second
	writeAttempts      = 3
	writeBackoff       = 100 * time.Millisecond
)

// FileState is one ledger record.
type FileState struct {
	ModelID string `json:"ModelId"`
	// FilePath is relative to the model's target directory.
	FilePath       string    `json:"FilePath"`
	TotalSize      int64     `json:"TotalSize"`
	DownloadedSize int64     `json:"DownloadedSize"`
	IsCompleted    bool      `json:"IsCompleted"`
	LastAttempt    time.Time `json:"LastAttempt"`
}

// Locator maps a model id to the directory its files are downloaded into.
type Locator func(modelID string) (dir string, ok bool)

// Config configures a Tracker.
type Config struct {
	// Path of the JSON ledger file.
	Path string
	// Locator resolves file paths for on-disk checks; without it the recorded
	// sizes are trusted.
	Locator     Locator
	LockTimeout time.Duration
	Logger      zerolog.Logger
}

// Tracker is the download state ledger. Every operation takes a process mutex
// and an advisory file lock, then reads, modifies and rewrites the whole file.
type Tracker struct {
	mu          sync.Mutex
	path        string
	lockPath    string
	locator     Locator
	lockTimeout time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

// New constructs a Tracker for cfg.Path, creating its directory.
func New(cfg Config) (*Tracker, error) {
	if cfg.Path == "" {
		return nil, errors.New("ledger: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}
	t := &Tracker{
		path:        cfg.Path,
		lockPath:    cfg.Path + ".lock",
		locator:     cfg.Locator,
		lockTimeout: cfg.LockTimeout,
		log:         cfg.Logger,
		now:         time.Now,
	}
	if t.lockTimeout <= 0 {
		t.lockTimeout = defaultLockTimeout
	}
	return t, nil
}

// Path returns the ledger file location.
func (t *Tracker) Path() string { return t.path }

func key(modelID, file string) string {
	return modelid.Normalize(modelID) + ":" + filepath.ToSlash(file)
}

// RecordStart notes that a transfer of file has begun (or resumed) with the
// given total size (-1 unknown).
func (t *Tracker) RecordStart(modelID, file string, total int64) error {
	return t.update(func(m map[string]FileState) (bool, error) {
		k := key(modelID, file)
		st, ok := m[k]
		if !ok {
			st = FileState{ModelID: modelID, FilePath: filepath.ToSlash(file)}
		}
		st.TotalSize = total
		st.IsCompleted = false
		st.LastAttempt = t.now().UTC()
		m[k] = st
		return true, nil
	})
}

// UpdateProgress records bytes written so far and whether the file is done.
func (t *Tracker) UpdateProgress(modelID, file string, bytes int64, completed bool) error {
	return t.update(func(m map[string]FileState) (bool, error) {
		k := key(modelID, file)
		st, ok := m[k]
		if !ok {
			st = FileState{ModelID: modelID, FilePath: filepath.ToSlash(file), TotalSize: -1}
		}
		st.DownloadedSize = bytes
		st.IsCompleted = completed
		if completed && st.TotalSize < 0 {
			st.TotalSize = bytes
		}
		st.LastAttempt = t.now().UTC()
		m[k] = st
		return true, nil
	})
}

// ResumePosition returns the byte offset a download of file should resume at:
// the on-disk size, or 0 when the file is missing or larger than the recorded
// total. Without a locator the recorded size is returned.
func (t *Tracker) ResumePosition(modelID, file string) int64 {
	st, found := t.Get(modelID, file)
	if t.locator == nil {
		if !found {
			return 0
		}
		return st.DownloadedSize
	}
	dir, ok := t.locator(modelID)
	if !ok {
		return 0
	}
	fi, err := os.Stat(filepath.Join(dir, filepath.FromSlash(file)))
	if err != nil || !fi.Mode().IsRegular() {
		return 0
	}
	if found && st.TotalSize > 0 && fi.Size() > st.TotalSize {
		return 0
	}
	return fi.Size()
}

// Get returns the record for one file.
func (t *Tracker) Get(modelID, file string) (FileState, bool) {
	var (
		st FileState
		ok bool
	)
	_ = t.view(func(m map[string]FileState) {
		st, ok = m[key(modelID, file)]
	})
	return st, ok
}

// ListIncomplete returns unfinished records, most recently attempted first.
func (t *Tracker) ListIncomplete() []FileState {
	var out []FileState
	_ = t.view(func(m map[string]FileState) {
		for _, st := range m {
			if !st.IsCompleted {
				out = append(out, st)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAttempt.Equal(out[j].LastAttempt) {
			return out[i].LastAttempt.After(out[j].LastAttempt)
		}
		return key(out[i].ModelID, out[i].FilePath) < key(out[j].ModelID, out[j].FilePath)
	})
	return out
}

// ForModel returns every record of one model, sorted by file path.
func (t *Tracker) ForModel(modelID string) []FileState {
	prefix := modelid.Normalize(modelID) + ":"
	var out []FileState
	_ = t.view(func(m map[string]FileState) {
		for k, st := range m {
			if strings.HasPrefix(k, prefix) {
				out = append(out, st)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

// CleanupCompleted drops completed records and returns how many were removed.
func (t *Tracker) CleanupCompleted() (int, error) {
	n := 0
	err := t.update(func(m map[string]FileState) (bool, error) {
		for k, st := range m {
			if st.IsCompleted {
				delete(m, k)
				n++
			}
		}
		return n > 0, nil
	})
	return n, err
}

// Remove drops the record of one file.
func (t *Tracker) Remove(modelID, file string) error {
	return t.update(func(m map[string]FileState) (bool, error) {
		k := key(modelID, file)
		if _, ok := m[k]; !ok {
			return false, nil
		}
		delete(m, k)
		return true, nil
	})
}

// RemoveModel drops every record of a model and returns how many were removed.
func (t *Tracker) RemoveModel(modelID string) (int, error) {
	prefix := modelid.Normalize(modelID) + ":"
	n := 0
	err := t.update(func(m map[string]FileState) (bool, error) {
		for k := range m {
			if strings.HasPrefix(k, prefix) {
				delete(m, k)
				n++
			}
		}
		return n > 0, nil
	})
	return n, err
}

// RepairReport summarizes a ValidateAndRepair pass.
type RepairReport struct {
	Checked   int
	Dropped   int
	Corrected int
	// Reset is set when the ledger could not be parsed and was emptied.
	Reset bool
}

// ValidateAndRepair reconciles the ledger with the files on disk: records of
// missing files, unknown models, or files larger than their recorded total are
// dropped; size mismatches are corrected from disk. An unparseable ledger is
// reset to empty. Running it twice in a row changes nothing the second time.
func (t *Tracker) ValidateAndRepair() (RepairReport, error) {
	var rep RepairReport
	t.mu.Lock()
	defer t.mu.Unlock()
	lk, err := acquireLock(t.lockPath, t.lockTimeout)
	if err != nil {
		return rep, err
	}
	defer lk.release()

	m, err := t.read()
	if err != nil {
		t.log.Warn().Str("path", t.path).Err(err).Msg("download ledger corrupt, resetting")
		rep.Reset = true
		return rep, t.write(map[string]FileState{})
	}
	if t.locator == nil {
		rep.Checked = len(m)
		return rep, nil
	}
	changed := false
	for k, st := range m {
		rep.Checked++
		dir, ok := t.locator(st.ModelID)
		if !ok {
			delete(m, k)
			rep.Dropped++
			changed = true
			continue
		}
		fi, err := os.Stat(filepath.Join(dir, filepath.FromSlash(st.FilePath)))
		if err != nil || !fi.Mode().IsRegular() {
			delete(m, k)
			rep.Dropped++
			changed = true
			continue
		}
		size := fi.Size()
		if st.TotalSize > 0 && size > st.TotalSize {
			t.log.Warn().Str("model", st.ModelID).Str("file", st.FilePath).Int64("size", size).Int64("total", st.TotalSize).Msg("partial file larger than expected, dropping")
			delete(m, k)
			rep.Dropped++
			changed = true
			continue
		}
		done := st.TotalSize > 0 && size == st.TotalSize
		if size != st.DownloadedSize || done != st.IsCompleted {
			st.DownloadedSize = size
			st.IsCompleted = done
			m[k] = st
			rep.Corrected++
			changed = true
		}
	}
	if changed {
		if err := t.write(m); err != nil {
			return rep, err
		}
	}
	if rep.Dropped > 0 || rep.Corrected > 0 {
		t.log.Info().Int("checked", rep.Checked).Int("dropped", rep.Dropped).Int("corrected", rep.Corrected).Msg("download ledger repaired")
	}
	return rep, nil
}

// view runs fn over a snapshot of the ledger. A corrupt ledger reads as empty.
func (t *Tracker) view(fn func(map[string]FileState)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	lk, err := acquireLock(t.lockPath, t.lockTimeout)
	if err != nil {
		t.log.Warn().Err(err).Msg("download ledger lock failed")
		return err
	}
	defer lk.release()
	m, err := t.read()
	if err != nil {
		m = map[string]FileState{}
	}
	fn(m)
	return nil
}

// update runs fn under both locks and rewrites the ledger when fn reports a
// change. A corrupt ledger is replaced.
func (t *Tracker) update(fn func(map[string]FileState) (bool, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	lk, err := acquireLock(t.lockPath, t.lockTimeout)
	if err != nil {
		return err
	}
	defer lk.release()
	m, err := t.read()
	if err != nil {
		t.log.Warn().Str("path", t.path).Err(err).Msg("download ledger corrupt, starting empty")
		m = map[string]FileState{}
	}
	changed, err := fn(m)
	if err != nil || !changed {
		return err
	}
	return t.write(m)
}

func (t *Tracker) read() (map[string]FileState, error) {
	b, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]FileState{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := map[string]FileState{}
	if len(strings.TrimSpace(string(b))) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse ledger: %w", err)
	}
	if m == nil {
		m = map[string]FileState{}
	}
	return m, nil
}

func (t *Tracker) write(m map[string]FileState) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		if lastErr = fsutil.WriteFileAtomic(t.path, b, 0o644); lastErr == nil {
			return nil
		}
		if attempt < writeAttempts {
			time.Sleep(time.Duration(attempt) * writeBackoff)
		}
	}
	return fmt.Errorf("write ledger after %d attempts: %w", writeAttempts, lastErr)
}
