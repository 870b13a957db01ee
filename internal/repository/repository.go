// Package repository is the on-disk catalog of installed models. Each model
// lives in root/<type>/<registry>/<publisher>/<model>/<artifact> with a
// metadata.json describing it; an in-memory cache mirrors the catalog.
package repository

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
	"golang.org/x/text/cases"

	"modelhub/internal/common/fsutil"
	"modelhub/pkg/modelid"
	"modelhub/pkg/types"
)

// MetadataFile is the per-model metadata file name.
const MetadataFile = "metadata.json"

var (
	// ErrNotFound is returned when a key resolves to no installed model.
	ErrNotFound = errors.New("repository: model not found")
	// ErrAliasConflict is returned when an alias is already held by another model.
	ErrAliasConflict = errors.New("repository: alias already in use")
	// ErrInvalidModel is returned by Save for models without a usable id.
	ErrInvalidModel = errors.New("repository: invalid model")
)

// Config configures a Repository.
type Config struct {
	Root   string
	Logger zerolog.Logger
}

// Repository stores model metadata on disk and caches it in memory. Writers
// are serialized by a single mutex; readers go through the cache.
type Repository struct {
	root    string
	log     zerolog.Logger
	mu      sync.Mutex
	models  sync.Map // normalized id -> types.Model
	aliases sync.Map // lowercased alias -> normalized id
	now     func() time.Time
}

// New creates the root directory if needed. Call Scan to populate the cache.
func New(cfg Config) (*Repository, error) {
	if cfg.Root == "" {
		return nil, errors.New("repository: empty root")
	}
	root, err := fsutil.ExpandHome(cfg.Root)
	if err != nil {
		return nil, err
	}
	if root, err = filepath.Abs(root); err != nil {
		return nil, fmt.Errorf("repository: abs path: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("repository: create root: %w", err)
	}
	return &Repository{root: root, log: cfg.Logger, now: time.Now}, nil
}

// Root returns the absolute repository root.
func (r *Repository) Root() string { return r.root }

// ModelDir returns the canonical directory for id under the given type.
func (r *Repository) ModelDir(id modelid.ID, t types.ModelType) string {
	if t == "" || t == types.TypeUnknown {
		t = types.TypeTextGeneration
	}
	return filepath.Join(r.root, string(t), safeSegment(id.Registry), safeSegment(id.Publisher), safeSegment(id.ModelName), safeSegment(id.ArtifactName))
}

// LocateDir returns the directory holding (or receiving) the files of modelID:
// the installed model's LocalPath, or an existing canonical directory.
func (r *Repository) LocateDir(modelID string) (string, bool) {
	if m, ok := r.Get(modelID); ok && m.LocalPath != "" {
		return m.LocalPath, true
	}
	id, err := modelid.Parse(modelID)
	if err != nil {
		return "", false
	}
	for _, t := range types.KnownModelTypes() {
		dir := r.ModelDir(id, t)
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir, true
		}
	}
	return "", false
}

// Get resolves key as an id, then an alias, then a parsed identifier, and
// finally by reading metadata from disk.
func (r *Repository) Get(key string) (types.Model, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return types.Model{}, false
	}
	if m, ok := r.load(modelid.Normalize(key)); ok {
		return m, true
	}
	if v, ok := r.aliases.Load(strings.ToLower(key)); ok {
		if m, ok := r.load(v.(string)); ok {
			return m, true
		}
	}
	id, err := modelid.Parse(key)
	if err != nil {
		return types.Model{}, false
	}
	if m, ok := r.load(id.Key()); ok {
		return m, true
	}
	for _, t := range types.KnownModelTypes() {
		dir := r.ModelDir(id, t)
		m, err := readMetadata(dir)
		if err != nil {
			continue
		}
		r.mu.Lock()
		m = r.cacheLocked(m, dir)
		r.mu.Unlock()
		return m, true
	}
	return types.Model{}, false
}

// resolveKey returns the cache key key resolves to. Mutators re-read the
// cached model under r.mu so they never write back a stale copy.
func (r *Repository) resolveKey(key string) (string, bool) {
	m, ok := r.Get(key)
	if !ok {
		return "", false
	}
	return modelid.Normalize(m.ID), true
}

func (r *Repository) load(k string) (types.Model, bool) {
	v, ok := r.models.Load(k)
	if !ok {
		return types.Model{}, false
	}
	return v.(types.Model), true
}

// ListOptions filters and pages List results.
type ListOptions struct {
	Type   types.ModelType
	Search string
	Skip   int
	// Take limits the page size; zero or negative means no limit.
	Take int
}

// List returns installed models ordered by name then id.
func (r *Repository) List(opts ListOptions) []types.Model {
	fold := cases.Fold()
	needle := fold.String(strings.TrimSpace(opts.Search))
	var out []types.Model
	r.models.Range(func(_, v any) bool {
		m := v.(types.Model)
		if opts.Type != "" && m.Type != opts.Type {
			return true
		}
		if needle != "" && !matches(fold, needle, m) {
			return true
		}
		out = append(out, m)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	if opts.Skip > 0 {
		if opts.Skip >= len(out) {
			return nil
		}
		out = out[opts.Skip:]
	}
	if opts.Take > 0 && opts.Take < len(out) {
		out = out[:opts.Take]
	}
	return out
}

func matches(fold cases.Caser, needle string, m types.Model) bool {
	for _, s := range []string{m.ID, m.Name, m.Description, m.RepoID, m.ArtifactName, m.Alias} {
		if s != "" && strings.Contains(fold.String(s), needle) {
			return true
		}
	}
	return false
}

// Count returns the number of cached models.
func (r *Repository) Count() int {
	n := 0
	r.models.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Save normalizes m, writes its metadata into the canonical directory and
// updates the cache. Missing identity fields are derived from the id.
func (r *Repository) Save(m types.Model) (types.Model, error) {
	if strings.TrimSpace(m.ID) == "" {
		return types.Model{}, fmt.Errorf("%w: empty id", ErrInvalidModel)
	}
	id, err := modelid.Parse(m.ID)
	if err != nil {
		return types.Model{}, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	m = normalizeModel(m, id)

	r.mu.Lock()
	defer r.mu.Unlock()

	k := id.Key()
	if err := r.checkAliasLocked(m.Alias, k); err != nil {
		return types.Model{}, err
	}
	prev, hadPrev := r.load(k)
	if hadPrev && !prev.CreatedAt.IsZero() {
		m.CreatedAt = prev.CreatedAt
	}
	now := r.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.LocalPath = r.ModelDir(id, m.Type)
	if err := writeMetadata(m.LocalPath, m); err != nil {
		return types.Model{}, err
	}
	if hadPrev && strings.EqualFold(prev.ID, m.ID) && prev.LocalPath != "" && prev.LocalPath != m.LocalPath && prev.LocalPath != r.root {
		// type changed: the old directory is superseded
		r.removeDirLocked(prev.LocalPath)
	}
	if hadPrev && prev.Alias != "" && !strings.EqualFold(prev.Alias, m.Alias) {
		r.aliases.Delete(strings.ToLower(prev.Alias))
	}
	r.models.Store(k, m)
	if m.Alias != "" {
		r.aliases.Store(strings.ToLower(m.Alias), k)
	}
	r.log.Debug().Str("model", m.ID).Str("dir", m.LocalPath).Msg("model metadata saved")
	return m, nil
}

// SetAlias assigns (or clears, with an empty alias) the alias of a model.
func (r *Repository) SetAlias(key, alias string) (types.Model, error) {
	alias = strings.TrimSpace(alias)
	if strings.ContainsAny(alias, " \t\r\n") {
		return types.Model{}, fmt.Errorf("%w: alias %q contains whitespace", ErrInvalidModel, alias)
	}
	k, ok := r.resolveKey(key)
	if !ok {
		return types.Model{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.load(k)
	if !ok {
		return types.Model{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := r.checkAliasLocked(alias, k); err != nil {
		return types.Model{}, err
	}
	old := m.Alias
	m.Alias = alias
	m.UpdatedAt = r.now().UTC()
	if m.LocalPath != "" && m.LocalPath != r.root {
		if err := writeMetadata(m.LocalPath, m); err != nil {
			return types.Model{}, err
		}
	}
	if old != "" {
		r.aliases.Delete(strings.ToLower(old))
	}
	if alias != "" {
		r.aliases.Store(strings.ToLower(alias), k)
	}
	r.models.Store(k, m)
	return m, nil
}

func (r *Repository) checkAliasLocked(alias, k string) error {
	if alias == "" {
		return nil
	}
	if v, ok := r.aliases.Load(strings.ToLower(alias)); ok && v.(string) != k {
		return fmt.Errorf("%w: %q", ErrAliasConflict, alias)
	}
	// an alias may not shadow another model's id
	if other, ok := r.load(modelid.Normalize(alias)); ok && modelid.Normalize(other.ID) != k {
		return fmt.Errorf("%w: %q names another model", ErrAliasConflict, alias)
	}
	return nil
}

// Delete removes a model's files and metadata. It reports false when key
// resolves to nothing.
func (r *Repository) Delete(key string) (bool, error) {
	k, ok := r.resolveKey(key)
	if !ok {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.load(k)
	if !ok {
		return false, nil
	}
	if m.LocalPath == r.root {
		for _, f := range m.FilePaths {
			if err := os.Remove(filepath.Join(r.root, filepath.FromSlash(f))); err != nil && !errors.Is(err, os.ErrNotExist) {
				return false, fmt.Errorf("repository: remove %s: %w", f, err)
			}
		}
	} else if m.LocalPath != "" {
		if err := os.RemoveAll(m.LocalPath); err != nil {
			return false, fmt.Errorf("repository: remove %s: %w", m.LocalPath, err)
		}
		r.pruneLocked(filepath.Dir(m.LocalPath))
	}
	r.models.Delete(k)
	if m.Alias != "" {
		r.aliases.Delete(strings.ToLower(m.Alias))
	}
	r.log.Info().Str("model", m.ID).Msg("model deleted")
	return true, nil
}

func (r *Repository) removeDirLocked(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		r.log.Warn().Str("dir", dir).Err(err).Msg("remove superseded model dir")
		return
	}
	r.pruneLocked(filepath.Dir(dir))
}

// pruneLocked removes empty directories from dir upward, stopping below the
// type directory.
func (r *Repository) pruneLocked(dir string) {
	for {
		rel, err := filepath.Rel(r.root, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") || !strings.ContainsRune(filepath.ToSlash(rel), '/') {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// cacheLocked stores m (read from dir) and indexes its alias unless another
// model already holds it.
func (r *Repository) cacheLocked(m types.Model, dir string) types.Model {
	m.LocalPath = dir
	k := modelid.Normalize(m.ID)
	if m.Alias != "" {
		if v, ok := r.aliases.Load(strings.ToLower(m.Alias)); ok && v.(string) != k {
			r.log.Warn().Str("model", m.ID).Str("alias", m.Alias).Msg("duplicate alias ignored")
			m.Alias = ""
		} else {
			r.aliases.Store(strings.ToLower(m.Alias), k)
		}
	}
	r.models.Store(k, m)
	return m
}

func normalizeModel(m types.Model, id modelid.ID) types.Model {
	m.ID = id.String()
	if m.Registry == "" {
		m.Registry = id.Registry
	}
	if m.RepoID == "" {
		m.RepoID = id.RepoID()
	}
	if m.ArtifactName == "" {
		m.ArtifactName = id.ArtifactName
	}
	if m.Format == "" {
		m.Format = id.Format
	}
	if m.Format == "" && len(m.FilePaths) > 0 {
		m.Format = strings.ToLower(strings.TrimPrefix(filepath.Ext(m.FilePaths[0]), "."))
	}
	if m.Name == "" {
		m.Name = id.ModelName
	}
	if m.Type == "" || m.Type == types.TypeUnknown {
		m.Type = types.TypeTextGeneration
	}
	if m.Capabilities == (types.Capabilities{}) {
		m.Capabilities = types.CapabilitiesFor(m.Type)
	}
	return m
}

func readMetadata(dir string) (types.Model, error) {
	b, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return types.Model{}, err
	}
	var m types.Model
	if err := json.Unmarshal(b, &m); err != nil {
		return types.Model{}, fmt.Errorf("parse %s: %w", filepath.Join(dir, MetadataFile), err)
	}
	if m.ID == "" {
		return types.Model{}, fmt.Errorf("%w: %s has no id", ErrInvalidModel, dir)
	}
	return m, nil
}

func writeMetadata(dir string, m types.Model) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("repository: encode metadata: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, MetadataFile), b, 0o644); err != nil {
		return fmt.Errorf("repository: write metadata: %w", err)
	}
	return nil
}

func safeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, s)
}
