package repository

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"modelhub/internal/common/fsutil"
	"modelhub/pkg/modelid"
	"modelhub/pkg/types"
)

// Legacy flat layouts predating the registry/publisher hierarchy.
const (
	legacySingleFile = "SingleFile"
	legacyMultiFile  = "MultiFile"
)

// weightExts are file extensions treated as model weights in legacy layouts.
var weightExts = map[string]bool{".gguf": true, ".safetensors": true, ".bin": true, ".onnx": true}

// ScanReport summarizes a Scan.
type ScanReport struct {
	Loaded  int
	Legacy  int
	Skipped int
}

// Scan rebuilds the cache from disk. It reads the canonical layout, the legacy
// SingleFile/MultiFile and bare <type>/<name> directories, and loose *.gguf
// files in the root. Unreadable entries are logged and skipped.
func (r *Repository) Scan() (ScanReport, error) {
	var rep ScanReport
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return rep, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models.Range(func(k, _ any) bool { r.models.Delete(k); return true })
	r.aliases.Range(func(k, _ any) bool { r.aliases.Delete(k); return true })

	for _, e := range entries {
		name := e.Name()
		switch {
		case !e.IsDir():
			if strings.EqualFold(filepath.Ext(name), ".gguf") {
				r.addLooseLocked(name, &rep)
			}
		case name == legacySingleFile || name == legacyMultiFile:
			r.scanLegacyFlatLocked(filepath.Join(r.root, name), &rep)
		default:
			if t := types.ModelType(name); slices.Contains(types.KnownModelTypes(), t) {
				r.scanTypeDirLocked(filepath.Join(r.root, name), t, &rep)
			}
		}
	}
	r.log.Info().Str("root", r.root).Int("models", rep.Loaded+rep.Legacy).Int("legacy", rep.Legacy).Int("skipped", rep.Skipped).Msg("repository scanned")
	return rep, nil
}

// scanTypeDirLocked finds metadata files at the canonical depth
// (<registry>/<publisher>/<model>/<artifact>) and the legacy bare depth (<name>).
func (r *Repository) scanTypeDirLocked(typeDir string, t types.ModelType, rep *ScanReport) {
	var found []string
	_ = filepath.WalkDir(typeDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			r.log.Warn().Str("path", p).Err(err).Msg("scan: unreadable path")
			return nil
		}
		if d.IsDir() {
			if rel, _ := filepath.Rel(typeDir, p); strings.Count(filepath.ToSlash(rel), "/") >= 4 {
				return fs.SkipDir
			}
			return nil
		}
		if d.Name() == MetadataFile {
			found = append(found, filepath.Dir(p))
		}
		return nil
	})
	// bare legacy directories may predate metadata files entirely
	if entries, err := os.ReadDir(typeDir); err == nil {
		for _, e := range entries {
			dir := filepath.Join(typeDir, e.Name())
			if e.IsDir() && !slices.Contains(found, dir) && hasWeights(dir) {
				found = append(found, dir)
			}
		}
	}
	sort.Strings(found)
	for _, dir := range found {
		rel, _ := filepath.Rel(typeDir, dir)
		depth := strings.Count(filepath.ToSlash(rel), "/") + 1
		switch depth {
		case 4:
			r.addFromMetadataLocked(dir, t, rep, false)
		case 1:
			r.addFromMetadataLocked(dir, t, rep, true)
		default:
			rep.Skipped++
		}
	}
}

func (r *Repository) addFromMetadataLocked(dir string, t types.ModelType, rep *ScanReport, legacy bool) {
	m, err := readMetadata(dir)
	if err != nil {
		if !legacy {
			r.log.Warn().Str("dir", dir).Err(err).Msg("scan: skipping model with bad metadata")
			rep.Skipped++
			return
		}
		m = synthesizeLegacy(filepath.Base(dir), dir)
	}
	if m.Type == "" {
		m.Type = t
	}
	r.finishLocked(m, dir, rep, legacy)
}

func (r *Repository) scanLegacyFlatLocked(base string, rep *ScanReport) {
	entries, err := os.ReadDir(base)
	if err != nil {
		r.log.Warn().Str("dir", base).Err(err).Msg("scan: unreadable legacy dir")
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(base, e.Name())
		m, err := readMetadata(dir)
		if err != nil {
			m = synthesizeLegacy(e.Name(), dir)
		}
		r.finishLocked(m, dir, rep, true)
	}
}

// addLooseLocked registers a *.gguf file sitting directly in the root as
// local:local/<name>/<name>.
func (r *Repository) addLooseLocked(fileName string, rep *ScanReport) {
	name := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	m := types.Model{
		ID:        modelid.ID{Registry: modelid.DefaultRegistry, Publisher: modelid.DefaultPublisher, ModelName: name, ArtifactName: name}.String(),
		Name:      name,
		Format:    "gguf",
		FilePaths: []string{fileName},
	}
	if fi, err := os.Stat(filepath.Join(r.root, fileName)); err == nil {
		m.SizeInBytes = fi.Size()
		m.CreatedAt = fi.ModTime().UTC()
		m.UpdatedAt = m.CreatedAt
	}
	r.finishLocked(m, r.root, rep, true)
}

// synthesizeLegacy builds a model record for a legacy directory without
// usable metadata.
func synthesizeLegacy(name, dir string) types.Model {
	m := types.Model{
		ID:   modelid.ID{Registry: modelid.DefaultRegistry, Publisher: modelid.DefaultPublisher, ModelName: safeName(name), ArtifactName: safeName(name)}.String(),
		Name: name,
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.IsDir() || e.Name() == MetadataFile {
			continue
		}
		m.FilePaths = append(m.FilePaths, e.Name())
		if m.Format == "" && weightExts[strings.ToLower(filepath.Ext(e.Name()))] {
			m.Format = strings.TrimPrefix(strings.ToLower(filepath.Ext(e.Name())), ".")
		}
	}
	return m
}

func (r *Repository) finishLocked(m types.Model, dir string, rep *ScanReport, legacy bool) {
	id, err := modelid.Parse(m.ID)
	if err != nil {
		r.log.Warn().Str("dir", dir).Str("id", m.ID).Err(err).Msg("scan: skipping model with invalid id")
		rep.Skipped++
		return
	}
	m = normalizeModel(m, id)
	if len(m.FilePaths) == 0 && dir != r.root {
		m.FilePaths = listFiles(dir)
	}
	if m.SizeInBytes == 0 && dir != r.root {
		m.SizeInBytes, _ = fsutil.DirSize(dir)
	}
	if _, dup := r.load(id.Key()); dup {
		r.log.Warn().Str("model", m.ID).Str("dir", dir).Msg("scan: duplicate model id ignored")
		rep.Skipped++
		return
	}
	r.cacheLocked(m, dir)
	if legacy {
		rep.Legacy++
	} else {
		rep.Loaded++
	}
}

func hasWeights(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && weightExts[strings.ToLower(filepath.Ext(e.Name()))] {
			return true
		}
	}
	return false
}

func listFiles(dir string) []string {
	var out []string
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() == MetadataFile {
			return nil
		}
		if rel, err := filepath.Rel(dir, p); err == nil {
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	sort.Strings(out)
	return out
}

// safeName turns a legacy directory name into an identifier segment.
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '\\', ' ', '\t':
			return '-'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "model"
	}
	return s
}
