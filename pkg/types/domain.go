package types

import (
	"strings"
	"time"
)

// Model represents an installed (or installable) model artifact.
type Model struct {
	// Canonical identifier, registry:publisher/model/artifact.
	ID string `json:"id"`
	// Registry the model came from (hf, local, ...).
	Registry string `json:"registry"`
	// Repository id within the registry (publisher/model).
	RepoID string `json:"repo_id"`
	// Human-friendly name.
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Version      string       `json:"version,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	// Artifact (quantization/format variant) within the repository.
	ArtifactName string `json:"artifact_name"`
	// File format, e.g. gguf or safetensors.
	Format      string `json:"format,omitempty"`
	SizeInBytes int64  `json:"size_in_bytes"`
	// Weight and support files relative to LocalPath, in download order.
	FilePaths []string  `json:"file_paths,omitempty"`
	Type      ModelType `json:"type"`
	// Optional unique human-assigned alias.
	Alias string `json:"alias,omitempty"`
	// Absolute directory holding the model files.
	LocalPath string `json:"local_path,omitempty"`
	// Registry-specific fields kept verbatim.
	Properties Document  `json:"properties,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// PrimaryFile returns the first weight file of the model, or "" if none is recorded.
func (m Model) PrimaryFile() string {
	for _, p := range m.FilePaths {
		if m.Format == "" || strings.EqualFold(strings.TrimPrefix(extOf(p), "."), m.Format) {
			return p
		}
	}
	if len(m.FilePaths) > 0 {
		return m.FilePaths[0]
	}
	return ""
}

// Artifact is one downloadable variant of a repository.
type Artifact struct {
	Name             string   `json:"name"`
	Format           string   `json:"format"`
	SizeInBytes      int64    `json:"size_in_bytes"`
	FilePaths        []string `json:"file_paths"`
	SizeCategory     string   `json:"size_category,omitempty"`
	QuantizationBits int      `json:"quantization_bits,omitempty"`
}

// Repo is a remote or local repository offering several artifacts of one base model.
type Repo struct {
	ID            string       `json:"id"`
	Registry      string       `json:"registry"`
	RepoID        string       `json:"repo_id"`
	Name          string       `json:"name"`
	Type          ModelType    `json:"type"`
	DefaultFormat string       `json:"default_format,omitempty"`
	Version       string       `json:"version,omitempty"`
	Description   string       `json:"description,omitempty"`
	Publisher     string       `json:"publisher"`
	Artifacts     []Artifact   `json:"available_artifacts"`
	Capabilities  Capabilities `json:"capabilities"`
}

// Artifact looks up an artifact by name (case-insensitive).
func (r Repo) Artifact(name string) (Artifact, bool) {
	for _, a := range r.Artifacts {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return Artifact{}, false
}

// Model materializes the model record for one artifact of the repository.
func (r Repo) Model(artifactName string) (Model, bool) {
	a, ok := r.Artifact(artifactName)
	if !ok {
		return Model{}, false
	}
	format := a.Format
	if format == "" {
		format = r.DefaultFormat
	}
	return Model{
		ID:           r.Registry + ":" + r.RepoID + "/" + a.Name,
		Registry:     r.Registry,
		RepoID:       r.RepoID,
		Name:         r.Name,
		Description:  r.Description,
		Version:      r.Version,
		Capabilities: r.Capabilities,
		ArtifactName: a.Name,
		Format:       format,
		SizeInBytes:  a.SizeInBytes,
		FilePaths:    append([]string(nil), a.FilePaths...),
		Type:         r.Type,
	}, true
}

// SizeCategory buckets an artifact size for display.
func SizeCategory(n int64) string {
	const gib = 1 << 30
	switch {
	case n <= 0:
		return ""
	case n < 2*gib:
		return "small"
	case n < 8*gib:
		return "medium"
	case n < 32*gib:
		return "large"
	default:
		return "xlarge"
	}
}

func extOf(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 && !strings.ContainsAny(p[i:], "/\\") {
		return p[i:]
	}
	return ""
}
