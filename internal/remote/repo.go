package remote

import (
	"encoding/json"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"modelhub/internal/download"
	"modelhub/pkg/types"
)

// Registry is the identifier prefix used for HuggingFace models.
const Registry = "hf"

// Sibling is one file entry of a repository listing.
type Sibling struct {
	RFilename string `json:"rfilename"`
	Size      int64  `json:"size,omitempty"`
	BlobID    string `json:"blobId,omitempty"`
	LFS       *struct {
		Size   int64  `json:"size"`
		SHA256 string `json:"sha256"`
	} `json:"lfs,omitempty"`
}

// FileSize returns the best known size of the file, 0 when unknown.
func (s Sibling) FileSize() int64 {
	if s.LFS != nil && s.LFS.Size > 0 {
		return s.LFS.Size
	}
	return s.Size
}

// RepoInfo is a repository as described by the Hub API. Fields not modeled
// here are kept in Extra.
type RepoInfo struct {
	ID           string    `json:"id"`
	Author       string    `json:"author,omitempty"`
	SHA          string    `json:"sha,omitempty"`
	PipelineTag  string    `json:"pipeline_tag,omitempty"`
	LibraryName  string    `json:"library_name,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Downloads    int64     `json:"downloads,omitempty"`
	Likes        int64     `json:"likes,omitempty"`
	Private      bool      `json:"private,omitempty"`
	LastModified time.Time `json:"lastModified,omitempty"`
	Siblings     []Sibling `json:"siblings,omitempty"`

	Extra types.Document `json:"-"`
}

var repoInfoKeys = []string{"id", "modelId", "author", "sha", "pipeline_tag", "library_name", "tags", "downloads", "likes", "private", "lastModified", "siblings"}

// UnmarshalJSON decodes the known fields and keeps the rest in Extra.
func (r *RepoInfo) UnmarshalJSON(b []byte) error {
	type plain RepoInfo
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var doc types.Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if p.ID == "" {
		if id, ok := types.Get[string](doc, "modelId"); ok {
			p.ID = id
		}
	}
	*r = RepoInfo(p)
	if extra := doc.Without(repoInfoKeys...); len(extra) > 0 {
		r.Extra = extra
	}
	return nil
}

// Gated reports whether the repository requires accepting terms (and a token).
func (r RepoInfo) Gated() bool {
	if v, ok := types.Get[bool](r.Extra, "gated"); ok {
		return v
	}
	s, ok := types.Get[string](r.Extra, "gated")
	return ok && s != "" && s != "false"
}

// Files converts the sibling list for the downloader.
func (r RepoInfo) Files() []download.RemoteFile {
	out := make([]download.RemoteFile, 0, len(r.Siblings))
	for _, s := range r.Siblings {
		out = append(out, download.RemoteFile{Path: s.RFilename, Size: s.FileSize()})
	}
	return out
}

// weightFormats maps weight file extensions to format names.
var weightFormats = map[string]string{
	".gguf":        "gguf",
	".safetensors": "safetensors",
	".onnx":        "onnx",
	".bin":         "bin",
}

// shardSuffix matches split weight files such as model-00001-of-00004.
var shardSuffix = regexp.MustCompile(`(?i)-\d{5}-of-\d{5}$`)

// quantBits extracts the bit width from common quantization tags.
var quantBits = regexp.MustCompile(`(?i)(?:^|[._-])(?:i?q(\d)(?:_[a-z0-9]+)*|f(16|32)|bf(16)|fp(16|32))(?:$|[._-])`)

// ToRepo groups the repository files into downloadable artifacts. Each GGUF
// file (or shard set) becomes one artifact; other weight formats form a
// single artifact named after the model.
func (r RepoInfo) ToRepo() types.Repo {
	publisher, model, _ := strings.Cut(r.ID, "/")
	if r.Author != "" {
		publisher = r.Author
	}
	t := types.ParseModelType(r.PipelineTag)
	if t == types.TypeUnknown {
		t = typeFromTags(r.Tags)
	}
	repo := types.Repo{
		ID:           Registry + ":" + r.ID,
		Registry:     Registry,
		RepoID:       r.ID,
		Name:         model,
		Type:         t,
		Version:      r.SHA,
		Publisher:    publisher,
		Capabilities: types.CapabilitiesFor(t),
	}
	if d, ok := types.Get[string](r.Extra, "description"); ok {
		repo.Description = d
	}

	byName := map[string]*types.Artifact{}
	var order []string
	add := func(name, format, file string, size int64) {
		a, ok := byName[name]
		if !ok {
			a = &types.Artifact{Name: name, Format: format}
			byName[name] = a
			order = append(order, name)
		}
		a.FilePaths = append(a.FilePaths, file)
		a.SizeInBytes += size
	}
	for _, s := range r.Siblings {
		ext := strings.ToLower(path.Ext(s.RFilename))
		format, ok := weightFormats[ext]
		if !ok {
			continue
		}
		if format == "bin" && !strings.Contains(strings.ToLower(path.Base(s.RFilename)), "model") {
			continue
		}
		if format == "gguf" {
			base := strings.TrimSuffix(path.Base(s.RFilename), path.Ext(s.RFilename))
			add(shardSuffix.ReplaceAllString(base, ""), format, s.RFilename, s.FileSize())
			continue
		}
		add(model, format, s.RFilename, s.FileSize())
	}
	formats := map[string]int{}
	for _, name := range order {
		a := byName[name]
		sort.Strings(a.FilePaths)
		a.SizeCategory = types.SizeCategory(a.SizeInBytes)
		a.QuantizationBits = QuantizationBits(a.Name)
		repo.Artifacts = append(repo.Artifacts, *a)
		formats[a.Format]++
	}
	best := 0
	for f, n := range formats {
		if n > best || (n == best && f < repo.DefaultFormat) {
			repo.DefaultFormat, best = f, n
		}
	}
	return repo
}

// QuantizationBits returns the bit width named in an artifact name such as
// "model.Q4_K_M" or "model-f16", or 0 when none is recognizable.
func QuantizationBits(name string) int {
	m := quantBits.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	for _, g := range m[1:] {
		if g != "" {
			n, _ := strconv.Atoi(g)
			return n
		}
	}
	return 0
}

func typeFromTags(tags []string) types.ModelType {
	for _, tag := range tags {
		if t := types.ParseModelType(tag); t != types.TypeUnknown {
			return t
		}
	}
	return types.TypeUnknown
}
