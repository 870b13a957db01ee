// Package modelid parses and formats canonical model identifiers of the form
// registry:publisher/model/artifact.
package modelid

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"modelhub/pkg/types"
)

const (
	// DefaultRegistry is used when the identifier carries no registry prefix.
	DefaultRegistry = "local"
	// DefaultPublisher is used for bare model names.
	DefaultPublisher = "local"
)

// ErrInvalidID is returned for text that cannot be parsed as an identifier.
var ErrInvalidID = errors.New("modelid: invalid model identifier")

// ID names one model artifact independently of how a registry spells it.
// Values are immutable; the With* methods return modified copies.
type ID struct {
	Registry     string
	Publisher    string
	ModelName    string
	ArtifactName string
	Format       string
	ModelType    types.ModelType
}

// Parse accepts registry:publisher/model/artifact, publisher/model or a bare
// name, each with an optional registry: prefix.
func Parse(text string) (ID, error) {
	s := strings.TrimSpace(text)
	if s == "" || strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, text)
	}
	id := ID{Registry: DefaultRegistry}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		id.Registry = s[:i]
		s = s[i+1:]
		if id.Registry == "" || strings.ContainsAny(id.Registry, "/\\") {
			return ID{}, fmt.Errorf("%w: bad registry in %q", ErrInvalidID, text)
		}
	}
	if strings.ContainsAny(s, ":\\") {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, text)
	}
	parts := strings.Split(s, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return ID{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidID, text)
		}
	}
	switch len(parts) {
	case 1:
		name, format := splitFormat(parts[0])
		id.Publisher = DefaultPublisher
		id.ModelName, id.ArtifactName, id.Format = name, name, format
	case 2:
		name, format := splitFormat(parts[1])
		id.Publisher = parts[0]
		id.ModelName, id.ArtifactName, id.Format = name, name, format
	case 3:
		id.Publisher = parts[0]
		id.ModelName = parts[1]
		id.ArtifactName, id.Format = splitFormat(parts[2])
	default:
		return ID{}, fmt.Errorf("%w: too many segments in %q", ErrInvalidID, text)
	}
	if id.ModelName == "" || id.ArtifactName == "" {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, text)
	}
	return id, nil
}

// MustParse is Parse for identifiers known to be valid; it panics otherwise.
func MustParse(text string) ID {
	id, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return id
}

// weightFormats are the file extensions treated as a format suffix. Anything
// else after the last dot (".Q8", ".1-8b") belongs to the artifact name.
var weightFormats = map[string]bool{
	"gguf":        true,
	"ggml":        true,
	"safetensors": true,
	"bin":         true,
	"onnx":        true,
	"pt":          true,
	"pth":         true,
	"ckpt":        true,
	"h5":          true,
	"tflite":      true,
	"npz":         true,
	"mlmodel":     true,
}

// splitFormat strips a trailing ".ext" when ext is a known weight format.
func splitFormat(seg string) (string, string) {
	i := strings.LastIndexByte(seg, '.')
	if i <= 0 || i == len(seg)-1 {
		return seg, ""
	}
	ext := strings.ToLower(seg[i+1:])
	if !weightFormats[ext] {
		return seg, ""
	}
	return seg[:i], ext
}

// String returns the canonical form registry:publisher/model/artifact.
func (id ID) String() string {
	return id.Registry + ":" + id.Publisher + "/" + id.ModelName + "/" + id.ArtifactName
}

// RepoID returns publisher/model, the repository name used by registries.
func (id ID) RepoID() string {
	return id.Publisher + "/" + id.ModelName
}

// Key is the normalized form used for map keys and ledger entries: the
// canonical string in lower case. Distinct identifiers never share a key
// unless they differ only in case.
func (id ID) Key() string {
	return Normalize(id.String())
}

// FileName returns the artifact name with its format extension, if any.
func (id ID) FileName() string {
	if id.Format == "" {
		return id.ArtifactName
	}
	return id.ArtifactName + "." + id.Format
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id == ID{} }

func (id ID) WithArtifactName(name string) ID {
	id.ArtifactName = name
	return id
}

func (id ID) WithFormat(format string) ID {
	id.Format = strings.ToLower(format)
	return id
}

func (id ID) WithModelType(t types.ModelType) ID {
	id.ModelType = t
	return id
}

// Normalize folds an identifier string into its key form. Strings that are not
// identifiers are folded the same way so callers never need to special-case them.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
