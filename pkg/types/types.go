package types

import "strings"

// ModelType classifies what a model is used for.
type ModelType string

const (
	TypeTextGeneration ModelType = "text-generation"
	TypeEmbedding      ModelType = "embedding"
	TypeMultimodal     ModelType = "multimodal"
	TypeUnknown        ModelType = "unknown"
)

// ParseModelType maps registry tags and legacy directory names onto a ModelType.
// Unrecognized values yield TypeUnknown.
func ParseModelType(s string) ModelType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text-generation", "textgeneration", "text2text-generation", "llm", "chat":
		return TypeTextGeneration
	case "embedding", "embeddings", "feature-extraction", "sentence-similarity":
		return TypeEmbedding
	case "multimodal", "image-text-to-text", "visual-question-answering":
		return TypeMultimodal
	default:
		return TypeUnknown
	}
}

// KnownModelTypes lists the types that get their own directory in the model store.
func KnownModelTypes() []ModelType {
	return []ModelType{TypeTextGeneration, TypeEmbedding, TypeMultimodal, TypeUnknown}
}

// Capabilities flags what a model can be asked to do.
type Capabilities struct {
	SupportsTextGeneration bool `json:"supports_text_generation"`
	SupportsEmbeddings     bool `json:"supports_embeddings"`
}

// CapabilitiesFor returns the default capabilities of a model type.
func CapabilitiesFor(t ModelType) Capabilities {
	switch t {
	case TypeEmbedding:
		return Capabilities{SupportsEmbeddings: true}
	case TypeTextGeneration, TypeMultimodal:
		return Capabilities{SupportsTextGeneration: true}
	default:
		return Capabilities{}
	}
}
