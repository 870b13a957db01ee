package hub

import "errors"

var (
	// ErrModelNotFound is returned when a key resolves to no installed model.
	ErrModelNotFound = errors.New("hub: model not found")
	// ErrUnsupportedRegistry is returned when downloading from a registry the
	// hub has no client for.
	ErrUnsupportedRegistry = errors.New("hub: unsupported registry")
	// ErrDownloadInProgress is returned when the model is already being downloaded.
	ErrDownloadInProgress = errors.New("hub: download already in progress")
	// ErrNoModel is returned when a request names no model and there is no default.
	ErrNoModel = errors.New("hub: no model specified")
)
