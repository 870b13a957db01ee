package manager

import (
	"time"

	"modelhub/pkg/types"
)

// State is the lifecycle state of a model known to the manager.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateLoaded    State = "loaded"
	StateUnloading State = "unloading"
	StateFailed    State = "failed"
)

// LocalModelInfo describes one model known to the manager.
type LocalModelInfo struct {
	ModelID string
	// Provider is the registry part of the model id (hf, local, ...).
	Provider  string
	ModelName string
	FileName  string
	FullPath  string
	State     State
	LastError string
	LoadedAt  time.Time
	LastUsed  time.Time

	err error
}

// Err returns the error behind LastError, keeping its type for callers that
// classify failures.
func (i LocalModelInfo) Err() error { return i.err }

// View converts the info into its API representation.
func (i LocalModelInfo) View() types.InstanceStatus {
	return types.InstanceStatus{
		ModelID:   i.ModelID,
		State:     string(i.State),
		FullPath:  i.FullPath,
		LastUsed:  unixOrZero(i.LastUsed),
		LoadedAt:  unixOrZero(i.LoadedAt),
		LastError: i.LastError,
	}
}
