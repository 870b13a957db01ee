package types

import "time"

// InferRequest represents an inference request payload.
type InferRequest struct {
	// Optional model identifier or alias. If empty, the server default is used.
	Model string `json:"model,omitempty"`
	// Required prompt text to generate a completion for.
	Prompt string `json:"prompt"`
	// If true, stream results as NDJSON tokens. When false, the server may still stream internally but buffer.
	Stream bool `json:"stream,omitempty"`
	// Maximum number of new tokens to generate.
	MaxTokens int `json:"max_tokens,omitempty"`
	// Sampling temperature (higher = more random).
	Temperature float64 `json:"temperature,omitempty"`
	// Nucleus sampling probability.
	TopP float64 `json:"top_p,omitempty"`
	// Top-K sampling: limit candidates to top K tokens.
	TopK int `json:"top_k,omitempty"`
	// Optional stop sequences. Generation stops when any sequence is matched.
	Stop []string `json:"stop,omitempty"`
	// Random seed for reproducibility; 0 or omitted lets the server choose.
	Seed int64 `json:"seed,omitempty"`
	// Repeat penalty applied to recently generated tokens.
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
}

// EmbedRequest asks for the embedding vector of a text.
type EmbedRequest struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

// EmbedResponse carries one embedding vector.
type EmbedResponse struct {
	Model     string    `json:"model"`
	Embedding []float32 `json:"embedding"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of installed models.
	Models []Model `json:"models"`
}

// ModelRequest names a model by id or alias.
type ModelRequest struct {
	ID string `json:"id"`
}

// AliasRequest assigns an alias to a model.
type AliasRequest struct {
	ID    string `json:"id"`
	Alias string `json:"alias"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	Error string `json:"error"`
	// HTTP status code.
	Code int `json:"code"`
}

// DownloadStatus is a point-in-time view of one model download.
type DownloadStatus struct {
	// Operation id of this download attempt.
	OperationID string `json:"operation_id"`
	// Canonical id of the model being downloaded.
	ModelID         string           `json:"model_id"`
	TargetDirectory string           `json:"target_directory"`
	ModelType       ModelType        `json:"model_type"`
	Status          string           `json:"status"`
	StartTime       time.Time        `json:"start_time"`
	LastUpdateTime  time.Time        `json:"last_update_time"`
	TotalBytes      *int64           `json:"total_bytes,omitempty"`
	BytesDownloaded int64            `json:"bytes_downloaded"`
	DownloadedFiles map[string]int64 `json:"downloaded_files,omitempty"`
	Message         string           `json:"message,omitempty"`
	// Derived fields.
	ProgressPercentage float64 `json:"progress_percentage"`
	// Estimated seconds remaining; omitted when unknown.
	EstimatedSecondsRemaining *float64 `json:"eta_seconds,omitempty"`
	AverageSpeed              float64  `json:"average_speed_bps"`
}

// DownloadRequest starts a download.
type DownloadRequest struct {
	Model string `json:"model"`
}

// DownloadsResponse lists active downloads.
type DownloadsResponse struct {
	Downloads []DownloadStatus `json:"downloads"`
}

// InstanceStatus summarizes a model known to the in-memory manager.
type InstanceStatus struct {
	// Canonical id of the model.
	ModelID string `json:"model_id"`
	// Current lifecycle state (unloaded, loading, loaded, unloading, failed).
	State string `json:"state"`
	// Weight file backing the model.
	FullPath string `json:"full_path,omitempty"`
	// Last time this model served a request (unix seconds).
	LastUsed int64 `json:"last_used_unix"`
	// Time the model became resident (unix seconds).
	LoadedAt int64 `json:"loaded_at_unix,omitempty"`
	// Last error recorded for this model.
	LastError string `json:"last_error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Models known to the manager.
	Instances []InstanceStatus `json:"instances"`
	// Maximum resident models (0 = unlimited).
	MaxResident int `json:"max_resident"`
	// Number of resident models.
	Resident int `json:"resident"`
	// Current inference queue length.
	QueueLen int `json:"queue_len"`
	// Number of in-flight inference calls (0 or 1).
	Inflight int `json:"inflight"`
	// Maximum queued requests allowed before backpressure triggers.
	MaxQueueDepth int `json:"max_queue_depth"`
	// Downloads currently pending, running or paused.
	ActiveDownloads int `json:"active_downloads"`
	// Last error observed by the manager (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
	// Total number of evictions performed to stay within MaxResident.
	EvictionsTotal uint64 `json:"evictions_total"`
	// Total number of successful model loads.
	LoadsTotal uint64 `json:"loads_total"`
	// Overall state (e.g., loading, ready, error).
	State string `json:"state"`
	// Number of models currently loading.
	WarmupsInProgress int `json:"warmups_in_progress"`
	// Number of models currently unloading.
	DrainingCount int `json:"draining_count"`
}
