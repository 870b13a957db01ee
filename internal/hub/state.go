package hub

import (
	"context"
	"time"

	"modelhub/pkg/types"
)

// DownloadStatus is the lifecycle state of a model download.
type DownloadStatus string

const (
	StatusPending     DownloadStatus = "pending"
	StatusDownloading DownloadStatus = "downloading"
	StatusPaused      DownloadStatus = "paused"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
	StatusCancelled   DownloadStatus = "cancelled"
)

// Active reports whether a download in this status stays in the active map.
func (s DownloadStatus) Active() bool {
	return s == StatusPending || s == StatusDownloading || s == StatusPaused
}

// DownloadState tracks one model download while it is active.
type DownloadState struct {
	OperationID     string
	ModelID         string
	TargetDirectory string
	ModelType       types.ModelType
	Status          DownloadStatus
	StartTime       time.Time
	LastUpdateTime  time.Time
	// TotalBytes is nil while any file size is unknown.
	TotalBytes      *int64
	BytesDownloaded int64
	DownloadedFiles map[string]int64
	// ProviderData holds what a resume needs from the registry: repo id,
	// revision and file URLs.
	ProviderData map[string]string
	Message      string

	// sessionStart and sessionBytes anchor the speed of the current run;
	// bytes resumed from disk do not count toward it.
	sessionStart time.Time
	sessionBytes int64
	cancel       context.CancelFunc
}

// ProgressPercentage returns completion in [0,100], 0 when the total is unknown.
func (s DownloadState) ProgressPercentage() float64 {
	if s.TotalBytes == nil || *s.TotalBytes <= 0 {
		return 0
	}
	p := float64(s.BytesDownloaded) / float64(*s.TotalBytes) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// AverageSpeed returns bytes per second transferred since the current run
// started.
func (s DownloadState) AverageSpeed() float64 {
	start := s.sessionStart
	if start.IsZero() {
		start = s.StartTime
	}
	elapsed := s.LastUpdateTime.Sub(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	n := s.BytesDownloaded - s.sessionBytes
	if n <= 0 {
		return 0
	}
	return float64(n) / elapsed
}

// EstimatedTimeRemaining returns the remaining time at the average speed, or
// false when the total or the speed is unknown.
func (s DownloadState) EstimatedTimeRemaining() (time.Duration, bool) {
	if s.TotalBytes == nil {
		return 0, false
	}
	speed := s.AverageSpeed()
	if speed <= 0 {
		return 0, false
	}
	remaining := *s.TotalBytes - s.BytesDownloaded
	if remaining <= 0 {
		return 0, true
	}
	return time.Duration(float64(remaining) / speed * float64(time.Second)), true
}

// View converts the state into its API representation.
func (s DownloadState) View() types.DownloadStatus {
	v := types.DownloadStatus{
		OperationID:        s.OperationID,
		ModelID:            s.ModelID,
		TargetDirectory:    s.TargetDirectory,
		ModelType:          s.ModelType,
		Status:             string(s.Status),
		StartTime:          s.StartTime,
		LastUpdateTime:     s.LastUpdateTime,
		BytesDownloaded:    s.BytesDownloaded,
		Message:            s.Message,
		ProgressPercentage: s.ProgressPercentage(),
		AverageSpeed:       s.AverageSpeed(),
	}
	if s.TotalBytes != nil {
		t := *s.TotalBytes
		v.TotalBytes = &t
	}
	if len(s.DownloadedFiles) > 0 {
		v.DownloadedFiles = make(map[string]int64, len(s.DownloadedFiles))
		for k, n := range s.DownloadedFiles {
			v.DownloadedFiles[k] = n
		}
	}
	if eta, ok := s.EstimatedTimeRemaining(); ok {
		secs := eta.Seconds()
		v.EstimatedSecondsRemaining = &secs
	}
	return v
}

// clone returns a copy safe to hand out; maps are duplicated.
func (s DownloadState) clone() DownloadState {
	c := s
	c.cancel = nil
	if s.TotalBytes != nil {
		t := *s.TotalBytes
		c.TotalBytes = &t
	}
	c.DownloadedFiles = make(map[string]int64, len(s.DownloadedFiles))
	for k, n := range s.DownloadedFiles {
		c.DownloadedFiles[k] = n
	}
	c.ProviderData = make(map[string]string, len(s.ProviderData))
	for k, v := range s.ProviderData {
		c.ProviderData[k] = v
	}
	return c
}
