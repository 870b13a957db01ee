package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDownloadStateDerived(t *testing.T) {
	start := time.Unix(1000, 0)
	total := int64(1000)
	st := DownloadState{
		Status:          StatusDownloading,
		StartTime:       start,
		LastUpdateTime:  start.Add(2 * time.Second),
		TotalBytes:      &total,
		BytesDownloaded: 600,
		sessionStart:    start,
		sessionBytes:    200,
	}
	require.InDelta(t, 60, st.ProgressPercentage(), 1e-9)
	require.InDelta(t, 200, st.AverageSpeed(), 1e-9)
	eta, ok := st.EstimatedTimeRemaining()
	require.True(t, ok)
	require.Equal(t, 2*time.Second, eta)

	v := st.View()
	require.Equal(t, "downloading", v.Status)
	require.NotNil(t, v.EstimatedSecondsRemaining)
	require.InDelta(t, 2, *v.EstimatedSecondsRemaining, 1e-9)
}

func TestDownloadStateUnknownTotal(t *testing.T) {
	st := DownloadState{BytesDownloaded: 10, StartTime: time.Now()}
	require.Zero(t, st.ProgressPercentage())
	_, ok := st.EstimatedTimeRemaining()
	require.False(t, ok)
	require.Nil(t, st.View().TotalBytes)
	require.Nil(t, st.View().EstimatedSecondsRemaining)
}

func TestDownloadStateClampsAndClones(t *testing.T) {
	total := int64(10)
	st := DownloadState{TotalBytes: &total, BytesDownloaded: 20, DownloadedFiles: map[string]int64{"a": 20}}
	require.EqualValues(t, 100, st.ProgressPercentage())

	c := st.clone()
	c.DownloadedFiles["a"] = 1
	*c.TotalBytes = 99
	require.EqualValues(t, 20, st.DownloadedFiles["a"])
	require.EqualValues(t, 10, *st.TotalBytes)
}

func TestStatusActive(t *testing.T) {
	for s, want := range map[DownloadStatus]bool{
		StatusPending: true, StatusDownloading: true, StatusPaused: true,
		StatusCompleted: false, StatusFailed: false, StatusCancelled: false,
	} {
		require.Equal(t, want, s.Active(), s)
	}
}
