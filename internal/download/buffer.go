package download

import "os"

const (
	defaultBufferSize = 8 << 10
	maxScaledBuffer   = 1 << 20
)

// bufferSize picks the read buffer for a transfer of total bytes (-1 unknown).
// Small or unknown transfers use 8 KiB; larger ones scale toward total/100,
// never above 1 MiB or 16 pages.
func bufferSize(total int64) int {
	if total <= 0 {
		return defaultBufferSize
	}
	size := total / 100
	if size > maxScaledBuffer {
		size = maxScaledBuffer
	}
	if limit := int64(16 * os.Getpagesize()); size > limit {
		size = limit
	}
	if size < defaultBufferSize {
		return defaultBufferSize
	}
	return int(size)
}
