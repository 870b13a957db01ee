//go:build windows

package ledger

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/windows"
)

// fileLock is an exclusive LockFileEx lock held on a side file.
type fileLock struct {
	file *os.File
}

// acquireLock opens path and polls for an exclusive lock until timeout.
func acquireLock(path string, timeout time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	deadline := time.Now().Add(timeout)
	sleep := 10 * time.Millisecond
	for {
		err := windows.LockFileEx(
			windows.Handle(f.Fd()),
			windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
			0, 1, 0,
			&windows.Overlapped{},
		)
		if err == nil {
			return &fileLock{file: f}, nil
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("lock %s: timeout after %v: %w", path, timeout, err)
		}
		time.Sleep(sleep)
		if sleep < 100*time.Millisecond {
			sleep *= 2
		}
	}
}

func (l *fileLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := windows.UnlockFileEx(windows.Handle(l.file.Fd()), 0, 1, 0, &windows.Overlapped{})
	l.file.Close()
	l.file = nil
	return err
}
