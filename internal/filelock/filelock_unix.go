//go:build !windows

package filelock

import (
	"fmt"
	"os"
	"syscall"
)

// Lock acquires an exclusive advisory lock on a ".lock" file adjacent to
// path. Blocks until the lock is available. Adapted from the teacher's
// store.lockFile/unlockFile pair (internal/store/flock.go), generalized
// to any path (skill/memory JSON writers, not just the sqlite db).
func Lock(path string) (*os.File, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644) //nolint:gosec // G304: lockPath derived from trusted path
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
	}
	return f, nil
}

// Unlock releases the advisory lock and closes the file. Nil-safe.
func Unlock(f *os.File) {
	if f == nil {
		return
	}
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}
