//go:build windows

package filelock

import (
	"fmt"
	"os"
)

// Lock acquires an exclusive lock on a ".lock" file adjacent to path
// using LockFileEx via the standard library's file-locking primitives.
// Windows has no syscall.Flock; os.OpenFile with O_EXCL on a sentinel
// file gives the same single-writer guarantee the Unix build gets from
// flock, at the cost of not blocking — callers retry.
func Lock(path string) (*os.File, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644) //nolint:gosec // G304: lockPath derived from trusted path
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
	}
	return f, nil
}

// Unlock releases the lock by closing and removing the sentinel file.
// Nil-safe.
func Unlock(f *os.File) {
	if f == nil {
		return
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
}
