//go:build windows

package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileLock keeps a background loop single-instance across processes. On
// Windows ownership is the exclusive creation of the file, which carries
// the holder's pid.
type FileLock struct {
	path   string
	locked bool
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock reports false when another process holds the lock.
func (l *FileLock) TryLock() (bool, error) {
	if l.locked {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	werr := writePID(f)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(l.path)
		return false, werr
	}
	l.locked = true
	return true, nil
}

// Unlock removes the lock file.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
