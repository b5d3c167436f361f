package scheduler

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write lock pid: %w", err)
	}
	return nil
}

// Holder returns the pid recorded in the lock file, or 0 when the file is
// missing or unreadable.
func (l *FileLock) Holder() int {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
