package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	lockFileName   = "tally.lock"
	defaultTimeout = 5 * time.Second
	initialBackoff = time.Millisecond
	maxBackoff     = 25 * time.Millisecond
)

// writeLocker serializes store writes across processes (a CLI command running
// next to `tally watch`) and across goroutines, since each acquire opens its
// own file description. The OS drops the lock if the holder dies.
type writeLocker struct {
	lockPath string
	lockFile *os.File
}

func newWriteLocker(dataDir string) *writeLocker {
	return &writeLocker{lockPath: filepath.Join(dataDir, lockFileName)}
}

// acquire attempts to get an exclusive write lock with the given timeout.
// Returns an error with diagnostic info if the lock cannot be acquired.
func (l *writeLocker) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.lockFile = f

	deadline := time.Now().Add(timeout)
	backoff := initialBackoff

	for {
		if err := l.tryLock(); err == nil {
			l.writeHolder()
			return nil
		}

		if time.Now().After(deadline) {
			holder := l.readHolder()
			l.lockFile.Close()
			l.lockFile = nil
			return fmt.Errorf("write lock timeout after %v (holder %s)", timeout, holder)
		}

		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (l *writeLocker) release() error {
	if l.lockFile == nil {
		return nil
	}
	_ = l.lockFile.Truncate(0)
	l.unlock()
	err := l.lockFile.Close()
	l.lockFile = nil
	return err
}

// writeHolder records "pid=N since=RFC3339" so a timed-out waiter can name
// the process in its way.
func (l *writeLocker) writeHolder() {
	if l.lockFile == nil {
		return
	}
	_ = l.lockFile.Truncate(0)
	_, _ = l.lockFile.Seek(0, 0)
	fmt.Fprintf(l.lockFile, "pid=%d since=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
}

func (l *writeLocker) readHolder() string {
	data, err := os.ReadFile(l.lockPath)
	if err != nil {
		return "unknown"
	}
	line := strings.TrimSpace(string(data))
	var pid int
	var since string
	if _, err := fmt.Sscanf(line, "pid=%d since=%s", &pid, &since); err != nil {
		return "unknown"
	}
	if !isProcessAlive(pid) {
		return line + " (stale)"
	}
	return line
}
