package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	lockFilePermissions = 0o644
	lockDirPermissions  = 0o755
)

// ErrAlreadyRunning is surfaced when another supervisor holds the bundle
// area lock. The CLI maps it to the lock-held exit code.
var ErrAlreadyRunning = errors.New("supervisor: another instance is already running")

// Lockfile is the cross-process mutex over the bundle area: an exclusive
// flock on a PID file. The kernel drops the flock when the holder dies, so
// a stale file from a crashed supervisor never blocks a new one.
type Lockfile struct {
	path string
	f    *os.File
}

// AcquireLock takes the exclusive lock, writing the current PID for
// diagnostics. A held lock reports the holder's PID in the error.
func AcquireLock(path string) (*Lockfile, error) {
	if path == "" {
		return nil, fmt.Errorf("supervisor: lock file path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), lockDirPermissions); err != nil {
		return nil, fmt.Errorf("supervisor: creating lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening lock file: %w", err)
	}

	// Non-blocking exclusive lock; fails immediately when held.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readLockHolder(path)
		f.Close()

		if holder > 0 {
			return nil, fmt.Errorf("%w (pid %d holds %s)", ErrAlreadyRunning, holder, path)
		}

		return nil, fmt.Errorf("%w (could not lock %s)", ErrAlreadyRunning, path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("supervisor: truncating lock file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("supervisor: writing lock file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("supervisor: syncing lock file: %w", err)
	}

	return &Lockfile{path: path, f: f}, nil
}

// Release drops the lock and removes the file.
func (l *Lockfile) Release() {
	os.Remove(l.path)
	l.f.Close()
}

// readLockHolder returns the PID recorded in the lock file, or 0.
func readLockHolder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}

	return pid
}
