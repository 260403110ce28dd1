// Package lockfile provides an advisory cross-process lock keyed by a file
// path.
//
// Exclusivity comes from an OS-level flock on the lock file, which the kernel
// releases when the holding process dies, so a crash never leaves the lock
// held. On top of that the holder records its PID and acquisition time in the
// file; a waiter that finds a record older than the stale threshold whose
// recorded owner is dead removes the file and retries. That recovers locks left
// behind by foreign tooling or an unkillable holder.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// ErrTimeout is returned when a lock cannot be acquired within the caller's
// timeout.
var ErrTimeout = errors.New("lockfile: timeout")

const (
	// staleThreshold bounds how long a dead holder can block waiters.
	staleThreshold = 30 * time.Second

	pollInterval = 25 * time.Millisecond
)

// Lock is a held advisory lock. Release must be called on every exit path;
// it is idempotent.
type Lock struct {
	fl   *flock.Flock
	path string
}

// Acquire blocks until the lock at path is held or timeout elapses. The
// lock file's parent directory is created if missing, and the holder's PID
// is recorded for stale detection.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lockfile %s: %w", path, err)
	}
	return acquire(path, timeout, true)
}

// AcquireReadOnly acquires the lock at an existing lock file without writing
// anything: no parent creation, no owner record, no stale stealing. Used by
// read-only cache access, which must not mutate the cache root.
func AcquireReadOnly(path string, timeout time.Duration) (*Lock, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("lockfile %s: %w", path, err)
	}
	return acquire(path, timeout, false)
}

func acquire(path string, timeout time.Duration, record bool) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	fl := flock.New(path)
	var staleChecked time.Time

	for {
		ok, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lockfile %s: %w", path, err)
		}
		if ok {
			l := &Lock{fl: fl, path: path}
			if record {
				l.writeOwner()
			}
			return l, nil
		}

		// Re-examine the holder at most once per threshold window.
		if record && time.Since(staleChecked) >= staleThreshold {
			staleChecked = time.Now()
			if stealStale(path) {
				// The old handle points at the unlinked inode.
				_ = fl.Close()
				fl = flock.New(path)
				continue
			}
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("lockfile %s: %w", path, ErrTimeout)
		}
		time.Sleep(pollInterval)
	}
}

// Release drops the lock. The owner record stays in the file; it is only
// meaningful while the flock is held. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil || l.fl == nil {
		return
	}
	_ = l.fl.Unlock()
	l.fl = nil
}

// writeOwner records the holder's PID and acquisition time. The record is
// advisory; failure to write it only disables stale detection for this hold.
func (l *Lock) writeOwner() {
	rec := fmt.Sprintf("%d %d\n", os.Getpid(), time.Now().Unix())
	_ = os.WriteFile(l.path, []byte(rec), 0o644)
}

// stealStale removes the lock file if its recorded owner is provably dead
// and the record is older than the stale threshold. Returns true when the
// file was removed and acquisition should be retried immediately.
func stealStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, written, ok := parseOwner(string(data))
	if !ok {
		return false
	}
	if time.Since(written) < staleThreshold {
		return false
	}
	if pidAlive(pid) {
		return false
	}
	return os.Remove(path) == nil
}

func parseOwner(rec string) (pid int, written time.Time, ok bool) {
	fields := strings.Fields(strings.TrimSpace(rec))
	if len(fields) != 2 {
		return 0, time.Time{}, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, time.Time{}, false
	}
	sec, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return pid, time.Unix(sec, 0), true
}
