//go:build unix

package lockfile

import (
	"errors"
	"os"
	"syscall"
)

// pidAlive reports whether a process with the given PID exists. EPERM means
// the process exists but belongs to another user.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
