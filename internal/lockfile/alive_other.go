//go:build !unix

package lockfile

import "os"

// pidAlive reports whether a process with the given PID exists. Without a
// portable liveness probe, a lookup failure is the only dead signal; stale
// stealing is correspondingly conservative on these platforms.
func pidAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
