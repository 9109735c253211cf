package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"vigil/internal/logging"
)

// acquireLock takes the single-instance pid lock. A leftover lock whose pid
// no longer runs is broken and re-taken. Returns a release func.
func acquireLock(path string) (func(), error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}

		pid, readErr := ReadLockPid(path)
		if readErr == nil && processAlive(pid) {
			return nil, fmt.Errorf("already running (pid %d holds %s)", pid, path)
		}

		logging.Boot("breaking stale lock %s (pid %d gone)", path, pid)
		os.Remove(path)
	}
	return nil, fmt.Errorf("lock %s: could not acquire after breaking stale lock", path)
}

// ReadLockPid returns the pid recorded in the lock file.
func ReadLockPid(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("lock %s: bad pid %q", path, raw)
	}
	return pid, nil
}

// processAlive reports whether pid exists. Signal 0 performs the existence
// check without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
