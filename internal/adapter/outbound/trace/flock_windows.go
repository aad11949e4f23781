//go:build windows

package trace

import "golang.org/x/sys/windows"

// flockTryLock acquires an exclusive lock on Windows using LockFileEx.
// LOCKFILE_FAIL_IMMEDIATELY matches the non-blocking Unix flock behavior.
func flockTryLock(fd uintptr) error {
	var ol windows.Overlapped
	return windows.LockFileEx(windows.Handle(fd),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &ol)
}

// flockUnlock releases the file lock on Windows using UnlockFileEx.
func flockUnlock(fd uintptr) error {
	var ol windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(fd), 0, 1, 0, &ol)
}
