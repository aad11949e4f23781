//go:build !windows

package trace

import "syscall"

// flockTryLock acquires an exclusive non-blocking lock (Unix implementation
// using flock). A second process writing the same trace file fails fast
// instead of hanging.
func flockTryLock(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_EX|syscall.LOCK_NB)
}

// flockUnlock releases the file lock (Unix implementation using flock).
func flockUnlock(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_UN)
}
