//go:build unix

package fs

import (
	"errors"
	"syscall"
)

// flockExclusive acquires an exclusive lock on the file descriptor.
func flockExclusive(fd int) error {
	return syscall.Flock(fd, syscall.LOCK_EX)
}

// flockUnlock releases the lock on the file descriptor.
func flockUnlock(fd int) error {
	return syscall.Flock(fd, syscall.LOCK_UN)
}

// isLockNotSupportedError reports whether err means the filesystem cannot
// lock, as on some NFS and SMB mounts.
func isLockNotSupportedError(err error) bool {
	return errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, syscall.EOPNOTSUPP) ||
		errors.Is(err, syscall.ENOLCK)
}
