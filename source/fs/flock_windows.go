//go:build windows

package fs

// Writers are not locked against each other on Windows; the rename is still
// atomic for readers.

func flockExclusive(fd int) error {
	return nil
}

func flockUnlock(fd int) error {
	return nil
}

func isLockNotSupportedError(err error) bool {
	return false
}
