package multifile

import (
	"errors"
	"fmt"
	"os"

	"github.com/asuran-backup/asuran/internal/repository"
)

// LockedFile pairs an open file with its sibling lock file. The lock file is
// created exclusively on open and removed on Close, so concurrent
// connections cooperate without kernel-level locks, and a crashed writer
// leaves a visible stale lock for the operator.
type LockedFile struct {
	*os.File
	path     string
	lockPath string
}

// OpenLockedFile opens path read/write, creating it if needed, after taking
// its lock. Returns repository.ErrFileLock (wrapped) if the lock is already
// held.
func OpenLockedFile(path string) (*LockedFile, error) {
	lockPath := path + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%q: %w", path, repository.ErrFileLock)
		}
		return nil, err
	}
	lock.Close()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		os.Remove(lockPath)
		return nil, err
	}
	return &LockedFile{File: file, path: path, lockPath: lockPath}, nil
}

// Close closes the file and releases the lock. Releasing a lock that has
// already vanished (for example inside a deleted temporary directory) is not
// an error.
func (f *LockedFile) Close() error {
	err := f.File.Close()
	if removeErr := os.Remove(f.lockPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) && err == nil {
		err = fmt.Errorf("removing lock file: %w", removeErr)
	}
	return err
}

// Path returns the path of the locked file.
func (f *LockedFile) Path() string {
	return f.path
}

// isLocked reports whether path currently has a lock file.
func isLocked(path string) bool {
	_, err := os.Stat(path + ".lock")
	return err == nil
}
