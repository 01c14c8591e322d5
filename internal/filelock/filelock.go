// Package filelock guards calculation output files against concurrent
// writers. Flows may run jobs in parallel into a shared output directory, so
// every on-disk artifact goes through an atomic temp-file-and-rename write,
// optionally serialized by an advisory lock.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock wraps an advisory flock for coordinating access to an output file.
type FileLock struct {
	flock *flock.Flock
	path  string
}

// New creates a lock for the given path. Locking creates the file if needed.
func New(path string) *FileLock {
	return &FileLock{flock: flock.New(path), path: path}
}

// Lock blocks until the exclusive lock is held.
func (fl *FileLock) Lock() error {
	if err := fl.flock.Lock(); err != nil {
		return fmt.Errorf("acquire lock on %s: %w", fl.path, err)
	}
	return nil
}

// Unlock releases the lock.
func (fl *FileLock) Unlock() error {
	if err := fl.flock.Unlock(); err != nil {
		return fmt.Errorf("release lock on %s: %w", fl.path, err)
	}
	return nil
}

// AtomicWrite writes data through a temp file in the target directory and
// renames it over the destination, so readers never observe a partial file.
// The parent directory is created if missing.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	// Same directory as the target keeps the rename on one filesystem,
	// which is what makes it atomic.
	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	tempFile = nil
	return nil
}

// LockAndWrite serializes an atomic write behind a sidecar ".lock" file, for
// artifacts that several jobs may update (shared indexes, latest pointers).
func LockAndWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	lock := New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	return AtomicWrite(path, data)
}
