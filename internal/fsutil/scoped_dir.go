package fsutil

import (
	"os"
	"path/filepath"
)

// ScopedDir creates a directory tree and remembers the outermost path
// component it actually had to create. If the staging operation using the
// directory fails, Rollback removes only that outermost component -- never a
// directory that already existed before staging began. Commit suppresses the
// rollback once the caller has durably finished with the directory.
//
// This is the primitive the install stages stage their work through
// (uninstall removes directories directly): an error mid-extraction must never leave behind a
// partially-created ancestor directory, nor delete a sibling that predates
// the operation.
type ScopedDir struct {
	path      string
	created   string // outermost path component ScopedDir created, or "" if it already existed
	committed bool
}

// NewScopedDir creates path (and any missing parents), recording the
// outermost directory it had to create for later rollback.
func NewScopedDir(path string) (*ScopedDir, error) {
	path = filepath.Clean(path)

	created, err := mkdirAllTracking(path)
	if err != nil {
		return nil, err
	}
	return &ScopedDir{path: path, created: created}, nil
}

// mkdirAllTracking behaves like os.MkdirAll but returns the highest ancestor
// directory it had to create, so the caller can roll back exactly the
// subtree it introduced.
func mkdirAllTracking(path string) (string, error) {
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return "", &os.PathError{Op: "mkdir", Path: path, Err: os.ErrExist}
		}
		return "", nil // already existed: nothing to roll back
	}

	// Walk upward to find the first existing ancestor.
	missing := []string{path}
	parent := filepath.Dir(path)
	for {
		info, err := os.Stat(parent)
		if err == nil {
			if !info.IsDir() {
				return "", &os.PathError{Op: "mkdir", Path: parent, Err: os.ErrExist}
			}
			break
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		missing = append(missing, parent)
		next := filepath.Dir(parent)
		if next == parent {
			break // reached filesystem root without finding an existing ancestor
		}
		parent = next
	}

	outermost := missing[len(missing)-1]
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return outermost, nil
}

// Path returns the directory's path.
func (s *ScopedDir) Path() string { return s.path }

// Commit marks the directory as durably finished; Rollback becomes a no-op.
func (s *ScopedDir) Commit() { s.committed = true }

// Rollback removes the outermost directory component ScopedDir created. It
// is a no-op if Commit was already called, or if the directory pre-existed
// ScopedDir's creation.
func (s *ScopedDir) Rollback() error {
	if s.committed || s.created == "" {
		return nil
	}
	return os.RemoveAll(s.created)
}
