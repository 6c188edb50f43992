// Package fsutil collects the filesystem primitives the executor relies on
// for crash-safe staging: path validation, free-space accounting, recursive
// permission repair and group ownership of newly created directories.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sys/unix"
)

// acceptablePathSegment matches a single path component the installer is
// willing to create on disk: letters, digits, dot, underscore and dash only.
// This rejects "/" and shell-hostile characters inside a segment; a ".."
// segment matches it and is rejected separately by IsAcceptableFilePath.
var acceptablePathSegment = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// IsAcceptableFilePath reports whether every component of path is restricted
// to the installer's allowed character set and none of them is "..".
func IsAcceptableFilePath(path string) bool {
	if path == "" {
		return false
	}
	for _, seg := range strings.Split(path, string(filepath.Separator)) {
		if seg == ".." {
			return false
		}
	}
	for _, seg := range splitAll(path) {
		if seg == "" {
			continue
		}
		if !acceptablePathSegment.MatchString(seg) {
			return false
		}
	}
	return true
}

func splitAll(path string) []string {
	var out []string
	cur := filepath.Clean(path)
	for {
		dir, file := filepath.Split(cur)
		if file != "" {
			out = append([]string{file}, out...)
		}
		dir = filepath.Clean(dir)
		if dir == cur || dir == "." || dir == string(filepath.Separator) {
			break
		}
		cur = dir
	}
	return out
}

// CreateDirectory creates dir and all missing parents. When gid is
// non-negative the created leaf directory's group is set to gid, and when
// writable is true group-write is granted (mode 0775 instead of 0755).
func CreateDirectory(dir string, gid int, writable bool) error {
	mode := os.FileMode(0o755)
	if writable {
		mode = 0o775
	}
	if err := os.MkdirAll(dir, mode); err != nil {
		return fmt.Errorf("fsutil: creating directory %s: %w", dir, err)
	}
	if gid >= 0 {
		if err := os.Chown(dir, -1, gid); err != nil {
			return fmt.Errorf("fsutil: chown %s to gid %d: %w", dir, gid, err)
		}
	}
	return nil
}

// RemoveDirectory removes dir and everything beneath it. A missing dir is
// not an error.
func RemoveDirectory(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("fsutil: removing directory %s: %w", dir, err)
	}
	return nil
}

// GetSubdirectories lists the immediate subdirectory names of dir. A missing
// dir yields an empty slice rather than an error.
func GetSubdirectories(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsutil: reading directory %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// RemoveAllDirectoriesExcept removes every immediate subdirectory of parent
// whose name is not in keep. A missing parent is not an error; every
// subdirectory is attempted and the first removal failure is returned.
func RemoveAllDirectoriesExcept(parent string, keep map[string]struct{}) error {
	subs, err := GetSubdirectories(parent)
	if err != nil {
		return err
	}
	var firstErr error
	for _, name := range subs {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := RemoveDirectory(filepath.Join(parent, name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetFreeSpace returns the number of bytes free on the filesystem containing
// path.
func GetFreeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("fsutil: statfs %s: %w", path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// GetDirectorySpace recursively sums the size of every regular file under
// dir. A missing dir reports zero.
func GetDirectorySpace(dir string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += uint64(info.Size())
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("fsutil: measuring directory %s: %w", dir, err)
	}
	return total, nil
}

// SetPermissionsRecursively walks dir and applies fileMode to regular files
// and dirMode to directories.
func SetPermissionsRecursively(dir string, dirMode, fileMode os.FileMode) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.Chmod(path, dirMode)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		return os.Chmod(path, fileMode)
	})
}

