// Package archive extracts a gzipped tar bundle into a destination
// directory, rewriting entry paths and hardlink targets to be relative to
// that destination and preserving permissions, timestamps and POSIX ACLs.
//
// This intentionally extracts at the archive/tar header level rather than
// through a higher-level archive filesystem abstraction: hardlink targets
// and ACL extended attributes are only reachable from the raw tar header,
// and abstractions that hide it would lose these fields.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// posixACLAccessXattr is the extended attribute name tar writers use to
// store a POSIX access ACL alongside a regular PAX header.
const posixACLAccessXattr = "system.posix_acl_access"

// Warning describes a non-fatal issue with a single archive entry; the
// extraction continues past it.
type Warning struct {
	Entry string
	Err   error
}

func (w Warning) String() string { return fmt.Sprintf("%s: %v", w.Entry, w.Err) }

// Extract decodes the gzipped tar stream at archivePath into destDir,
// creating destDir if necessary. It returns any non-fatal per-entry
// warnings alongside a nil error; a malformed stream or an I/O failure on a
// required operation aborts the whole extraction and returns an error.
func Extract(archivePath, destDir string) ([]Warning, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("archive: opening %s: %w", archivePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("archive: reading gzip header of %s: %w", archivePath, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating destination %s: %w", destDir, err)
	}

	var warnings []Warning
	tr := tar.NewReader(gz)
	// Hardlink entries may reference a target extracted later in the stream
	// in theory, but since hardlink targets point at already-emitted tar
	// entries by convention, rewriting is applied as each entry is seen.
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return warnings, fmt.Errorf("archive: reading tar header in %s: %w", archivePath, err)
		}

		targetPath := filepath.Join(destDir, filepath.Clean("/"+hdr.Name))
		if w := extractEntry(tr, hdr, destDir, targetPath); w != nil {
			warnings = append(warnings, *w)
		}
	}
	return warnings, nil
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, destDir, targetPath string) *Warning {
	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(targetPath, hdr.FileInfo().Mode().Perm()); err != nil {
			return &Warning{Entry: hdr.Name, Err: err}
		}
	case tar.TypeReg, tar.TypeRegA:
		if err := extractRegularFile(tr, hdr, targetPath); err != nil {
			return &Warning{Entry: hdr.Name, Err: err}
		}
	case tar.TypeSymlink:
		if err := extractSymlink(hdr, targetPath); err != nil {
			return &Warning{Entry: hdr.Name, Err: err}
		}
	case tar.TypeLink:
		// Hardlink targets are rewritten to be relative to destDir, per the
		// destination + "/" + originalTarget contract.
		linkTarget := filepath.Join(destDir, filepath.Clean("/"+hdr.Linkname))
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return &Warning{Entry: hdr.Name, Err: err}
		}
		os.Remove(targetPath)
		if err := os.Link(linkTarget, targetPath); err != nil {
			return &Warning{Entry: hdr.Name, Err: err}
		}
	default:
		return &Warning{Entry: hdr.Name, Err: fmt.Errorf("unsupported entry type %q", hdr.Typeflag)}
	}

	if hdr.Typeflag != tar.TypeSymlink {
		applyMetadata(targetPath, hdr)
	}
	return nil
}

func extractRegularFile(tr *tar.Reader, hdr *tar.Header, targetPath string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, tr); err != nil {
		return err
	}
	return out.Sync()
}

func extractSymlink(hdr *tar.Header, targetPath string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return err
	}
	os.Remove(targetPath)
	return os.Symlink(hdr.Linkname, targetPath)
}

// applyMetadata restores permissions, ownership, timestamps and any POSIX
// ACL xattr recorded in the tar header's PAX records. Every failure here is
// ignored and none is reported as a Warning -- a lost ACL or ownership bit
// is not worth aborting an otherwise-successful extraction.
func applyMetadata(targetPath string, hdr *tar.Header) {
	_ = os.Chmod(targetPath, hdr.FileInfo().Mode().Perm())
	_ = os.Chtimes(targetPath, hdr.AccessTime.Local(), modTimeOrNow(hdr.ModTime))
	_ = unix.Lchown(targetPath, hdr.Uid, hdr.Gid)

	if acl, ok := hdr.PAXRecords[posixACLAccessXattr]; ok && acl != "" {
		_ = unix.Setxattr(targetPath, posixACLAccessXattr, []byte(acl), 0)
	}
	for key, value := range hdr.PAXRecords {
		if strings.HasPrefix(key, "SCHILY.xattr.") {
			name := strings.TrimPrefix(key, "SCHILY.xattr.")
			_ = unix.Setxattr(targetPath, name, []byte(value), 0)
		}
	}
}

func modTimeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
