// Package fsutil provides filesystem helpers for key and certificate material.
// All writes go through an atomic write-then-rename so a crash mid-write can
// never leave a partial file behind.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// KeyFileMode is the permission set for private key files (owner read/write only).
	KeyFileMode os.FileMode = 0o600
	// CertFileMode is the permission set for public certificate files.
	CertFileMode os.FileMode = 0o644
	// DirMode is the permission set for directories created for key material.
	DirMode os.FileMode = 0o755
)

// WriteFileAtomic writes data to path via a temporary file in the same
// directory followed by a rename. The file is created with the given mode
// before any data is written, so key material is never world-readable,
// not even transiently.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()

	// Tighten permissions before writing any bytes. Exact semantics are
	// platform-specific; on non-POSIX systems this is best effort.
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set file mode: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	return nil
}

// MoveFile relocates a file across directories, creating the destination
// directory if needed. Used to retire revoked certificate material.
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), DirMode); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move %s: %w", src, err)
	}
	return nil
}
