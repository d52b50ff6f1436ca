// Package pathsafety validates destination paths used by the file_copy
// handler so a package's metadata cannot direct a copy outside of the
// declared installation root via ".." segments. The check is lexical:
// symlinks inside the root are not resolved.
package pathsafety

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Validator enforces that paths stay rooted under an allowed base and
// that copied files do not exceed declared size limits.
type Validator struct {
	maxFileSize int64
}

// NewValidator builds a Validator with the given per-file size ceiling.
// A non-positive maxFileSize disables the size check.
func NewValidator(maxFileSize int64) *Validator {
	return &Validator{maxFileSize: maxFileSize}
}

// ValidateDestination rejects a destination path that is absolute
// outside of root or escapes root via ".." segments, mirroring the
// teacher's tar-entry path validation but applied to a single
// declared destination rather than archive members.
func (v *Validator) ValidateDestination(root, dest string) (string, error) {
	if root == "" {
		return filepath.Clean(dest), nil
	}
	var joined string
	if filepath.IsAbs(dest) {
		joined = filepath.Clean(dest)
	} else {
		joined = filepath.Join(root, dest)
	}
	cleanRoot := filepath.Clean(root)
	rel, err := filepath.Rel(cleanRoot, joined)
	if err != nil {
		return "", fmt.Errorf("cannot resolve %q relative to root %q: %w", dest, root, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("destination %q escapes install root %q", dest, root)
	}
	return joined, nil
}

// ValidateFileSize rejects a file larger than the configured ceiling.
func (v *Validator) ValidateFileSize(size int64) error {
	if v.maxFileSize > 0 && size > v.maxFileSize {
		return fmt.Errorf("file size %d exceeds maximum %d", size, v.maxFileSize)
	}
	return nil
}
