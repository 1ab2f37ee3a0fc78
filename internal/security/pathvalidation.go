// Package security guards file paths built from dataset identifiers.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal marks a name that would resolve outside its directory.
var ErrPathTraversal = errors.New("path traversal detected")

// ValidatePathWithinDirectory checks that filePath, once cleaned, is dir
// itself or lies below it. The check is lexical so it works the same for
// files that do not exist yet and for in-memory filesystems.
func ValidatePathWithinDirectory(filePath, dir string) error {
	cleanPath := filepath.Clean(filePath)
	cleanDir := filepath.Clean(dir)

	if filepath.IsAbs(cleanPath) != filepath.IsAbs(cleanDir) {
		return fmt.Errorf("%w: %s is not comparable with %s", ErrPathTraversal, filePath, dir)
	}
	rel, err := filepath.Rel(cleanDir, cleanPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPathTraversal, filePath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s escapes %s", ErrPathTraversal, filePath, dir)
	}
	return nil
}

// JoinWithin joins name onto dir and rejects results outside dir.
func JoinWithin(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrPathTraversal)
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute name %s", ErrPathTraversal, name)
	}
	p := filepath.Join(dir, name)
	if err := ValidatePathWithinDirectory(p, dir); err != nil {
		return "", err
	}
	return p, nil
}
