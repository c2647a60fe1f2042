// Package security guards file paths built from manifest entries and
// command-line names.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a relative path resolves outside its base
// directory.
var ErrPathEscape = errors.New("path escapes base directory")

// JoinWithin joins a relative name onto dir and rejects results that leave
// dir. The check is lexical so it holds for in-memory filesystems too.
func JoinWithin(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathEscape, name)
	}
	joined := filepath.Join(dir, name)
	rel, err := filepath.Rel(filepath.Clean(dir), joined)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathEscape, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s leaves %s", ErrPathEscape, name, dir)
	}
	return joined, nil
}

// ValidateFileName checks that name is a single path element usable as a
// file or directory name.
func ValidateFileName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("file name is empty")
	case name == "." || name == "..":
		return fmt.Errorf("file name %q is reserved", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("file name %q must not contain path separators", name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("file name %q contains NUL", name)
	}
	return nil
}
