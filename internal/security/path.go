package security

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	ErrPathTraversal = errors.New("path escapes storage root")
	ErrEmptySegment  = errors.New("empty path segment")
)

// Within resolves path and verifies it stays inside root.
func Within(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return "", ErrPathTraversal
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return absPath, nil
}

// Segment validates a single directory name taken from an identifier.
func Segment(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptySegment
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`+"\x00") {
		return "", ErrPathTraversal
	}
	return name, nil
}
