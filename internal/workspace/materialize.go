// Package workspace writes submitted sources into a fresh session directory.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"stylus-builder/internal/protocol"
)

// ErrInvalidPath is returned for file paths that would escape the workspace.
var ErrInvalidPath = errors.New("invalid project file path")

// Scaffolder provides the canonical entry point and default files.
type Scaffolder interface {
	EntryPoint() string
	Scaffold() []protocol.ProjectFile
}

// Materializer writes project files into workspace directories.
type Materializer struct {
	scaffold Scaffolder
}

// New creates a Materializer backed by the given toolchain scaffold.
func New(scaffold Scaffolder) *Materializer {
	return &Materializer{scaffold: scaffold}
}

// Materialize writes req into dir, which must be an empty, freshly created
// directory, and returns the workspace-relative entry point.
//
// A single code blob becomes the entry point plus every scaffold file.
// A file list is written as-is and only missing scaffold files are added.
func (m *Materializer) Materialize(dir string, req protocol.BuildRequest) (string, error) {
	entry := m.scaffold.EntryPoint()

	var files []protocol.ProjectFile
	if len(req.Files) > 0 {
		if err := ValidatePaths(req.Files); err != nil {
			return "", err
		}
		files = append(files, req.Files...)
		entry = primaryEntry(req.Files, entry)
	} else {
		files = append(files, protocol.ProjectFile{Path: entry, Content: req.Code})
	}

	supplied := make(map[string]bool, len(files))
	for _, f := range files {
		supplied[cleanRel(f.Path)] = true
	}
	for _, f := range m.scaffold.Scaffold() {
		if !supplied[cleanRel(f.Path)] {
			files = append(files, f)
			supplied[cleanRel(f.Path)] = true
		}
	}

	for _, f := range files {
		if err := writeNew(dir, cleanRel(f.Path), f.Content); err != nil {
			return "", err
		}
	}
	return entry, nil
}

// ValidatePaths rejects empty, absolute, or parent-escaping paths and
// duplicates.
func ValidatePaths(files []protocol.ProjectFile) error {
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		p := strings.TrimSpace(filepath.ToSlash(f.Path))
		if p == "" {
			return fmt.Errorf("%w: empty path", ErrInvalidPath)
		}
		if strings.HasPrefix(p, "/") || filepath.IsAbs(f.Path) {
			return fmt.Errorf("%w: %q must be relative", ErrInvalidPath, f.Path)
		}
		clean := cleanRel(p)
		for _, seg := range strings.Split(clean, "/") {
			if seg == ".." {
				return fmt.Errorf("%w: %q contains parent segment", ErrInvalidPath, f.Path)
			}
		}
		if clean == "." {
			return fmt.Errorf("%w: %q is not a file", ErrInvalidPath, f.Path)
		}
		if seen[clean] {
			return fmt.Errorf("%w: duplicate path %q", ErrInvalidPath, f.Path)
		}
		seen[clean] = true
	}
	return nil
}

// primaryEntry picks the canonical entry point if supplied, otherwise the
// first file sharing its base name.
func primaryEntry(files []protocol.ProjectFile, canonical string) string {
	for _, f := range files {
		if cleanRel(f.Path) == canonical {
			return canonical
		}
	}
	base := path.Base(canonical)
	for _, f := range files {
		if path.Base(cleanRel(f.Path)) == base {
			return cleanRel(f.Path)
		}
	}
	return canonical
}

func cleanRel(p string) string {
	return path.Clean(strings.TrimSpace(filepath.ToSlash(p)))
}

// writeNew creates rel under dir, failing if it already exists.
func writeNew(dir, rel, content string) error {
	full := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", rel, err)
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", rel, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", rel, err)
	}
	return nil
}
