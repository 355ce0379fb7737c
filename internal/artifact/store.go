// Package artifact implements the filesystem-rooted artifact store. Every
// pipeline output lives under a per-project directory with a fixed layout:
//
//	<project_dir>/
//	  specs/  *.json specification artifacts
//	  docs/   *.md narrative artifacts
//	  code/   generated source tree
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codegrove/appforge/internal/fault"
)

// ErrNotFound is returned by Read when the named artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store persists named artifacts under project directories. It is safe for
// concurrent use across projects and for distinct names within a project;
// two writes to the same name race with last-write-wins.
type Store struct {
	root string
}

// NewStore creates a store rooted at baseDir. Project directories are
// resolved relative to it.
func NewStore(baseDir string) *Store {
	return &Store{root: baseDir}
}

// ProjectDir returns the absolute directory for a project.
func (s *Store) ProjectDir(projectID string) string {
	return filepath.Join(s.root, projectID)
}

// EnsureLayout creates the canonical subdirectories. Idempotent.
func (s *Store) EnsureLayout(projectDir string) error {
	for _, sub := range []string{"specs", "docs", "code"} {
		if err := os.MkdirAll(filepath.Join(projectDir, sub), 0o755); err != nil {
			return fault.Wrap(fault.KindArtifactIO, err, "create %s dir", sub)
		}
	}
	return nil
}

// Write serialises and writes an artifact. Strings and byte slices are
// written verbatim; anything else is JSON-encoded with two-space indent and
// stable key order. The write is atomic per file (temp file + rename).
func (s *Store) Write(projectDir, name string, value any) error {
	path, err := s.resolve(projectDir, name)
	if err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fault.Wrap(fault.KindArtifactIO, err, "create parent dir for %s", name)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fault.Wrap(fault.KindArtifactIO, err, "create temp file for %s", name)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fault.Wrap(fault.KindArtifactIO, err, "write %s", name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.KindArtifactIO, err, "close %s", name)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.KindArtifactIO, err, "rename %s into place", name)
	}
	return nil
}

// Read loads an artifact. Names with a .json extension are decoded into a
// mapping/array; undecodable or non-JSON content comes back as a string.
// A missing artifact reports ErrNotFound.
func (s *Store) Read(projectDir, name string) (any, error) {
	path, err := s.resolve(projectDir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %q: %w", name, ErrNotFound)
		}
		return nil, fault.Wrap(fault.KindArtifactIO, err, "read %s", name)
	}
	if strings.EqualFold(filepath.Ext(name), ".json") {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v, nil
		}
	}
	return string(data), nil
}

// Exists reports whether the named artifact is present.
func (s *Store) Exists(projectDir, name string) bool {
	path, err := s.resolve(projectDir, name)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(path)
	return statErr == nil
}

// ListCode returns every file under code/ as a slash-separated path relative
// to code/, sorted lexicographically.
func (s *Store) ListCode(projectDir string) ([]string, error) {
	codeDir := filepath.Join(projectDir, "code")
	var files []string
	err := filepath.Walk(codeDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(codeDir, path)
		if relErr != nil {
			return relErr
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindArtifactIO, err, "list code files")
	}
	sort.Strings(files)
	return files, nil
}

// resolve maps an artifact name onto its on-disk path. Routing is
// deterministic: .md names go to docs/, names under code/ or carrying a
// "code" or "file" path segment go to the code/ tree, everything else to
// specs/. Paths escaping the project directory are rejected.
func (s *Store) resolve(projectDir, name string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(name)))
	if clean == "" || clean == "." || strings.HasPrefix(clean, "/") ||
		clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fault.New(fault.KindArtifactIO, "artifact name %q escapes project dir", name)
	}
	segments := strings.Split(clean, "/")
	var rel string
	switch {
	case segments[0] == "code":
		rel = clean
	case hasSegment(segments, "code"), hasSegment(segments, "file"):
		rel = "code/" + clean
	case strings.EqualFold(filepath.Ext(clean), ".md"):
		rel = "docs/" + clean
	default:
		rel = "specs/" + clean
	}
	return filepath.Join(projectDir, filepath.FromSlash(rel)), nil
}

func hasSegment(segments []string, want string) bool {
	for _, seg := range segments {
		if seg == want {
			return true
		}
	}
	return false
}

func encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fault.Wrap(fault.KindArtifactIO, err, "encode artifact")
		}
		return data, nil
	}
}
