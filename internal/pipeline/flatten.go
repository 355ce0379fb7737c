package pipeline

import (
	"context"
	"fmt"
	gopath "path"
	"sort"
	"strings"

	"github.com/codegrove/appforge/internal/appforge"
	"github.com/codegrove/appforge/internal/fault"
)

// FileEntry is one source file discovered in the validated structure.
type FileEntry struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose"`
}

// FlattenStructure walks the nested structure mapping depth-first and
// returns the file list, de-duplicated and sorted lexicographically.
//
// A string leaf is a file whose value is its purpose; a nested mapping with
// a "purpose" or "description" field is itself a file; keys starting with
// "_" and the reserved "metadata" key are skipped. Paths escaping the code
// tree are rejected.
func FlattenStructure(structure map[string]any) ([]FileEntry, error) {
	seen := make(map[string]bool)
	var files []FileEntry
	if err := flattenInto(structure, "", seen, &files); err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func flattenInto(node map[string]any, prefix string, seen map[string]bool, files *[]FileEntry) error {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if strings.HasPrefix(key, "_") || key == "metadata" {
			continue
		}
		p := key
		if prefix != "" {
			p = prefix + "/" + key
		}
		switch v := node[key].(type) {
		case string:
			if err := addFile(p, v, seen, files); err != nil {
				return err
			}
		case map[string]any:
			if purpose, ok := filePurpose(v); ok {
				if err := addFile(p, purpose, seen, files); err != nil {
					return err
				}
				continue
			}
			if err := flattenInto(v, p, seen, files); err != nil {
				return err
			}
		}
	}
	return nil
}

func filePurpose(node map[string]any) (string, bool) {
	if s, ok := node["purpose"].(string); ok {
		return s, true
	}
	if s, ok := node["description"].(string); ok {
		return s, true
	}
	return "", false
}

func addFile(p, purpose string, seen map[string]bool, files *[]FileEntry) error {
	clean := gopath.Clean(strings.ReplaceAll(p, "\\", "/"))
	if strings.HasPrefix(p, "/") || clean == ".." || strings.HasPrefix(clean, "../") || clean != p {
		return fault.New(fault.KindInvalidRequest, "file path %q escapes the code tree", p)
	}
	if seen[clean] {
		return nil
	}
	seen[clean] = true
	*files = append(*files, FileEntry{Path: clean, Purpose: purpose})
	return nil
}

// EmptyFileCreation (stage 6) materialises the validated structure as typed
// placeholder files under code/ and verifies every expected file exists.
func (h *Handlers) EmptyFileCreation(_ context.Context, sc *StageContext) (*appforge.StageResult, error) {
	structure, ok := sc.Inputs["validated_structure.json"].(map[string]any)
	if !ok {
		return nil, fault.New(fault.KindInputMissing, "validated_structure.json is not a mapping")
	}
	files, err := FlattenStructure(structure)
	if err != nil {
		return nil, err
	}

	created := make([]string, 0, len(files))
	for _, f := range files {
		if err := h.Store.Write(sc.Build.ProjectDir, "code/"+f.Path, PlaceholderFor(f.Path, f.Purpose)); err != nil {
			return &appforge.StageResult{Artifacts: map[string]any{"empty_files_created": created}}, err
		}
		created = append(created, f.Path)
	}
	for _, f := range files {
		if !h.Store.Exists(sc.Build.ProjectDir, "code/"+f.Path) {
			return &appforge.StageResult{Artifacts: map[string]any{"empty_files_created": created}},
				fault.New(fault.KindArtifactIO, "expected file %s missing after creation", f.Path)
		}
	}
	return &appforge.StageResult{
		Success:   true,
		Artifacts: map[string]any{"empty_files_created": created},
	}, nil
}

// PlaceholderFor returns the typed empty-file content for a path.
func PlaceholderFor(p, purpose string) string {
	ext := strings.ToLower(gopath.Ext(p))
	switch ext {
	case ".js", ".ts", ".jsx", ".tsx":
		return fmt.Sprintf("/**\n * %s\n * %s\n */\n", p, purpose)
	case ".svelte":
		return fmt.Sprintf("<!-- %s: %s -->\n<script>\n</script>\n\n<style>\n</style>\n", p, purpose)
	case ".vue":
		return fmt.Sprintf("<!-- %s: %s -->\n<template>\n</template>\n\n<script>\n</script>\n\n<style>\n</style>\n", p, purpose)
	case ".css", ".scss":
		return fmt.Sprintf("/*\n * %s\n * %s\n */\n", p, purpose)
	case ".html":
		return fmt.Sprintf("<!-- %s: %s -->\n", p, purpose)
	case ".md":
		return fmt.Sprintf("<!-- %s -->\n# %s\n", purpose, gopath.Base(p))
	case ".json":
		return "{}\n"
	default:
		return fmt.Sprintf("// %s\n// %s\n", p, purpose)
	}
}
