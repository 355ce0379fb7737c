package pipeline

import (
	"strings"
	"testing"

	"github.com/codegrove/appforge/internal/fault"
)

func TestFlattenStructure_NestedTree(t *testing.T) {
	structure := map[string]any{
		"src": map[string]any{
			"routes": map[string]any{
				"index.js": "entry route",
				"api": map[string]any{
					"auth.js": "authentication endpoints",
				},
			},
			"app.js": "application bootstrap",
		},
		"README.md": "project readme",
	}

	files, err := FlattenStructure(structure)
	if err != nil {
		t.Fatalf("FlattenStructure() returned error: %v", err)
	}

	want := []string{
		"README.md",
		"src/app.js",
		"src/routes/api/auth.js",
		"src/routes/index.js",
	}
	if len(files) != len(want) {
		t.Fatalf("len = %d, want %d: %v", len(files), len(want), files)
	}
	for i, p := range want {
		if files[i].Path != p {
			t.Errorf("files[%d].Path = %q, want %q", i, files[i].Path, p)
		}
	}
	if files[1].Purpose != "application bootstrap" {
		t.Errorf("Purpose = %q", files[1].Purpose)
	}
}

func TestFlattenStructure_FileNodeWithPurposeField(t *testing.T) {
	structure := map[string]any{
		"src": map[string]any{
			"store.js": map[string]any{
				"purpose": "state container",
				"exports": []any{"createStore"},
			},
			"api.js": map[string]any{
				"description": "http client",
			},
		},
	}
	files, err := FlattenStructure(structure)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("len = %d, want 2: %v", len(files), files)
	}
	if files[1].Path != "src/store.js" || files[1].Purpose != "state container" {
		t.Errorf("files[1] = %+v", files[1])
	}
	if files[0].Purpose != "http client" {
		t.Errorf("description field must serve as purpose, got %+v", files[0])
	}
}

func TestFlattenStructure_SkipsMetadataAndUnderscoreKeys(t *testing.T) {
	structure := map[string]any{
		"metadata":  map[string]any{"framework": "svelte"},
		"_comments": "ignore me",
		"app.js":    "entry",
	}
	files, err := FlattenStructure(structure)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Path != "app.js" {
		t.Errorf("files = %v, want only app.js", files)
	}
}

func TestFlattenStructure_RejectsEscapingPaths(t *testing.T) {
	structure := map[string]any{
		"..": map[string]any{
			"evil.js": "escape attempt",
		},
	}
	_, err := FlattenStructure(structure)
	if err == nil {
		t.Fatal("FlattenStructure() should reject paths escaping the tree")
	}
	if fault.KindOf(err) != fault.KindInvalidRequest {
		t.Errorf("kind = %v, want InvalidRequest", fault.KindOf(err))
	}
}

func TestFlattenStructure_Deduplicates(t *testing.T) {
	// The same path reachable twice keeps the first entry.
	structure := map[string]any{
		"a": map[string]any{"x.js": "first"},
	}
	files, err := FlattenStructure(structure)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Errorf("len = %d, want 1", len(files))
	}
}

func TestPlaceholderFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"src/app.js", "/**"},
		{"src/App.svelte", "<!--"},
		{"styles/main.css", "/*"},
		{"index.html", "<!--"},
		{"notes.md", "<!--"},
		{"config.json", "{}"},
		{"script.py", "//"},
	}
	for _, tt := range tests {
		got := PlaceholderFor(tt.path, "purpose")
		if !strings.HasPrefix(got, tt.want) {
			t.Errorf("PlaceholderFor(%q) starts %q, want prefix %q", tt.path, got[:min(len(got), 10)], tt.want)
		}
	}
}
