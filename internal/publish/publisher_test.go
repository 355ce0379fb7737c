package publish

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeRepoName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello World! v2", "hello-world-v2"},
		{"my--app", "my-app"},
		{"--leading-and-trailing--", "leading-and-trailing"},
		{"already-clean", "already-clean"},
		{"CamelCase App", "camelcase-app"},
		{"", ""},
		{"!!!", ""},
	}
	for _, tt := range tests {
		if got := SanitizeRepoName(tt.in); got != tt.want {
			t.Errorf("SanitizeRepoName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeRepoName_CapsLength(t *testing.T) {
	long := strings.Repeat("a", 99) + "-b" // 101 chars
	got := SanitizeRepoName(long)
	if len(got) > 100 {
		t.Errorf("len = %d, want <= 100", len(got))
	}
	if strings.HasSuffix(got, "-") {
		t.Errorf("truncation left a trailing hyphen: %q", got)
	}
}

func TestGitPublisher_CreateAndPush(t *testing.T) {
	dir := t.TempDir()
	pub := NewGitPublisher(dir, "codegrove")

	repo, err := pub.CreateRepo(context.Background(), "demo-app", "generated app", false)
	if err != nil {
		t.Fatalf("CreateRepo() returned error: %v", err)
	}
	if repo.Owner != "codegrove" || repo.Name != "demo-app" {
		t.Errorf("repo = %+v", repo)
	}

	files := map[string]string{
		"src/app.js": "const app = 1;\n",
		"README.md":  "# demo\n",
	}
	sha, err := pub.PushFiles(context.Background(), repo.Owner, repo.Name, files, "Initial commit", "main")
	if err != nil {
		t.Fatalf("PushFiles() returned error: %v", err)
	}
	if len(sha) != 40 {
		t.Errorf("commit sha = %q, want 40 hex chars", sha)
	}

	// Files land in the working tree.
	for path := range files {
		if _, err := os.Stat(filepath.Join(dir, "codegrove", "demo-app", filepath.FromSlash(path))); err != nil {
			t.Errorf("file %s missing from repo: %v", path, err)
		}
	}
}

func TestGitPublisher_CreateRepoIdempotent(t *testing.T) {
	dir := t.TempDir()
	pub := NewGitPublisher(dir, "codegrove")

	if _, err := pub.CreateRepo(context.Background(), "demo-app", "", false); err != nil {
		t.Fatal(err)
	}
	if _, err := pub.CreateRepo(context.Background(), "demo-app", "", false); err != nil {
		t.Errorf("second CreateRepo() returned error: %v", err)
	}
}
