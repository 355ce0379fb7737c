// Package publish creates code repositories and pushes generated source
// trees into them.
package publish

import (
	"context"
	"strings"
)

// Repo describes a created (or reopened) repository.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
	URL   string `json:"url"`
}

// RepoPublisher is the stage 9 collaborator. CreateRepo opens the
// repository if it already exists.
type RepoPublisher interface {
	CreateRepo(ctx context.Context, name, description string, private bool) (*Repo, error)
	// PushFiles commits the files (relative path -> content) as a single
	// commit on the given branch and returns the commit identifier.
	PushFiles(ctx context.Context, owner, name string, files map[string]string, message, branch string) (string, error)
}

// SanitizeRepoName normalises a display name into a repository slug:
// lowercase, non-alphanumerics collapsed to single hyphens, trimmed, at
// most 100 characters.
func SanitizeRepoName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	s := b.String()
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = strings.Trim(s[:100], "-")
	}
	return s
}
