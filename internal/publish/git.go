package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// GitPublisher implements RepoPublisher on go-git. Repositories live under
// workspaceDir; when RemoteBase and Token are set the commit is also pushed
// to <RemoteBase>/<owner>/<name>.git.
type GitPublisher struct {
	workspaceDir string
	owner        string

	// RemoteBase is e.g. "https://github.com". Empty means local-only.
	RemoteBase string
	Token      string

	AuthorName  string
	AuthorEmail string
}

func NewGitPublisher(workspaceDir, owner string) *GitPublisher {
	return &GitPublisher{
		workspaceDir: workspaceDir,
		owner:        owner,
		AuthorName:   "appforge",
		AuthorEmail:  "builds@appforge.dev",
	}
}

func (g *GitPublisher) CreateRepo(ctx context.Context, name, description string, private bool) (*Repo, error) {
	path := filepath.Join(g.workspaceDir, g.owner, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}

	_, err := git.PlainInit(path, false)
	switch {
	case err == nil:
		slog.Info("repository initialised", "name", name, "path", path)
	case errors.Is(err, git.ErrRepositoryAlreadyExists):
		slog.Debug("repository already exists, reusing", "name", name, "path", path)
	default:
		return nil, fmt.Errorf("init repository %s: %w", name, err)
	}

	url := path
	if g.RemoteBase != "" {
		url = fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(g.RemoteBase, "/"), g.owner, name)
	}
	return &Repo{Owner: g.owner, Name: name, URL: url}, nil
}

func (g *GitPublisher) PushFiles(ctx context.Context, owner, name string, files map[string]string, message, branch string) (string, error) {
	path := filepath.Join(g.workspaceDir, owner, name)
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("open repository %s: %w", name, err)
	}

	// Point HEAD at the requested branch before the first commit so the
	// initial commit lands there.
	if branch != "" {
		ref := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))
		if err := repo.Storer.SetReference(ref); err != nil {
			return "", fmt.Errorf("set HEAD to %s: %w", branch, err)
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	for rel, content := range files {
		full := filepath.Join(path, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", rel, err)
		}
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage files: %w", err)
	}

	commit, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: g.AuthorName, Email: g.AuthorEmail, When: time.Now()},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	if g.RemoteBase != "" {
		if err := g.pushRemote(ctx, repo, owner, name, branch); err != nil {
			return "", err
		}
	}

	slog.Info("files pushed", "repo", name, "files", len(files), "commit", commit.String()[:8])
	return commit.String(), nil
}

func (g *GitPublisher) pushRemote(ctx context.Context, repo *git.Repository, owner, name, branch string) error {
	url := fmt.Sprintf("%s/%s/%s.git", strings.TrimSuffix(g.RemoteBase, "/"), owner, name)
	_, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{url}})
	if err != nil && !errors.Is(err, git.ErrRemoteExists) {
		return fmt.Errorf("create remote: %w", err)
	}

	var auth *githttp.BasicAuth
	if g.Token != "" {
		auth = &githttp.BasicAuth{Username: "x-access-token", Password: g.Token}
	}
	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = repo.PushContext(ctx, &git.PushOptions{RemoteName: "origin", RefSpecs: []config.RefSpec{refSpec}, Auth: auth})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push to %s: %w", url, err)
	}
	return nil
}
