// Package source materializes repository content for pipeline runs.
package source

import (
	"context"
	"io"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/caravelhq/caravel/interfaces"
	"github.com/caravelhq/caravel/models"
)

// GitSource checks out a repository at an arbitrary trigger reference
// (commit hash, branch, or tag).
type GitSource struct {
	repoURL string
	token   string
}

func NewGitSource(repoURL, token string) *GitSource {
	return &GitSource{repoURL: repoURL, token: token}
}

func (s *GitSource) Checkout(ctx context.Context, ref, dir string, log interfaces.StageLogger) error {
	var auth *githttp.BasicAuth
	if s.token != "" {
		auth = &githttp.BasicAuth{Username: "x-access-token", Password: s.token}
	}

	log.Logf("cloning %s", s.repoURL)
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:      s.repoURL,
		Auth:     auth,
		Progress: io.Discard,
	})
	if err != nil {
		return &models.SourceUnavailableError{Ref: ref, Cause: err}
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return &models.SourceUnavailableError{Ref: ref, Cause: err}
	}

	w, err := repo.Worktree()
	if err != nil {
		return &models.SourceUnavailableError{Ref: ref, Cause: err}
	}
	if err := w.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return &models.SourceUnavailableError{Ref: ref, Cause: err}
	}

	log.Logf("checked out %s at %s", ref, hash.String())
	return nil
}
