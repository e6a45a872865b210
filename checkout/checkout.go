// Package checkout materializes the source working tree and resolves the
// revision that seeds the artifact tag.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/conveyor-ci/conveyor/vault"
)

// Options configure a checkout.
type Options struct {
	RepoURL       string
	Branch        string
	Dir           string
	CredentialRef string // optional, userpass credential for the remote
}

// Client clones or updates a working tree with go-git.
type Client struct {
	Creds vault.Resolver
}

// Sync ensures opts.Dir holds a checkout of opts.Branch and returns the
// resolved HEAD revision. An existing clone is fetched and fast-forwarded
// rather than re-cloned.
func (c *Client) Sync(ctx context.Context, opts Options) (string, error) {
	auth, scrub, err := c.auth(opts.CredentialRef)
	if err != nil {
		return "", err
	}
	defer scrub()

	branch := plumbing.NewBranchReferenceName(opts.Branch)

	repo, err := git.PlainOpen(opts.Dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainCloneContext(ctx, opts.Dir, false, &git.CloneOptions{
			URL:           opts.RepoURL,
			ReferenceName: branch,
			SingleBranch:  true,
			Auth:          auth,
		})
		if err != nil {
			return "", fmt.Errorf("cloning %s: %w", opts.RepoURL, err)
		}
		return headRevision(repo)
	}
	if err != nil {
		return "", fmt.Errorf("opening working tree %s: %w", opts.Dir, err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{Auth: auth})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("fetching %s: %w", opts.RepoURL, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: branch, Force: true}); err != nil {
		return "", fmt.Errorf("checking out %s: %w", opts.Branch, err)
	}
	if err := wt.PullContext(ctx, &git.PullOptions{ReferenceName: branch, Auth: auth}); err != nil &&
		!errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("pulling %s: %w", opts.Branch, err)
	}
	return headRevision(repo)
}

// Revision resolves HEAD of an existing working tree without touching the
// remote. Used when the checkout stage is skipped but the tagger still needs
// a revision.
func Revision(dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("opening working tree %s: %w", dir, err)
	}
	return headRevision(repo)
}

func headRevision(repo *git.Repository) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// auth resolves the optional remote credential. The returned scrub func is
// safe to call even when no credential was requested.
func (c *Client) auth(ref string) (*http.BasicAuth, func(), error) {
	if ref == "" {
		return nil, func() {}, nil
	}
	cred, err := c.Creds.Resolve(ref)
	if err != nil {
		return nil, func() {}, err
	}
	auth := &http.BasicAuth{
		Username: string(cred.Username),
		Password: string(cred.Secret),
	}
	if auth.Username == "" {
		// Token credentials authenticate as any non-empty user.
		auth.Username = "git"
		if _, ok := os.LookupEnv("CONVEYOR_GIT_USER"); ok {
			auth.Username = os.Getenv("CONVEYOR_GIT_USER")
		}
	}
	return auth, cred.Scrub, nil
}
