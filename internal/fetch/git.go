package fetch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"git.home.luguber.info/inful/sitefarm/internal/errors"
	"git.home.luguber.info/inful/sitefarm/internal/logfields"
	"git.home.luguber.info/inful/sitefarm/internal/pool"
	"git.home.luguber.info/inful/sitefarm/internal/recipe"
)

// fetchGit clones the repository into the staging directory and checks out
// the declared reference (branch, tag, or commit). The .git directory is
// stripped afterwards unless devel mode keeps it, so the pool entry is a
// plain tree.
func (f *Fetcher) fetchGit(ctx context.Context, src recipe.SourceSpec, staging string) error {
	location, _ := pool.SplitHashFragment(src.Location)

	slog.Debug("Cloning repository", logfields.URL(location), slog.String("ref", src.Ref))
	repo, err := git.PlainCloneContext(ctx, staging, false, &git.CloneOptions{
		URL:  location,
		Tags: git.AllTags,
	})
	if err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "clone failed").WithContext("url", location)
	}

	if src.Ref != "" {
		hash, err := repo.ResolveRevision(plumbing.Revision(src.Ref))
		if err != nil {
			return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "resolve reference").
				WithContext("url", location).
				WithContext("ref", src.Ref)
		}
		wt, err := repo.Worktree()
		if err != nil {
			return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "open worktree")
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
			return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "checkout reference").
				WithContext("ref", src.Ref)
		}
	}

	if !f.opts.KeepGit {
		if err := os.RemoveAll(filepath.Join(staging, ".git")); err != nil {
			return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "strip .git directory")
		}
	}
	return nil
}
