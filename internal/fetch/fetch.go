// Package fetch materializes project sources into the shared pool. Every
// source kind stages into a private temporary directory, applies the
// project's patch list, verifies integrity, and only then commits the tree
// atomically under its identity. The pool is never updated with unverified
// content.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.home.luguber.info/inful/sitefarm/internal/errors"
	"git.home.luguber.info/inful/sitefarm/internal/logfields"
	"git.home.luguber.info/inful/sitefarm/internal/pool"
	"git.home.luguber.info/inful/sitefarm/internal/recipe"
	"git.home.luguber.info/inful/sitefarm/internal/retry"
)

// Options configure a Fetcher.
type Options struct {
	// BaseDir anchors relative local source and patch locations,
	// typically the directory of the root recipe.
	BaseDir string
	// DownloadDir caches downloaded archives and patches between builds.
	DownloadDir string
	// KeepGit preserves .git directories in pool entries (devel mode).
	KeepGit bool
	// Client is used for all HTTP downloads; nil gets a default.
	Client *http.Client
	// Policy governs retries of transient download failures.
	Policy retry.Policy
	// ProfileLinks, keyed by profile name, are symlinked into a core
	// project's profiles/ directory before commit.
	ProfileLinks map[recipe.Identity]map[string]recipe.Identity
}

// Fetcher materializes projects into a shared pool.
type Fetcher struct {
	pool pool.Pool
	opts Options
}

// New creates a Fetcher writing into p.
func New(p pool.Pool, opts Options) *Fetcher {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Fetcher{pool: p, opts: opts}
}

// Materialize fetches, patches, verifies, and commits one project, returning
// the final pool path. Failures never leave partial state in the pool: the
// staging directory is discarded and the existing pool (if any) untouched.
func (f *Fetcher) Materialize(ctx context.Context, spec recipe.ProjectSpec, descriptorHash string) (string, error) {
	id := spec.Identity()
	final := f.pool.Dir(id)
	slog.Debug("Materializing project",
		logfields.Project(id.Name),
		logfields.Version(id.Version),
		slog.String("kind", string(spec.Source.Kind)))

	staging, err := f.pool.StagingDir(id)
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging) // no-op after a successful commit

	start := time.Now()
	switch spec.Source.Kind {
	case recipe.SourceGit:
		err = f.fetchGit(ctx, spec.Source, staging)
	case recipe.SourceTarball:
		err = f.fetchTarball(ctx, spec.Source, staging)
	case recipe.SourceLocal:
		err = f.fetchLocal(spec.Source, staging)
	case recipe.SourceCopy:
		err = f.fetchCopy(ctx, spec.Source, staging)
	default:
		err = errors.FetchError(fmt.Sprintf("unknown source kind %q", spec.Source.Kind))
	}
	if err != nil {
		return "", err
	}

	for i, patch := range spec.Patches {
		local, err := f.resolveFile(ctx, patch.Location, patch.Hash)
		if err != nil {
			return "", err
		}
		if err := applyPatch(staging, local); err != nil {
			return "", errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "patch conflict").
				WithContext("project", id.String()).
				WithContext("patch", patch.Location).
				WithContext("index", i)
		}
	}

	if links := f.opts.ProfileLinks[id]; len(links) > 0 {
		if err := linkProfiles(staging, links); err != nil {
			return "", err
		}
	}

	if spec.Hash != "" {
		actual, err := pool.HashTree(staging)
		if err != nil {
			return "", errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "hash staged tree")
		}
		if actual != spec.Hash {
			return "", errors.FetchError("integrity mismatch").
				WithContext("project", id.String()).
				WithContext("expected", spec.Hash).
				WithContext("actual", actual)
		}
	}

	if err := f.pool.Commit(staging, id, descriptorHash); err != nil {
		return "", err
	}
	slog.Debug("Project materialized",
		logfields.Identity(id.String()),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	return final, nil
}

// linkProfiles creates relative symlinks profiles/<name> -> ../../<entry>
// inside a staged core project, so installed profiles resolve inside the
// shared pool once the entry is committed next to its siblings.
func linkProfiles(staging string, profiles map[string]recipe.Identity) error {
	dir := filepath.Join(staging, "profiles")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "create profiles directory")
	}
	for name, target := range profiles {
		link := filepath.Join(dir, name)
		if err := os.RemoveAll(link); err != nil {
			return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "clear profile slot")
		}
		if err := os.Symlink(filepath.Join("..", "..", target.PoolDir()), link); err != nil {
			return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "link profile").WithContext("profile", name)
		}
	}
	return nil
}

// resolveFile turns a patch or copy location into a verified local path.
// Remote locations are downloaded into the cache; local ones resolve against
// BaseDir. An expected hash (explicit or via #fragment) is always enforced.
func (f *Fetcher) resolveFile(ctx context.Context, location, expectedHash string) (string, error) {
	location, fragment := pool.SplitHashFragment(location)
	if expectedHash == "" {
		expectedHash = fragment
	}

	if isRemote(location) {
		return f.download(ctx, location, expectedHash)
	}

	path := location
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.opts.BaseDir, path)
	}
	if expectedHash != "" {
		actual, err := pool.HashFile(path)
		if err != nil {
			return "", errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "hash local file").WithContext("location", location)
		}
		if actual != expectedHash {
			return "", errors.FetchError("integrity mismatch").
				WithContext("location", location).
				WithContext("expected", expectedHash).
				WithContext("actual", actual)
		}
	}
	return path, nil
}

// download fetches a URL into the download cache, verifying the expected
// hash when given. A cached file with a matching hash short-circuits the
// network entirely.
func (f *Fetcher) download(ctx context.Context, rawurl, expectedHash string) (string, error) {
	if err := os.MkdirAll(f.opts.DownloadDir, 0o750); err != nil {
		return "", errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "create download directory")
	}
	cached := filepath.Join(f.opts.DownloadDir, cacheName(rawurl))

	if _, err := os.Stat(cached); err == nil {
		if expectedHash == "" {
			return cached, nil
		}
		if actual, err := pool.HashFile(cached); err == nil && actual == expectedHash {
			return cached, nil
		}
		// Stale or corrupt cache entry: refetch.
		if err := os.Remove(cached); err != nil {
			return "", errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "drop stale cache entry")
		}
	}

	slog.Info("Downloading", logfields.URL(rawurl))
	err := f.opts.Policy.Do(ctx, func() error {
		return f.downloadOnce(ctx, rawurl, cached)
	}, errors.IsRetryable)
	if err != nil {
		return "", err
	}

	if expectedHash != "" {
		actual, err := pool.HashFile(cached)
		if err != nil {
			return "", errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "hash download")
		}
		if actual != expectedHash {
			os.Remove(cached)
			return "", errors.FetchError("integrity mismatch").
				WithContext("url", rawurl).
				WithContext("expected", expectedHash).
				WithContext("actual", actual)
		}
	}
	return cached, nil
}

// downloadOnce streams one GET into a temp file and renames it into the
// cache slot, so a torn download never poisons the cache.
func (f *Fetcher) downloadOnce(ctx context.Context, rawurl, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "build download request")
	}
	resp, err := f.opts.Client.Do(req)
	if err != nil {
		return errors.WrapRetryable(err, errors.CategoryFetch, errors.SeverityError, "download failed").WithContext("url", rawurl)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e := errors.FetchError(fmt.Sprintf("download failed: %s", resp.Status)).WithContext("url", rawurl)
		if resp.StatusCode >= 500 {
			e.Retryable = true
		}
		return e
	}

	tmp, err := os.CreateTemp(f.opts.DownloadDir, ".download-*")
	if err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "create download temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.ReadFrom(resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WrapRetryable(err, errors.CategoryFetch, errors.SeverityError, "download interrupted").WithContext("url", rawurl)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "close download temp file")
	}
	return os.Rename(tmpName, dest)
}

// cacheName mangles a URL into a flat cache file name.
func cacheName(rawurl string) string {
	s := strings.ReplaceAll(rawurl, "/", "-")
	return strings.ReplaceAll(s, ":", "-")
}

func isRemote(location string) bool {
	u, err := url.Parse(location)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}
