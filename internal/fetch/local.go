package fetch

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"git.home.luguber.info/inful/sitefarm/internal/errors"
	"git.home.luguber.info/inful/sitefarm/internal/pool"
	"git.home.luguber.info/inful/sitefarm/internal/recipe"
)

// fetchLocal copies a local directory tree into staging. A copy, never a
// symlink: the pool entry must stay intact when the source mutates later.
func (f *Fetcher) fetchLocal(src recipe.SourceSpec, staging string) error {
	location, _ := pool.SplitHashFragment(src.Location)
	path := location
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.opts.BaseDir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "local source unavailable").WithContext("location", src.Location)
	}
	if !info.IsDir() {
		return errors.FetchError("local source is not a directory").WithContext("location", src.Location)
	}
	if err := copyTree(path, staging); err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "copy local source").WithContext("location", src.Location)
	}
	return nil
}

// fetchCopy materializes explicitly listed files at explicit paths.
func (f *Fetcher) fetchCopy(ctx context.Context, src recipe.SourceSpec, staging string) error {
	dests := make([]string, 0, len(src.Files))
	for dest := range src.Files {
		dests = append(dests, dest)
	}
	sort.Strings(dests)

	for _, dest := range dests {
		target, err := securePath(staging, filepath.ToSlash(dest))
		if err != nil {
			return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "invalid copy destination")
		}
		local, err := f.resolveFile(ctx, src.Files[dest], "")
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "create copy destination")
		}
		if err := copyFile(local, target); err != nil {
			return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "copy file").WithContext("destination", dest)
		}
	}
	return nil
}

// copyTree replicates src under dst: directories, regular files with their
// modes, and symlinks by target.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode()&0o777)
		case d.Type()&fs.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return fmt.Errorf("unsupported file type at %s", path)
		}
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode()&0o777)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
