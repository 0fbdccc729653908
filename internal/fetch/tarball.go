package fetch

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"git.home.luguber.info/inful/sitefarm/internal/errors"
	"git.home.luguber.info/inful/sitefarm/internal/recipe"
)

// fetchTarball downloads (or resolves locally) an archive and extracts it
// into staging. When every entry lives under one top-level directory, the
// way release tarballs are conventionally packed, that directory is
// stripped; archives packed flat extract as-is.
func (f *Fetcher) fetchTarball(ctx context.Context, src recipe.SourceSpec, staging string) error {
	archive, err := f.resolveFile(ctx, src.Location, "")
	if err != nil {
		return err
	}
	if err := extractArchive(archive, staging); err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "extract archive").WithContext("archive", archive)
	}
	return nil
}

// extractArchive dispatches on the archive's extension.
func extractArchive(path, dest string) error {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(path, dest)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractCompressedTar(path, dest, func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		})
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"):
		return extractCompressedTar(path, dest, func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r), nil
		})
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return extractCompressedTar(path, dest, func(r io.Reader) (io.Reader, error) {
			return xz.NewReader(r)
		})
	case strings.HasSuffix(lower, ".tar"):
		return extractCompressedTar(path, dest, func(r io.Reader) (io.Reader, error) {
			return r, nil
		})
	default:
		return fmt.Errorf("unsupported archive format: %s", filepath.Base(path))
	}
}

func extractCompressedTar(path, dest string, wrap func(io.Reader) (io.Reader, error)) error {
	// First pass over the entry names decides what to strip; the second
	// pass extracts. Compressed tar streams cannot seek, so reopen.
	names, err := tarNames(path, wrap)
	if err != nil {
		return err
	}
	top := commonTopDir(names)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r, err := wrap(f)
	if err != nil {
		return err
	}
	return extractTar(r, dest, top)
}

// tarNames lists the entry names of a (possibly compressed) tar archive.
func tarNames(path string, wrap func(io.Reader) (io.Reader, error)) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := wrap(f)
	if err != nil {
		return nil, err
	}
	tr := tar.NewReader(r)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, hdr.Name)
	}
}

// extractTar unpacks a tar stream, stripping top (when non-empty) off every
// entry. Anything trying to escape dest is rejected.
func extractTar(r io.Reader, dest, top string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		rel, ok := stripEntry(hdr.Name, top)
		if !ok {
			continue
		}
		target, err := securePath(dest, rel)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
		default:
			// Hard links, devices etc. have no place in a code tree.
			continue
		}
	}
}

func extractZip(path, dest string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()
	names := make([]string, 0, len(zr.File))
	for _, file := range zr.File {
		names = append(names, file.Name)
	}
	top := commonTopDir(names)
	for _, file := range zr.File {
		rel, ok := stripEntry(file.Name, top)
		if !ok {
			continue
		}
		target, err := securePath(dest, rel)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		rc, err := file.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, file.Mode()&0o777)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// commonTopDir returns the single directory every archive entry lives
// under, or "" when entries sit at more than one root or directly at the
// root. A lone root-level file is content, not a wrapper directory.
func commonTopDir(names []string) string {
	top := ""
	nested := false
	for _, raw := range names {
		name := strings.TrimSuffix(strings.TrimPrefix(raw, "./"), "/")
		if name == "" {
			continue
		}
		first, rest, cut := strings.Cut(name, "/")
		if top == "" {
			top = first
		} else if first != top {
			return ""
		}
		if cut && rest != "" {
			nested = true
		}
	}
	if !nested {
		return ""
	}
	return top
}

// stripEntry normalizes an archive entry name and strips the shared top
// directory. The entry for the top directory itself is skipped.
func stripEntry(name, top string) (string, bool) {
	name = strings.TrimSuffix(strings.TrimPrefix(name, "./"), "/")
	if name == "" {
		return "", false
	}
	if top != "" {
		if name == top {
			return "", false
		}
		name = strings.TrimPrefix(name, top+"/")
	}
	return name, true
}

// securePath joins rel onto dest and rejects traversal outside dest.
func securePath(dest, rel string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes destination: %s", rel)
	}
	return target, nil
}
