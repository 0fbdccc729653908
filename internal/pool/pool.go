// Package pool manages the shared pool: a flat directory holding exactly one
// physical subtree per successfully built project identity. Pool entries are
// immutable once committed; a changed source or patch set must arrive under a
// new identity or descriptor hash, never mutate an entry in place.
package pool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/sitefarm/internal/errors"
	"git.home.luguber.info/inful/sitefarm/internal/logfields"
	"git.home.luguber.info/inful/sitefarm/internal/recipe"
)

// MarkerFile records the identity and descriptor hash a pool entry was built
// from. It lives inside the entry so the pool is self-describing and a lost
// manifest can be recovered by scanning entries.
const MarkerFile = ".sitefarm-entry"

// Marker is the persisted content of a pool entry's marker file.
type Marker struct {
	Identity       string `json:"identity"`
	DescriptorHash string `json:"descriptor_hash"`
}

// Pool is the shared pool rooted at a single directory.
type Pool struct {
	Root string
}

// New returns a pool rooted at dir, creating it if needed.
func New(dir string) (Pool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Pool{}, errors.Wrap(err, errors.CategoryInternal, errors.SeverityFatal, "create pool directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Pool{}, errors.Wrap(err, errors.CategoryInternal, errors.SeverityFatal, "resolve pool directory")
	}
	return Pool{Root: abs}, nil
}

// Dir returns the final pool slot for an identity.
func (p Pool) Dir(id recipe.Identity) string {
	return filepath.Join(p.Root, id.PoolDir())
}

// Exists reports whether an identity has a committed pool entry.
func (p Pool) Exists(id recipe.Identity) bool {
	info, err := os.Stat(p.Dir(id))
	return err == nil && info.IsDir()
}

// StagingDir creates a private staging directory on the same filesystem as
// the pool so the final commit is a plain atomic rename.
func (p Pool) StagingDir(id recipe.Identity) (string, error) {
	dir, err := os.MkdirTemp(p.Root, ".staging-"+id.PoolDir()+"-")
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "create staging directory")
	}
	return dir, nil
}

// Commit atomically moves a fully staged tree into the identity's final pool
// slot, writing the marker first. If the slot already exists the staged copy
// is discarded and the existing entry left untouched: an immutable identity
// makes the duplicate a benign race, not an error.
func (p Pool) Commit(staging string, id recipe.Identity, descriptorHash string) error {
	marker, err := json.Marshal(Marker{Identity: id.String(), DescriptorHash: descriptorHash})
	if err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "encode pool entry marker")
	}
	if err := os.WriteFile(filepath.Join(staging, MarkerFile), marker, 0o644); err != nil {
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "write pool entry marker")
	}
	final := p.Dir(id)
	if err := os.Rename(staging, final); err != nil {
		if p.Exists(id) {
			slog.Debug("Pool slot already committed, discarding staging", logfields.Identity(id.String()))
			return os.RemoveAll(staging)
		}
		return errors.Wrap(err, errors.CategoryFetch, errors.SeverityError, "commit pool entry")
	}
	slog.Info("Pool entry committed", logfields.Identity(id.String()), logfields.Path(final))
	return nil
}

// ReadMarker reads the marker of a committed entry.
func (p Pool) ReadMarker(id recipe.Identity) (Marker, error) {
	return readMarker(p.Dir(id))
}

func readMarker(entryDir string) (Marker, error) {
	data, err := os.ReadFile(filepath.Join(entryDir, MarkerFile))
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("parse marker in %s: %w", entryDir, err)
	}
	return m, nil
}

// Entries scans the pool for committed entries, returning their markers.
// Staging leftovers and directories without a readable marker are skipped.
func (p Pool) Entries() ([]Marker, error) {
	dirents, err := os.ReadDir(p.Root)
	if err != nil {
		return nil, fmt.Errorf("read pool root: %w", err)
	}
	var out []Marker
	for _, de := range dirents {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		m, err := readMarker(filepath.Join(p.Root, de.Name()))
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
