// Package manifest persists the build manifest: the mapping from project
// identity to the descriptor hash that was actually fetched and committed
// last time. The planner's staleness predicate compares against it, and the
// orchestrator records entries only after a verified pool commit, so the
// manifest never claims a project is current when its pool slot is absent.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"git.home.luguber.info/inful/sitefarm/internal/errors"
	"git.home.luguber.info/inful/sitefarm/internal/recipe"
)

// Entry is one recorded build result.
type Entry struct {
	Hash    string    `json:"hash"`
	BuiltAt time.Time `json:"built_at"`
}

// fileFormat is the persisted JSON shape.
type fileFormat struct {
	Entries map[string]Entry `json:"entries"`
}

// Manifest is the in-memory view of the persisted manifest file. Safe for
// concurrent use: fetch workers complete in parallel and each records its
// entry through a single writer lock.
type Manifest struct {
	path    string
	mu      sync.RWMutex
	entries map[string]Entry
}

// Load reads the manifest at path. A missing file yields an empty manifest;
// an unreadable or corrupt one is a ManifestError so stale state is never
// silently trusted.
func Load(path string) (*Manifest, error) {
	m := &Manifest{path: path, entries: map[string]Entry{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryManifest, errors.SeverityFatal, "read manifest")
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, errors.Wrap(err, errors.CategoryManifest, errors.SeverityFatal, "corrupt manifest").WithContext("path", path)
	}
	if ff.Entries != nil {
		m.entries = ff.Entries
	}
	return m, nil
}

// Hash returns the recorded descriptor hash for an identity.
func (m *Manifest) Hash(id recipe.Identity) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id.String()]
	return e.Hash, ok
}

// Len returns the number of recorded entries.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Record stores the freshly built hash for an identity and persists the
// manifest. Callers must invoke this only after the pool commit succeeded.
func (m *Manifest) Record(id recipe.Identity, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id.String()] = Entry{Hash: hash, BuiltAt: time.Now().UTC()}
	return m.saveLocked()
}

// Forget drops an identity's entry (used when an entry is known to be bad)
// and persists the manifest.
func (m *Manifest) Forget(id recipe.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id.String())
	return m.saveLocked()
}

// saveLocked writes the manifest atomically (temp file + rename).
// Callers hold m.mu.
func (m *Manifest) saveLocked() error {
	data, err := json.MarshalIndent(fileFormat{Entries: m.entries}, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CategoryManifest, errors.SeverityFatal, "encode manifest")
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.Wrap(err, errors.CategoryManifest, errors.SeverityFatal, "create manifest directory")
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return errors.Wrap(err, errors.CategoryManifest, errors.SeverityFatal, "create manifest temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, errors.CategoryManifest, errors.SeverityFatal, "write manifest")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, errors.CategoryManifest, errors.SeverityFatal, "close manifest temp file")
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, errors.CategoryManifest, errors.SeverityFatal, "replace manifest")
	}
	return nil
}
