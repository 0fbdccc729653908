package manifest

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"git.home.luguber.info/inful/sitefarm/internal/errors"
	"git.home.luguber.info/inful/sitefarm/internal/recipe"
)

func TestLoadMissingFileYieldsEmpty(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "manifest.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("expected empty manifest, got %d entries", m.Len())
	}
}

func TestRecordAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	id := recipe.Identity{Name: "foo", Version: "v1"}
	if err := m.Record(id, "H1"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	hash, ok := reloaded.Hash(id)
	if !ok || hash != "H1" {
		t.Errorf("expected persisted hash H1, got %q (ok=%v)", hash, ok)
	}
}

func TestCorruptManifestFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for corrupt manifest")
	}
	if !errors.IsCategory(err, errors.CategoryManifest) {
		t.Errorf("expected manifest category, got %v", err)
	}
}

func TestForget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	m, _ := Load(path)
	id := recipe.Identity{Name: "foo", Version: "v1"}
	if err := m.Record(id, "H1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Forget(id); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Hash(id); ok {
		t.Error("expected entry to be gone")
	}
}

func TestConcurrentRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	m, _ := Load(path)

	var wg sync.WaitGroup
	ids := []recipe.Identity{
		{Name: "a", Version: "1"},
		{Name: "b", Version: "1"},
		{Name: "c", Version: "1"},
		{Name: "d", Version: "1"},
	}
	for _, id := range ids {
		wg.Add(1)
		go func(id recipe.Identity) {
			defer wg.Done()
			if err := m.Record(id, "H-"+id.Name); err != nil {
				t.Errorf("Record %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Len() != len(ids) {
		t.Errorf("expected %d entries after concurrent records, got %d", len(ids), reloaded.Len())
	}
}
