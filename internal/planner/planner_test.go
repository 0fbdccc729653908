package planner

import (
	"os"
	"path/filepath"
	"testing"

	"git.home.luguber.info/inful/sitefarm/internal/manifest"
	"git.home.luguber.info/inful/sitefarm/internal/pool"
	"git.home.luguber.info/inful/sitefarm/internal/recipe"
)

func testRecipe() *recipe.Recipe {
	return &recipe.Recipe{
		Projects: map[string]recipe.ProjectSpec{
			"foo@v1": {
				Name:    "foo",
				Version: "v1",
				Source:  recipe.SourceSpec{Kind: recipe.SourceGit, Location: "https://example.org/foo.git", Ref: "abc123"},
			},
			"bar@v2": {
				Name:    "bar",
				Version: "v2",
				Source:  recipe.SourceSpec{Kind: recipe.SourceLocal, Location: "src/bar"},
			},
		},
		Sites: map[string]recipe.SiteSpec{},
	}
}

// commitAll fakes successful builds for all recipe projects.
func commitAll(t *testing.T, rec *recipe.Recipe, p pool.Pool, man *manifest.Manifest) {
	t.Helper()
	for _, spec := range rec.Projects {
		hash, err := spec.DescriptorHash()
		if err != nil {
			t.Fatal(err)
		}
		staging, err := p.StagingDir(spec.Identity())
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(staging, "code"), []byte(spec.Name), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := p.Commit(staging, spec.Identity(), hash); err != nil {
			t.Fatal(err)
		}
		if err := man.Record(spec.Identity(), hash); err != nil {
			t.Fatal(err)
		}
	}
}

func TestAllStaleOnEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	p, _ := pool.New(filepath.Join(dir, "pool"))
	man, _ := manifest.Load(filepath.Join(dir, "manifest.json"))

	plan, err := Compute(testRecipe(), man, p, Options{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(plan.Stale) != 2 {
		t.Errorf("expected 2 stale projects, got %d", len(plan.Stale))
	}
	if len(plan.Unchanged) != 0 {
		t.Errorf("expected no unchanged projects, got %v", plan.Unchanged)
	}
	// Deterministic order.
	if plan.Stale[0].Name != "bar" || plan.Stale[1].Name != "foo" {
		t.Errorf("expected sorted stale set, got %v %v", plan.Stale[0].Name, plan.Stale[1].Name)
	}
}

func TestEmptyStaleSetOnUnchangedRecipe(t *testing.T) {
	dir := t.TempDir()
	p, _ := pool.New(filepath.Join(dir, "pool"))
	man, _ := manifest.Load(filepath.Join(dir, "manifest.json"))
	rec := testRecipe()
	commitAll(t, rec, p, man)

	plan, err := Compute(rec, man, p, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Stale) != 0 {
		t.Errorf("expected empty stale set, got %v", plan.Stale)
	}
	if len(plan.Unchanged) != 2 {
		t.Errorf("expected 2 unchanged, got %d", len(plan.Unchanged))
	}
}

func TestPatchChangeMarksOnlyThatProjectStale(t *testing.T) {
	dir := t.TempDir()
	p, _ := pool.New(filepath.Join(dir, "pool"))
	man, _ := manifest.Load(filepath.Join(dir, "manifest.json"))
	rec := testRecipe()
	commitAll(t, rec, p, man)

	foo := rec.Projects["foo@v1"]
	foo.Patches = []recipe.PatchSpec{{Location: "fix.patch", Hash: "abc"}}
	rec.Projects["foo@v1"] = foo

	plan, err := Compute(rec, man, p, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Stale) != 1 || plan.Stale[0].Name != "foo" {
		t.Errorf("expected only foo stale, got %v", plan.Stale)
	}
	if len(plan.Unchanged) != 1 || plan.Unchanged[0].Name != "bar" {
		t.Errorf("expected bar unchanged, got %v", plan.Unchanged)
	}
}

func TestMissingPoolSlotMarksStale(t *testing.T) {
	dir := t.TempDir()
	p, _ := pool.New(filepath.Join(dir, "pool"))
	man, _ := manifest.Load(filepath.Join(dir, "manifest.json"))
	rec := testRecipe()
	commitAll(t, rec, p, man)

	if err := os.RemoveAll(p.Dir(rec.Projects["foo@v1"].Identity())); err != nil {
		t.Fatal(err)
	}

	plan, err := Compute(rec, man, p, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !plan.IsStale(rec.Projects["foo@v1"].Identity()) {
		t.Error("project with missing pool slot must be stale")
	}
}

func TestRebuildMarksEverythingStale(t *testing.T) {
	dir := t.TempDir()
	p, _ := pool.New(filepath.Join(dir, "pool"))
	man, _ := manifest.Load(filepath.Join(dir, "manifest.json"))
	rec := testRecipe()
	commitAll(t, rec, p, man)

	plan, err := Compute(rec, man, p, Options{Rebuild: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Stale) != 2 {
		t.Errorf("expected all projects stale on rebuild, got %d", len(plan.Stale))
	}
}

func TestRecoverManifest(t *testing.T) {
	dir := t.TempDir()
	p, _ := pool.New(filepath.Join(dir, "pool"))
	man, _ := manifest.Load(filepath.Join(dir, "manifest.json"))
	rec := testRecipe()
	commitAll(t, rec, p, man)

	// Lose the manifest, then recover from pool markers.
	fresh, err := manifest.Load(filepath.Join(dir, "manifest2.json"))
	if err != nil {
		t.Fatal(err)
	}
	n, err := RecoverManifest(p, fresh)
	if err != nil {
		t.Fatalf("RecoverManifest: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 recovered entries, got %d", n)
	}

	plan, err := Compute(rec, fresh, p, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Stale) != 0 {
		t.Errorf("expected empty stale set after recovery, got %v", plan.Stale)
	}
}
