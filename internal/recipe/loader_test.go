package recipe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.home.luguber.info/inful/sitefarm/internal/errors"
	"git.home.luguber.info/inful/sitefarm/internal/retry"
	"git.home.luguber.info/inful/sitefarm/internal/util/sets"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func testLoader() *Loader {
	return NewLoader(nil, retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 1))
}

func TestResolveSingleDocument(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "recipe.json"), `{
		"projects": {
			"foo": {"version": "v1", "source": {"kind": "git", "location": "https://example.org/foo.git", "ref": "abc123"}}
		},
		"sites": {
			"site1": {"slots": {"modules/contrib/foo": "foo@v1"}}
		}
	}`)

	rec, err := testLoader().Resolve(context.Background(), filepath.Join(dir, "recipe.json"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	foo, ok := rec.Projects["foo@v1"]
	if !ok {
		t.Fatal("expected project foo@v1")
	}
	if foo.Name != "foo" || foo.Version != "v1" {
		t.Errorf("unexpected project identity: %s", foo.Identity())
	}
	site := rec.Sites["site1"]
	id := site.Slots["modules/contrib/foo"]
	if id.String() != "foo@v1" {
		t.Errorf("expected slot identity foo@v1, got %s", id)
	}
}

func TestResolveIncludesBeforeSelf(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.json"), `{
		"pool": "from-include",
		"projects": {
			"foo": {"version": "v1", "source": {"kind": "local", "location": "src/foo"}, "hash": "H1"},
			"bar": {"version": "v1", "source": {"kind": "local", "location": "src/bar"}}
		}
	}`)
	writeFile(t, filepath.Join(dir, "recipe.json"), `{
		"include": ["base.json"],
		"projects": {
			"foo": {"version": "v2"}
		}
	}`)

	rec, err := testLoader().Resolve(context.Background(), filepath.Join(dir, "recipe.json"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	// Parent document overrides the include, per entry.
	if _, ok := rec.Projects["foo@v1"]; ok {
		t.Error("overridden version must not survive the merge")
	}
	if rec.Projects["foo@v2"].Version != "v2" {
		t.Errorf("expected parent override v2, got %s", rec.Projects["foo@v2"].Version)
	}
	if rec.Projects["foo@v2"].Hash != "H1" {
		t.Errorf("expected untouched nested key from include, got %q", rec.Projects["foo@v2"].Hash)
	}
	if rec.Projects["bar@v1"].Version != "v1" {
		t.Error("include-only entries must survive the merge")
	}
}

func TestResolveNestedIncludeOrder(t *testing.T) {
	dir := t.TempDir()
	// recipe -> a -> deep, recipe -> b; later include (b) wins over earlier (a).
	writeFile(t, filepath.Join(dir, "deep.json"), `{"value": "deep"}`)
	writeFile(t, filepath.Join(dir, "a.json"), `{"include": ["deep.json"], "value": "a"}`)
	writeFile(t, filepath.Join(dir, "b.json"), `{"value": "b"}`)
	writeFile(t, filepath.Join(dir, "recipe.json"), `{"include": ["a.json", "b.json"]}`)

	loader := testLoader()
	merged, err := loader.resolveDocument(context.Background(), docRef{path: filepath.Join(dir, "recipe.json")}, sets.New[string]())
	if err != nil {
		t.Fatalf("resolveDocument failed: %v", err)
	}
	if merged["value"] != "b" {
		t.Errorf("expected declaration-order depth-first merge (b last), got %v", merged["value"])
	}
}

func TestCircularIncludeFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.json"), `{"include": ["b.json"]}`)
	writeFile(t, filepath.Join(dir, "b.json"), `{"include": ["a.json"]}`)

	_, err := testLoader().Resolve(context.Background(), filepath.Join(dir, "a.json"))
	if err == nil {
		t.Fatal("expected circular include error")
	}
	if !errors.IsCategory(err, errors.CategoryRecipe) {
		t.Errorf("expected recipe category, got %v", err)
	}
}

func TestDiamondIncludeIsNotACycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "shared.json"), `{"projects": {"foo": {"version": "v1", "source": {"kind": "local", "location": "src/foo"}}}}`)
	writeFile(t, filepath.Join(dir, "a.json"), `{"include": ["shared.json"]}`)
	writeFile(t, filepath.Join(dir, "b.json"), `{"include": ["shared.json"]}`)
	writeFile(t, filepath.Join(dir, "recipe.json"), `{"include": ["a.json", "b.json"]}`)

	if _, err := testLoader().Resolve(context.Background(), filepath.Join(dir, "recipe.json")); err != nil {
		t.Fatalf("diamond include must resolve, got %v", err)
	}
}

func TestMalformedJSONNamesInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.json"), `{not json`)
	writeFile(t, filepath.Join(dir, "recipe.json"), `{"include": ["bad.json"]}`)

	_, err := testLoader().Resolve(context.Background(), filepath.Join(dir, "recipe.json"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !errors.IsCategory(err, errors.CategoryRecipe) {
		t.Errorf("expected recipe category, got %v", err)
	}
}

func TestMissingIncludeFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "recipe.json"), `{"include": ["nope.json"]}`)

	_, err := testLoader().Resolve(context.Background(), filepath.Join(dir, "recipe.json"))
	if err == nil {
		t.Fatal("expected unreachable include error")
	}
}

func TestRemoteInclude(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/base.json":
			_, _ = w.Write([]byte(`{"projects": {"foo": {"version": "v1", "source": {"kind": "local", "location": "src/foo"}}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "recipe.json"), `{"include": ["`+srv.URL+`/base.json"]}`)

	rec, err := testLoader().Resolve(context.Background(), filepath.Join(dir, "recipe.json"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, ok := rec.Projects["foo@v1"]; !ok {
		t.Error("expected project from remote include")
	}
}

func TestRemoteIncludeNon200Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "recipe.json"), `{"include": ["`+srv.URL+`/gone.json"]}`)

	_, err := testLoader().Resolve(context.Background(), filepath.Join(dir, "recipe.json"))
	if err == nil {
		t.Fatal("expected error for non-200 include")
	}
	if !errors.IsCategory(err, errors.CategoryRecipe) {
		t.Errorf("expected recipe category, got %v", err)
	}
}

func TestSiteManifestDiscovery(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "recipe.json"), `{
		"projects": {"foo": {"version": "v1", "source": {"kind": "local", "location": "src/foo"}}}
	}`)
	writeFile(t, filepath.Join(dir, "intranet.site.json"), `{
		"profile": "standard",
		"slots": {"modules/contrib/foo": "foo@v1"}
	}`)

	rec, err := testLoader().Resolve(context.Background(), filepath.Join(dir, "recipe.json"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	site, ok := rec.Sites["intranet"]
	if !ok {
		t.Fatal("expected discovered site intranet")
	}
	if site.Profile != "standard" {
		t.Errorf("expected profile standard, got %q", site.Profile)
	}
	if site.Slots["modules/contrib/foo"].String() != "foo@v1" {
		t.Error("expected slot mapping from site manifest")
	}
}

func TestUndeclaredSlotReferenceIsPerSite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "recipe.json"), `{
		"projects": {"foo": {"version": "v1", "source": {"kind": "local", "location": "src/foo"}}},
		"sites": {
			"good": {"slots": {"modules/foo": "foo@v1"}},
			"stale": {"slots": {"modules/foo": "foo@v9"}}
		}
	}`)

	// One site pointing at an undeclared version must not sink the whole
	// recipe; it shows up as that site's unsatisfied slot.
	rec, err := testLoader().Resolve(context.Background(), filepath.Join(dir, "recipe.json"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if missing := rec.UnsatisfiedSlots(rec.Sites["good"]); len(missing) != 0 {
		t.Errorf("good site must be satisfiable, got %v", missing)
	}
	missing := rec.UnsatisfiedSlots(rec.Sites["stale"])
	if len(missing) != 1 || missing[0] != "modules/foo -> foo@v9" {
		t.Errorf("expected one unsatisfied slot, got %v", missing)
	}
}

func TestCoexistingVersionsPerSitePin(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "recipe.json"), `{
		"projects": {
			"foo@v1": {"source": {"kind": "local", "location": "src/foo-v1"}},
			"foo@v2": {"source": {"kind": "local", "location": "src/foo-v2"}}
		},
		"sites": {
			"pinned": {"slots": {"modules/foo": "foo@v1"}},
			"current": {"slots": {"modules/foo": "foo@v2"}}
		}
	}`)

	rec, err := testLoader().Resolve(context.Background(), filepath.Join(dir, "recipe.json"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	v1, ok1 := rec.Project(Identity{Name: "foo", Version: "v1"})
	v2, ok2 := rec.Project(Identity{Name: "foo", Version: "v2"})
	if !ok1 || !ok2 {
		t.Fatalf("expected both versions declared, got %v %v", ok1, ok2)
	}
	if v1.Source.Location == v2.Source.Location {
		t.Error("versions must keep their own sources")
	}
	for _, site := range rec.Sites {
		if missing := rec.UnsatisfiedSlots(site); len(missing) != 0 {
			t.Errorf("site %s must be satisfiable, got %v", site.Name, missing)
		}
	}
}

func TestDuplicateProjectDeclarationFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "recipe.json"), `{
		"projects": {
			"foo": {"version": "v1", "source": {"kind": "local", "location": "a"}},
			"foo@v1": {"source": {"kind": "local", "location": "b"}}
		}
	}`)

	_, err := testLoader().Resolve(context.Background(), filepath.Join(dir, "recipe.json"))
	if err == nil {
		t.Fatal("expected error for duplicate identity declaration")
	}
}

func TestProjectKeyVersionMismatchFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "recipe.json"), `{
		"projects": {"foo@v1": {"version": "v2", "source": {"kind": "local", "location": "a"}}}
	}`)

	_, err := testLoader().Resolve(context.Background(), filepath.Join(dir, "recipe.json"))
	if err == nil {
		t.Fatal("expected error for contradicting version")
	}
}

func TestDescriptorHashChangesWithPatches(t *testing.T) {
	spec := ProjectSpec{
		Name:    "foo",
		Version: "v1",
		Source:  SourceSpec{Kind: SourceGit, Location: "https://example.org/foo.git", Ref: "abc123"},
	}
	h1, err := spec.DescriptorHash()
	if err != nil {
		t.Fatalf("DescriptorHash: %v", err)
	}
	h1again, _ := spec.DescriptorHash()
	if h1 != h1again {
		t.Error("descriptor hash must be deterministic")
	}

	spec.Patches = append(spec.Patches, PatchSpec{Location: "fix.patch", Hash: "abc"})
	h2, _ := spec.DescriptorHash()
	if h1 == h2 {
		t.Error("descriptor hash must change when the patch list changes")
	}
}

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity("views@7.x-3.25")
	if err != nil {
		t.Fatalf("ParseIdentity: %v", err)
	}
	if id.Name != "views" || id.Version != "7.x-3.25" {
		t.Errorf("unexpected identity %+v", id)
	}
	if id.PoolDir() != "views-7.x-3.25" {
		t.Errorf("unexpected pool dir %s", id.PoolDir())
	}
	if _, err := ParseIdentity("noversion"); err == nil {
		t.Error("expected error for missing version")
	}
}
