// Package recipe defines the declarative build recipe: named, versioned
// projects with their sources and patches, plus per-site manifests mapping
// slot paths to project identities. Recipes are JSON documents that may pull
// in further documents through an "include" list; the loader resolves
// includes into one merged tree.
package recipe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"git.home.luguber.info/inful/sitefarm/internal/errors"
)

// SourceKind enumerates the supported project source types.
type SourceKind string

const (
	SourceGit     SourceKind = "git"     // clone + checkout a reference
	SourceTarball SourceKind = "tarball" // download + extract an archive
	SourceLocal   SourceKind = "local"   // physical copy of a local directory
	SourceCopy    SourceKind = "copy"    // explicitly listed files
)

// SourceSpec describes where a project's code comes from.
type SourceSpec struct {
	Kind     SourceKind        `json:"kind"`
	Location string            `json:"location,omitempty"` // URL, path, or clone URL; may carry a #sha256 fragment
	Ref      string            `json:"ref,omitempty"`      // git: branch, tag, or commit
	Files    map[string]string `json:"files,omitempty"`    // copy: destination path -> source location
}

// PatchSpec is one patch in a project's ordered patch list.
type PatchSpec struct {
	Location string `json:"location"`
	Hash     string `json:"hash,omitempty"` // sha256 of the patch file
}

// ProjectSpec declares one buildable project version.
type ProjectSpec struct {
	Name    string      `json:"-"` // filled from the projects map key
	Version string      `json:"version"`
	Source  SourceSpec  `json:"source"`
	Hash    string      `json:"hash,omitempty"` // expected content hash of the staged, patched tree
	Patches []PatchSpec `json:"patches,omitempty"`
}

// Identity is the (name, version) key uniquely naming a project's pool entry.
type Identity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// String renders the canonical identity string used in manifests and reports.
func (id Identity) String() string {
	return id.Name + "@" + id.Version
}

// PoolDir is the directory name of the identity's pool entry.
func (id Identity) PoolDir() string {
	return id.Name + "-" + id.Version
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.Name == "" && id.Version == ""
}

// ParseIdentity parses the "name@version" shorthand.
func ParseIdentity(s string) (Identity, error) {
	name, version, ok := strings.Cut(s, "@")
	if !ok || name == "" || version == "" {
		return Identity{}, fmt.Errorf("invalid identity %q: want name@version", s)
	}
	return Identity{Name: name, Version: version}, nil
}

// UnmarshalJSON accepts both {"name":"foo","version":"v1"} and the "foo@v1"
// shorthand used throughout site manifests.
func (id *Identity) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseIdentity(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	type plain Identity
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*id = Identity(p)
	return nil
}

// Identity returns the project's pool identity.
func (p ProjectSpec) Identity() Identity {
	return Identity{Name: p.Name, Version: p.Version}
}

// DescriptorHash computes a deterministic hash over the project's source
// descriptor and ordered patch descriptors. It is cheap (no network, no
// content reads) and changes whenever the declared inputs change, which is
// exactly the staleness predicate the planner needs.
func (p ProjectSpec) DescriptorHash() (string, error) {
	normalized := struct {
		Name    string      `json:"name"`
		Version string      `json:"version"`
		Source  SourceSpec  `json:"source"`
		Hash    string      `json:"hash,omitempty"`
		Patches []PatchSpec `json:"patches,omitempty"`
	}{
		Name:    p.Name,
		Version: p.Version,
		Source:  p.Source,
		Hash:    p.Hash,
		Patches: p.Patches,
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("marshal descriptor: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// SiteSpec is one site's manifest: slot paths resolved to project identities.
type SiteSpec struct {
	Name    string              `json:"-"` // filled from the sites map key
	Profile string              `json:"profile,omitempty"`
	Slots   map[string]Identity `json:"slots"`
}

// CoreSpec attaches install profile links to the core project's pool entry.
type CoreSpec struct {
	Project  Identity            `json:"project"`
	Profiles map[string]Identity `json:"profiles,omitempty"`
}

// Recipe is the merged configuration tree for one build.
type Recipe struct {
	Core *CoreSpec
	// Projects is keyed by identity string ("name@version"), so several
	// versions of one project can coexist and sites can pin different
	// versions of the same project.
	Projects map[string]ProjectSpec
	Sites    map[string]SiteSpec // keyed by site name
}

// Project returns the declared spec for an identity, if any.
func (r *Recipe) Project(id Identity) (ProjectSpec, bool) {
	p, ok := r.Projects[id.String()]
	return p, ok
}

// Validate checks structural invariants after include resolution: every
// project needs a version and a usable source, and the core section may only
// reference declared project versions. Site slots referencing undeclared
// versions are not fatal here; they surface as per-site failures at link
// time (see UnsatisfiedSlots), so one mistyped site never blocks the rest of
// the farm.
func (r *Recipe) Validate() error {
	for name, p := range r.Projects {
		if p.Version == "" {
			return errors.RecipeError(fmt.Sprintf("project %q: missing version", name))
		}
		switch p.Source.Kind {
		case SourceGit, SourceTarball, SourceLocal:
			if p.Source.Location == "" {
				return errors.RecipeError(fmt.Sprintf("project %q: source kind %q requires a location", name, p.Source.Kind))
			}
		case SourceCopy:
			if len(p.Source.Files) == 0 {
				return errors.RecipeError(fmt.Sprintf("project %q: copy source requires files", name))
			}
		default:
			return errors.RecipeError(fmt.Sprintf("project %q: unknown source kind %q", name, p.Source.Kind))
		}
		for i, patch := range p.Patches {
			if patch.Location == "" {
				return errors.RecipeError(fmt.Sprintf("project %q: patch %d has no location", name, i))
			}
		}
	}
	if r.Core != nil && !r.Core.Project.IsZero() {
		if _, ok := r.Project(r.Core.Project); !ok {
			return errors.RecipeError(fmt.Sprintf("core references undeclared project %s", r.Core.Project))
		}
		for profile, id := range r.Core.Profiles {
			if _, ok := r.Project(id); !ok {
				return errors.RecipeError(fmt.Sprintf("core profile %q references undeclared project %s", profile, id))
			}
		}
	}
	return nil
}

// UnsatisfiedSlots lists the slots of a site whose identity names no
// declared project version, as "slot -> identity" strings sorted by slot
// path. An empty result means every slot can be linked.
func (r *Recipe) UnsatisfiedSlots(site SiteSpec) []string {
	var missing []string
	for slot, id := range site.Slots {
		if _, ok := r.Project(id); !ok {
			missing = append(missing, fmt.Sprintf("%s -> %s", slot, id))
		}
	}
	sort.Strings(missing)
	return missing
}

// decode converts a merged document tree into a typed Recipe.
func decode(doc map[string]any) (*Recipe, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryRecipe, errors.SeverityFatal, "re-encode merged recipe")
	}
	var body struct {
		Core     *CoreSpec              `json:"core"`
		Projects map[string]ProjectSpec `json:"projects"`
		Sites    map[string]SiteSpec    `json:"sites"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.Wrap(err, errors.CategoryRecipe, errors.SeverityFatal, "decode merged recipe")
	}
	rec := &Recipe{
		Core:     body.Core,
		Projects: make(map[string]ProjectSpec, len(body.Projects)),
		Sites:    make(map[string]SiteSpec, len(body.Sites)),
	}
	// Project keys come in two forms: a bare name (version taken from the
	// entry) or a full "name@version" identity. Identity keys let a recipe
	// declare several versions of one project side by side.
	for key, p := range body.Projects {
		if strings.Contains(key, "@") {
			id, err := ParseIdentity(key)
			if err != nil {
				return nil, errors.RecipeError(fmt.Sprintf("invalid project key %q: %v", key, err))
			}
			if p.Version != "" && p.Version != id.Version {
				return nil, errors.RecipeError(fmt.Sprintf("project %q: version %q contradicts the key", key, p.Version))
			}
			p.Name, p.Version = id.Name, id.Version
		} else {
			p.Name = key
		}
		canonical := p.Identity().String()
		if _, dup := rec.Projects[canonical]; dup {
			return nil, errors.RecipeError(fmt.Sprintf("project %s declared twice", canonical))
		}
		rec.Projects[canonical] = p
	}
	for name, s := range body.Sites {
		s.Name = name
		if s.Slots == nil {
			s.Slots = map[string]Identity{}
		}
		rec.Sites[name] = s
	}
	return rec, nil
}
