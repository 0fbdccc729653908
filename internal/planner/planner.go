// Package planner is the incremental-rebuild decision engine. It compares
// the resolved recipe against the persisted build manifest and the pool and
// computes the minimal set of projects requiring (re)fetch. The decision is
// pure bookkeeping over descriptor hashes: no network access, so planning an
// unchanged recipe is cheap.
package planner

import (
	"log/slog"
	"sort"

	"git.home.luguber.info/inful/sitefarm/internal/logfields"
	"git.home.luguber.info/inful/sitefarm/internal/manifest"
	"git.home.luguber.info/inful/sitefarm/internal/pool"
	"git.home.luguber.info/inful/sitefarm/internal/recipe"
)

// Options tune the staleness predicate.
type Options struct {
	// Rebuild marks every declared project stale regardless of the manifest.
	Rebuild bool
}

// Plan is the planner's verdict for one resolved recipe.
type Plan struct {
	Stale     []recipe.ProjectSpec // projects requiring (re)fetch, sorted by name
	Unchanged []recipe.Identity    // projects assumed present in the pool, sorted
	Hashes    map[string]string    // identity string -> current descriptor hash
}

// IsStale reports whether an identity is in the stale set.
func (p *Plan) IsStale(id recipe.Identity) bool {
	for _, s := range p.Stale {
		if s.Identity() == id {
			return true
		}
	}
	return false
}

// Compute evaluates the staleness predicate for every project in the recipe:
// a project is up to date iff the manifest's stored hash equals the hash of
// its current declared source + patch set and its pool slot exists. Anything
// else is stale.
func Compute(rec *recipe.Recipe, man *manifest.Manifest, p pool.Pool, opts Options) (*Plan, error) {
	plan := &Plan{Hashes: make(map[string]string, len(rec.Projects))}
	for _, spec := range rec.Projects {
		hash, err := spec.DescriptorHash()
		if err != nil {
			return nil, err
		}
		id := spec.Identity()
		plan.Hashes[id.String()] = hash

		stored, ok := man.Hash(id)
		switch {
		case opts.Rebuild:
			plan.Stale = append(plan.Stale, spec)
		case !ok || stored != hash:
			slog.Debug("Project stale", logfields.Identity(id.String()), slog.Bool("known", ok))
			plan.Stale = append(plan.Stale, spec)
		case !p.Exists(id):
			// The manifest claims current but the pool slot is gone.
			slog.Warn("Manifest entry without pool slot, refetching", logfields.Identity(id.String()))
			plan.Stale = append(plan.Stale, spec)
		default:
			plan.Unchanged = append(plan.Unchanged, id)
		}
	}

	sort.Slice(plan.Stale, func(i, j int) bool { return plan.Stale[i].Name < plan.Stale[j].Name })
	sort.Slice(plan.Unchanged, func(i, j int) bool { return plan.Unchanged[i].String() < plan.Unchanged[j].String() })
	return plan, nil
}

// RecoverManifest rebuilds manifest entries from the pool's entry markers.
// Useful after losing the manifest file: every committed entry carries the
// descriptor hash it was built from.
func RecoverManifest(p pool.Pool, man *manifest.Manifest) (int, error) {
	markers, err := p.Entries()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, m := range markers {
		id, err := recipe.ParseIdentity(m.Identity)
		if err != nil || m.DescriptorHash == "" {
			continue
		}
		if _, ok := man.Hash(id); ok {
			continue
		}
		if err := man.Record(id, m.DescriptorHash); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}
