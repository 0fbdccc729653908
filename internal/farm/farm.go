// Package farm reconciles per-site symlink trees against the shared pool.
// The reconciler is a pure function of (pool, site manifest, current tree)
// that computes a minimal diff of link operations; applying the diff is a
// separate step, so an unchanged site produces zero filesystem mutations.
package farm

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"git.home.luguber.info/inful/sitefarm/internal/errors"
	"git.home.luguber.info/inful/sitefarm/internal/logfields"
	"git.home.luguber.info/inful/sitefarm/internal/metrics"
	"git.home.luguber.info/inful/sitefarm/internal/pool"
	"git.home.luguber.info/inful/sitefarm/internal/recipe"
)

// OpKind classifies a single reconciliation operation.
type OpKind string

const (
	OpCreate   OpKind = "create"
	OpRetarget OpKind = "retarget"
	OpRemove   OpKind = "remove"
)

// Op is one pending symlink operation within a site tree.
type Op struct {
	Kind   OpKind
	Slot   string // slot path relative to the site root, slash-separated
	Path   string // absolute link path
	Target string // relative link target, empty for removals
}

// Report summarizes one site's sync: the resolved root to hand to the
// install step, the operations applied, and whether the site is ready.
type Report struct {
	Site    string
	Profile string
	Root    string
	Ops     []Op
	Err     error
}

// Ready reports whether the site tree fully matches its manifest.
func (r Report) Ready() bool { return r.Err == nil }

// Farm builds and refreshes site trees under a common root directory.
type Farm struct {
	sitesDir string
	pool     pool.Pool
	rec      metrics.Recorder
}

// New returns a farm writing site trees under sitesDir. A nil recorder
// disables metrics.
func New(sitesDir string, p pool.Pool, rec metrics.Recorder) (*Farm, error) {
	if err := os.MkdirAll(sitesDir, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.CategoryFarm, errors.SeverityFatal, "create sites directory")
	}
	abs, err := filepath.Abs(sitesDir)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryFarm, errors.SeverityFatal, "resolve sites directory")
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Farm{sitesDir: abs, pool: p, rec: rec}, nil
}

// SiteRoot returns the tree root for a site name.
func (f *Farm) SiteRoot(site string) string {
	return filepath.Join(f.sitesDir, site)
}

// Reconcile computes the minimal operation set bringing a site tree in line
// with its manifest. It performs no writes. Slots occupied by real files or
// directories and slots referencing identities without a pool entry are hard
// errors for the site.
func (f *Farm) Reconcile(site recipe.SiteSpec) ([]Op, error) {
	root := f.SiteRoot(site.Name)

	slots := make([]string, 0, len(site.Slots))
	for slot := range site.Slots {
		slots = append(slots, slot)
	}
	sort.Strings(slots)

	var ops []Op
	for _, slot := range slots {
		id := site.Slots[slot]
		if !f.pool.Exists(id) {
			return nil, errors.FarmError("broken pool reference").
				WithContext("site", site.Name).
				WithContext("slot", slot).
				WithContext("identity", id.String())
		}
		link := filepath.Join(root, filepath.FromSlash(slot))
		target, err := relTarget(link, f.pool.Dir(id))
		if err != nil {
			return nil, err
		}

		info, err := os.Lstat(link)
		switch {
		case os.IsNotExist(err):
			ops = append(ops, Op{Kind: OpCreate, Slot: slot, Path: link, Target: target})
		case err != nil:
			return nil, errors.Wrap(err, errors.CategoryFarm, errors.SeverityError, "inspect slot").WithContext("slot", slot)
		case info.Mode()&os.ModeSymlink != 0:
			current, err := os.Readlink(link)
			if err != nil {
				return nil, errors.Wrap(err, errors.CategoryFarm, errors.SeverityError, "read slot link").WithContext("slot", slot)
			}
			if current != target {
				ops = append(ops, Op{Kind: OpRetarget, Slot: slot, Path: link, Target: target})
			}
		default:
			return nil, errors.FarmError("slot occupied").
				WithContext("site", site.Name).
				WithContext("slot", slot).
				WithContext("path", link)
		}
	}

	orphans, err := f.findOrphans(root, site.Slots)
	if err != nil {
		return nil, err
	}
	return append(ops, orphans...), nil
}

// findOrphans locates symlinks into the pool that no slot claims anymore.
// Links pointing outside the pool are left alone: the farm only ever removes
// what it could have created.
func (f *Farm) findOrphans(root string, slots map[string]recipe.Identity) ([]Op, error) {
	var ops []Op
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // site not built yet
			}
			return err
		}
		if d.Type()&os.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		slot := filepath.ToSlash(rel)
		if _, claimed := slots[slot]; claimed {
			return nil
		}
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		if strings.HasPrefix(filepath.Clean(target), f.pool.Root+string(filepath.Separator)) {
			ops = append(ops, Op{Kind: OpRemove, Slot: slot, Path: path})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryFarm, errors.SeverityError, "scan site tree for orphans")
	}
	return ops, nil
}

// Sync reconciles and applies one site. The returned report always carries
// the resolved root; Err is set when the site could not be brought in line.
func (f *Farm) Sync(ctx context.Context, site recipe.SiteSpec) Report {
	report := Report{Site: site.Name, Profile: site.Profile, Root: f.SiteRoot(site.Name)}
	if err := ctx.Err(); err != nil {
		report.Err = err
		return report
	}

	ops, err := f.Reconcile(site)
	if err != nil {
		report.Err = err
		return report
	}
	// The root must exist even for a site with no slots so the install
	// step always gets a real directory.
	if err := os.MkdirAll(report.Root, 0o750); err != nil {
		report.Err = errors.Wrap(err, errors.CategoryFarm, errors.SeverityError, "create site root")
		return report
	}

	for _, op := range ops {
		if err := f.apply(op); err != nil {
			report.Err = err
			return report
		}
		slog.Debug("Applied link op",
			logfields.Site(site.Name),
			logfields.Slot(op.Slot),
			slog.String("op", string(op.Kind)))
		report.Ops = append(report.Ops, op)
		f.rec.IncLinkOp(metrics.LinkOpLabel(op.Kind))
	}
	if len(report.Ops) > 0 {
		slog.Info("Site tree synced",
			logfields.Site(site.Name),
			slog.Int("ops", len(report.Ops)))
	}
	return report
}

func (f *Farm) apply(op Op) error {
	switch op.Kind {
	case OpCreate:
		if err := os.MkdirAll(filepath.Dir(op.Path), 0o750); err != nil {
			return errors.Wrap(err, errors.CategoryFarm, errors.SeverityError, "create slot parent").WithContext("slot", op.Slot)
		}
		if err := os.Symlink(op.Target, op.Path); err != nil {
			return errors.Wrap(err, errors.CategoryFarm, errors.SeverityError, "create slot link").WithContext("slot", op.Slot)
		}
	case OpRetarget:
		if err := os.Remove(op.Path); err != nil {
			return errors.Wrap(err, errors.CategoryFarm, errors.SeverityError, "remove stale slot link").WithContext("slot", op.Slot)
		}
		if err := os.Symlink(op.Target, op.Path); err != nil {
			return errors.Wrap(err, errors.CategoryFarm, errors.SeverityError, "retarget slot link").WithContext("slot", op.Slot)
		}
	case OpRemove:
		if err := os.Remove(op.Path); err != nil {
			return errors.Wrap(err, errors.CategoryFarm, errors.SeverityError, "remove orphan link").WithContext("slot", op.Slot)
		}
	default:
		return errors.New(errors.CategoryInternal, errors.SeverityError, fmt.Sprintf("unknown farm op %q", op.Kind))
	}
	return nil
}

// SyncAll syncs every site with bounded concurrency. One site's failure never
// blocks the others; reports come back sorted by site name with per-site
// errors attached, and the returned error summarizes how many sites failed.
func (f *Farm) SyncAll(ctx context.Context, sites map[string]recipe.SiteSpec, concurrency int) ([]Report, error) {
	names := make([]string, 0, len(sites))
	for name := range sites {
		names = append(names, name)
	}
	sort.Strings(names)

	if concurrency > len(names) {
		concurrency = len(names)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	tasks := make(chan recipe.SiteSpec)
	reports := make(map[string]Report, len(names))
	var wg sync.WaitGroup
	var mu sync.Mutex
	worker := func() {
		defer wg.Done()
		for site := range tasks {
			report := f.Sync(ctx, site)
			f.rec.IncSiteResult(report.Err == nil)
			mu.Lock()
			reports[site.Name] = report
			mu.Unlock()
		}
	}
	wg.Add(concurrency)
	for range concurrency {
		go worker()
	}
	for _, name := range names {
		site := sites[name]
		site.Name = name
		tasks <- site
	}
	close(tasks)
	wg.Wait()

	out := make([]Report, 0, len(names))
	failed := 0
	for _, name := range names {
		r := reports[name]
		if r.Err != nil {
			failed++
			slog.Error("Site sync failed", logfields.Site(name), logfields.Error(r.Err))
		}
		out = append(out, r)
	}
	if failed > 0 {
		return out, errors.FarmError(fmt.Sprintf("%d of %d sites failed", failed, len(names)))
	}
	return out, nil
}

// relTarget computes the relative path stored in a slot symlink, so a pool
// and sites directory moved together (backup, rsync) keep resolving.
func relTarget(link, poolEntry string) (string, error) {
	rel, err := filepath.Rel(filepath.Dir(link), poolEntry)
	if err != nil {
		// Different volume roots: fall back to the absolute path.
		return poolEntry, nil
	}
	return rel, nil
}
