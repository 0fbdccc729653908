// Package build orchestrates one build pass: plan against the manifest,
// fetch stale projects with bounded concurrency, then relink every site
// tree. Fetching and linking are strictly ordered; the farm never runs
// before the last fetch worker has finished.
package build

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/sitefarm/internal/errors"
	"git.home.luguber.info/inful/sitefarm/internal/farm"
	"git.home.luguber.info/inful/sitefarm/internal/fetch"
	"git.home.luguber.info/inful/sitefarm/internal/history"
	"git.home.luguber.info/inful/sitefarm/internal/logfields"
	"git.home.luguber.info/inful/sitefarm/internal/manifest"
	"git.home.luguber.info/inful/sitefarm/internal/metrics"
	"git.home.luguber.info/inful/sitefarm/internal/planner"
	"git.home.luguber.info/inful/sitefarm/internal/pool"
	"git.home.luguber.info/inful/sitefarm/internal/recipe"
)

// Options wire the orchestrator's collaborators.
type Options struct {
	Pool     pool.Pool
	Farm     *farm.Farm
	Manifest *manifest.Manifest
	// FetchOptions configure the per-build fetcher. ProfileLinks are
	// filled from the recipe's core section on every run.
	FetchOptions fetch.Options
	Recorder     metrics.Recorder
	History      *history.Store // optional
	Concurrency  int
	// Rebuild discards existing pool entries for every declared project
	// and refetches from scratch.
	Rebuild bool
}

// ProjectFailure pairs a failed identity with its cause.
type ProjectFailure struct {
	Identity recipe.Identity `json:"identity"`
	Err      string          `json:"error"`
}

// SiteStatus is the per-site outcome handed to the external install step.
type SiteStatus struct {
	Site    string `json:"site"`
	Profile string `json:"profile,omitempty"`
	Root    string `json:"root"`
	Ready   bool   `json:"ready"`
	Err     string `json:"error,omitempty"`
}

// Report summarizes one build pass.
type Report struct {
	BuildID   string                    `json:"build_id"`
	StartedAt time.Time                 `json:"started_at"`
	Duration  time.Duration             `json:"duration"`
	Outcome   metrics.BuildOutcomeLabel `json:"outcome"`
	Updated   []recipe.Identity         `json:"updated,omitempty"`
	Unchanged []recipe.Identity         `json:"unchanged,omitempty"`
	Failed    []ProjectFailure          `json:"failed,omitempty"`
	Sites     []SiteStatus              `json:"sites,omitempty"`
}

// Orchestrator runs builds.
type Orchestrator struct {
	opts Options
}

// New creates an orchestrator. A nil recorder disables metrics.
func New(opts Options) *Orchestrator {
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Orchestrator{opts: opts}
}

// Run executes one build pass over a resolved recipe. The returned report is
// non-nil even on error so callers can persist partial outcomes.
func (o *Orchestrator) Run(ctx context.Context, rec *recipe.Recipe) (*Report, error) {
	report := &Report{
		BuildID:   uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	slog.Info("Build started", logfields.BuildID(report.BuildID),
		slog.Int("projects", len(rec.Projects)), slog.Int("sites", len(rec.Sites)))

	err := o.run(ctx, rec, report)
	report.Duration = time.Since(report.StartedAt)
	report.Outcome = o.outcome(ctx, report)

	o.opts.Recorder.ObserveBuildDuration(report.Duration)
	o.opts.Recorder.IncBuildOutcome(report.Outcome)
	o.record(report)

	slog.Info("Build finished", logfields.BuildID(report.BuildID),
		slog.String("outcome", string(report.Outcome)),
		logfields.DurationMS(float64(report.Duration.Milliseconds())))
	return report, err
}

func (o *Orchestrator) run(ctx context.Context, rec *recipe.Recipe, report *Report) error {
	plan, err := planner.Compute(rec, o.opts.Manifest, o.opts.Pool, planner.Options{Rebuild: o.opts.Rebuild})
	if err != nil {
		return err
	}
	report.Unchanged = plan.Unchanged

	if o.opts.Rebuild {
		if err := o.discardStaleSlots(plan.Stale); err != nil {
			return err
		}
	}

	o.fetchStale(ctx, rec, plan, report)
	if err := ctx.Err(); err != nil {
		return err
	}

	// Sites whose slots reference undeclared versions are reported
	// unsatisfiable and skipped; the rest of the farm still links.
	linkable := make(map[string]recipe.SiteSpec, len(rec.Sites))
	unsatisfiable := 0
	for name, site := range rec.Sites {
		missing := rec.UnsatisfiedSlots(site)
		if len(missing) == 0 {
			linkable[name] = site
			continue
		}
		unsatisfiable++
		slog.Error("Site references undeclared project versions",
			logfields.Site(name), slog.String("slots", strings.Join(missing, ", ")))
		report.Sites = append(report.Sites, SiteStatus{
			Site:    name,
			Profile: site.Profile,
			Root:    o.opts.Farm.SiteRoot(name),
			Err:     fmt.Sprintf("unsatisfiable slots: %s", strings.Join(missing, ", ")),
		})
		o.opts.Recorder.IncSiteResult(false)
	}

	// Every fetch worker has joined; the pool is now stable for linking.
	reports, farmErr := o.opts.Farm.SyncAll(ctx, linkable, o.opts.Concurrency)
	for _, r := range reports {
		status := SiteStatus{Site: r.Site, Profile: r.Profile, Root: r.Root, Ready: r.Ready()}
		if r.Err != nil {
			status.Err = r.Err.Error()
		}
		report.Sites = append(report.Sites, status)
	}
	sort.Slice(report.Sites, func(i, j int) bool { return report.Sites[i].Site < report.Sites[j].Site })
	if unsatisfiable > 0 && farmErr == nil {
		farmErr = errors.FarmError(fmt.Sprintf("%d of %d sites reference undeclared projects", unsatisfiable, len(rec.Sites)))
	}

	if len(report.Failed) > 0 {
		return errors.New(errors.CategoryFetch, errors.SeverityError,
			fmt.Sprintf("%d of %d projects failed to fetch", len(report.Failed), len(rec.Projects)))
	}
	return farmErr
}

// discardStaleSlots removes existing pool entries before a forced rebuild so
// the refetched trees replace them instead of hitting the duplicate-slot
// path. The manifest entry goes with the pool entry: if the refetch fails,
// the manifest must not keep claiming a build that no longer exists.
func (o *Orchestrator) discardStaleSlots(stale []recipe.ProjectSpec) error {
	for _, spec := range stale {
		id := spec.Identity()
		if !o.opts.Pool.Exists(id) {
			continue
		}
		if err := os.RemoveAll(o.opts.Pool.Dir(id)); err != nil {
			return errors.Wrap(err, errors.CategoryFetch, errors.SeverityFatal, "discard pool entry").
				WithContext("identity", id.String())
		}
		if err := o.opts.Manifest.Forget(id); err != nil {
			return err
		}
		slog.Info("Discarded pool entry for rebuild", logfields.Identity(id.String()))
	}
	return nil
}

// fetchStale materializes stale projects through a bounded worker pool.
// Failures are isolated per project: the manifest entry is only recorded for
// commits that succeeded, so failed projects stay stale for the next run.
func (o *Orchestrator) fetchStale(ctx context.Context, rec *recipe.Recipe, plan *planner.Plan, report *Report) {
	if len(plan.Stale) == 0 {
		slog.Info("No stale projects", logfields.BuildID(report.BuildID))
		return
	}

	fo := o.opts.FetchOptions
	fo.ProfileLinks = profileLinks(rec)
	fetcher := fetch.New(o.opts.Pool, fo)

	concurrency := o.opts.Concurrency
	if concurrency > len(plan.Stale) {
		concurrency = len(plan.Stale)
	}
	o.opts.Recorder.SetFetchConcurrency(concurrency)

	tasks := make(chan recipe.ProjectSpec)
	var wg sync.WaitGroup
	var mu sync.Mutex
	worker := func() {
		defer wg.Done()
		for spec := range tasks {
			select {
			case <-ctx.Done():
				return
			default:
			}
			id := spec.Identity()
			hash := plan.Hashes[id.String()]
			start := time.Now()
			_, err := fetcher.Materialize(ctx, spec, hash)
			dur := time.Since(start)
			success := err == nil
			if success {
				err = o.opts.Manifest.Record(id, hash)
				success = err == nil
			}
			mu.Lock()
			if success {
				report.Updated = append(report.Updated, id)
			} else {
				slog.Error("Project fetch failed",
					logfields.Identity(id.String()),
					slog.String("category", string(errors.GetCategory(err))),
					logfields.Error(err))
				report.Failed = append(report.Failed, ProjectFailure{Identity: id, Err: err.Error()})
			}
			mu.Unlock()
			o.opts.Recorder.ObserveFetchDuration(id.Name, dur, success)
			o.opts.Recorder.IncFetchResult(success)
		}
	}
	wg.Add(concurrency)
	for range concurrency {
		go worker()
	}
	for _, spec := range plan.Stale {
		select {
		case <-ctx.Done():
			close(tasks)
			wg.Wait()
			return
		default:
		}
		tasks <- spec
	}
	close(tasks)
	wg.Wait()

	sort.Slice(report.Updated, func(i, j int) bool { return report.Updated[i].String() < report.Updated[j].String() })
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Identity.String() < report.Failed[j].Identity.String() })
}

func (o *Orchestrator) outcome(ctx context.Context, report *Report) metrics.BuildOutcomeLabel {
	notReady := 0
	for _, s := range report.Sites {
		if !s.Ready {
			notReady++
		}
	}
	switch {
	case ctx.Err() != nil:
		return metrics.OutcomeCanceled
	case len(report.Failed) == 0 && notReady == 0:
		return metrics.OutcomeSuccess
	case len(report.Updated) > 0 || notReady < len(report.Sites):
		return metrics.OutcomePartial
	default:
		return metrics.OutcomeFailed
	}
}

// record appends the report to the build history when configured.
func (o *Orchestrator) record(report *Report) {
	if o.opts.History == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		slog.Warn("Could not encode build report", logfields.Error(err))
		return
	}
	rec := history.Record{
		BuildID:   report.BuildID,
		StartedAt: report.StartedAt,
		Duration:  report.Duration,
		Outcome:   string(report.Outcome),
		Report:    payload,
	}
	// History uses a background context: a canceled build is still worth
	// recording.
	if err := o.opts.History.Append(context.Background(), rec); err != nil {
		slog.Warn("Could not persist build record", logfields.Error(err))
	}
}

// profileLinks extracts the core project's install profile links from the
// recipe, keyed by the core identity so the fetcher wires them while staging.
func profileLinks(rec *recipe.Recipe) map[recipe.Identity]map[string]recipe.Identity {
	if rec.Core == nil || len(rec.Core.Profiles) == 0 {
		return nil
	}
	return map[recipe.Identity]map[string]recipe.Identity{
		rec.Core.Project: rec.Core.Profiles,
	}
}
