package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/sitefarm/internal/build"
	"git.home.luguber.info/inful/sitefarm/internal/config"
	"git.home.luguber.info/inful/sitefarm/internal/farm"
	"git.home.luguber.info/inful/sitefarm/internal/fetch"
	"git.home.luguber.info/inful/sitefarm/internal/history"
	"git.home.luguber.info/inful/sitefarm/internal/manifest"
	"git.home.luguber.info/inful/sitefarm/internal/metrics"
	"git.home.luguber.info/inful/sitefarm/internal/planner"
	"git.home.luguber.info/inful/sitefarm/internal/pool"
	"git.home.luguber.info/inful/sitefarm/internal/recipe"
	"git.home.luguber.info/inful/sitefarm/internal/watch"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"sitefarm.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Build struct {
		Rebuild bool `help:"Discard pool entries and refetch every project"`
	} `cmd:"" help:"Resolve the recipe, fetch stale projects, and relink all site trees"`

	Plan struct{} `cmd:"" help:"Show which projects a build would refetch, without fetching"`

	Sync struct{} `cmd:"" help:"Relink site trees against the existing pool, without fetching"`

	Watch struct {
		Rebuild bool          `help:"Force a full refetch on every trigger"`
		Every   time.Duration `help:"Also rebuild on this interval, overriding the configured one"`
	} `cmd:"" help:"Build continuously: rebuild on recipe changes and on the configured interval"`

	History struct {
		Limit int `help:"Number of builds to show" default:"10"`
	} `cmd:"" help:"Show recent builds from the history database"`

	Recover struct{} `cmd:"" help:"Rebuild missing manifest entries from pool entry markers"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`
}

func main() {
	kctx := kong.Parse(&CLI)

	if kctx.Command() == "init" {
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", CLI.Config)
		return
	}

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	env, err := newEnvironment(cfg)
	if err != nil {
		slog.Error("Setup failed", "error", err)
		os.Exit(1)
	}
	defer env.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch kctx.Command() {
	case "build":
		err = env.runBuild(ctx, CLI.Build.Rebuild)
	case "plan":
		err = env.runPlan(ctx)
	case "sync":
		err = env.runSync(ctx)
	case "watch":
		err = env.runWatch(ctx, CLI.Watch.Rebuild)
	case "history":
		err = env.runHistory(ctx, CLI.History.Limit)
	case "recover":
		err = env.runRecover()
	}
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// environment bundles the long-lived collaborators every command shares.
type environment struct {
	cfg      *config.Config
	pool     pool.Pool
	farm     *farm.Farm
	manifest *manifest.Manifest
	loader   *recipe.Loader
	recorder metrics.Recorder
	history  *history.Store
	metrics  *http.Server
}

func newEnvironment(cfg *config.Config) (*environment, error) {
	p, err := pool.New(cfg.Layout.PoolDir)
	if err != nil {
		return nil, err
	}
	man, err := manifest.Load(cfg.Layout.Manifest)
	if err != nil {
		return nil, err
	}

	env := &environment{
		cfg:      cfg,
		pool:     p,
		manifest: man,
		loader:   recipe.NewLoader(nil, cfg.Fetch.Retry.Policy()),
		recorder: metrics.NoopRecorder{},
	}

	if cfg.Metrics.Enabled {
		reg := prom.NewRegistry()
		env.recorder = metrics.NewPrometheusRecorder(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.HTTPHandler(reg))
		env.metrics = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			slog.Info("Metrics endpoint listening", "addr", cfg.Metrics.Listen)
			if err := env.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics endpoint failed", "error", err)
			}
		}()
	}

	fm, err := farm.New(cfg.Layout.SitesDir, p, env.recorder)
	if err != nil {
		return nil, err
	}
	env.farm = fm

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			return nil, err
		}
		env.history = store
	}
	return env, nil
}

func (e *environment) close() {
	if e.history != nil {
		if err := e.history.Close(); err != nil {
			slog.Warn("Could not close history store", "error", err)
		}
	}
	if e.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.metrics.Shutdown(shutdownCtx)
	}
}

func (e *environment) orchestrator(rebuild bool) *build.Orchestrator {
	return build.New(build.Options{
		Pool:     e.pool,
		Farm:     e.farm,
		Manifest: e.manifest,
		FetchOptions: fetch.Options{
			BaseDir:     recipeDir(e.cfg.Recipe),
			DownloadDir: e.cfg.Layout.DownloadDir,
			KeepGit:     e.cfg.Fetch.KeepGit,
			Policy:      e.cfg.Fetch.Retry.Policy(),
		},
		Recorder:    e.recorder,
		History:     e.history,
		Concurrency: e.cfg.Fetch.Concurrency,
		Rebuild:     rebuild,
	})
}

func (e *environment) runBuild(ctx context.Context, rebuild bool) error {
	rec, err := e.loader.Resolve(ctx, e.cfg.Recipe)
	if err != nil {
		return err
	}
	report, err := e.orchestrator(rebuild).Run(ctx, rec)
	if err != nil {
		return err
	}
	printSites(report)
	return nil
}

func (e *environment) runPlan(ctx context.Context) error {
	rec, err := e.loader.Resolve(ctx, e.cfg.Recipe)
	if err != nil {
		return err
	}
	plan, err := planner.Compute(rec, e.manifest, e.pool, planner.Options{})
	if err != nil {
		return err
	}
	for _, spec := range plan.Stale {
		fmt.Printf("stale      %s\n", spec.Identity())
	}
	for _, id := range plan.Unchanged {
		fmt.Printf("unchanged  %s\n", id)
	}
	return nil
}

func (e *environment) runSync(ctx context.Context) error {
	rec, err := e.loader.Resolve(ctx, e.cfg.Recipe)
	if err != nil {
		return err
	}
	reports, err := e.farm.SyncAll(ctx, rec.Sites, e.cfg.Fetch.Concurrency)
	for _, r := range reports {
		status := "ready"
		if !r.Ready() {
			status = "not ready"
		}
		fmt.Printf("%-10s %s (%s)\n", status, r.Site, r.Root)
	}
	return err
}

func (e *environment) runWatch(ctx context.Context, rebuild bool) error {
	interval := e.cfg.Watch.Interval.Std()
	if CLI.Watch.Every > 0 {
		interval = CLI.Watch.Every
	}
	w, err := watch.New(e.cfg.Recipe, e.cfg.Watch.Debounce.Std(), interval, func(ctx context.Context) error {
		return e.runBuild(ctx, rebuild)
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	slog.Info("Watching for recipe changes, press Ctrl-C to stop")
	<-ctx.Done()
	return w.Stop()
}

func (e *environment) runHistory(ctx context.Context, limit int) error {
	if e.history == nil {
		return fmt.Errorf("history is not enabled in %s", CLI.Config)
	}
	records, err := e.history.Recent(ctx, limit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Printf("%s  %-8s  %8s  %s\n",
			rec.StartedAt.Format(time.RFC3339), rec.Outcome, rec.Duration.Round(time.Millisecond), rec.BuildID)
	}
	return nil
}

func (e *environment) runRecover() error {
	n, err := planner.RecoverManifest(e.pool, e.manifest)
	if err != nil {
		return err
	}
	fmt.Printf("Recovered %d manifest entries from pool markers\n", n)
	return nil
}

func printSites(report *build.Report) {
	for _, s := range report.Sites {
		if s.Ready {
			fmt.Printf("ready      %s (%s)\n", s.Site, s.Root)
		} else {
			fmt.Printf("not ready  %s: %s\n", s.Site, s.Err)
		}
	}
}

// recipeDir anchors relative source and patch locations at the recipe's own
// directory, so a recipe can be checked out anywhere and still resolve its
// local references.
func recipeDir(recipePath string) string {
	abs, err := filepath.Abs(recipePath)
	if err != nil {
		return "."
	}
	return filepath.Dir(abs)
}
