// Package watch triggers rebuilds when the root recipe changes on disk, with
// an optional periodic trigger for recipes whose remote includes or moving
// git references can change without any local file event.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/sitefarm/internal/errors"
	"git.home.luguber.info/inful/sitefarm/internal/logfields"
)

// BuildFunc runs one build pass. Errors are logged, not fatal: the watcher
// keeps running so a broken recipe edit can be fixed and saved again.
type BuildFunc func(ctx context.Context) error

// Watcher monitors the recipe file and fires debounced rebuilds.
type Watcher struct {
	recipePath string
	build      BuildFunc
	debounce   time.Duration
	interval   time.Duration

	watcher   *fsnotify.Watcher
	scheduler gocron.Scheduler
	mu        sync.Mutex
	stopChan  chan struct{}
	buildChan chan struct{}
}

// New creates a watcher for the recipe at recipePath. A zero interval
// disables the periodic trigger.
func New(recipePath string, debounce, interval time.Duration, build BuildFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, errors.SeverityFatal, "create file watcher")
	}
	abs, err := filepath.Abs(recipePath)
	if err != nil {
		fsw.Close()
		return nil, errors.Wrap(err, errors.CategoryInternal, errors.SeverityFatal, "resolve recipe path")
	}
	return &Watcher{
		recipePath: abs,
		build:      build,
		debounce:   debounce,
		interval:   interval,
		watcher:    fsw,
		stopChan:   make(chan struct{}),
		buildChan:  make(chan struct{}, 1),
	}, nil
}

// Start begins watching. The initial build is triggered immediately.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Watching the directory is more reliable than watching the file:
	// editors replace files via rename.
	if err := w.watcher.Add(filepath.Dir(w.recipePath)); err != nil {
		return errors.Wrap(err, errors.CategoryInternal, errors.SeverityFatal, "watch recipe directory").
			WithContext("path", w.recipePath)
	}
	slog.Info("Watching recipe", logfields.Path(w.recipePath))

	if w.interval > 0 {
		s, err := gocron.NewScheduler()
		if err != nil {
			return errors.Wrap(err, errors.CategoryInternal, errors.SeverityFatal, "create scheduler")
		}
		_, err = s.NewJob(
			gocron.DurationJob(w.interval),
			gocron.NewTask(w.trigger),
			gocron.WithName("periodic-rebuild"),
		)
		if err != nil {
			return errors.Wrap(err, errors.CategoryInternal, errors.SeverityFatal, "schedule periodic rebuild")
		}
		s.Start()
		w.scheduler = s
		slog.Info("Periodic rebuild scheduled", slog.Duration("interval", w.interval))
	}

	go w.watchLoop(ctx)
	go w.buildLoop(ctx)
	w.trigger()
	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	close(w.stopChan)
	if w.scheduler != nil {
		if err := w.scheduler.Shutdown(); err != nil {
			slog.Error("Error stopping scheduler", logfields.Error(err))
		}
	}
	return w.watcher.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	recipeFile := filepath.Base(w.recipePath)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != recipeFile {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0:
				slog.Debug("Recipe change detected", logfields.Path(event.Name), slog.String("op", event.Op.String()))
				w.trigger()
			case event.Op&fsnotify.Remove != 0:
				slog.Warn("Recipe file removed", logfields.Path(event.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Recipe watcher error", logfields.Error(err))
		}
	}
}

// buildLoop debounces triggers and runs builds one at a time.
func (w *Watcher) buildLoop(ctx context.Context) {
	var timer *time.Timer
	fired := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.stopChan:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.buildChan:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fired <- struct{}{}:
				default:
				}
			})
		case <-fired:
			if err := w.build(ctx); err != nil {
				slog.Error("Build failed", logfields.Error(err))
			}
		}
	}
}

// trigger requests a debounced build; a pending request absorbs new ones.
func (w *Watcher) trigger() {
	select {
	case w.buildChan <- struct{}{}:
	default:
	}
}
