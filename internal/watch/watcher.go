// Package watch feeds the pipeline: a live fsnotify watcher over the
// configured roots and a periodic reconciliation scanner that catches
// whatever the watcher missed.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kappa9999/routeagent/internal/pathutil"
	"github.com/kappa9999/routeagent/internal/pipeline"
	"github.com/kappa9999/routeagent/internal/policy"
)

// SourceWatcherOptions configure a SourceWatcher.
type SourceWatcherOptions struct {
	Snapshots     *policy.Accessor
	Pipeline      *pipeline.Pipeline
	Canonicalizer *pathutil.Canonicalizer
	Roots         *pipeline.RootTracker
	Logger        *zap.Logger
}

// SourceWatcher turns fsnotify events under the watch and candidate
// roots into detection candidates. Directories created while watching
// are attached on the fly; fsnotify overflow errors become priority
// rescans instead of lost files.
type SourceWatcher struct {
	opts    SourceWatcherOptions
	log     *zap.Logger
	watcher *fsnotify.Watcher
}

func NewSourceWatcher(opts SourceWatcherOptions) (*SourceWatcher, error) {
	if opts.Snapshots == nil || opts.Pipeline == nil {
		return nil, errors.New("watch: snapshots and pipeline required")
	}
	if opts.Canonicalizer == nil {
		opts.Canonicalizer = pathutil.NewCanonicalizer(nil)
	}
	if opts.Roots == nil {
		opts.Roots = pipeline.NewRootTracker()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &SourceWatcher{
		opts:    opts,
		log:     opts.Logger.Named("watcher"),
		watcher: watcher,
	}, nil
}

// WatchRoots returns the deduplicated union of watch and candidate
// roots from the current snapshot.
func (w *SourceWatcher) WatchRoots() []string {
	snap := w.opts.Snapshots.Current()
	if snap.Policy == nil {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	add := func(roots []string) {
		for _, root := range roots {
			canonical := w.opts.Canonicalizer.Canonicalize(root)
			if canonical == "" {
				continue
			}
			key := strings.ToLower(canonical)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, canonical)
		}
	}
	add(snap.Policy.Monitoring.WatchRoots)
	add(snap.Policy.Monitoring.CandidateRoots)
	return out
}

// Start attaches every root (recursively) and begins dispatching.
func (w *SourceWatcher) Start(ctx context.Context) error {
	for _, root := range w.WatchRoots() {
		if err := w.addTree(root); err != nil {
			w.opts.Roots.Set(root, pipeline.RootUnavailable, err.Error())
			w.log.Warn("watch root unavailable", zap.String("root", root), zap.Error(err))
			continue
		}
		w.opts.Roots.Set(root, pipeline.RootAvailable, "")
	}
	go w.dispatch(ctx)
	return nil
}

func (w *SourceWatcher) Close() error {
	return w.watcher.Close()
}

// addTree attaches every directory under root. An unreadable subtree
// is skipped so the rest of the root stays watched; only a failure on
// the root itself marks it unavailable.
func (w *SourceWatcher) addTree(root string) error {
	osRoot := filepath.FromSlash(root)
	return filepath.WalkDir(osRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == osRoot {
				return err
			}
			w.log.Warn("skipping unreadable path", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			if path == osRoot {
				return err
			}
			w.log.Warn("failed to watch directory", zap.String("dir", path), zap.Error(err))
		}
		return nil
	})
}

func (w *SourceWatcher) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.handleError(ctx, err)
		}
	}
}

func (w *SourceWatcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(ev.Name); err != nil {
				w.log.Warn("failed to watch new directory", zap.String("dir", ev.Name), zap.Error(err))
			}
			return
		}
	}
	w.opts.Pipeline.EnqueueDetection(ctx, pipeline.DetectionCandidate{
		SourcePath:  ev.Name,
		Source:      pipeline.SourceWatcher,
		DetectedUTC: time.Now().UTC(),
	})
}

// handleError maps fsnotify overflow to "rescan the roots"; anything
// else is just logged.
func (w *SourceWatcher) handleError(ctx context.Context, err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		for _, root := range w.WatchRoots() {
			w.opts.Pipeline.NotifyWatcherOverflow(ctx, root)
		}
		return
	}
	w.log.Warn("watcher error", zap.Error(err))
}
