package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kappa9999/routeagent/internal/audit"
	"github.com/kappa9999/routeagent/internal/pathutil"
	"github.com/kappa9999/routeagent/internal/pipeline"
	"github.com/kappa9999/routeagent/internal/policy"
)

// scanOverlap tolerates clock and ordering skew between the filesystem
// and the persisted watermark.
const scanOverlap = 5 * time.Second

// aggregateScanRoot labels the scan-run row covering a full sweep.
const aggregateScanRoot = "ALL"

// ScannerOptions configure a ReconciliationScanner.
type ScannerOptions struct {
	Store         audit.Store
	Snapshots     *policy.Accessor
	Pipeline      *pipeline.Pipeline
	Canonicalizer *pathutil.Canonicalizer
	Roots         *pipeline.RootTracker
	Logger        *zap.Logger
}

// ReconciliationScanner sweeps the configured roots on a timer (and on
// demand for priority requests), emitting the same candidates the live
// watcher would. A persisted per-root watermark bounds each sweep; a
// root seen for the first time only records its watermark, it never
// replays history.
type ReconciliationScanner struct {
	opts ScannerOptions
	log  *zap.Logger
}

func NewReconciliationScanner(opts ScannerOptions) (*ReconciliationScanner, error) {
	if opts.Store == nil || opts.Snapshots == nil || opts.Pipeline == nil {
		return nil, errors.New("watch: store, snapshots, and pipeline required")
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
	return &ReconciliationScanner{opts: opts, log: opts.Logger.Named("scanner")}, nil
}

// Run executes periodic full sweeps interleaved with queued priority
// scans until ctx is done.
func (s *ReconciliationScanner) Run(ctx context.Context) {
	for {
		interval := 5 * time.Minute
		if snap := s.opts.Snapshots.Current(); snap.Policy != nil {
			interval = snap.Policy.Monitoring.ReconcileInterval()
		}
		timer := time.NewTimer(interval)
		pollPriority := time.NewTicker(time.Second)
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				pollPriority.Stop()
				return
			case <-timer.C:
				break wait
			case <-pollPriority.C:
				if root, ok := s.opts.Pipeline.Scheduler().TryDequeuePriorityScan(); ok {
					s.ScanRoot(ctx, root, true)
				}
			}
		}
		timer.Stop()
		pollPriority.Stop()
		s.ScanAll(ctx, false)
	}
}

// ScanAll sweeps every candidate root, plus the watch roots on a
// priority scan, and records an aggregate scan run.
func (s *ReconciliationScanner) ScanAll(ctx context.Context, priority bool) {
	snap := s.opts.Snapshots.Current()
	if snap.SafeMode || snap.Policy == nil {
		return
	}
	roots := snap.Policy.Monitoring.CandidateRoots
	if priority {
		roots = append(append([]string(nil), roots...), snap.Policy.Monitoring.WatchRoots...)
	}
	started := time.Now().UTC()
	var total scanCounters
	seen := map[string]struct{}{}
	for _, root := range roots {
		canonical := s.opts.Canonicalizer.Canonicalize(root)
		if canonical == "" {
			continue
		}
		key := strings.ToLower(canonical)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		counters := s.scanRoot(ctx, snap, canonical)
		total.add(counters)
	}
	run := audit.ScanRun{
		RootPath:    aggregateScanRoot,
		StartedUTC:  started,
		FinishedUTC: time.Now().UTC(),
		Found:       total.found,
		Queued:      total.queued,
		Skipped:     total.skipped,
		Errors:      total.errors,
	}
	if err := s.opts.Store.SaveScanRun(ctx, run); err != nil {
		s.log.Warn("scan run save failed", zap.Error(err))
	}
}

// ScanRoot sweeps a single root and records its own scan run. Used for
// priority scans.
func (s *ReconciliationScanner) ScanRoot(ctx context.Context, root string, record bool) {
	snap := s.opts.Snapshots.Current()
	if snap.SafeMode || snap.Policy == nil {
		return
	}
	canonical := s.opts.Canonicalizer.Canonicalize(root)
	started := time.Now().UTC()
	counters := s.scanRoot(ctx, snap, canonical)
	if !record {
		return
	}
	run := audit.ScanRun{
		RootPath:    canonical,
		StartedUTC:  started,
		FinishedUTC: time.Now().UTC(),
		Found:       counters.found,
		Queued:      counters.queued,
		Skipped:     counters.skipped,
		Errors:      counters.errors,
	}
	if err := s.opts.Store.SaveScanRun(ctx, run); err != nil {
		s.log.Warn("scan run save failed", zap.Error(err))
	}
}

type scanCounters struct {
	found, queued, skipped, errors int
}

func (c *scanCounters) add(other scanCounters) {
	c.found += other.found
	c.queued += other.queued
	c.skipped += other.skipped
	c.errors += other.errors
}

func (s *ReconciliationScanner) scanRoot(ctx context.Context, snap *policy.Snapshot, root string) scanCounters {
	var counters scanCounters
	osRoot := filepath.FromSlash(root)
	if info, err := os.Stat(osRoot); err != nil || !info.IsDir() {
		note := "root missing"
		if err != nil {
			note = err.Error()
		}
		s.opts.Roots.Set(root, pipeline.RootUnavailable, note)
		return counters
	}

	now := time.Now().UTC()
	wm, err := s.opts.Store.GetWatermark(ctx, root)
	if err != nil {
		s.log.Warn("watermark load failed", zap.String("root", root), zap.Error(err))
		counters.errors++
		return counters
	}
	if wm == nil {
		// First sight of this root: remember "now" and emit nothing,
		// so historical backlog is never replayed.
		if err := s.opts.Store.SaveWatermark(ctx, audit.Watermark{RootPath: root, LastScanUTC: now}); err != nil {
			s.log.Warn("watermark bootstrap failed", zap.String("root", root), zap.Error(err))
			counters.errors++
		}
		s.opts.Roots.Set(root, pipeline.RootAvailable, "")
		return counters
	}

	cutoff := wm.LastScanUTC.Add(-scanOverlap)
	extensions := snap.Policy.Monitoring.Extensions()
	newest := time.Time{}
	newestPath := ""

	walkErr := filepath.WalkDir(osRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			counters.errors++
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(path.Ext(d.Name()))
		if ext == "" || !containsFold(extensions, ext) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			counters.errors++
			return nil
		}
		counters.found++
		mtime := info.ModTime().UTC()
		if mtime.After(newest) {
			newest = mtime
			newestPath = p
		}
		if mtime.Before(cutoff) {
			counters.skipped++
			return nil
		}
		accepted := s.opts.Pipeline.EnqueueDetection(ctx, pipeline.DetectionCandidate{
			SourcePath:  p,
			Source:      pipeline.SourceScan,
			DetectedUTC: now,
			SizeHint:    info.Size(),
			HasSizeHint: true,
			MTimeHint:   mtime,
		})
		if accepted {
			counters.queued++
		}
		return nil
	})
	if walkErr != nil {
		s.opts.Roots.Set(root, pipeline.RootUnavailable, walkErr.Error())
		counters.errors++
		return counters
	}

	// Individual file errors do not abort the root; the watermark
	// still advances so the next sweep stays bounded.
	next := audit.Watermark{RootPath: root, LastScanUTC: now, LastSeenPath: newestPath}
	if err := s.opts.Store.SaveWatermark(ctx, next); err != nil {
		s.log.Warn("watermark save failed", zap.String("root", root), zap.Error(err))
		counters.errors++
	}
	s.opts.Roots.Set(root, pipeline.RootAvailable, "")
	return counters
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
