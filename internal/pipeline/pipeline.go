package pipeline

import (
	"context"
	"errors"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kappa9999/routeagent/internal/audit"
	"github.com/kappa9999/routeagent/internal/pathutil"
	"github.com/kappa9999/routeagent/internal/policy"
)

// Default queue capacities. Drop-newest on overflow, audited.
const (
	DefaultDetectionCapacity = 5000
	DefaultStabilityCapacity = 1000
	DefaultPromptCapacity    = 300
	DefaultTransferCapacity  = 200
)

const housekeepingInterval = 5 * time.Minute

// PreferencesSaver persists an updated user-preferences overlay and
// refreshes the live snapshot. policy.Manager implements it.
type PreferencesSaver interface {
	SavePreferences(prefs *policy.UserPreferences) error
}

// Options wire a Pipeline together.
type Options struct {
	Store         audit.Store
	Snapshots     *policy.Accessor
	Prompts       PromptService
	Connectors    *ConnectorHost
	Canonicalizer *pathutil.Canonicalizer
	Roots         *RootTracker
	Scheduler     *ScanScheduler
	Preferences   PreferencesSaver
	Logger        *zap.Logger

	// EventSink receives a copy of every audit event, for the live
	// diagnostics stream. Must not block.
	EventSink func(audit.Event)

	DetectionCapacity int
	StabilityCapacity int
	PromptCapacity    int
	TransferCapacity  int

	// StabilitySeams overrides the gate's filesystem and clock hooks
	// in tests; policy still supplies the tuning knobs.
	StabilitySeams StabilityOptions
	// TransferSleep and TransferDelays shrink retry waits in tests.
	TransferSleep  func(ctx context.Context, d time.Duration) error
	TransferDelays []time.Duration
	TransferOp     func(plan TransferPlan) error
}

// promptWork is the unit flowing from the stability stage to the
// prompt stage.
type promptWork struct {
	File          ClassifiedFile
	Project       ProjectResolution
	PendingItemID string
}

// Pipeline owns the four bounded stage queues and their worker loops.
type Pipeline struct {
	opts       Options
	log        *zap.Logger
	canon      *pathutil.Canonicalizer
	normalizer *EventNormalizer
	suppressor *OriginSuppressor
	classifier *Classifier
	registry   *Registry
	router     *Router
	conflicts  *ConflictResolver
	engine     *TransferEngine
	roots      *RootTracker
	scheduler  *ScanScheduler

	detectionQ *Queue[DetectionCandidate]
	stabilityQ *Queue[DetectionCandidate]
	promptQ    *Queue[promptWork]
	transferQ  *Queue[TransferPlan]

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New("pipeline: audit store required")
	}
	if opts.Snapshots == nil {
		return nil, errors.New("pipeline: policy accessor required")
	}
	if opts.Prompts == nil {
		opts.Prompts = AutoPromptService{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Canonicalizer == nil {
		opts.Canonicalizer = pathutil.NewCanonicalizer(nil)
	}
	if opts.Roots == nil {
		opts.Roots = NewRootTracker()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewScanScheduler()
	}
	if opts.Connectors == nil {
		opts.Connectors = NewConnectorHost(opts.Logger)
	}
	if opts.DetectionCapacity <= 0 {
		opts.DetectionCapacity = DefaultDetectionCapacity
	}
	if opts.StabilityCapacity <= 0 {
		opts.StabilityCapacity = DefaultStabilityCapacity
	}
	if opts.PromptCapacity <= 0 {
		opts.PromptCapacity = DefaultPromptCapacity
	}
	if opts.TransferCapacity <= 0 {
		opts.TransferCapacity = DefaultTransferCapacity
	}

	log := opts.Logger.Named("pipeline")
	p := &Pipeline{
		opts:       opts,
		log:        log,
		canon:      opts.Canonicalizer,
		normalizer: NewEventNormalizer(),
		suppressor: NewOriginSuppressor(opts.Store, log),
		classifier: NewClassifier(),
		registry:   NewRegistry(opts.Canonicalizer),
		router:     NewRouter(opts.Canonicalizer),
		roots:      opts.Roots,
		scheduler:  opts.Scheduler,
		detectionQ: NewQueue[DetectionCandidate]("detection", opts.DetectionCapacity),
		stabilityQ: NewQueue[DetectionCandidate]("stability", opts.StabilityCapacity),
		promptQ:    NewQueue[promptWork]("prompt", opts.PromptCapacity),
		transferQ:  NewQueue[TransferPlan]("transfer", opts.TransferCapacity),
	}
	p.conflicts = NewConflictResolver(ConflictResolverOptions{
		Prompts: opts.Prompts,
		SuffixTemplate: func() string {
			snap := opts.Snapshots.Current()
			if snap.Policy == nil {
				return policyDefaultSuffix
			}
			return snap.Policy.Conflict.SuffixTemplate()
		},
	})
	p.engine = NewTransferEngine(TransferEngineOptions{
		Roots:  opts.Roots,
		Logger: log,
		Sleep:  opts.TransferSleep,
		Delays: opts.TransferDelays,
		Op:     opts.TransferOp,
	})
	return p, nil
}

const policyDefaultSuffix = "_{yyyyMMdd_HHmmss}_{user}_{machine}"

// Scheduler exposes priority-scan control.
func (p *Pipeline) Scheduler() *ScanScheduler { return p.scheduler }

// Roots exposes the availability board.
func (p *Pipeline) Roots() *RootTracker { return p.roots }

// Start restores persisted pending work and launches the stage loops.
func (p *Pipeline) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	p.audit(ctx, audit.Event{Type: audit.EventAgentStartup})
	p.restorePending(ctx)

	loops := []func(context.Context){
		p.detectionLoop,
		p.stabilityLoop,
		p.promptLoop,
		p.transferLoop,
		p.housekeepingLoop,
	}
	for _, loop := range loops {
		p.wg.Add(1)
		go func(run func(context.Context)) {
			defer p.wg.Done()
			run(ctx)
		}(loop)
	}
	return nil
}

// Close shuts the queues, cancels in-flight waits, and joins the
// workers. Safe to call more than once.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.detectionQ.Close()
		p.stabilityQ.Close()
		p.promptQ.Close()
		p.transferQ.Close()
	})
	p.wg.Wait()
}

// Depths reports current queue depths for diagnostics.
func (p *Pipeline) Depths() map[string]int {
	return map[string]int{
		"detection": p.detectionQ.Depth(),
		"stability": p.stabilityQ.Depth(),
		"prompt":    p.promptQ.Depth(),
		"transfer":  p.transferQ.Depth(),
	}
}

// EnqueueDetection offers a candidate to the detection stage, auditing
// a drop when the queue is full.
func (p *Pipeline) EnqueueDetection(ctx context.Context, cand DetectionCandidate) bool {
	if cand.DetectedUTC.IsZero() {
		cand.DetectedUTC = time.Now().UTC()
	}
	if p.detectionQ.TryEnqueue(cand) {
		return true
	}
	dropEvent := audit.EventDetectionDrop
	if cand.Source == SourceScan {
		dropEvent = audit.EventScanDetectionDrop
	}
	p.audit(ctx, audit.Event{Type: dropEvent, SourcePath: cand.SourcePath})
	return false
}

// EnqueueManual is the external retry/ingress entry point.
func (p *Pipeline) EnqueueManual(ctx context.Context, cand DetectionCandidate) bool {
	cand.Source = SourceManual
	if cand.DetectedUTC.IsZero() {
		cand.DetectedUTC = time.Now().UTC()
	}
	if p.detectionQ.TryEnqueue(cand) {
		p.audit(ctx, audit.Event{Type: audit.EventManualDetectionEnqueued, SourcePath: cand.SourcePath})
		return true
	}
	p.audit(ctx, audit.Event{Type: audit.EventManualDetectionDropped, SourcePath: cand.SourcePath})
	return false
}

// NotifyWatcherOverflow records a watcher overflow and schedules a
// priority rescan so nothing stays lost.
func (p *Pipeline) NotifyWatcherOverflow(ctx context.Context, rootPath string) {
	p.audit(ctx, audit.Event{Type: audit.EventWatcherOverflow, SourcePath: rootPath})
	p.roots.Set(rootPath, RootRecovering, "watcher overflow")
	p.scheduler.RequestPriorityScan(rootPath)
}

// NotifyPolicyReloaded audits a policy snapshot swap.
func (p *Pipeline) NotifyPolicyReloaded(ctx context.Context, snap *policy.Snapshot) {
	payload := map[string]string{}
	if snap != nil && snap.SafeMode {
		payload["safeMode"] = "true"
		payload["reason"] = snap.SafeModeReason
	}
	p.audit(ctx, audit.Event{Type: audit.EventPolicyReloaded, Payload: payload})
}

func (p *Pipeline) restorePending(ctx context.Context) {
	items, err := p.opts.Store.ActivePendingItems(ctx)
	if err != nil {
		p.log.Warn("pending restore failed", zap.Error(err))
		return
	}
	for _, item := range items {
		cand := DetectionCandidate{
			SourcePath:    item.SourcePath,
			Source:        DetectionSource(item.Source),
			DetectedUTC:   item.DetectedUTC,
			PendingItemID: item.ID,
		}
		if cand.Source == "" {
			cand.Source = SourceManual
		}
		if !p.detectionQ.TryEnqueue(cand) {
			p.audit(ctx, audit.Event{Type: audit.EventPendingRestoreDrop, SourcePath: item.SourcePath})
		}
	}
	if len(items) > 0 {
		p.log.Info("restored pending items", zap.Int("count", len(items)))
	}
}

func (p *Pipeline) detectionLoop(ctx context.Context) {
	for {
		cand, ok := p.detectionQ.Dequeue(ctx)
		if !ok {
			return
		}
		snap := p.opts.Snapshots.Current()
		if snap.SafeMode {
			continue
		}
		cooldown := snap.Policy.Suppression.CooldownDuration()
		window := snap.Policy.Suppression.RenameClusterWindow()
		if !p.normalizer.TryNormalize(cand.SourcePath, cooldown, window) {
			continue
		}
		if p.suppressor.ShouldSuppress(ctx, cand.SourcePath, snap) {
			p.log.Debug("suppressed own operation", zap.String("path", cand.SourcePath))
			continue
		}
		if !p.stabilityQ.TryEnqueue(cand) {
			p.audit(ctx, audit.Event{Type: audit.EventStabilityDrop, SourcePath: cand.SourcePath})
		}
	}
}

func (p *Pipeline) stabilityLoop(ctx context.Context) {
	for {
		cand, ok := p.stabilityQ.Dequeue(ctx)
		if !ok {
			return
		}
		snap := p.opts.Snapshots.Current()
		if snap.SafeMode {
			continue
		}
		if snap.Preferences.Paused(time.Now().UTC()) {
			continue
		}
		canonical := p.canon.Canonicalize(cand.SourcePath)
		if _, snoozed := snap.Preferences.SnoozedUntil(canonical, time.Now().UTC()); snoozed {
			continue
		}
		if p.isIgnoredFolder(snap, canonical) {
			continue
		}

		gate := NewStabilityGate(p.gateOptions(snap))
		stable, settled := gate.WaitForStable(ctx, cand.SourcePath)
		if !settled {
			p.log.Debug("candidate never settled", zap.String("path", cand.SourcePath))
			continue
		}
		classified, managed := p.classifier.Classify(stable, snap)
		if !managed {
			continue
		}
		project, found := p.registry.Resolve(snap, stable.SourcePath)
		if !found {
			continue
		}
		inCandidate := p.registry.IsInCandidateRoot(snap, stable.SourcePath)
		inOfficial := p.registry.IsInOfficialDestination(project.Project, stable.SourcePath)
		if !inCandidate && !inOfficial {
			continue
		}
		work := promptWork{File: classified, Project: project, PendingItemID: cand.PendingItemID}
		if !p.promptQ.TryEnqueue(work) {
			p.audit(ctx, audit.Event{Type: audit.EventPromptDrop, SourcePath: stable.SourcePath})
		}
	}
}

func (p *Pipeline) promptLoop(ctx context.Context) {
	for {
		work, ok := p.promptQ.Dequeue(ctx)
		if !ok {
			return
		}
		snap := p.opts.Snapshots.Current()
		if snap.SafeMode {
			continue
		}
		p.handlePrompt(ctx, snap, work)
	}
}

func (p *Pipeline) handlePrompt(ctx context.Context, snap *policy.Snapshot, work promptWork) {
	file := work.File
	proj := work.Project
	sourcePath := file.SourcePath

	if p.registry.IsInOfficialDestination(proj.Project, sourcePath) &&
		proj.Project.Defaults.OfficialDestinationMode != policy.ModePromptEnabled {
		p.audit(ctx, audit.Event{
			Type:        audit.EventOfficialDestinationSight,
			SourcePath:  sourcePath,
			ProjectID:   proj.ProjectID,
			Fingerprint: file.Fingerprint,
		})
		p.finalizePending(ctx, work.PendingItemID, audit.StatusDismissed, "")
		return
	}

	defaultAction := ActionFromPolicy(proj.Project.Defaults.DefaultActionFor(string(file.Category)))
	decision, err := p.opts.Prompts.RequestRoutingDecision(ctx, RoutingContext{
		File:                  file,
		Project:               proj,
		DefaultAction:         defaultAction,
		DefaultPdfCategory:    proj.Project.Defaults.DefaultPdfCategory,
		InOfficialDestination: p.registry.IsInOfficialDestination(proj.Project, sourcePath),
	})
	if err != nil {
		p.log.Warn("routing prompt failed, leaving file alone", zap.String("path", sourcePath), zap.Error(err))
		decision = UserDecision{Action: ActionLeave, IgnoreOnce: true}
	}

	switch {
	case decision.AlwaysIgnoreFolder:
		p.addIgnoredFolder(snap, path.Dir(strings.ReplaceAll(sourcePath, "\\", "/")))
		p.finalizePending(ctx, work.PendingItemID, audit.StatusDismissed, "folder ignored")
		return
	case decision.SnoozeUntil != nil:
		p.addSnooze(snap, p.canon.Canonicalize(sourcePath), *decision.SnoozeUntil)
		p.ensurePending(ctx, work, audit.StatusPending, "snoozed")
		return
	case decision.IgnoreOnce || decision.Action == ActionLeave || decision.Action == ActionNone:
		// Dismissals stay on the review surface, so a fresh item gets a
		// durable row too.
		p.ensurePending(ctx, work, audit.StatusDismissed, "")
		return
	}

	route, routed := p.router.Route(file, proj, decision)
	if !routed {
		p.finalizePending(ctx, work.PendingItemID, audit.StatusError, "no destination configured for category")
		return
	}
	plan := p.conflicts.Resolve(ctx, sourcePath, route.DestinationPath, proj.ProjectID)
	if plan.Choice == ChoiceCancel {
		p.audit(ctx, audit.Event{
			Type:            audit.EventConflictCancelled,
			SourcePath:      sourcePath,
			DestinationPath: route.DestinationPath,
			ProjectID:       proj.ProjectID,
		})
		p.finalizePending(ctx, work.PendingItemID, audit.StatusDismissed, "conflict cancelled")
		return
	}

	pendingID := p.ensurePending(ctx, work, audit.StatusProcessing, "")
	transfer := TransferPlan{
		File:          file,
		Project:       proj,
		Decision:      decision,
		Route:         route,
		Conflict:      plan,
		PendingItemID: pendingID,
	}
	if !p.transferQ.TryEnqueue(transfer) {
		p.audit(ctx, audit.Event{Type: audit.EventTransferDrop, SourcePath: sourcePath})
		p.finalizePending(ctx, pendingID, audit.StatusPending, "transfer queue full")
	}
}

func (p *Pipeline) transferLoop(ctx context.Context) {
	for {
		plan, ok := p.transferQ.Dequeue(ctx)
		if !ok {
			return
		}
		result := p.engine.Execute(ctx, plan)
		switch {
		case result.Success:
			p.audit(ctx, audit.Event{
				Type:            audit.EventTransferSuccess,
				SourcePath:      result.SourcePath,
				DestinationPath: result.DestinationPath,
				Fingerprint:     plan.File.Fingerprint,
				ProjectID:       plan.Project.ProjectID,
				Payload: map[string]string{
					"action":   string(result.Action),
					"attempts": strconv.Itoa(result.Attempts),
				},
			})
			p.finalizePending(ctx, plan.PendingItemID, audit.StatusDone, "")
			p.recordRecentOperation(ctx, result)
			meta := p.opts.Connectors.Publish(ctx, plan.Project.Project, PublishRequest{
				ProjectID:       plan.Project.ProjectID,
				SourcePath:      result.SourcePath,
				DestinationPath: result.DestinationPath,
				FileName:        path.Base(strings.ReplaceAll(result.DestinationPath, "\\", "/")),
				Action:          string(result.Action),
				Category:        string(plan.File.Category),
			})
			p.audit(ctx, audit.Event{
				Type:            audit.EventConnectorPublish,
				SourcePath:      result.SourcePath,
				DestinationPath: result.DestinationPath,
				ProjectID:       plan.Project.ProjectID,
				Payload:         meta,
			})
		case result.Err != nil:
			p.audit(ctx, audit.Event{
				Type:            audit.EventTransferFailure,
				SourcePath:      result.SourcePath,
				DestinationPath: result.DestinationPath,
				ProjectID:       plan.Project.ProjectID,
				Payload: map[string]string{
					"error":    result.Err.Error(),
					"attempts": strconv.Itoa(result.Attempts),
				},
			})
			p.finalizePending(ctx, plan.PendingItemID, audit.StatusError, result.Err.Error())
		default:
			// Deliberate no-op (leave or cancelled before execution).
			p.finalizePending(ctx, plan.PendingItemID, audit.StatusDismissed, "")
		}
	}
}

// housekeepingLoop trims the recent-operations ledger on a timer.
func (p *Pipeline) housekeepingLoop(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ttl := ttlOrDefault(p.opts.Snapshots.Current())
			if removed, err := p.opts.Store.PruneRecentOperations(ctx, ttl); err != nil {
				p.log.Warn("recent-operations prune failed", zap.Error(err))
			} else if removed > 0 {
				p.log.Debug("pruned recent operations", zap.Int64("removed", removed))
			}
		}
	}
}

func (p *Pipeline) recordRecentOperation(ctx context.Context, result TransferResult) {
	info, err := os.Stat(result.DestinationPath)
	if err != nil {
		p.log.Debug("destination stat failed, recent operation not recorded",
			zap.String("path", result.DestinationPath), zap.Error(err))
		return
	}
	op := audit.RecentOperation{
		DestinationPath: result.DestinationPath,
		SizeBytes:       info.Size(),
		LastWriteUTC:    info.ModTime().UTC(),
		Action:          string(result.Action),
	}
	if err := p.opts.Store.SaveRecentOperation(ctx, op); err != nil {
		p.log.Warn("recent operation save failed", zap.Error(err))
	}
}

// ensurePending guarantees a durable row for the item and returns its
// id. Existing rows get a status update instead of a duplicate.
func (p *Pipeline) ensurePending(ctx context.Context, work promptWork, status audit.PendingStatus, note string) string {
	if work.PendingItemID != "" {
		p.finalizePending(ctx, work.PendingItemID, status, note)
		return work.PendingItemID
	}
	id, _, err := p.opts.Store.SavePendingItem(ctx, audit.PendingItem{
		SourcePath:  work.File.SourcePath,
		Fingerprint: work.File.Fingerprint,
		ProjectID:   work.Project.ProjectID,
		Category:    string(work.File.Category),
		DetectedUTC: time.Now().UTC(),
		Source:      string(SourceWatcher),
		Status:      status,
		LastError:   note,
	})
	if err != nil {
		p.log.Warn("pending item save failed", zap.String("path", work.File.SourcePath), zap.Error(err))
		return ""
	}
	return id
}

func (p *Pipeline) finalizePending(ctx context.Context, id string, status audit.PendingStatus, note string) {
	if id == "" {
		return
	}
	if err := p.opts.Store.UpdatePendingStatus(ctx, id, status, note); err != nil && !errors.Is(err, audit.ErrNotFound) {
		p.log.Warn("pending status update failed", zap.String("id", id), zap.Error(err))
	}
}

func (p *Pipeline) isIgnoredFolder(snap *policy.Snapshot, canonicalPath string) bool {
	for _, folder := range snap.Preferences.IgnoredFolders {
		if p.canon.PathStartsWith(canonicalPath, folder) {
			return true
		}
	}
	return false
}

func (p *Pipeline) addIgnoredFolder(snap *policy.Snapshot, folder string) {
	if p.opts.Preferences == nil {
		p.log.Debug("no preferences saver configured, ignore-folder not persisted", zap.String("folder", folder))
		return
	}
	prefs := clonePreferences(snap.Preferences)
	for _, existing := range prefs.IgnoredFolders {
		if strings.EqualFold(existing, folder) {
			return
		}
	}
	prefs.IgnoredFolders = append(prefs.IgnoredFolders, folder)
	if err := p.opts.Preferences.SavePreferences(prefs); err != nil {
		p.log.Warn("preferences save failed", zap.Error(err))
	}
}

func (p *Pipeline) addSnooze(snap *policy.Snapshot, canonicalPath string, until time.Time) {
	if p.opts.Preferences == nil {
		p.log.Debug("no preferences saver configured, snooze not persisted", zap.String("path", canonicalPath))
		return
	}
	prefs := clonePreferences(snap.Preferences)
	kept := prefs.Snoozes[:0]
	now := time.Now().UTC()
	for _, s := range prefs.Snoozes {
		if !strings.EqualFold(s.Path, canonicalPath) && now.Before(s.UntilUTC) {
			kept = append(kept, s)
		}
	}
	prefs.Snoozes = append(kept, policy.SnoozeEntry{Path: canonicalPath, UntilUTC: until.UTC()})
	if err := p.opts.Preferences.SavePreferences(prefs); err != nil {
		p.log.Warn("preferences save failed", zap.Error(err))
	}
}

func clonePreferences(in *policy.UserPreferences) *policy.UserPreferences {
	out := &policy.UserPreferences{}
	if in == nil {
		return out
	}
	out.MonitoringPaused = in.MonitoringPaused
	if in.PausedUntilUTC != nil {
		until := *in.PausedUntilUTC
		out.PausedUntilUTC = &until
	}
	out.IgnoredFolders = append([]string(nil), in.IgnoredFolders...)
	out.Snoozes = append([]policy.SnoozeEntry(nil), in.Snoozes...)
	return out
}

func (p *Pipeline) gateOptions(snap *policy.Snapshot) StabilityOptions {
	cfg := snap.Policy.Stability
	opts := StabilityOptions{
		MinAge:          cfg.MinAge(),
		QuietWindow:     cfg.QuietWindow(),
		RequiredChecks:  cfg.Checks(),
		PollInterval:    cfg.PollInterval(),
		RequireUnlocked: cfg.RequireUnlocked,
		CopySafeOpen:    cfg.CopySafeOpen,
	}
	seams := p.opts.StabilitySeams
	opts.Stat = seams.Stat
	opts.ProbeShared = seams.ProbeShared
	opts.ProbeExclusive = seams.ProbeExclusive
	opts.Now = seams.Now
	opts.Sleep = seams.Sleep
	return opts
}

func (p *Pipeline) audit(ctx context.Context, ev audit.Event) {
	ev.TimestampUTC = time.Now().UTC()
	if err := p.opts.Store.AppendEvent(ctx, ev); err != nil {
		p.log.Warn("audit append failed", zap.String("type", ev.Type), zap.Error(err))
	}
	if p.opts.EventSink != nil {
		p.opts.EventSink(ev)
	}
}

