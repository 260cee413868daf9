package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrSourceVanished means the source file disappeared before the
// transfer could run. Not retryable.
var ErrSourceVanished = errors.New("source file no longer exists")

// transferDelays is the fixed backoff schedule between attempts.
var transferDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// TransferEngineOptions configure a TransferEngine.
type TransferEngineOptions struct {
	Roots  *RootTracker
	Logger *zap.Logger

	// Sleep is a test seam for the backoff delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// Delays overrides the backoff schedule (tests shrink it).
	Delays []time.Duration
	// Op overrides the per-attempt filesystem operation.
	Op func(plan TransferPlan) error
}

// TransferEngine executes transfer plans with bounded retry. Transient
// filesystem errors flip the destination root to Unavailable, then
// Recovering while the next attempt waits.
type TransferEngine struct {
	roots  *RootTracker
	log    *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	delays []time.Duration
	op     func(plan TransferPlan) error
}

func NewTransferEngine(opts TransferEngineOptions) *TransferEngine {
	if opts.Roots == nil {
		opts.Roots = NewRootTracker()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if len(opts.Delays) == 0 {
		opts.Delays = transferDelays
	}
	e := &TransferEngine{
		roots:  opts.Roots,
		log:    opts.Logger.Named("transfer"),
		sleep:  opts.Sleep,
		delays: opts.Delays,
	}
	e.op = opts.Op
	if e.op == nil {
		e.op = e.attempt
	}
	return e
}

// Execute runs the plan. A cancelled conflict or a Leave/None decision
// short-circuits with success=false and attempts=0; that is a
// deliberate no-op, not an error.
func (e *TransferEngine) Execute(ctx context.Context, plan TransferPlan) TransferResult {
	result := TransferResult{
		SourcePath:      plan.File.SourcePath,
		DestinationPath: plan.Conflict.FinalDestinationPath,
		Action:          plan.Decision.Action,
	}
	if plan.Conflict.Choice == ChoiceCancel ||
		plan.Decision.Action == ActionLeave || plan.Decision.Action == ActionNone {
		return result
	}

	maxAttempts := len(e.delays)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		err := e.op(plan)
		if err == nil {
			e.roots.Set(plan.Route.DestinationRoot, RootAvailable, "")
			result.Success = true
			return result
		}
		if errors.Is(err, ErrSourceVanished) {
			result.Err = err
			return result
		}
		lastErr = err
		e.roots.Set(plan.Route.DestinationRoot, RootUnavailable, err.Error())
		e.log.Warn("transfer attempt failed",
			zap.String("source", plan.File.SourcePath),
			zap.String("destination", result.DestinationPath),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < maxAttempts {
			e.roots.Set(plan.Route.DestinationRoot, RootRecovering, err.Error())
			if sleepErr := e.sleep(ctx, e.delays[attempt-1]); sleepErr != nil {
				result.Err = sleepErr
				return result
			}
		}
	}
	result.Err = lastErr
	return result
}

func (e *TransferEngine) attempt(plan TransferPlan) error {
	src := filepath.FromSlash(plan.File.SourcePath)
	dest := filepath.FromSlash(plan.Conflict.FinalDestinationPath)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return ErrSourceVanished
		}
		return err
	}
	if plan.Conflict.Choice == ChoiceOverwrite {
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove existing destination: %w", err)
		}
	}

	switch plan.Decision.Action {
	case ActionCopy, ActionPublishCopy:
		return copyFileExclusive(src, dest)
	default:
		return moveFileExclusive(src, dest)
	}
}

// copyFileExclusive copies src to dest, failing if dest already exists
// so a concurrent writer cannot be clobbered without an explicit
// Overwrite choice.
func copyFileExclusive(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrSourceVanished
		}
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return err
	}
	if info, err := os.Stat(src); err == nil {
		_ = os.Chtimes(dest, time.Now(), info.ModTime())
	}
	return nil
}

// moveFileExclusive is copy-then-delete: it keeps the exclusive-create
// race protection and works across filesystems, at the cost of not
// being a single rename.
func moveFileExclusive(src, dest string) error {
	if err := copyFileExclusive(src, dest); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}
