package pipeline

import (
	"context"
	"io"
	"os"
	"time"
)

// StabilityOptions tune the stability gate. Zero values take the
// defaults shown on each field.
type StabilityOptions struct {
	MinAge          time.Duration // 3s: ignore files younger than this since last write
	QuietWindow     time.Duration // 8s; <=0 skips the quiet check entirely
	RequiredChecks  int           // 3 consecutive unchanged polls
	PollInterval    time.Duration // 1.5s
	RequireUnlocked bool          // probe with an exclusive open
	CopySafeOpen    bool          // probe with a shared-read open

	// Test seams. Nil fields use the real filesystem and clock.
	Stat           func(path string) (size int64, lastWrite time.Time, err error)
	ProbeShared    func(path string) error
	ProbeExclusive func(path string) error
	Now            func() time.Time
	Sleep          func(ctx context.Context, d time.Duration) error
}

// StabilityGate polls a candidate until its size and mtime are
// quiescent, it is openable, and (optionally) not locked. A candidate
// that never settles before the deadline is silently dropped.
type StabilityGate struct {
	opts StabilityOptions
}

func NewStabilityGate(opts StabilityOptions) *StabilityGate {
	if opts.MinAge <= 0 {
		opts.MinAge = 3 * time.Second
	}
	if opts.RequiredChecks <= 0 {
		opts.RequiredChecks = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 1500 * time.Millisecond
	}
	if opts.Stat == nil {
		opts.Stat = statFile
	}
	if opts.ProbeShared == nil {
		opts.ProbeShared = probeSharedRead
	}
	if opts.ProbeExclusive == nil {
		opts.ProbeExclusive = probeExclusiveOpen
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &StabilityGate{opts: opts}
}

// WaitForStable runs the streak state machine. The second return is
// false when the file vanished, never settled before the deadline, or
// the context was cancelled.
func (g *StabilityGate) WaitForStable(ctx context.Context, sourcePath string) (StableFile, bool) {
	o := g.opts
	start := o.Now().UTC()
	// Worst-case bound: settle time plus a few slack polls.
	deadline := start.Add(o.MinAge + maxDuration(o.QuietWindow, 0) + o.PollInterval*time.Duration(o.RequiredChecks+4))

	streak := 0
	var stableSince time.Time
	var prevSize int64
	var prevWrite time.Time
	seen := false

	for {
		now := o.Now().UTC()
		if now.After(deadline) {
			return StableFile{}, false
		}
		size, lastWrite, err := o.Stat(sourcePath)
		if err != nil {
			return StableFile{}, false
		}
		lastWrite = lastWrite.UTC()

		switch {
		case now.Sub(lastWrite) < o.MinAge:
			streak = 0
			stableSince = time.Time{}
		case o.CopySafeOpen && o.ProbeShared(sourcePath) != nil:
			streak = 0
			stableSince = time.Time{}
		case o.RequireUnlocked && o.ProbeExclusive(sourcePath) != nil:
			streak = 0
			stableSince = time.Time{}
		case seen && size == prevSize && lastWrite.Equal(prevWrite):
			streak++
			if stableSince.IsZero() {
				stableSince = now
			}
		default:
			streak = 1
			stableSince = now
		}
		prevSize, prevWrite, seen = size, lastWrite, true

		if streak >= o.RequiredChecks && (o.QuietWindow <= 0 || now.Sub(stableSince) >= o.QuietWindow) {
			return StableFile{
				SourcePath:   sourcePath,
				SizeBytes:    size,
				LastWriteUTC: lastWrite,
				Fingerprint:  Fingerprint(sourcePath, size, lastWrite),
			}, true
		}
		if err := o.Sleep(ctx, o.PollInterval); err != nil {
			return StableFile{}, false
		}
	}
}

func statFile(path string) (int64, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	return info.Size(), info.ModTime(), nil
}

func probeSharedRead(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, 1)
	if _, err := f.Read(buf); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func probeExclusiveOpen(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
