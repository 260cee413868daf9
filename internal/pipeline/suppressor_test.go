package pipeline

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kappa9999/routeagent/internal/audit"
	"github.com/kappa9999/routeagent/internal/policy"
)

type fakeFileInfo struct {
	size  int64
	mtime time.Time
}

func (f fakeFileInfo) Name() string       { return "x" }
func (f fakeFileInfo) Size() int64        { return f.size }
func (f fakeFileInfo) Mode() os.FileMode  { return 0o644 }
func (f fakeFileInfo) ModTime() time.Time { return f.mtime }
func (f fakeFileInfo) IsDir() bool        { return false }
func (f fakeFileInfo) Sys() any           { return nil }

func suppressorSnapshot() *policy.Snapshot {
	return &policy.Snapshot{
		Policy:      &policy.FirmPolicy{},
		Preferences: &policy.UserPreferences{},
	}
}

func TestSuppressorMatchesOwnOperation(t *testing.T) {
	ctx := context.Background()
	store := audit.NewMemoryStore()
	mtime := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := store.SaveRecentOperation(ctx, audit.RecentOperation{
		DestinationPath: "/srv/pub/site.dwg",
		SizeBytes:       100,
		LastWriteUTC:    mtime,
		Action:          "move",
	}); err != nil {
		t.Fatal(err)
	}

	s := NewOriginSuppressor(store, nil)
	s.stat = func(string) (os.FileInfo, error) {
		return fakeFileInfo{size: 100, mtime: mtime}, nil
	}
	if !s.ShouldSuppress(ctx, "/srv/pub/site.dwg", suppressorSnapshot()) {
		t.Fatal("the agent's own write must be suppressed")
	}

	// Different size means someone touched the file since; process it.
	s.stat = func(string) (os.FileInfo, error) {
		return fakeFileInfo{size: 200, mtime: mtime}, nil
	}
	if s.ShouldSuppress(ctx, "/srv/pub/site.dwg", suppressorSnapshot()) {
		t.Fatal("a changed file must not be suppressed")
	}
}

func TestSuppressorFailsOpen(t *testing.T) {
	ctx := context.Background()
	s := NewOriginSuppressor(audit.NewMemoryStore(), nil)
	s.stat = func(string) (os.FileInfo, error) {
		return nil, os.ErrNotExist
	}
	if s.ShouldSuppress(ctx, "/srv/pub/gone.dwg", suppressorSnapshot()) {
		t.Fatal("missing file must not be suppressed")
	}
	if s.ShouldSuppress(ctx, "/srv/pub/x.dwg", nil) {
		t.Fatal("nil snapshot must not suppress")
	}
}
