package pipeline

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// RootState is the availability of a filesystem root.
type RootState string

const (
	RootAvailable   RootState = "Available"
	RootUnavailable RootState = "Unavailable"
	RootRecovering  RootState = "Recovering"
)

// RootStateSnapshot is one root's current status.
type RootStateSnapshot struct {
	RootPath   string    `json:"rootPath"`
	State      RootState `json:"state"`
	UpdatedUTC time.Time `json:"updatedUtc"`
	Note       string    `json:"note,omitempty"`
}

// RootTracker is a last-write-wins status board keyed by root path.
// Any writer may set any state; there are no transition rules.
type RootTracker struct {
	now func() time.Time

	mu    sync.RWMutex
	roots map[string]RootStateSnapshot
}

func NewRootTracker() *RootTracker {
	return &RootTracker{now: time.Now, roots: map[string]RootStateSnapshot{}}
}

func (t *RootTracker) Set(rootPath string, state RootState, note string) {
	rootPath = strings.TrimSpace(rootPath)
	if rootPath == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roots[strings.ToLower(rootPath)] = RootStateSnapshot{
		RootPath:   rootPath,
		State:      state,
		UpdatedUTC: t.now().UTC(),
		Note:       note,
	}
}

func (t *RootTracker) Get(rootPath string) (RootStateSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.roots[strings.ToLower(strings.TrimSpace(rootPath))]
	return snap, ok
}

// Snapshot returns all known roots ordered by path.
func (t *RootTracker) Snapshot() []RootStateSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RootStateSnapshot, 0, len(t.roots))
	for _, snap := range t.roots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RootPath < out[j].RootPath })
	return out
}
