package policy

import (
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the policy plus user preferences at
// one point in time. The agent reads whole snapshots and never mutates
// them; reload swaps in a replacement.
type Snapshot struct {
	Policy         *FirmPolicy
	Preferences    *UserPreferences
	SafeMode       bool
	SafeModeReason string
	LoadedAt       time.Time
}

// SafeModeSnapshot builds a snapshot that halts item processing while
// keeping diagnostics alive.
func SafeModeSnapshot(reason string, now time.Time) *Snapshot {
	return &Snapshot{
		Policy:         &FirmPolicy{},
		Preferences:    &UserPreferences{},
		SafeMode:       true,
		SafeModeReason: reason,
		LoadedAt:       now,
	}
}

// Accessor hands out the current snapshot to concurrent readers.
type Accessor struct {
	current atomic.Pointer[Snapshot]
}

func NewAccessor(initial *Snapshot) *Accessor {
	a := &Accessor{}
	if initial == nil {
		initial = SafeModeSnapshot("no policy loaded", time.Now().UTC())
	}
	a.current.Store(initial)
	return a
}

// Current never returns nil.
func (a *Accessor) Current() *Snapshot {
	return a.current.Load()
}

func (a *Accessor) Replace(next *Snapshot) {
	if next == nil {
		return
	}
	a.current.Store(next)
}
