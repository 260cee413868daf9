package pipeline

import (
	"path"
	"strings"
	"sync"
	"time"
)

const clusterEvictionAge = 5 * time.Minute

// EventNormalizer collapses noisy filesystem notifications: rapid
// create/rename/write bursts for the same logical file count as one
// signal, and repeats of the same path inside a cooldown window are
// suppressed. Pure in-memory heuristic, no I/O.
type EventNormalizer struct {
	now func() time.Time

	mu        sync.Mutex
	accepted  map[string]time.Time
	clusters  map[string]time.Time
	lastSweep time.Time
}

func NewEventNormalizer() *EventNormalizer {
	return NewEventNormalizerWithClock(time.Now)
}

func NewEventNormalizerWithClock(now func() time.Time) *EventNormalizer {
	return &EventNormalizer{
		now:      now,
		accepted: map[string]time.Time{},
		clusters: map[string]time.Time{},
	}
}

// TryNormalize reports whether the event for sourcePath should be
// accepted. cooldown bounds repeats per path; clusterWindow bounds
// rename bursts per (directory, filename-without-extension).
func (n *EventNormalizer) TryNormalize(sourcePath string, cooldown, clusterWindow time.Duration) bool {
	now := n.now().UTC()
	normalized := strings.ToLower(strings.ReplaceAll(sourcePath, "\\", "/"))
	clusterKey := clusterKeyFor(normalized)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.maybeSweep(now, cooldown)

	if prev, ok := n.clusters[clusterKey]; ok && now.Sub(prev) < clusterWindow {
		n.clusters[clusterKey] = now
		return false
	}
	n.clusters[clusterKey] = now

	if prev, ok := n.accepted[normalized]; ok && now.Sub(prev) < cooldown {
		return false
	}
	n.accepted[normalized] = now
	return true
}

func clusterKeyFor(normalized string) string {
	dir := path.Dir(normalized)
	base := path.Base(normalized)
	if ext := path.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	return dir + "|" + base
}

// maybeSweep evicts stale entries so the maps stay bounded under
// sustained event load.
func (n *EventNormalizer) maybeSweep(now time.Time, cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = time.Second
	}
	if now.Sub(n.lastSweep) < cooldown {
		return
	}
	n.lastSweep = now
	maxAge := 3 * cooldown
	for key, seen := range n.accepted {
		if now.Sub(seen) > maxAge {
			delete(n.accepted, key)
		}
	}
	for key, seen := range n.clusters {
		if now.Sub(seen) > clusterEvictionAge {
			delete(n.clusters, key)
		}
	}
}
