package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. Used by tests and as
// the fallback when no durable DSN is configured.
type MemoryStore struct {
	mu        sync.Mutex
	nextEvent int64
	nextScan  int64
	events    []Event
	scans     []ScanRun
	pending   []PendingItem
	recent    []RecentOperation
	marks     map[string]Watermark
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: map[string]Watermark{}}
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEvent++
	ev.ID = m.nextEvent
	if ev.TimestampUTC.IsZero() {
		ev.TimestampUTC = time.Now().UTC()
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) RecentEvents(_ context.Context, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

func (m *MemoryStore) SaveScanRun(_ context.Context, run ScanRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextScan++
	run.ID = m.nextScan
	m.scans = append(m.scans, run)
	return nil
}

func (m *MemoryStore) RecentScanRuns(_ context.Context, limit int) ([]ScanRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.scans) {
		limit = len(m.scans)
	}
	out := make([]ScanRun, 0, limit)
	for i := len(m.scans) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.scans[i])
	}
	return out, nil
}

func (m *MemoryStore) SavePendingItem(_ context.Context, item PendingItem) (string, bool, error) {
	if strings.TrimSpace(item.SourcePath) == "" {
		return "", false, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.pending {
		if existing.Status.Active() &&
			strings.EqualFold(existing.SourcePath, item.SourcePath) &&
			existing.Fingerprint == item.Fingerprint {
			return existing.ID, false, nil
		}
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	item.UpdatedUTC = time.Now().UTC()
	m.pending = append(m.pending, item)
	return item.ID, true, nil
}

func (m *MemoryStore) UpdatePendingStatus(_ context.Context, id string, status PendingStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pending {
		if m.pending[i].ID == id {
			m.pending[i].Status = status
			m.pending[i].LastError = lastError
			m.pending[i].UpdatedUTC = time.Now().UTC()
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) ActivePendingItems(_ context.Context) ([]PendingItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PendingItem
	for _, item := range m.pending {
		if item.Status.Active() {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListPendingItems(_ context.Context, limit int) ([]PendingItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.pending) {
		limit = len(m.pending)
	}
	out := make([]PendingItem, 0, limit)
	for i := len(m.pending) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.pending[i])
	}
	return out, nil
}

func (m *MemoryStore) SaveRecentOperation(_ context.Context, op RecentOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op.RecordedUTC.IsZero() {
		op.RecordedUTC = time.Now().UTC()
	}
	for i := range m.recent {
		if strings.EqualFold(m.recent[i].DestinationPath, op.DestinationPath) &&
			m.recent[i].SizeBytes == op.SizeBytes &&
			m.recent[i].LastWriteUTC.Equal(op.LastWriteUTC) {
			m.recent[i] = op
			return nil
		}
	}
	m.recent = append(m.recent, op)
	return nil
}

func (m *MemoryStore) HasRecentOperation(_ context.Context, destinationPath string, sizeBytes int64, lastWriteUTC time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-ttl)
	for _, op := range m.recent {
		if strings.EqualFold(op.DestinationPath, destinationPath) &&
			op.SizeBytes == sizeBytes &&
			op.LastWriteUTC.Equal(lastWriteUTC) &&
			op.RecordedUTC.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) PruneRecentOperations(_ context.Context, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-ttl)
	kept := m.recent[:0]
	var removed int64
	for _, op := range m.recent {
		if op.RecordedUTC.After(cutoff) {
			kept = append(kept, op)
		} else {
			removed++
		}
	}
	m.recent = kept
	return removed, nil
}

func (m *MemoryStore) GetWatermark(_ context.Context, rootPath string) (*Watermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wm, ok := m.marks[strings.ToLower(rootPath)]
	if !ok {
		return nil, nil
	}
	out := wm
	return &out, nil
}

func (m *MemoryStore) SaveWatermark(_ context.Context, wm Watermark) error {
	if strings.TrimSpace(wm.RootPath) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[strings.ToLower(wm.RootPath)] = wm
	return nil
}

func (m *MemoryStore) Close() error { return nil }
