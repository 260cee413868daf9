package pipeline

import (
	"strings"
	"sync"
)

// ScanScheduler queues on-demand priority scans, one entry per root.
type ScanScheduler struct {
	mu     sync.Mutex
	queued []string
	seen   map[string]struct{}
}

func NewScanScheduler() *ScanScheduler {
	return &ScanScheduler{seen: map[string]struct{}{}}
}

// RequestPriorityScan enqueues rootPath unless it is already waiting.
// Returns true when the request was newly queued.
func (s *ScanScheduler) RequestPriorityScan(rootPath string) bool {
	rootPath = strings.TrimSpace(rootPath)
	if rootPath == "" {
		return false
	}
	key := strings.ToLower(rootPath)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}
	s.queued = append(s.queued, rootPath)
	return true
}

// TryDequeuePriorityScan pops the oldest queued root, if any.
func (s *ScanScheduler) TryDequeuePriorityScan() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queued) == 0 {
		return "", false
	}
	root := s.queued[0]
	s.queued = s.queued[1:]
	delete(s.seen, strings.ToLower(root))
	return root, true
}

// Depth reports how many priority scans are waiting.
func (s *ScanScheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}
