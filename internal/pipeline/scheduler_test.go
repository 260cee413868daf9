package pipeline

import "testing"

func TestSchedulerDeduplicatesPendingRoots(t *testing.T) {
	s := NewScanScheduler()
	if !s.RequestPriorityScan("/srv/exchange") {
		t.Fatal("first request must queue")
	}
	if s.RequestPriorityScan("/SRV/EXCHANGE") {
		t.Fatal("duplicate request must be rejected while queued")
	}
	if s.Depth() != 1 {
		t.Fatalf("depth = %d", s.Depth())
	}
	root, ok := s.TryDequeuePriorityScan()
	if !ok || root != "/srv/exchange" {
		t.Fatalf("dequeued %q ok=%v", root, ok)
	}
	// Once dequeued, the same root can be requested again.
	if !s.RequestPriorityScan("/srv/exchange") {
		t.Fatal("root must be requestable again after dequeue")
	}
}

func TestSchedulerFIFOOrder(t *testing.T) {
	s := NewScanScheduler()
	s.RequestPriorityScan("/srv/a")
	s.RequestPriorityScan("/srv/b")
	s.RequestPriorityScan("/srv/c")
	for _, want := range []string{"/srv/a", "/srv/b", "/srv/c"} {
		got, ok := s.TryDequeuePriorityScan()
		if !ok || got != want {
			t.Fatalf("dequeued %q ok=%v, want %q", got, ok, want)
		}
	}
	if _, ok := s.TryDequeuePriorityScan(); ok {
		t.Fatal("empty scheduler must report no work")
	}
	if s.RequestPriorityScan("  ") {
		t.Fatal("blank root must be rejected")
	}
}
