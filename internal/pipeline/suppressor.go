package pipeline

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kappa9999/routeagent/internal/audit"
	"github.com/kappa9999/routeagent/internal/policy"
)

// OriginSuppressor keeps the agent from reacting to its own completed
// moves and copies by consulting the recent-operations ledger. It
// fails open: when it cannot decide, the candidate proceeds.
type OriginSuppressor struct {
	store audit.Store
	log   *zap.Logger

	// stat is swappable for tests.
	stat func(string) (os.FileInfo, error)
}

func NewOriginSuppressor(store audit.Store, log *zap.Logger) *OriginSuppressor {
	if log == nil {
		log = zap.NewNop()
	}
	return &OriginSuppressor{store: store, log: log.Named("suppressor"), stat: os.Stat}
}

// ShouldSuppress reports whether the candidate matches a recent
// operation performed by the agent itself.
func (s *OriginSuppressor) ShouldSuppress(ctx context.Context, sourcePath string, snap *policy.Snapshot) bool {
	if s.store == nil || snap == nil || snap.Policy == nil {
		return false
	}
	info, err := s.stat(sourcePath)
	if err != nil {
		// Nothing on disk, nothing to suppress.
		return false
	}
	ttl := snap.Policy.Suppression.RecentOperationTTL()
	found, err := s.store.HasRecentOperation(ctx, sourcePath, info.Size(), info.ModTime().UTC(), ttl)
	if err != nil {
		s.log.Debug("recent-operation lookup failed, not suppressing",
			zap.String("path", sourcePath), zap.Error(err))
		return false
	}
	return found
}

// ttlOrDefault is kept for callers that need the ledger TTL without a
// full snapshot.
func ttlOrDefault(snap *policy.Snapshot) time.Duration {
	if snap == nil || snap.Policy == nil {
		return 20 * time.Minute
	}
	return snap.Policy.Suppression.RecentOperationTTL()
}
