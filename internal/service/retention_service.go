package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/vireohealth/fhirvault/internal/domain"
)

// RetentionService expires audit entries older than the configured window.
type RetentionService struct {
	audit     domain.AuditRepository
	log       *slog.Logger
	window    time.Duration
	batchSize int
}

func NewRetentionService(audit domain.AuditRepository, log *slog.Logger, window time.Duration, batchSize int) *RetentionService {
	if batchSize < 1 {
		batchSize = 5000
	}
	return &RetentionService{audit: audit, log: log, window: window, batchSize: batchSize}
}

// StartScheduler runs the sweep at the specified interval. Call in a goroutine.
func (s *RetentionService) StartScheduler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("audit retention scheduler started", "interval", interval, "window", s.window)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("audit retention scheduler stopped")
			return
		case <-ticker.C:
			s.RunSweep(ctx)
		}
	}
}

// RunSweep deletes expired entries in bounded batches so a large backlog
// never holds long-running locks on the audit stream.
func (s *RetentionService) RunSweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.window)
	var total int64
	for {
		n, err := s.audit.DeleteBefore(ctx, cutoff, s.batchSize)
		if err != nil {
			s.log.Warn("audit retention sweep failed", "cutoff", cutoff, "err", err)
			return
		}
		total += n
		if n < int64(s.batchSize) {
			break
		}
	}
	if total > 0 {
		s.log.Info("audit retention sweep completed", "removed", total, "cutoff", cutoff)
	}
}
