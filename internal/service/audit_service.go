package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vireohealth/fhirvault/internal/domain"
	"github.com/vireohealth/fhirvault/internal/obs"
)

// auditJob bundles the asynchronous side effects of one observed operation:
// zero or more history appends plus at most one audit entry.
type auditJob struct {
	histories []*domain.HistoryRecord
	entries   []*domain.AuditEntry
}

// AuditService persists history and audit records off the synchronous write
// path. Jobs go through a bounded queue drained by a fixed worker pool; when
// the queue is full, enqueueing blocks the submitter instead of dropping —
// silently losing entries would break the audit trail.
//
// Failures inside the workers are logged and swallowed. Audit is best-effort
// and must never fail the originating operation.
type AuditService struct {
	auditRepo   domain.AuditRepository
	historyRepo domain.HistoryRepository
	log         *slog.Logger

	jobs      chan auditJob
	wg        sync.WaitGroup
	closeOnce sync.Once

	// writeTimeout bounds each background store write.
	writeTimeout time.Duration
}

func NewAuditService(auditRepo domain.AuditRepository, historyRepo domain.HistoryRepository, log *slog.Logger, queueSize, workers int) *AuditService {
	if queueSize < 1 {
		queueSize = 1024
	}
	if workers < 1 {
		workers = 4
	}
	s := &AuditService{
		auditRepo:    auditRepo,
		historyRepo:  historyRepo,
		log:          log,
		jobs:         make(chan auditJob, queueSize),
		writeTimeout: 10 * time.Second,
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// RecordMutation enqueues the history record and audit entry produced by one
// completed mutation. Fire-and-forget: it returns once the job is queued.
func (s *AuditService) RecordMutation(h *domain.HistoryRecord, e *domain.AuditEntry) {
	s.enqueue(auditJob{histories: []*domain.HistoryRecord{h}, entries: []*domain.AuditEntry{e}})
}

// RecordBulk enqueues the side effects of a bulk create group in one job so
// the history rows go through the bulk append path.
func (s *AuditService) RecordBulk(hs []*domain.HistoryRecord, es []*domain.AuditEntry) {
	if len(hs) > 0 || len(es) > 0 {
		s.enqueue(auditJob{histories: hs, entries: es})
	}
}

// RecordAccess enqueues a lighter-weight entry for a read or search.
func (s *AuditService) RecordAccess(e *domain.AuditEntry) {
	s.enqueue(auditJob{entries: []*domain.AuditEntry{e}})
}

func (s *AuditService) enqueue(j auditJob) {
	s.jobs <- j
	obs.SetAuditQueueDepth(len(s.jobs))
}

// List exposes the audit trail for the admin API.
func (s *AuditService) List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditEntry, int, error) {
	return s.auditRepo.List(ctx, filter)
}

// Close stops accepting jobs and blocks until queued work is flushed.
func (s *AuditService) Close() {
	s.closeOnce.Do(func() { close(s.jobs) })
	s.wg.Wait()
}

func (s *AuditService) worker() {
	defer s.wg.Done()
	for job := range s.jobs {
		obs.SetAuditQueueDepth(len(s.jobs))
		s.process(job)
	}
}

func (s *AuditService) process(job auditJob) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	switch len(job.histories) {
	case 0:
	case 1:
		if err := s.historyRepo.Append(ctx, job.histories[0]); err != nil {
			s.log.Warn("history append failed",
				"resource_type", job.histories[0].ResourceType,
				"resource_id", job.histories[0].ResourceID,
				"version", job.histories[0].VersionID, "err", err)
		}
	default:
		if err := s.historyRepo.BulkAppend(ctx, job.histories); err != nil {
			s.log.Warn("bulk history append failed", "count", len(job.histories), "err", err)
		}
	}

	for _, e := range job.entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		if e.Action == domain.ActionUpdate && e.OldValue != nil && e.NewValue != nil && e.Changes == nil {
			changes, err := ComputeChanges(e.OldValue, e.NewValue)
			if err != nil {
				s.log.Warn("field diff failed", "resource_type", e.ResourceType,
					"resource_id", e.ResourceID, "err", err)
			} else {
				e.Changes = changes
			}
		}
		if err := s.auditRepo.Create(ctx, e); err != nil {
			s.log.Warn("audit write failed", "action", e.Action,
				"resource_type", e.ResourceType, "err", err)
		}
	}
}
