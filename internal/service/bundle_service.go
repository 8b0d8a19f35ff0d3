package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vireohealth/fhirvault/internal/domain"
	"github.com/vireohealth/fhirvault/internal/fhir"
	"github.com/vireohealth/fhirvault/internal/ids"
)

// BundleService executes batch/transaction submissions. Entries are
// processed best-effort: a failing entry produces an error result and never
// aborts or rolls back its siblings. The "transaction" label only changes
// the type echoed back in the response — a known, documented limitation
// carried over from the observed behavior this store replicates.
type BundleService struct {
	repo      domain.ResourceRepository
	resources *ResourceService
	audit     *AuditService
	log       *slog.Logger

	chunkSize      int
	typeChunkSizes map[string]int
}

func NewBundleService(repo domain.ResourceRepository, resources *ResourceService, audit *AuditService, log *slog.Logger, chunkSize int, typeChunkSizes map[string]int) *BundleService {
	if chunkSize < 1 {
		chunkSize = 1000
	}
	return &BundleService{
		repo:           repo,
		resources:      resources,
		audit:          audit,
		log:            log,
		chunkSize:      chunkSize,
		typeChunkSizes: typeChunkSizes,
	}
}

// pendingCreate is a decoded CREATE entry waiting for bulk insert.
type pendingCreate struct {
	index int
	rec   *domain.ResourceRecord
}

// Process executes every entry of the submission and returns one result per
// entry, in submission order.
//
// CREATE entries are validated first so their assigned ids can resolve
// correlation tokens (urn:uuid fullUrls) referenced by any entry, then bulk
// inserted in fixed-size groups per resource type. UPDATE, DELETE and READ
// entries run individually afterwards, in order, because they need the
// per-resource version discipline of the resource store.
func (s *BundleService) Process(ctx context.Context, bundle *domain.Bundle, actor string) *domain.BundleResponse {
	results := make([]domain.BundleResult, len(bundle.Entries))
	refs := map[string]string{} // correlation token -> "Type/id"

	// Pass 1: decode creates, assign ids, build the correlation map.
	var pendingByType = map[string][]pendingCreate{}
	for i, entry := range bundle.Entries {
		if entry.Verb != domain.VerbCreate {
			continue
		}
		rec, err := s.prepareCreate(entry)
		if err != nil {
			results[i] = errorResult(err)
			continue
		}
		if entry.FullURL != "" {
			refs[entry.FullURL] = rec.ResourceType + "/" + rec.ResourceID
		}
		pendingByType[rec.ResourceType] = append(pendingByType[rec.ResourceType], pendingCreate{index: i, rec: rec})
	}

	// Pass 2: rewrite correlation tokens inside every pending payload.
	if len(refs) > 0 {
		for _, pending := range pendingByType {
			for _, p := range pending {
				p.rec.Payload = rewriteRefs(p.rec.Payload, refs)
			}
		}
	}

	// Pass 3: bulk insert creates in per-type groups.
	for resourceType, pending := range pendingByType {
		size := s.chunkFor(resourceType)
		for start := 0; start < len(pending); start += size {
			end := start + size
			if end > len(pending) {
				end = len(pending)
			}
			s.insertGroup(ctx, pending[start:end], results, actor)
		}
	}

	// Pass 4: the remaining verbs, individually, in submission order.
	for i, entry := range bundle.Entries {
		if entry.Verb == domain.VerbCreate {
			continue
		}
		results[i] = s.processOne(ctx, entry, refs, actor)
	}

	return &domain.BundleResponse{Type: bundle.Type, Results: results}
}

func (s *BundleService) prepareCreate(entry domain.BundleEntry) (*domain.ResourceRecord, error) {
	declaredType, _, err := fhir.Decode(entry.Payload)
	if err != nil {
		return nil, err
	}
	resourceType := entry.ResourceType
	if resourceType == "" {
		resourceType = declaredType
	}
	if declaredType != resourceType {
		return nil, fmt.Errorf("%w: payload resourceType %q does not match %q",
			domain.ErrInvalidInput, declaredType, resourceType)
	}
	now := time.Now().UTC()
	resourceID := uuid.NewString()
	stamped, err := fhir.Stamp(entry.Payload, resourceID, 1, now)
	if err != nil {
		return nil, err
	}
	return &domain.ResourceRecord{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		VersionID:    1,
		Payload:      stamped,
		LastUpdated:  now,
		CreatedAt:    now,
		StorageKey:   ids.NewStorageKey(),
	}, nil
}

// insertGroup bulk-inserts one group. If the bulk write fails as a whole the
// group is retried record by record so failures attribute to the right
// entry instead of poisoning the group.
func (s *BundleService) insertGroup(ctx context.Context, group []pendingCreate, results []domain.BundleResult, actor string) {
	recs := make([]*domain.ResourceRecord, len(group))
	for i, p := range group {
		recs[i] = p.rec
	}

	if err := s.repo.BulkInsert(ctx, recs); err != nil {
		s.log.Warn("bulk insert failed, retrying individually", "count", len(recs), "err", err)
		for _, p := range group {
			if err := s.repo.Insert(ctx, p.rec); err != nil {
				results[p.index] = errorResult(err)
				continue
			}
			results[p.index] = createdResult(p.rec)
			s.recordCreate(p.rec, actor)
		}
		return
	}

	histories := make([]*domain.HistoryRecord, 0, len(group))
	entries := make([]*domain.AuditEntry, 0, len(group))
	for _, p := range group {
		results[p.index] = createdResult(p.rec)
		histories = append(histories, historyFor(p.rec, domain.ActionCreate))
		entries = append(entries, auditFor(p.rec, domain.ActionCreate, actor))
	}
	s.audit.RecordBulk(histories, entries)
}

func (s *BundleService) recordCreate(rec *domain.ResourceRecord, actor string) {
	s.audit.RecordMutation(historyFor(rec, domain.ActionCreate), auditFor(rec, domain.ActionCreate, actor))
}

func (s *BundleService) processOne(ctx context.Context, entry domain.BundleEntry, refs map[string]string, actor string) domain.BundleResult {
	resourceType, resourceID := entry.ResourceType, entry.ResourceID
	// The entry may target a resource created earlier in this submission,
	// addressed by its correlation token.
	if ref, ok := refs[entry.ResourceID]; ok {
		resourceType, resourceID = splitRef(ref)
	} else if ref, ok := refs[entry.ResourceType]; ok {
		resourceType, resourceID = splitRef(ref)
	}

	switch entry.Verb {
	case domain.VerbUpdate:
		payload := rewriteRefs(entry.Payload, refs)
		rec, created, err := s.resources.Update(ctx, resourceType, resourceID, payload, actor)
		if err != nil {
			return errorResult(err)
		}
		if created {
			return createdResult(rec)
		}
		return domain.BundleResult{
			Status:   statusLine(http.StatusOK),
			Location: location(rec),
			ETag:     etag(rec.VersionID),
		}
	case domain.VerbDelete:
		if err := s.resources.Delete(ctx, resourceType, resourceID, actor); err != nil {
			return errorResult(err)
		}
		return domain.BundleResult{Status: statusLine(http.StatusNoContent)}
	case domain.VerbRead:
		rec, err := s.resources.Read(ctx, resourceType, resourceID)
		if err != nil {
			return errorResult(err)
		}
		return domain.BundleResult{
			Status:  statusLine(http.StatusOK),
			ETag:    etag(rec.VersionID),
			Payload: rec.Payload,
		}
	case domain.VerbCreate:
		// handled in the bulk pass
		return domain.BundleResult{}
	default:
		return errorResult(fmt.Errorf("%w: unknown bundle verb %q", domain.ErrInvalidInput, entry.Verb))
	}
}

func (s *BundleService) chunkFor(resourceType string) int {
	if size, ok := s.typeChunkSizes[resourceType]; ok && size > 0 {
		return size
	}
	return s.chunkSize
}

// rewriteRefs substitutes correlation tokens with the final Type/id
// references they map to. Tokens only ever appear as whole JSON string
// values, so a quoted byte-level replacement is exact.
func rewriteRefs(payload []byte, refs map[string]string) []byte {
	for token, ref := range refs {
		payload = bytes.ReplaceAll(payload,
			[]byte(`"`+token+`"`),
			[]byte(`"`+ref+`"`))
	}
	return payload
}

func splitRef(ref string) (resourceType, resourceID string) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:]
		}
	}
	return ref, ""
}

func historyFor(rec *domain.ResourceRecord, action domain.Action) *domain.HistoryRecord {
	return &domain.HistoryRecord{
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		VersionID:    rec.VersionID,
		Payload:      rec.Payload,
		Timestamp:    rec.LastUpdated,
		Action:       action,
	}
}

func auditFor(rec *domain.ResourceRecord, action domain.Action, actor string) *domain.AuditEntry {
	v := rec.VersionID
	return &domain.AuditEntry{
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		Action:       action,
		VersionID:    &v,
		Actor:        actor,
		NewValue:     rec.Payload,
	}
}

func createdResult(rec *domain.ResourceRecord) domain.BundleResult {
	return domain.BundleResult{
		Status:   statusLine(http.StatusCreated),
		Location: location(rec),
		ETag:     etag(rec.VersionID),
	}
}

func errorResult(err error) domain.BundleResult {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrGone):
		status = http.StatusGone
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	}
	return domain.BundleResult{Status: statusLine(status), Error: err.Error()}
}

func location(rec *domain.ResourceRecord) string {
	return fmt.Sprintf("%s/%s/_history/%d", rec.ResourceType, rec.ResourceID, rec.VersionID)
}

func etag(version int64) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

func statusLine(code int) string {
	return fmt.Sprintf("%d %s", code, http.StatusText(code))
}
