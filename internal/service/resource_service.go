package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vireohealth/fhirvault/internal/domain"
	"github.com/vireohealth/fhirvault/internal/fhir"
	"github.com/vireohealth/fhirvault/internal/ids"
	"github.com/vireohealth/fhirvault/internal/search"
)

// casRetries bounds the optimistic-concurrency retry loop. Each retry
// re-reads the current version, so under contention the loop converges; the
// bound only guards against a pathological store.
const casRetries = 8

// ResourceService is the versioned resource store facade. Mutations write
// the current-state row synchronously and hand history/audit work to the
// async recorder before returning.
type ResourceService struct {
	repo     domain.ResourceRepository
	history  domain.HistoryRepository
	audit    *AuditService
	compiler *search.Compiler
	log      *slog.Logger
}

func NewResourceService(repo domain.ResourceRepository, history domain.HistoryRepository, audit *AuditService, compiler *search.Compiler, log *slog.Logger) *ResourceService {
	return &ResourceService{
		repo:     repo,
		history:  history,
		audit:    audit,
		compiler: compiler,
		log:      log,
	}
}

// Create stores a new resource at version 1. If the payload carries an id it
// is honored; a clash with an existing resource (deleted or not) is a
// conflict. Otherwise a fresh id is allocated.
func (s *ResourceService) Create(ctx context.Context, resourceType string, payload []byte, actor string) (*domain.ResourceRecord, error) {
	start := time.Now()

	declaredType, declaredID, err := fhir.Decode(payload)
	if err != nil {
		return nil, err
	}
	if declaredType != resourceType {
		return nil, fmt.Errorf("%w: payload resourceType %q does not match %q",
			domain.ErrInvalidInput, declaredType, resourceType)
	}

	resourceID := declaredID
	if resourceID == "" {
		resourceID = uuid.NewString()
	} else {
		exists, err := s.repo.Exists(ctx, resourceType, resourceID)
		if err != nil {
			return nil, fmt.Errorf("check existence: %w", err)
		}
		if exists {
			return nil, fmt.Errorf("%w: %s/%s already exists", domain.ErrConflict, resourceType, resourceID)
		}
	}

	now := time.Now().UTC()
	stamped, err := fhir.Stamp(payload, resourceID, 1, now)
	if err != nil {
		return nil, err
	}

	rec := &domain.ResourceRecord{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		VersionID:    1,
		Payload:      stamped,
		LastUpdated:  now,
		CreatedAt:    now,
		StorageKey:   ids.NewStorageKey(),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: %s/%s already exists", domain.ErrConflict, resourceType, resourceID)
		}
		return nil, fmt.Errorf("insert resource: %w", err)
	}

	s.audit.RecordMutation(
		&domain.HistoryRecord{
			ResourceType: resourceType,
			ResourceID:   resourceID,
			VersionID:    1,
			Payload:      stamped,
			Timestamp:    now,
			Action:       domain.ActionCreate,
		},
		&domain.AuditEntry{
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Action:       domain.ActionCreate,
			VersionID:    &rec.VersionID,
			Actor:        actor,
			NewValue:     stamped,
			DurationMs:   time.Since(start).Milliseconds(),
		},
	)

	s.log.Info("resource created", "type", resourceType, "id", resourceID)
	return rec, nil
}

// Read returns the current, non-deleted record. Soft-deleted resources
// surface as ErrGone (which satisfies errors.Is(err, ErrNotFound)).
func (s *ResourceService) Read(ctx context.Context, resourceType, resourceID string) (*domain.ResourceRecord, error) {
	rec, err := s.repo.Get(ctx, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrGone, resourceType, resourceID)
	}
	return rec, nil
}

// ReadVersion returns one exact past version. Versions of soft-deleted
// resources remain readable.
func (s *ResourceService) ReadVersion(ctx context.Context, resourceType, resourceID string, versionID int64) (*domain.HistoryRecord, error) {
	return s.history.GetVersion(ctx, resourceType, resourceID, versionID)
}

// ListVersions returns a resource's full version history, newest first.
func (s *ResourceService) ListVersions(ctx context.Context, resourceType, resourceID string) ([]*domain.HistoryRecord, error) {
	return s.history.ListVersions(ctx, resourceType, resourceID)
}

// Update replaces the resource payload, incrementing the version. If no
// current record exists it behaves as an upsert-create under the supplied
// id. Updating a soft-deleted resource is a conflict.
//
// The version increment goes through a compare-and-swap loop so concurrent
// updates on the same key serialize into a gap-free version sequence.
func (s *ResourceService) Update(ctx context.Context, resourceType, resourceID string, payload []byte, actor string) (*domain.ResourceRecord, bool, error) {
	start := time.Now()

	declaredType, _, err := fhir.Decode(payload)
	if err != nil {
		return nil, false, err
	}
	if declaredType != resourceType {
		return nil, false, fmt.Errorf("%w: payload resourceType %q does not match %q",
			domain.ErrInvalidInput, declaredType, resourceType)
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		cur, err := s.repo.Get(ctx, resourceType, resourceID)
		if errors.Is(err, domain.ErrNotFound) {
			rec, err := s.upsertCreate(ctx, resourceType, resourceID, payload, actor, start)
			if errors.Is(err, domain.ErrConflict) {
				continue // lost the insert race, re-read and update instead
			}
			return rec, true, err
		}
		if err != nil {
			return nil, false, err
		}
		if cur.Deleted {
			return nil, false, fmt.Errorf("%w: %s/%s is deleted", domain.ErrConflict, resourceType, resourceID)
		}

		now := time.Now().UTC()
		newVersion := cur.VersionID + 1
		stamped, err := fhir.Stamp(payload, resourceID, newVersion, now)
		if err != nil {
			return nil, false, err
		}

		rec := &domain.ResourceRecord{
			ResourceType: resourceType,
			ResourceID:   resourceID,
			VersionID:    newVersion,
			Payload:      stamped,
			LastUpdated:  now,
			CreatedAt:    cur.CreatedAt,
			StorageKey:   cur.StorageKey,
		}
		err = s.repo.UpdateCAS(ctx, rec, cur.VersionID)
		if errors.Is(err, domain.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("update resource: %w", err)
		}

		s.audit.RecordMutation(
			&domain.HistoryRecord{
				ResourceType: resourceType,
				ResourceID:   resourceID,
				VersionID:    newVersion,
				Payload:      stamped,
				Timestamp:    now,
				Action:       domain.ActionUpdate,
			},
			&domain.AuditEntry{
				ResourceType: resourceType,
				ResourceID:   resourceID,
				Action:       domain.ActionUpdate,
				VersionID:    &rec.VersionID,
				Actor:        actor,
				OldValue:     cur.Payload,
				NewValue:     stamped,
				DurationMs:   time.Since(start).Milliseconds(),
			},
		)
		return rec, false, nil
	}
	return nil, false, fmt.Errorf("%w: update contention on %s/%s", domain.ErrConflict, resourceType, resourceID)
}

func (s *ResourceService) upsertCreate(ctx context.Context, resourceType, resourceID string, payload []byte, actor string, start time.Time) (*domain.ResourceRecord, error) {
	now := time.Now().UTC()
	stamped, err := fhir.Stamp(payload, resourceID, 1, now)
	if err != nil {
		return nil, err
	}
	rec := &domain.ResourceRecord{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		VersionID:    1,
		Payload:      stamped,
		LastUpdated:  now,
		CreatedAt:    now,
		StorageKey:   ids.NewStorageKey(),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, err
	}
	s.audit.RecordMutation(
		&domain.HistoryRecord{
			ResourceType: resourceType,
			ResourceID:   resourceID,
			VersionID:    1,
			Payload:      stamped,
			Timestamp:    now,
			Action:       domain.ActionCreate,
		},
		&domain.AuditEntry{
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Action:       domain.ActionCreate,
			VersionID:    &rec.VersionID,
			Actor:        actor,
			NewValue:     stamped,
			DurationMs:   time.Since(start).Milliseconds(),
		},
	)
	s.log.Info("resource upsert-created", "type", resourceType, "id", resourceID)
	return rec, nil
}

// Delete soft-deletes the resource, incrementing the version and retaining
// the last payload in history. Deleting an absent or already-deleted
// resource is ErrNotFound.
func (s *ResourceService) Delete(ctx context.Context, resourceType, resourceID string, actor string) error {
	start := time.Now()

	for attempt := 0; attempt < casRetries; attempt++ {
		cur, err := s.repo.Get(ctx, resourceType, resourceID)
		if err != nil {
			return err
		}
		if cur.Deleted {
			return fmt.Errorf("%w: %s/%s", domain.ErrNotFound, resourceType, resourceID)
		}

		now := time.Now().UTC()
		rec := &domain.ResourceRecord{
			ResourceType: resourceType,
			ResourceID:   resourceID,
			VersionID:    cur.VersionID + 1,
			Payload:      cur.Payload,
			LastUpdated:  now,
			CreatedAt:    cur.CreatedAt,
			Deleted:      true,
			StorageKey:   cur.StorageKey,
		}
		err = s.repo.UpdateCAS(ctx, rec, cur.VersionID)
		if errors.Is(err, domain.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return fmt.Errorf("delete resource: %w", err)
		}

		s.audit.RecordMutation(
			&domain.HistoryRecord{
				ResourceType: resourceType,
				ResourceID:   resourceID,
				VersionID:    rec.VersionID,
				Payload:      cur.Payload,
				Timestamp:    now,
				Action:       domain.ActionDelete,
			},
			&domain.AuditEntry{
				ResourceType: resourceType,
				ResourceID:   resourceID,
				Action:       domain.ActionDelete,
				VersionID:    &rec.VersionID,
				Actor:        actor,
				OldValue:     cur.Payload,
				DurationMs:   time.Since(start).Milliseconds(),
			},
		)
		s.log.Info("resource deleted", "type", resourceType, "id", resourceID)
		return nil
	}
	return fmt.Errorf("%w: delete contention on %s/%s", domain.ErrConflict, resourceType, resourceID)
}

// Exists reports whether the resource has a current-state row, ignoring the
// deleted flag. Used for 200-vs-201 upsert semantics.
func (s *ResourceService) Exists(ctx context.Context, resourceType, resourceID string) (bool, error) {
	return s.repo.Exists(ctx, resourceType, resourceID)
}

// Search runs the offset-based listing. Cost grows with the offset; callers
// listing large collections should use SearchWithCursor instead.
func (s *ResourceService) Search(ctx context.Context, resourceType string, params map[string]string, page, perPage int, actor string) (*domain.OffsetPage, error) {
	start := time.Now()
	if page < 1 {
		page = 1
	}
	filter := s.compiler.Compile(resourceType, params)

	records, total, err := s.repo.List(ctx, resourceType, filter, (page-1)*perPage, perPage)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", resourceType, err)
	}

	s.audit.RecordAccess(&domain.AuditEntry{
		ResourceType: resourceType,
		Action:       domain.ActionSearch,
		Actor:        actor,
		DurationMs:   time.Since(start).Milliseconds(),
	})
	return &domain.OffsetPage{Records: records, Total: total}, nil
}

// SearchWithCursor runs the forward-only cursor listing: constant seek cost
// regardless of how many pages precede the cursor. Records inserted behind
// an issued cursor are not revisited; listing is eventually consistent with
// concurrent writers, not snapshot-isolated.
func (s *ResourceService) SearchWithCursor(ctx context.Context, resourceType string, params map[string]string, cursor string, pageSize int, actor string) (*domain.Page, error) {
	start := time.Now()
	if pageSize < 1 {
		pageSize = 1
	}
	filter := s.compiler.Compile(resourceType, params)

	// Fetch one extra row to learn whether a next page exists.
	records, err := s.repo.Page(ctx, resourceType, filter, cursor, pageSize+1)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", resourceType, err)
	}

	page := &domain.Page{Records: records}
	if len(records) > pageSize {
		page.Records = records[:pageSize]
		page.HasNext = true
		page.NextCursor = page.Records[pageSize-1].StorageKey
	}

	s.audit.RecordAccess(&domain.AuditEntry{
		ResourceType: resourceType,
		Action:       domain.ActionSearch,
		Actor:        actor,
		DurationMs:   time.Since(start).Milliseconds(),
	})
	return page, nil
}
