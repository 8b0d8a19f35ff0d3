package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/vireohealth/fhirvault/internal/domain"
	"github.com/vireohealth/fhirvault/internal/search"
)

func newTestResourceService() (*ResourceService, *mockResourceRepo, *mockHistoryRepo, *AuditService) {
	repo := newMockResourceRepo()
	history := newMockHistoryRepo()
	auditRepo := newMockAuditRepo()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := NewAuditService(auditRepo, history, log, 64, 2)
	compiler := search.NewCompiler(search.DefaultParamMap(), log)
	svc := NewResourceService(repo, history, audit, compiler, log)
	return svc, repo, history, audit
}

func patientPayload(family string) []byte {
	return []byte(fmt.Sprintf(`{"resourceType":"Patient","name":[{"family":%q}],"gender":"female"}`, family))
}

func TestCreate_AssignsIDAndVersionOne(t *testing.T) {
	svc, _, history, audit := newTestResourceService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, "Patient", patientPayload("Smith"), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ResourceID == "" {
		t.Fatal("expected assigned resource id")
	}
	if rec.VersionID != 1 {
		t.Fatalf("expected version 1, got %d", rec.VersionID)
	}

	audit.Close()
	if got := history.count("Patient", rec.ResourceID); got != 1 {
		t.Fatalf("expected 1 history record, got %d", got)
	}
}

func TestCreate_HonorsDeclaredID(t *testing.T) {
	svc, _, _, _ := newTestResourceService()
	ctx := context.Background()

	payload := []byte(`{"resourceType":"Patient","id":"pt-1"}`)
	rec, err := svc.Create(ctx, "Patient", payload, "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ResourceID != "pt-1" {
		t.Fatalf("expected pt-1, got %s", rec.ResourceID)
	}

	_, err = svc.Create(ctx, "Patient", payload, "tester")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreate_TypeMismatch(t *testing.T) {
	svc, _, _, _ := newTestResourceService()

	_, err := svc.Create(context.Background(), "Observation", patientPayload("Smith"), "tester")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRead_DeletedResourceIsGone(t *testing.T) {
	svc, _, _, _ := newTestResourceService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, "Patient", patientPayload("Smith"), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, "Patient", rec.ResourceID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err = svc.Read(ctx, "Patient", rec.ResourceID)
	if !errors.Is(err, domain.ErrGone) {
		t.Fatalf("expected ErrGone, got %v", err)
	}
	// Gone still satisfies not-found for callers that do not distinguish.
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrGone to satisfy ErrNotFound, got %v", err)
	}
}

func TestUpdate_IncrementsVersion(t *testing.T) {
	svc, _, _, _ := newTestResourceService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, "Patient", patientPayload("Smith"), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, created, err := svc.Update(ctx, "Patient", rec.ResourceID, patientPayload("Jones"), "tester")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if created {
		t.Fatal("expected update, not create")
	}
	if updated.VersionID != 2 {
		t.Fatalf("expected version 2, got %d", updated.VersionID)
	}
}

func TestUpdate_MissingResourceUpsertCreates(t *testing.T) {
	svc, _, _, _ := newTestResourceService()
	ctx := context.Background()

	payload := []byte(`{"resourceType":"Patient","id":"pt-up"}`)
	rec, created, err := svc.Update(ctx, "Patient", "pt-up", payload, "tester")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !created {
		t.Fatal("expected upsert create")
	}
	if rec.VersionID != 1 {
		t.Fatalf("expected version 1, got %d", rec.VersionID)
	}
}

func TestUpdate_DeletedResourceConflicts(t *testing.T) {
	svc, _, _, _ := newTestResourceService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, "Patient", patientPayload("Smith"), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, "Patient", rec.ResourceID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, _, err = svc.Update(ctx, "Patient", rec.ResourceID, patientPayload("Jones"), "tester")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUpdate_RetriesOnVersionMismatch(t *testing.T) {
	svc, repo, _, _ := newTestResourceService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, "Patient", patientPayload("Smith"), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	repo.casFailures = 2
	updated, _, err := svc.Update(ctx, "Patient", rec.ResourceID, patientPayload("Jones"), "tester")
	if err != nil {
		t.Fatalf("update after mismatches: %v", err)
	}
	if updated.VersionID != 2 {
		t.Fatalf("expected version 2, got %d", updated.VersionID)
	}
}

func TestUpdate_ConcurrentWritersKeepVersionsGapFree(t *testing.T) {
	svc, repo, history, audit := newTestResourceService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, "Patient", patientPayload("Smith"), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 5
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(n int) {
			defer wg.Done()
			if _, _, err := svc.Update(ctx, "Patient", rec.ResourceID, patientPayload(fmt.Sprintf("W%d", n)), "tester"); err != nil {
				t.Errorf("concurrent update: %v", err)
			}
		}(i)
	}
	wg.Wait()

	cur, err := repo.Get(ctx, "Patient", rec.ResourceID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.VersionID != writers+1 {
		t.Fatalf("expected version %d, got %d", writers+1, cur.VersionID)
	}

	audit.Close()
	records, err := history.ListVersions(ctx, "Patient", rec.ResourceID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(records) != writers+1 {
		t.Fatalf("expected %d history records, got %d", writers+1, len(records))
	}
	// Newest first, each version exactly once, no gaps.
	for i, h := range records {
		want := int64(writers + 1 - i)
		if h.VersionID != want {
			t.Fatalf("expected version %d at position %d, got %d", want, i, h.VersionID)
		}
	}
}

func TestDelete_IsTerminal(t *testing.T) {
	svc, repo, _, _ := newTestResourceService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, "Patient", patientPayload("Smith"), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, "Patient", rec.ResourceID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	cur, err := repo.Get(ctx, "Patient", rec.ResourceID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !cur.Deleted {
		t.Fatal("expected deleted flag")
	}
	if cur.VersionID != 2 {
		t.Fatalf("expected delete to bump version to 2, got %d", cur.VersionID)
	}

	if err := svc.Delete(ctx, "Patient", rec.ResourceID, "tester"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDelete_KeepsLastPayloadInHistory(t *testing.T) {
	svc, _, history, audit := newTestResourceService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, "Patient", patientPayload("Smith"), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, "Patient", rec.ResourceID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	audit.Close()
	h, err := history.GetVersion(ctx, "Patient", rec.ResourceID, 2)
	if err != nil {
		t.Fatalf("get version 2: %v", err)
	}
	if h.Action != domain.ActionDelete {
		t.Fatalf("expected DELETE action, got %s", h.Action)
	}
	if len(h.Payload) == 0 {
		t.Fatal("expected delete history to retain the last payload")
	}
}

func TestReadVersion_PastVersionsSurviveUpdates(t *testing.T) {
	svc, _, _, audit := newTestResourceService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, "Patient", patientPayload("Smith"), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := svc.Update(ctx, "Patient", rec.ResourceID, patientPayload("Jones"), "tester"); err != nil {
		t.Fatalf("update: %v", err)
	}
	audit.Close()

	v1, err := svc.ReadVersion(ctx, "Patient", rec.ResourceID, 1)
	if err != nil {
		t.Fatalf("read version 1: %v", err)
	}
	if v1.VersionID != 1 {
		t.Fatalf("expected version 1, got %d", v1.VersionID)
	}

	if _, err := svc.ReadVersion(ctx, "Patient", rec.ResourceID, 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for absent version, got %v", err)
	}
}

func TestSearchWithCursor_VisitsEveryRecordExactlyOnce(t *testing.T) {
	svc, _, _, _ := newTestResourceService()
	ctx := context.Background()

	const total = 250
	for i := 0; i < total; i++ {
		if _, err := svc.Create(ctx, "Patient", patientPayload(fmt.Sprintf("F%03d", i)), "tester"); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	seen := make(map[string]bool)
	cursor := ""
	var pageSizes []int
	for {
		page, err := svc.SearchWithCursor(ctx, "Patient", nil, cursor, 100, "tester")
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		pageSizes = append(pageSizes, len(page.Records))
		for _, rec := range page.Records {
			if seen[rec.ResourceID] {
				t.Fatalf("resource %s returned twice", rec.ResourceID)
			}
			seen[rec.ResourceID] = true
		}
		if !page.HasNext {
			break
		}
		cursor = page.NextCursor
	}

	if len(seen) != total {
		t.Fatalf("expected %d distinct records, got %d", total, len(seen))
	}
	if len(pageSizes) != 3 || pageSizes[0] != 100 || pageSizes[1] != 100 || pageSizes[2] != 50 {
		t.Fatalf("expected pages 100/100/50, got %v", pageSizes)
	}
}

func TestSearch_OffsetVariantReportsTotal(t *testing.T) {
	svc, _, _, _ := newTestResourceService()
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if _, err := svc.Create(ctx, "Patient", patientPayload(fmt.Sprintf("F%d", i)), "tester"); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	page, err := svc.Search(ctx, "Patient", nil, 2, 3, "tester")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if page.Total != 7 {
		t.Fatalf("expected total 7, got %d", page.Total)
	}
	if len(page.Records) != 3 {
		t.Fatalf("expected 3 records on page 2, got %d", len(page.Records))
	}
}

func TestSearch_ExcludesDeletedResources(t *testing.T) {
	svc, _, _, _ := newTestResourceService()
	ctx := context.Background()

	kept, err := svc.Create(ctx, "Patient", patientPayload("Kept"), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	gone, err := svc.Create(ctx, "Patient", patientPayload("Gone"), "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, "Patient", gone.ResourceID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	page, err := svc.Search(ctx, "Patient", nil, 1, 10, "tester")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected 1 visible record, got %d", page.Total)
	}
	if page.Records[0].ResourceID != kept.ResourceID {
		t.Fatalf("expected %s, got %s", kept.ResourceID, page.Records[0].ResourceID)
	}
}
