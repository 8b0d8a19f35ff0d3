package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vireohealth/fhirvault/internal/domain"
)

func newTestAuditService(queueSize, workers int) (*AuditService, *mockAuditRepo, *mockHistoryRepo) {
	auditRepo := newMockAuditRepo()
	history := newMockHistoryRepo()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAuditService(auditRepo, history, log, queueSize, workers), auditRepo, history
}

func TestAuditService_CloseDrainsQueue(t *testing.T) {
	svc, auditRepo, history := newTestAuditService(128, 2)

	const n = 50
	for i := 0; i < n; i++ {
		v := int64(1)
		svc.RecordMutation(
			&domain.HistoryRecord{
				ResourceType: "Patient",
				ResourceID:   fmt.Sprintf("pt-%d", i),
				VersionID:    1,
				Action:       domain.ActionCreate,
			},
			&domain.AuditEntry{
				ResourceType: "Patient",
				ResourceID:   fmt.Sprintf("pt-%d", i),
				Action:       domain.ActionCreate,
				VersionID:    &v,
			},
		)
	}
	svc.Close()

	if got := len(auditRepo.all()); got != n {
		t.Fatalf("expected %d audit entries after close, got %d", n, got)
	}
	for i := 0; i < n; i++ {
		if history.count("Patient", fmt.Sprintf("pt-%d", i)) != 1 {
			t.Fatalf("history record %d missing after close", i)
		}
	}
}

func TestAuditService_ComputesUpdateDiff(t *testing.T) {
	svc, auditRepo, _ := newTestAuditService(16, 1)

	v := int64(2)
	svc.RecordMutation(
		&domain.HistoryRecord{ResourceType: "Patient", ResourceID: "pt-1", VersionID: 2, Action: domain.ActionUpdate},
		&domain.AuditEntry{
			ResourceType: "Patient",
			ResourceID:   "pt-1",
			Action:       domain.ActionUpdate,
			VersionID:    &v,
			OldValue:     []byte(`{"resourceType":"Patient","gender":"male"}`),
			NewValue:     []byte(`{"resourceType":"Patient","gender":"female"}`),
		},
	)
	svc.Close()

	entries := auditRepo.all()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	change, ok := entries[0].Changes["gender"]
	if !ok {
		t.Fatalf("expected gender diff, got %v", entries[0].Changes)
	}
	if change.Type != domain.ChangeModified {
		t.Fatalf("expected MODIFIED, got %s", change.Type)
	}
}

func TestAuditService_DefaultsCreatedAt(t *testing.T) {
	svc, auditRepo, _ := newTestAuditService(16, 1)

	svc.RecordAccess(&domain.AuditEntry{ResourceType: "Patient", Action: domain.ActionSearch})
	svc.Close()

	entries := auditRepo.all()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be stamped")
	}
}

func TestAuditService_StoreFailuresAreSwallowed(t *testing.T) {
	svc, auditRepo, _ := newTestAuditService(16, 1)
	auditRepo.failCreate = true

	// Must not panic and must not block the submitter.
	svc.RecordAccess(&domain.AuditEntry{ResourceType: "Patient", Action: domain.ActionSearch})
	svc.Close()

	if got := len(auditRepo.all()); got != 0 {
		t.Fatalf("expected no persisted entries, got %d", got)
	}
}

func TestAuditService_BulkJobUsesBulkAppend(t *testing.T) {
	svc, auditRepo, history := newTestAuditService(16, 1)

	histories := []*domain.HistoryRecord{
		{ResourceType: "Patient", ResourceID: "a", VersionID: 1, Action: domain.ActionCreate},
		{ResourceType: "Patient", ResourceID: "b", VersionID: 1, Action: domain.ActionCreate},
	}
	va, vb := int64(1), int64(1)
	entries := []*domain.AuditEntry{
		{ResourceType: "Patient", ResourceID: "a", Action: domain.ActionCreate, VersionID: &va},
		{ResourceType: "Patient", ResourceID: "b", Action: domain.ActionCreate, VersionID: &vb},
	}
	svc.RecordBulk(histories, entries)
	svc.Close()

	if history.count("Patient", "a") != 1 || history.count("Patient", "b") != 1 {
		t.Fatal("expected both history records appended")
	}
	if got := len(auditRepo.all()); got != 2 {
		t.Fatalf("expected 2 audit entries, got %d", got)
	}
}

func TestAuditService_ListFilters(t *testing.T) {
	svc, _, _ := newTestAuditService(16, 1)

	v := int64(1)
	svc.RecordMutation(
		&domain.HistoryRecord{ResourceType: "Patient", ResourceID: "pt-1", VersionID: 1, Action: domain.ActionCreate},
		&domain.AuditEntry{ResourceType: "Patient", ResourceID: "pt-1", Action: domain.ActionCreate, VersionID: &v},
	)
	svc.RecordAccess(&domain.AuditEntry{ResourceType: "Observation", Action: domain.ActionSearch})

	// Wait for the worker to drain before querying.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, _, err := svc.List(context.Background(), domain.AuditFilter{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(entries) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		time.Sleep(10 * time.Millisecond)
	}

	action := string(domain.ActionCreate)
	entries, total, err := svc.List(context.Background(), domain.AuditFilter{Action: &action})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if total != 1 || len(entries) != 1 || entries[0].ResourceID != "pt-1" {
		t.Fatalf("unexpected filtered result: total=%d entries=%v", total, entries)
	}

	svc.Close()
}
