package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vireohealth/fhirvault/internal/domain"
)

// --- Mock Resource Repository ---

type mockResourceRepo struct {
	mu        sync.RWMutex
	resources map[string]*domain.ResourceRecord

	// failBulk forces BulkInsert to fail wholesale, exercising the
	// per-record fallback path.
	failBulk bool
	// casFailures injects this many spurious version mismatches before
	// UpdateCAS starts succeeding.
	casFailures int

	bulkCalls int
}

func newMockResourceRepo() *mockResourceRepo {
	return &mockResourceRepo{resources: make(map[string]*domain.ResourceRecord)}
}

func resourceKey(resourceType, resourceID string) string {
	return resourceType + "/" + resourceID
}

func (m *mockResourceRepo) Insert(_ context.Context, rec *domain.ResourceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := resourceKey(rec.ResourceType, rec.ResourceID)
	if _, exists := m.resources[key]; exists {
		return domain.ErrConflict
	}
	cp := *rec
	m.resources[key] = &cp
	return nil
}

func (m *mockResourceRepo) BulkInsert(_ context.Context, recs []*domain.ResourceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulkCalls++
	if m.failBulk {
		return fmt.Errorf("copy failed")
	}
	for _, rec := range recs {
		if _, exists := m.resources[resourceKey(rec.ResourceType, rec.ResourceID)]; exists {
			return domain.ErrConflict
		}
	}
	for _, rec := range recs {
		cp := *rec
		m.resources[resourceKey(rec.ResourceType, rec.ResourceID)] = &cp
	}
	return nil
}

func (m *mockResourceRepo) Get(_ context.Context, resourceType, resourceID string) (*domain.ResourceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.resources[resourceKey(resourceType, resourceID)]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockResourceRepo) UpdateCAS(_ context.Context, rec *domain.ResourceRecord, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.casFailures > 0 {
		m.casFailures--
		return domain.ErrVersionMismatch
	}
	key := resourceKey(rec.ResourceType, rec.ResourceID)
	cur, ok := m.resources[key]
	if !ok || cur.VersionID != expectedVersion {
		return domain.ErrVersionMismatch
	}
	cp := *rec
	m.resources[key] = &cp
	return nil
}

func (m *mockResourceRepo) Exists(_ context.Context, resourceType, resourceID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.resources[resourceKey(resourceType, resourceID)]
	return ok, nil
}

func (m *mockResourceRepo) Page(_ context.Context, resourceType string, filter *domain.SearchFilter, cursor string, limit int) ([]*domain.ResourceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := m.match(resourceType, filter)
	sort.Slice(matched, func(i, j int) bool { return matched[i].StorageKey < matched[j].StorageKey })
	var out []*domain.ResourceRecord
	for _, rec := range matched {
		if rec.StorageKey <= cursor {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockResourceRepo) List(_ context.Context, resourceType string, filter *domain.SearchFilter, offset, limit int) ([]*domain.ResourceRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := m.match(resourceType, filter)
	sort.Slice(matched, func(i, j int) bool { return matched[i].StorageKey < matched[j].StorageKey })
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// match applies the column predicates the service-level tests exercise;
// payload predicates are covered by the compiler and store tests.
func (m *mockResourceRepo) match(resourceType string, filter *domain.SearchFilter) []*domain.ResourceRecord {
	var out []*domain.ResourceRecord
	for _, rec := range m.resources {
		if rec.ResourceType != resourceType {
			continue
		}
		if !filter.IncludeDeleted && rec.Deleted {
			continue
		}
		keep := true
		for _, p := range filter.Predicates {
			if p.Column != "resource_id" {
				continue
			}
			found := false
			for _, v := range p.Values {
				if rec.ResourceID == v {
					found = true
					break
				}
			}
			if !found {
				keep = false
				break
			}
		}
		if keep {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out
}

// --- Mock History Repository ---

type mockHistoryRepo struct {
	mu       sync.RWMutex
	versions map[string]map[int64]*domain.HistoryRecord
}

func newMockHistoryRepo() *mockHistoryRepo {
	return &mockHistoryRepo{versions: make(map[string]map[int64]*domain.HistoryRecord)}
}

func (m *mockHistoryRepo) Append(_ context.Context, rec *domain.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := resourceKey(rec.ResourceType, rec.ResourceID)
	if m.versions[key] == nil {
		m.versions[key] = make(map[int64]*domain.HistoryRecord)
	}
	if _, exists := m.versions[key][rec.VersionID]; exists {
		return nil // matches ON CONFLICT DO NOTHING
	}
	cp := *rec
	m.versions[key][rec.VersionID] = &cp
	return nil
}

func (m *mockHistoryRepo) BulkAppend(ctx context.Context, recs []*domain.HistoryRecord) error {
	for _, rec := range recs {
		if err := m.Append(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockHistoryRepo) GetVersion(_ context.Context, resourceType, resourceID string, versionID int64) (*domain.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if vs, ok := m.versions[resourceKey(resourceType, resourceID)]; ok {
		if rec, ok := vs[versionID]; ok {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockHistoryRepo) ListVersions(_ context.Context, resourceType, resourceID string) ([]*domain.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.HistoryRecord
	for _, rec := range m.versions[resourceKey(resourceType, resourceID)] {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionID > out[j].VersionID })
	return out, nil
}

func (m *mockHistoryRepo) count(resourceType, resourceID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.versions[resourceKey(resourceType, resourceID)])
}

// --- Mock Audit Repository ---

type mockAuditRepo struct {
	mu      sync.RWMutex
	entries []*domain.AuditEntry
	nextID  int64

	// failCreate makes every Create fail, to verify the recorder swallows
	// store errors instead of propagating them.
	failCreate bool
}

func newMockAuditRepo() *mockAuditRepo {
	return &mockAuditRepo{nextID: 1}
}

func (m *mockAuditRepo) Create(_ context.Context, entry *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return fmt.Errorf("audit store unavailable")
	}
	cp := *entry
	cp.ID = m.nextID
	m.nextID++
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockAuditRepo) List(_ context.Context, filter domain.AuditFilter) ([]*domain.AuditEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.AuditEntry
	for _, e := range m.entries {
		if filter.ResourceType != nil && e.ResourceType != *filter.ResourceType {
			continue
		}
		if filter.ResourceID != nil && e.ResourceID != *filter.ResourceID {
			continue
		}
		if filter.Action != nil && string(e.Action) != *filter.Action {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (m *mockAuditRepo) DeleteBefore(_ context.Context, cutoff time.Time, batchSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*domain.AuditEntry
	var removed int64
	for _, e := range m.entries {
		if removed < int64(batchSize) && e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}

func (m *mockAuditRepo) all() []*domain.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out
}
