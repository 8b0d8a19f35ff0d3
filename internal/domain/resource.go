package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Action classifies the operation that produced a history or audit record.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionRead   Action = "READ"
	ActionSearch Action = "SEARCH"
)

// ResourceRecord is the current-state snapshot of one logical resource.
// The (ResourceType, ResourceID) pair is the stable identity; VersionID
// increments on every mutation, including soft delete.
type ResourceRecord struct {
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	VersionID    int64           `json:"version_id"`
	Payload      json.RawMessage `json:"payload"`
	LastUpdated  time.Time       `json:"last_updated"`
	CreatedAt    time.Time       `json:"created_at"`
	Deleted      bool            `json:"deleted"`

	// StorageKey is the insertion-ordered ULID used for cursor pagination.
	// It is storage plumbing, never part of the resource's identity.
	StorageKey string `json:"-"`
}

// HistoryRecord is an immutable past version of a logical resource.
type HistoryRecord struct {
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	VersionID    int64           `json:"version_id"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
	Action       Action          `json:"action"`
}

// Page is one cursor-paginated slice of a listing. NextCursor is the
// storage key of the last record and is only meaningful when HasNext is set.
type Page struct {
	Records    []*ResourceRecord `json:"records"`
	HasNext    bool              `json:"has_next"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// OffsetPage is the offset-based listing variant. Cost grows linearly with
// the offset; it exists for small backward-compatible listings only.
type OffsetPage struct {
	Records []*ResourceRecord `json:"records"`
	Total   int               `json:"total"`
}

type ResourceRepository interface {
	// Insert persists a brand-new current-state record. The caller has
	// already assigned ResourceID, StorageKey and VersionID.
	Insert(ctx context.Context, rec *ResourceRecord) error

	// BulkInsert persists a group of new records through the store's
	// unordered bulk-write primitive.
	BulkInsert(ctx context.Context, recs []*ResourceRecord) error

	// Get returns the current-state record whether or not it is soft-deleted.
	// The service layer decides how a deleted record surfaces.
	Get(ctx context.Context, resourceType, resourceID string) (*ResourceRecord, error)

	// UpdateCAS replaces the current-state row only if the stored version
	// still equals expectedVersion, returning ErrVersionMismatch otherwise.
	UpdateCAS(ctx context.Context, rec *ResourceRecord, expectedVersion int64) error

	// Exists reports whether a current-state row exists, ignoring the
	// deleted flag.
	Exists(ctx context.Context, resourceType, resourceID string) (bool, error)

	// Page returns up to limit matching records with StorageKey strictly
	// greater than cursor, ascending by StorageKey. An empty cursor starts
	// from the beginning.
	Page(ctx context.Context, resourceType string, filter *SearchFilter, cursor string, limit int) ([]*ResourceRecord, error)

	// List is the offset variant: it returns one page plus the total match
	// count. O(offset) in the backing store.
	List(ctx context.Context, resourceType string, filter *SearchFilter, offset, limit int) ([]*ResourceRecord, int, error)
}

type HistoryRepository interface {
	Append(ctx context.Context, rec *HistoryRecord) error
	BulkAppend(ctx context.Context, recs []*HistoryRecord) error
	GetVersion(ctx context.Context, resourceType, resourceID string, versionID int64) (*HistoryRecord, error)
	ListVersions(ctx context.Context, resourceType, resourceID string) ([]*HistoryRecord, error)
}
