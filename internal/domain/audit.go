package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ChangeType classifies one field-level difference between two payloads.
type ChangeType string

const (
	ChangeAdded    ChangeType = "ADDED"
	ChangeRemoved  ChangeType = "REMOVED"
	ChangeModified ChangeType = "MODIFIED"
)

type FieldChange struct {
	Old  json.RawMessage `json:"old,omitempty"`
	New  json.RawMessage `json:"new,omitempty"`
	Type ChangeType      `json:"type"`
}

// AuditEntry records one observed operation. Entries are written
// asynchronously and expire after the configured retention window.
type AuditEntry struct {
	ID           int64                  `json:"id"`
	CreatedAt    time.Time              `json:"created_at"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id,omitempty"` // empty for type-wide events
	Action       Action                 `json:"action"`
	VersionID    *int64                 `json:"version_id,omitempty"`
	Actor        string                 `json:"actor,omitempty"`
	Source       string                 `json:"source,omitempty"`
	OldValue     json.RawMessage        `json:"old_value,omitempty"`
	NewValue     json.RawMessage        `json:"new_value,omitempty"`
	Changes      map[string]FieldChange `json:"changes,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

type AuditFilter struct {
	ResourceType *string
	ResourceID   *string
	Action       *string
	From         *time.Time
	To           *time.Time
	Page         int
	PerPage      int
	SortOrder    string
}

type AuditRepository interface {
	Create(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]*AuditEntry, int, error)

	// DeleteBefore removes at most batchSize entries older than cutoff and
	// reports how many were removed. The retention sweeper calls it in a
	// loop until it returns 0.
	DeleteBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}
