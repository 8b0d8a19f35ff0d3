package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vireohealth/fhirvault/internal/domain"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) Create(ctx context.Context, entry *domain.AuditEntry) error {
	var changesJSON []byte
	if entry.Changes != nil {
		var err error
		changesJSON, err = json.Marshal(entry.Changes)
		if err != nil {
			return fmt.Errorf("marshal changes: %w", err)
		}
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO audit_log (created_at, resource_type, resource_id, action, version_id,
		                       actor, source, old_value, new_value, changes, duration_ms, error_message)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''))
		RETURNING id
	`, entry.CreatedAt, entry.ResourceType, entry.ResourceID, entry.Action, entry.VersionID,
		entry.Actor, entry.Source, []byte(entry.OldValue), []byte(entry.NewValue),
		changesJSON, entry.DurationMs, entry.ErrorMessage).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *AuditRepo) List(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 || f.PerPage > 100 {
		f.PerPage = 20
	}

	where := "WHERE 1=1"
	args := []any{}
	argIdx := 1

	if f.ResourceType != nil {
		where += fmt.Sprintf(" AND resource_type = $%d", argIdx)
		args = append(args, *f.ResourceType)
		argIdx++
	}
	if f.ResourceID != nil {
		where += fmt.Sprintf(" AND resource_id = $%d", argIdx)
		args = append(args, *f.ResourceID)
		argIdx++
	}
	if f.Action != nil {
		where += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, *f.Action)
		argIdx++
	}
	if f.From != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *f.From)
		argIdx++
	}
	if f.To != nil {
		where += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *f.To)
		argIdx++
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_log " + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	orderDir := "DESC"
	if f.SortOrder == "asc" {
		orderDir = "ASC"
	}

	offset := (f.Page - 1) * f.PerPage
	query := fmt.Sprintf(`
		SELECT id, created_at, resource_type, COALESCE(resource_id, ''), action, version_id,
		       COALESCE(actor, ''), COALESCE(source, ''), old_value, new_value, changes,
		       duration_ms, COALESCE(error_message, '')
		FROM audit_log %s
		ORDER BY created_at %s, id %s
		LIMIT $%d OFFSET $%d
	`, where, orderDir, orderDir, argIdx, argIdx+1)
	args = append(args, f.PerPage, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*domain.AuditEntry{}
	for rows.Next() {
		e := &domain.AuditEntry{}
		var changesJSON []byte
		if err := rows.Scan(
			&e.ID, &e.CreatedAt, &e.ResourceType, &e.ResourceID, &e.Action, &e.VersionID,
			&e.Actor, &e.Source, &e.OldValue, &e.NewValue, &changesJSON,
			&e.DurationMs, &e.ErrorMessage,
		); err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(changesJSON) > 0 {
			if err := json.Unmarshal(changesJSON, &e.Changes); err != nil {
				e.Changes = nil
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, total, nil
}

// DeleteBefore removes one bounded batch of expired entries.
func (r *AuditRepo) DeleteBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM audit_log
		WHERE id IN (
			SELECT id FROM audit_log WHERE created_at < $1 LIMIT $2
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired audit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
