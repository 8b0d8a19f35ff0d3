package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vireohealth/fhirvault/internal/domain"
)

type HistoryRepo struct {
	pool *pgxpool.Pool
}

func NewHistoryRepo(pool *pgxpool.Pool) *HistoryRepo {
	return &HistoryRepo{pool: pool}
}

// Append inserts one version row. The append path is at-most-once from the
// async recorder, so a duplicate key (a redelivered job) is a no-op.
func (r *HistoryRepo) Append(ctx context.Context, rec *domain.HistoryRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO resource_history (resource_type, resource_id, version_id, payload, ts, action)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource_type, resource_id, version_id) DO NOTHING
	`, rec.ResourceType, rec.ResourceID, rec.VersionID, []byte(rec.Payload), rec.Timestamp, rec.Action)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (r *HistoryRepo) BulkAppend(ctx context.Context, recs []*domain.HistoryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"resource_history"},
		[]string{"resource_type", "resource_id", "version_id", "payload", "ts", "action"},
		pgx.CopyFromSlice(len(recs), func(i int) ([]any, error) {
			rec := recs[i]
			return []any{rec.ResourceType, rec.ResourceID, rec.VersionID,
				[]byte(rec.Payload), rec.Timestamp, rec.Action}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("bulk append history: %w", err)
	}
	return nil
}

func (r *HistoryRepo) GetVersion(ctx context.Context, resourceType, resourceID string, versionID int64) (*domain.HistoryRecord, error) {
	rec := &domain.HistoryRecord{}
	err := r.pool.QueryRow(ctx, `
		SELECT resource_type, resource_id, version_id, payload, ts, action
		FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2 AND version_id = $3
	`, resourceType, resourceID, versionID).Scan(
		&rec.ResourceType, &rec.ResourceID, &rec.VersionID, &rec.Payload, &rec.Timestamp, &rec.Action,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s version %d", domain.ErrNotFound, resourceType, resourceID, versionID)
		}
		return nil, fmt.Errorf("get history version: %w", err)
	}
	return rec, nil
}

func (r *HistoryRepo) ListVersions(ctx context.Context, resourceType, resourceID string) ([]*domain.HistoryRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT resource_type, resource_id, version_id, payload, ts, action
		FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY version_id DESC
	`, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	records := []*domain.HistoryRecord{}
	for rows.Next() {
		rec := &domain.HistoryRecord{}
		if err := rows.Scan(
			&rec.ResourceType, &rec.ResourceID, &rec.VersionID, &rec.Payload, &rec.Timestamp, &rec.Action,
		); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return records, nil
}
