package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vireohealth/fhirvault/internal/domain"
)

type ResourceRepo struct {
	pool *pgxpool.Pool
}

func NewResourceRepo(pool *pgxpool.Pool) *ResourceRepo {
	return &ResourceRepo{pool: pool}
}

const resourceColumns = `resource_type, resource_id, version_id, payload, last_updated, created_at, deleted, storage_key`

func (r *ResourceRepo) Insert(ctx context.Context, rec *domain.ResourceRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO resources (`+resourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ResourceType, rec.ResourceID, rec.VersionID, []byte(rec.Payload),
		rec.LastUpdated, rec.CreatedAt, rec.Deleted, rec.StorageKey)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

// BulkInsert streams the records through COPY, the store's unordered
// bulk-write primitive.
func (r *ResourceRepo) BulkInsert(ctx context.Context, recs []*domain.ResourceRecord) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"resources"},
		[]string{"resource_type", "resource_id", "version_id", "payload", "last_updated", "created_at", "deleted", "storage_key"},
		pgx.CopyFromSlice(len(recs), func(i int) ([]any, error) {
			rec := recs[i]
			return []any{rec.ResourceType, rec.ResourceID, rec.VersionID, []byte(rec.Payload),
				rec.LastUpdated, rec.CreatedAt, rec.Deleted, rec.StorageKey}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("bulk insert resources: %w", err)
	}
	return nil
}

func (r *ResourceRepo) Get(ctx context.Context, resourceType, resourceID string) (*domain.ResourceRecord, error) {
	rec := &domain.ResourceRecord{}
	err := r.pool.QueryRow(ctx, `
		SELECT `+resourceColumns+`
		FROM resources
		WHERE resource_type = $1 AND resource_id = $2
	`, resourceType, resourceID).Scan(
		&rec.ResourceType, &rec.ResourceID, &rec.VersionID, &rec.Payload,
		&rec.LastUpdated, &rec.CreatedAt, &rec.Deleted, &rec.StorageKey,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", domain.ErrNotFound, resourceType, resourceID)
		}
		return nil, fmt.Errorf("get resource: %w", err)
	}
	return rec, nil
}

// UpdateCAS replaces the current-state row only while the stored version
// still matches expectedVersion. Zero rows affected means another writer got
// there first (or the row vanished); the caller re-reads and retries.
func (r *ResourceRepo) UpdateCAS(ctx context.Context, rec *domain.ResourceRecord, expectedVersion int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE resources
		SET version_id = $1, payload = $2, last_updated = $3, deleted = $4
		WHERE resource_type = $5 AND resource_id = $6 AND version_id = $7
	`, rec.VersionID, []byte(rec.Payload), rec.LastUpdated, rec.Deleted,
		rec.ResourceType, rec.ResourceID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionMismatch
	}
	return nil
}

func (r *ResourceRepo) Exists(ctx context.Context, resourceType, resourceID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM resources WHERE resource_type = $1 AND resource_id = $2
		)
	`, resourceType, resourceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check resource existence: %w", err)
	}
	return exists, nil
}

// Page seeks directly to storage_key > cursor; cost does not depend on how
// many rows precede the cursor.
func (r *ResourceRepo) Page(ctx context.Context, resourceType string, filter *domain.SearchFilter, cursor string, limit int) ([]*domain.ResourceRecord, error) {
	b := buildWhere(resourceType, filter)
	if cursor != "" {
		b.add("storage_key > %s", cursor)
	}
	b.args = append(b.args, limit)

	query := fmt.Sprintf(`
		SELECT `+resourceColumns+`
		FROM resources %s
		ORDER BY storage_key ASC
		LIMIT $%d
	`, b.where(), len(b.args))

	rows, err := r.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("page resources: %w", err)
	}
	defer rows.Close()
	return scanResources(rows)
}

// List is the offset variant with a total count. It scans past `offset`
// rows on every call, so it is reserved for small listings.
func (r *ResourceRepo) List(ctx context.Context, resourceType string, filter *domain.SearchFilter, offset, limit int) ([]*domain.ResourceRecord, int, error) {
	b := buildWhere(resourceType, filter)

	var total int
	countQuery := "SELECT COUNT(*) FROM resources " + b.where()
	if err := r.pool.QueryRow(ctx, countQuery, b.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count resources: %w", err)
	}

	b.args = append(b.args, limit, offset)
	query := fmt.Sprintf(`
		SELECT `+resourceColumns+`
		FROM resources %s
		ORDER BY storage_key ASC
		LIMIT $%d OFFSET $%d
	`, b.where(), len(b.args)-1, len(b.args))

	rows, err := r.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	records, err := scanResources(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func scanResources(rows pgx.Rows) ([]*domain.ResourceRecord, error) {
	records := []*domain.ResourceRecord{}
	for rows.Next() {
		rec := &domain.ResourceRecord{}
		if err := rows.Scan(
			&rec.ResourceType, &rec.ResourceID, &rec.VersionID, &rec.Payload,
			&rec.LastUpdated, &rec.CreatedAt, &rec.Deleted, &rec.StorageKey,
		); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return records, nil
}
