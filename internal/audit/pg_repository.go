package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) Insert(ctx context.Context, e Entry) error {
	var diff []byte
	if len(e.Diff) > 0 {
		diff = e.Diff
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_entries (entity_type, entity_id, actor_id, action, diff, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.EntityType, e.EntityID, e.ActorID, e.Action, diff, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *PgRepository) ListByEntity(ctx context.Context, entityType, entityID string) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, actor_id, action, diff, created_at
		FROM audit_entries
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at, id
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var e Entry
		var diff []byte
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.ActorID, &e.Action, &diff, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Diff = diff
		result = append(result, e)
	}
	return result, rows.Err()
}
