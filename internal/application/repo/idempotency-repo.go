package repo

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/application/entity"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
)

// TryStartIdempotency - первый писатель получает Started, остальные читают запись первого (Existing).
func (r *RepoImpl) TryStartIdempotency(ctx context.Context, scopeID, action, key string) (entity.IdempotencyResult, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return entity.IdempotencyResult{}, fmt.Errorf("new idempotency id: %w", err)
	}

	rec, err := scanIdempotency(r.db.QueryRow(ctx, tryStartIdempotencySQL, id, scopeID, action, key))
	switch {
	case err == nil:
		r.logger.Debugf("[scope: %s, action: %s, key: %s] idempotency started", scopeID, action, key)
		return entity.IdempotencyResult{Outcome: entity.Started, Record: rec}, nil
	case errors.Is(err, pgx.ErrNoRows), isDuplicateKeyError(err):
		// конфликт по уникальному ключу - действие уже начато другим вызовом
	default:
		return entity.IdempotencyResult{}, fmt.Errorf("try start idempotency: %w", err)
	}

	existing, err := scanIdempotency(r.db.QueryRow(ctx, getIdempotencySQL, scopeID, action, key))
	if err != nil {
		return entity.IdempotencyResult{}, fmt.Errorf("read existing idempotency record: %w", err)
	}
	r.logger.Infof("[scope: %s, action: %s, key: %s] idempotent hit, status %s", scopeID, action, key, existing.Status)
	return entity.IdempotencyResult{Outcome: entity.Existing, Record: existing}, nil
}

func (r *RepoImpl) MarkIdempotencySucceeded(ctx context.Context, id uuid.UUID, resourceType, resourceID string) error {
	tag, err := r.db.Exec(ctx, markIdempotencySucceededSQL, id, resourceType, resourceID)
	if err != nil {
		return fmt.Errorf("mark idempotency succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("[ID %s] mark idempotency succeeded: record is not STARTED", id)
	}
	return nil
}

func (r *RepoImpl) MarkIdempotencyFailed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, markIdempotencyFailedSQL, id)
	if err != nil {
		return fmt.Errorf("mark idempotency failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("[ID %s] mark idempotency failed: record is not STARTED", id)
	}
	return nil
}

func scanIdempotency(row pgx.Row) (entity.IdempotencyRecord, error) {
	var (
		rec    entity.IdempotencyRecord
		status string
	)
	err := row.Scan(&rec.ID, &rec.ScopeID, &rec.Action, &rec.IdempotencyKey, &status,
		&rec.ResourceType, &rec.ResourceID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	rec.Status = entity.IdempotencyStatus(status)
	return rec, nil
}
