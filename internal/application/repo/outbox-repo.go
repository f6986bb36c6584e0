package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/common"
	"fulfillment/internal/application/entity"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertOutbox добавляет запись в outbox. Вызывается только внутри транзакции агрегата.
// false - запись с тем же (aggregate_id, idempotency_key) уже есть, новая не создана.
func (r *RepoImpl) InsertOutbox(ctx context.Context, rec *entity.OutboxRecord) (bool, error) {
	r.logger.Debugf("[aggregate: %s] InsertOutbox %s started", rec.AggregateID, rec.EventType)

	var insertedID uuid.UUID
	err := r.db.QueryRow(ctx, insertOutboxQuery,
		rec.ID, rec.AggregateID, string(rec.EventType), []byte(rec.Payload), rec.CreatedAt, rec.IdempotencyKey,
	).Scan(&insertedID)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, pgx.ErrNoRows):
		// ON CONFLICT DO NOTHING вернул 0 строк - шаг уже поставлен в очередь
		r.logger.Infof("[aggregate: %s] outbox %s already enqueued (key %s)", rec.AggregateID, rec.EventType, rec.IdempotencyKey)
		return false, nil
	default:
		return false, fmt.Errorf("insert outbox_records: %w", err)
	}
}

// ClaimOutboxBatch атомарно захватывает до limit строк под аренду workerID.
// Результат отсортирован по created_at.
func (r *RepoImpl) ClaimOutboxBatch(ctx context.Context, workerID string, lease time.Duration, limit int) ([]entity.OutboxRecord, error) {
	r.logger.Debugf("[worker: %s, lease: %s, limit: %d] ClaimOutboxBatch started", workerID, lease, limit)

	rows, err := r.db.Query(ctx, claimBatchSQL, limit, workerID, common.PgInterval(lease))
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	res, err := scanOutboxRows(rows)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	// UPDATE ... RETURNING не гарантирует порядок подзапроса
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (r *RepoImpl) MarkOutboxPublished(ctx context.Context, id uuid.UUID, workerID string) error {
	tag, err := r.db.Exec(ctx, markPublishedSQL, id, workerID)
	if err != nil {
		return fmt.Errorf("outbox mark published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("[ID %s] mark published: %w", id, appers.ErrLostLease)
	}
	return nil
}

// MarkOutboxFailed увеличивает счётчик попыток и переводит запись в RETRY_SCHEDULED
// или, после maxAttempts, в терминальный FAILED. Возвращает новый статус.
func (r *RepoImpl) MarkOutboxFailed(ctx context.Context, id uuid.UUID, workerID string, maxAttempts int, nextAttemptAt time.Time, lastErr string) (entity.OutboxStatus, error) {
	var status string
	err := r.db.QueryRow(ctx, markFailedSQL, id, workerID, maxAttempts, nextAttemptAt, lastErr).Scan(&status)
	switch {
	case err == nil:
		return entity.OutboxStatus(status), nil
	case errors.Is(err, pgx.ErrNoRows):
		return "", fmt.Errorf("[ID %s] mark failed: %w", id, appers.ErrLostLease)
	default:
		return "", fmt.Errorf("outbox mark failed: %w", err)
	}
}

func (r *RepoImpl) GetOutbox(ctx context.Context, id uuid.UUID) (*entity.OutboxRecord, error) {
	rec, err := scanOutbox(r.db.QueryRow(ctx, getOutboxSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appers.ErrOutboxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox: %w", err)
	}
	return &rec, nil
}

// ListOutbox - пустой status означает любые статусы.
func (r *RepoImpl) ListOutbox(ctx context.Context, status entity.OutboxStatus, limit int) ([]entity.OutboxRecord, error) {
	rows, err := r.db.Query(ctx, listOutboxSQL, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	res, err := scanOutboxRows(rows)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return res, nil
}

func (r *RepoImpl) CountOutboxByStatus(ctx context.Context, status entity.OutboxStatus) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, countOutboxByStatusSQL, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

// ReplayOutbox возвращает FAILED запись в PENDING со сброшенным счётчиком попыток.
func (r *RepoImpl) ReplayOutbox(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, replayOutboxSQL, id)
	if err != nil {
		return fmt.Errorf("replay outbox: %w", err)
	}
	if tag.RowsAffected() > 0 {
		r.logger.Infof("[ID %s] outbox record scheduled for replay", id)
		return nil
	}
	if _, err := r.GetOutbox(ctx, id); err != nil {
		return err
	}
	return appers.ErrOutboxNotReplayable
}

func scanOutbox(row pgx.Row) (entity.OutboxRecord, error) {
	var (
		e         entity.OutboxRecord
		eventType string
		status    string
	)
	err := row.Scan(
		&e.ID, &e.AggregateID, &eventType, &e.Payload, &status, &e.AttemptCount, &e.CreatedAt,
		&e.NextAttemptAt, &e.LockedBy, &e.LockedUntil, &e.IdempotencyKey, &e.LastError, &e.PublishedAt,
	)
	if err != nil {
		return e, err
	}
	e.EventType = entity.EventType(eventType)
	e.Status = entity.OutboxStatus(status)
	return e, nil
}

func scanOutboxRows(rows pgx.Rows) ([]entity.OutboxRecord, error) {
	res := make([]entity.OutboxRecord, 0)
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows err: %w", err)
	}
	return res, nil
}
