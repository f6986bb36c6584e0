package repo

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/entity"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateReservation вставляет резерв и его позиции; вызывать внутри транзакции.
func (r *RepoImpl) CreateReservation(ctx context.Context, res *entity.Reservation) error {
	r.logger.Debugf("[reservation: %s] start inserting for order %s", res.ID, res.OrderID)

	if _, err := r.db.Exec(ctx, createReservationSQL,
		res.ID, res.OrderID, res.IdempotencyKey, string(res.Status), res.CreatedAt); err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	for _, it := range res.Items {
		if _, err := r.db.Exec(ctx, createReservationItemSQL, res.ID, it.ProductID, it.Quantity); err != nil {
			return fmt.Errorf("insert reservation item: %w", err)
		}
	}
	return nil
}

func (r *RepoImpl) GetReservation(ctx context.Context, id uuid.UUID) (*entity.Reservation, error) {
	var (
		res    entity.Reservation
		status string
	)
	err := r.db.QueryRow(ctx, getReservationSQL, id).Scan(
		&res.ID, &res.OrderID, &res.IdempotencyKey, &status, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appers.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	res.Status = entity.ReservationStatus(status)

	rows, err := r.db.Query(ctx, getReservationItemsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("get reservation items: %w", err)
	}
	defer rows.Close()

	res.Items = make([]entity.LineItem, 0)
	for rows.Next() {
		var it entity.LineItem
		if err := rows.Scan(&it.ProductID, &it.Quantity); err != nil {
			return nil, fmt.Errorf("scan reservation item: %w", err)
		}
		res.Items = append(res.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reservation items rows: %w", err)
	}
	return &res, nil
}

// UpdateReservationStatus - условный переход from -> to; false означает, что статус уже другой.
func (r *RepoImpl) UpdateReservationStatus(ctx context.Context, id uuid.UUID, from, to entity.ReservationStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, updateReservationStatusSQL, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("update reservation status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
