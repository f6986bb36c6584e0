package repo

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/common"
	"fulfillment/internal/application/entity"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
)

func (r *RepoImpl) CreatePayment(ctx context.Context, p *entity.Payment) error {
	r.logger.Debugf("[payment: %s] start inserting for order %s", p.ID, p.OrderID)

	amount, err := common.NumericFromString2Strict(p.Amount)
	if err != nil {
		return fmt.Errorf("payment amount: %w", err)
	}
	if _, err := r.db.Exec(ctx, createPaymentSQL,
		p.ID, p.OrderID, p.ReservationID, p.IdempotencyKey, amount, p.Currency, string(p.Status),
		nullIfEmpty(p.ProviderRef), nullIfEmpty(p.DeclineReason), p.CreatedAt); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *RepoImpl) GetPayment(ctx context.Context, id uuid.UUID) (*entity.Payment, error) {
	var (
		p      entity.Payment
		status string
	)
	err := r.db.QueryRow(ctx, getPaymentSQL, id).Scan(
		&p.ID, &p.OrderID, &p.ReservationID, &p.IdempotencyKey, &p.Amount, &p.Currency, &status,
		&p.ProviderRef, &p.DeclineReason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appers.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	p.Status = entity.PaymentStatus(status)
	return &p, nil
}

func (r *RepoImpl) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, from, to entity.PaymentStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, updatePaymentStatusSQL, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
