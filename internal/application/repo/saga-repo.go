package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/common"
	"fulfillment/internal/application/entity"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
)

func (r *RepoImpl) CreateSaga(ctx context.Context, saga *entity.SagaRecord) error {
	total, err := common.NumericFromString2Strict(saga.TotalPrice)
	if err != nil {
		return fmt.Errorf("saga total price: %w", err)
	}
	if _, err := r.db.Exec(ctx, createSagaSQL,
		saga.OrderID, total, saga.Currency, saga.ReservationRequestedAt, saga.CreatedAt); err != nil {
		return fmt.Errorf("insert saga: %w", err)
	}
	return nil
}

func (r *RepoImpl) GetSaga(ctx context.Context, orderID uuid.UUID) (*entity.SagaRecord, error) {
	var s entity.SagaRecord
	err := r.db.QueryRow(ctx, getSagaSQL, orderID).Scan(
		&s.OrderID, &s.ReservationID, &s.PaymentID, &s.TotalPrice, &s.Currency,
		&s.ReservationRequestedAt, &s.ReservationCompletedAt, &s.ReservationReservedAt, &s.ReservationConfirmedAt,
		&s.ReservationReleasedAt, &s.ReservationReleaseAckAt, &s.PaymentRequestedAt, &s.PaymentCompletedAt,
		&s.PaymentConfirmedAt, &s.PaymentReleasedAt, &s.PaymentReleaseAckAt, &s.FailedAt, &s.CompletedAt,
		&s.FailReason, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appers.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga: %w", err)
	}
	return &s, nil
}

// PatchSaga применяет патч. false - запись заморожена (completed_at) или ничего не изменилось.
func (r *RepoImpl) PatchSaga(ctx context.Context, patch entity.SagaPatch) (bool, error) {
	query, args, err := createSagaPatchQuery(patch)
	if err != nil {
		return false, err
	}
	if query == "" {
		r.logger.Warnf("[order: %s] empty saga patch", patch.OrderID)
		return false, nil
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("patch saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debugf("[order: %s] saga not patched (frozen or missing)", patch.OrderID)
		return false, nil
	}
	return true, nil
}

// createSagaPatchQuery собирает UPDATE, в котором каждое поле выставляется только если оно ещё NULL.
// После completed_at запись не меняется вовсе.
func createSagaPatchQuery(patch entity.SagaPatch) (string, []any, error) {
	set := make([]string, 0, 8)
	args := make([]any, 0, 8)
	i := 1

	setOnce := func(field string, value any) {
		set = append(set, fmt.Sprintf("%s = COALESCE(%s, $%d)", field, field, i))
		args = append(args, value)
		i++
	}

	if patch.ReservationID != nil {
		setOnce("reservation_id", *patch.ReservationID)
	}
	if patch.PaymentID != nil {
		setOnce("payment_id", *patch.PaymentID)
	}
	if patch.FailReason != "" {
		setOnce("fail_reason", patch.FailReason)
	}

	if len(patch.Milestones) > 0 {
		at := patch.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		atIdx := i
		args = append(args, at)
		i++
		seen := make(map[entity.Milestone]struct{}, len(patch.Milestones))
		for _, m := range patch.Milestones {
			if !m.Valid() {
				return "", nil, fmt.Errorf("unknown saga milestone %q", m)
			}
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			set = append(set, fmt.Sprintf("%s = COALESCE(%s, $%d)", m, m, atIdx))
		}
	}

	if len(set) == 0 {
		return "", nil, nil
	}

	set = append(set, "updated_at = now()")

	sb := strings.Builder{}
	sb.WriteString("UPDATE saga_records SET ")
	sb.WriteString(strings.Join(set, ", "))
	sb.WriteString(" WHERE order_id = $")
	sb.WriteString(fmt.Sprint(i))
	sb.WriteString(" AND completed_at IS NULL")
	args = append(args, patch.OrderID)

	return sb.String(), args, nil
}
