package service

import (
	"context"
	"fmt"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/entity"
	"fulfillment/internal/application/repo"
	"fulfillment/pkg/metrics"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// Guard - "эффект ровно один раз" по ключу (scope, action, idempotency key).
// Begin вызывается в той же транзакции, что и сам эффект, поэтому запись STARTED
// снаружи видна только пока эта транзакция не завершилась.
type Guard struct {
	repo   repo.IdempotencyRepo
	logger *zap.SugaredLogger
	m      *metrics.Metrics
}

func NewGuard(r repo.IdempotencyRepo, logger *zap.SugaredLogger, m *metrics.Metrics) *Guard {
	return &Guard{repo: r, logger: logger, m: m}
}

// Begin возвращает proceed=true, если вызывающий первый и должен выполнить эффект.
// При proceed=false эффект уже выполнен (SUCCEEDED) или отклонён (FAILED); результат
// первого писателя лежит в res.Record. Чужая незавершённая запись даёт
// ErrIdempotencyInProgress, сообщение будет доставлено повторно.
func (g *Guard) Begin(ctx context.Context, scopeID, action, key string) (res entity.IdempotencyResult, proceed bool, err error) {
	res, err = g.repo.TryStartIdempotency(ctx, scopeID, action, key)
	if err != nil {
		return res, false, fmt.Errorf("idempotency %s: %w", action, err)
	}
	if res.Started() {
		return res, true, nil
	}

	switch res.Record.Status {
	case entity.IdempotencySucceeded, entity.IdempotencyFailed:
		g.m.Ledger.DuplicateSkipTotal.WithLabelValues(action).Inc()
		g.logger.Infof("[scope %s] %s with key %q already %s, side effects skipped",
			scopeID, action, key, res.Record.Status)
		return res, false, nil
	default:
		return res, false, fmt.Errorf("%w: %s scope=%s key=%q", appers.ErrIdempotencyInProgress, action, scopeID, key)
	}
}

func (g *Guard) Succeed(ctx context.Context, res entity.IdempotencyResult, resourceType string, resourceID uuid.UUID) error {
	if err := g.repo.MarkIdempotencySucceeded(ctx, res.Record.ID, resourceType, resourceID.String()); err != nil {
		return fmt.Errorf("idempotency %s succeeded: %w", res.Record.Action, err)
	}
	return nil
}

func (g *Guard) Fail(ctx context.Context, res entity.IdempotencyResult) error {
	if err := g.repo.MarkIdempotencyFailed(ctx, res.Record.ID); err != nil {
		return fmt.Errorf("idempotency %s failed: %w", res.Record.Action, err)
	}
	return nil
}
