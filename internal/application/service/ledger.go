package service

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/entity"
	"fulfillment/internal/application/repo"
	"fulfillment/pkg/metrics"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

const (
	opReserve = "reserve"
	opConfirm = "confirm"
	opRelease = "release"
	opRestock = "restock"
)

// Ledger - складской учёт под оптимистичной блокировкой: чтение версии,
// условная запись, при конфликте версии повтор со свежего чтения.
type Ledger struct {
	repo       repo.InventoryRepo
	maxRetries int
	logger     *zap.SugaredLogger
	m          *metrics.Metrics
}

func NewLedger(r repo.InventoryRepo, maxRetries int, logger *zap.SugaredLogger, m *metrics.Metrics) *Ledger {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Ledger{repo: r, maxRetries: maxRetries, logger: logger, m: m}
}

// IsRejection - отказ по бизнес-правилу (нет товара или остатка), а не сбой.
func IsRejection(err error) bool {
	return errors.Is(err, appers.ErrInsufficientStock) || errors.Is(err, appers.ErrInventoryNotFound)
}

type mutation func(inv entity.Inventory, q int64) (entity.Inventory, error)

func (l *Ledger) apply(ctx context.Context, op string, productID uuid.UUID, q int64, fn mutation) (*entity.Inventory, error) {
	for attempt := 1; ; attempt++ {
		inv, err := l.repo.GetInventory(ctx, productID)
		if err != nil {
			l.observe(op, err)
			return nil, err
		}
		next, err := fn(*inv, q)
		if err != nil {
			l.observe(op, err)
			return nil, err
		}

		err = l.repo.UpdateInventoryCAS(ctx, next)
		if err == nil {
			l.observe(op, nil)
			next.Version++
			return &next, nil
		}
		if !errors.Is(err, appers.ErrVersionConflict) {
			l.observe(op, err)
			return nil, err
		}

		l.m.Ledger.CASConflictsTotal.WithLabelValues(op).Inc()
		if attempt >= l.maxRetries {
			l.observe(op, err)
			return nil, fmt.Errorf("%s product %s after %d attempts: %w", op, productID, attempt, err)
		}
		l.logger.Debugf("[product: %s] %s version conflict, attempt %d", productID, op, attempt)
	}
}

func (l *Ledger) observe(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case IsRejection(err):
		result = "rejected"
	case errors.Is(err, appers.ErrVersionConflict):
		result = "conflict"
	default:
		result = "error"
	}
	l.m.Ledger.OperationsTotal.WithLabelValues(op, result).Inc()
}

// Reserve резервирует все строки или ни одной: при отказе по строке уже
// зарезервированные строки этого запроса возвращаются в остаток.
func (l *Ledger) Reserve(ctx context.Context, items []entity.LineItem) error {
	done := make([]entity.LineItem, 0, len(items))
	for _, it := range items {
		if _, err := l.apply(ctx, opReserve, it.ProductID, it.Quantity, entity.Inventory.Reserve); err != nil {
			if cerr := l.compensate(ctx, done); cerr != nil {
				return errors.Join(err, cerr)
			}
			return err
		}
		done = append(done, it)
	}
	return nil
}

func (l *Ledger) compensate(ctx context.Context, items []entity.LineItem) error {
	var errs []error
	for _, it := range items {
		if _, err := l.apply(ctx, opRelease, it.ProductID, it.Quantity, entity.Inventory.Release); err != nil {
			errs = append(errs, fmt.Errorf("compensate product %s: %w", it.ProductID, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Ledger) Confirm(ctx context.Context, items []entity.LineItem) error {
	for _, it := range items {
		if _, err := l.apply(ctx, opConfirm, it.ProductID, it.Quantity, entity.Inventory.Confirm); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) Release(ctx context.Context, items []entity.LineItem) error {
	for _, it := range items {
		if _, err := l.apply(ctx, opRelease, it.ProductID, it.Quantity, entity.Inventory.Release); err != nil {
			return err
		}
	}
	return nil
}

// Restock пополняет остаток; строка товара заводится при первом пополнении.
func (l *Ledger) Restock(ctx context.Context, productID uuid.UUID, q int64) (*entity.Inventory, error) {
	if q <= 0 {
		return nil, fmt.Errorf("restock: quantity must be positive, got %d", q)
	}
	inv, err := l.apply(ctx, opRestock, productID, q, entity.Inventory.Restock)
	if !errors.Is(err, appers.ErrInventoryNotFound) {
		return inv, err
	}

	created, err := l.repo.CreateInventory(ctx, productID, q)
	if err != nil {
		return nil, err
	}
	if !created {
		// строку завели параллельно
		return l.apply(ctx, opRestock, productID, q, entity.Inventory.Restock)
	}
	return l.repo.GetInventory(ctx, productID)
}

func (l *Ledger) Stock(ctx context.Context, productID uuid.UUID) (*entity.Inventory, error) {
	return l.repo.GetInventory(ctx, productID)
}
