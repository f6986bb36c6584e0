package repo

import (
	"context"
	"fmt"
	"time"

	"fulfillment/internal/application/entity"
	"fulfillment/pkg/db"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// OutboxRepo - хранилище outbox: append внутри транзакции агрегата и цикл claim/publish.
type OutboxRepo interface {
	InsertOutbox(ctx context.Context, rec *entity.OutboxRecord) (bool, error)
	ClaimOutboxBatch(ctx context.Context, workerID string, lease time.Duration, limit int) ([]entity.OutboxRecord, error)
	MarkOutboxPublished(ctx context.Context, id uuid.UUID, workerID string) error
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, workerID string, maxAttempts int, nextAttemptAt time.Time, lastErr string) (entity.OutboxStatus, error)
	GetOutbox(ctx context.Context, id uuid.UUID) (*entity.OutboxRecord, error)
	ListOutbox(ctx context.Context, status entity.OutboxStatus, limit int) ([]entity.OutboxRecord, error)
	CountOutboxByStatus(ctx context.Context, status entity.OutboxStatus) (int64, error)
	ReplayOutbox(ctx context.Context, id uuid.UUID) error
}

type IdempotencyRepo interface {
	TryStartIdempotency(ctx context.Context, scopeID, action, key string) (entity.IdempotencyResult, error)
	MarkIdempotencySucceeded(ctx context.Context, id uuid.UUID, resourceType, resourceID string) error
	MarkIdempotencyFailed(ctx context.Context, id uuid.UUID) error
}

type InventoryRepo interface {
	GetInventory(ctx context.Context, productID uuid.UUID) (*entity.Inventory, error)
	CreateInventory(ctx context.Context, productID uuid.UUID, available int64) (bool, error)
	UpdateInventoryCAS(ctx context.Context, inv entity.Inventory) error
}

type ReservationRepo interface {
	CreateReservation(ctx context.Context, res *entity.Reservation) error
	GetReservation(ctx context.Context, id uuid.UUID) (*entity.Reservation, error)
	UpdateReservationStatus(ctx context.Context, id uuid.UUID, from, to entity.ReservationStatus) (bool, error)
}

type OrderRepo interface {
	CreateOrder(ctx context.Context, order *entity.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*entity.Order, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, from []entity.OrderStatus, to entity.OrderStatus) (bool, error)
}

type SagaRepo interface {
	CreateSaga(ctx context.Context, saga *entity.SagaRecord) error
	GetSaga(ctx context.Context, orderID uuid.UUID) (*entity.SagaRecord, error)
	PatchSaga(ctx context.Context, patch entity.SagaPatch) (bool, error)
}

type PaymentRepo interface {
	CreatePayment(ctx context.Context, p *entity.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*entity.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, from, to entity.PaymentStatus) (bool, error)
}

type Repo interface {
	Transactor
	OutboxRepo
	IdempotencyRepo
	InventoryRepo
	ReservationRepo
	OrderRepo
	SagaRepo
	PaymentRepo

	HealthCheck(ctx context.Context) error
}

type RepoImpl struct {
	db     db.DB
	logger *zap.SugaredLogger
}

func NewRepo(db db.DB, logger *zap.SugaredLogger) *RepoImpl {
	return &RepoImpl{db: db, logger: logger}
}

func (r *RepoImpl) HealthCheck(ctx context.Context) error {
	// Проверяем доступность БД через простой запрос
	var result int
	err := r.db.QueryRow(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// isDuplicateKeyError проверяет, является ли ошибка ошибкой дубликата ключа (SQLSTATE 23505)
func isDuplicateKeyError(err error) bool {
	return db.IsUniqueViolation(err)
}

func statusStrings[T ~string](in []T) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}
