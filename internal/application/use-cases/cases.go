package use_cases

import (
	"context"

	"fulfillment/internal/application/entity"
	"fulfillment/internal/application/router"
	"fulfillment/internal/application/service"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

type UseCaser interface {
	CreateOrder(ctx context.Context, idempotencyKey string, req entity.CreateOrderRequest) (entity.CreateOrderResult, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*entity.OrderView, error)
	CancelOrder(ctx context.Context, id uuid.UUID) (*entity.OrderView, error)

	RestockInventory(ctx context.Context, productID uuid.UUID, quantity int64) (*entity.Inventory, error)
	GetInventory(ctx context.Context, productID uuid.UUID) (*entity.Inventory, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*entity.Reservation, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*entity.Payment, error)

	ListOutbox(ctx context.Context, status entity.OutboxStatus, limit int) ([]entity.OutboxRecord, error)
	ReplayOutbox(ctx context.Context, id uuid.UUID) (*entity.OutboxRecord, error)
	RunRelay(ctx context.Context)
	ReportFailedOutbox(ctx context.Context)

	ConsumeMessage(ctx context.Context, value []byte) error

	HealthCheck(ctx context.Context) entity.HealthReport
}

type UseCase struct {
	service service.Service
	relay   *service.Relay
	router  *router.Router
	logger  *zap.SugaredLogger
}

func NewUseCase(service service.Service, relay *service.Relay, router *router.Router, logger *zap.SugaredLogger) *UseCase {
	return &UseCase{
		service: service,
		relay:   relay,
		router:  router,
		logger:  logger,
	}
}

func (u *UseCase) HealthCheck(ctx context.Context) entity.HealthReport {
	return u.service.HealthCheck(ctx)
}

func (u *UseCase) CreateOrder(ctx context.Context, idempotencyKey string, req entity.CreateOrderRequest) (entity.CreateOrderResult, error) {
	u.logger.Debugf("[customer: %s] CreateOrder started, key %q", req.CustomerID, idempotencyKey)
	return u.service.CreateOrder(ctx, idempotencyKey, req)
}

func (u *UseCase) GetOrder(ctx context.Context, id uuid.UUID) (*entity.OrderView, error) {
	return u.service.GetOrder(ctx, id)
}

func (u *UseCase) CancelOrder(ctx context.Context, id uuid.UUID) (*entity.OrderView, error) {
	u.logger.Debugf("[orderID %s] CancelOrder started", id)
	return u.service.CancelOrder(ctx, id)
}

func (u *UseCase) RestockInventory(ctx context.Context, productID uuid.UUID, quantity int64) (*entity.Inventory, error) {
	u.logger.Debugf("[product: %s] RestockInventory started, quantity %d", productID, quantity)
	return u.service.RestockInventory(ctx, productID, quantity)
}

func (u *UseCase) GetInventory(ctx context.Context, productID uuid.UUID) (*entity.Inventory, error) {
	return u.service.GetInventory(ctx, productID)
}

func (u *UseCase) GetReservation(ctx context.Context, id uuid.UUID) (*entity.Reservation, error) {
	return u.service.GetReservation(ctx, id)
}

func (u *UseCase) GetPayment(ctx context.Context, id uuid.UUID) (*entity.Payment, error) {
	return u.service.GetPayment(ctx, id)
}

func (u *UseCase) ListOutbox(ctx context.Context, status entity.OutboxStatus, limit int) ([]entity.OutboxRecord, error) {
	return u.relay.ListOutbox(ctx, status, limit)
}

func (u *UseCase) ReplayOutbox(ctx context.Context, id uuid.UUID) (*entity.OutboxRecord, error) {
	return u.relay.ReplayOutbox(ctx, id)
}

// RunRelay - один цикл публикации outbox. Ошибка цикла только логируется:
// следующий тик планировщика повторит захват.
func (u *UseCase) RunRelay(ctx context.Context) {
	n, err := u.relay.RunOnce(ctx)
	if err != nil {
		u.logger.Errorf("relay cycle failed: %v", err)
		return
	}
	if n > 0 {
		u.logger.Debugf("relay cycle processed %d records", n)
	}
}

func (u *UseCase) ReportFailedOutbox(ctx context.Context) {
	if _, err := u.relay.ReportFailed(ctx); err != nil {
		u.logger.Errorf("failed outbox report: %v", err)
	}
}

// ConsumeMessage разбирает конверт и передаёт событие роутеру роли.
func (u *UseCase) ConsumeMessage(ctx context.Context, value []byte) error {
	env, err := router.DecodeEnvelope(value)
	if err != nil {
		return err
	}
	return u.router.Dispatch(ctx, env)
}
