package service

import (
	"context"
	"fmt"

	"fulfillment/internal/application/entity"
	"fulfillment/internal/application/repo"
	"fulfillment/internal/application/router"
	"fulfillment/pkg/config"
	"fulfillment/pkg/metrics"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

type Service interface {
	// order
	CreateOrder(ctx context.Context, idempotencyKey string, req entity.CreateOrderRequest) (entity.CreateOrderResult, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*entity.OrderView, error)
	CancelOrder(ctx context.Context, id uuid.UUID) (*entity.OrderView, error)

	// inventory
	RestockInventory(ctx context.Context, productID uuid.UUID, quantity int64) (*entity.Inventory, error)
	GetInventory(ctx context.Context, productID uuid.UUID) (*entity.Inventory, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*entity.Reservation, error)

	// payment
	GetPayment(ctx context.Context, id uuid.UUID) (*entity.Payment, error)

	RegisterHandlers(r *router.Router, role string) error
	HealthCheck(ctx context.Context) entity.HealthReport
}

// Authorizer - платёжный провайдер. Повторный вызов с тем же ключом идемпотентности
// возвращает тот же результат.
type Authorizer interface {
	Authorize(ctx context.Context, req entity.AuthorizeRequest) (entity.AuthorizeResult, error)
	Capture(ctx context.Context, providerRef, idempotencyKey string) error
	Void(ctx context.Context, providerRef, idempotencyKey string) error
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type ServiceImpl struct {
	repo       repo.Repo
	outbox     *Appender
	guard      *Guard
	ledger     *Ledger
	authorizer Authorizer
	broker     HealthChecker
	logger     *zap.SugaredLogger
	m          *metrics.Metrics
}

func NewService(r repo.Repo, authorizer Authorizer, broker HealthChecker, logger *zap.SugaredLogger,
	m *metrics.Metrics, ledgerConf config.LedgerConfig) *ServiceImpl {
	return &ServiceImpl{
		repo:       r,
		outbox:     NewAppender(r, logger),
		guard:      NewGuard(r, logger, m),
		ledger:     NewLedger(r, ledgerConf.MaxCASRetries, logger, m),
		authorizer: authorizer,
		broker:     broker,
		logger:     logger,
		m:          m,
	}
}

// HealthCheck проверяет доступность БД и Kafka
func (s *ServiceImpl) HealthCheck(ctx context.Context) entity.HealthReport {
	var report entity.HealthReport
	if err := s.repo.HealthCheck(ctx); err != nil {
		s.logger.Warnf("database health check failed: %v", err)
		report.DatabaseErr = err
	}
	if s.broker == nil {
		report.KafkaErr = fmt.Errorf("kafka broker is not initialized")
	} else if err := s.broker.HealthCheck(ctx); err != nil {
		s.logger.Warnf("kafka health check failed: %v", err)
		report.KafkaErr = err
	}
	return report
}

// RegisterHandlers регистрирует обработчики входящего топика роли.
func (s *ServiceImpl) RegisterHandlers(r *router.Router, role string) error {
	var regs []func(*router.Router) error
	switch role {
	case config.RoleOrder:
		regs = []func(*router.Router) error{
			func(r *router.Router) error {
				return router.Handle(r, entity.ReservationCreatedEvent, s.HandleReservationCreated)
			},
			func(r *router.Router) error {
				return router.Handle(r, entity.PaymentCreatedEvent, s.HandlePaymentCreated)
			},
			func(r *router.Router) error {
				return router.Handle(r, entity.ReservationConfirmedEvent, s.HandleReservationConfirmed)
			},
			func(r *router.Router) error {
				return router.Handle(r, entity.PaymentConfirmedEvent, s.HandlePaymentConfirmed)
			},
			func(r *router.Router) error {
				return router.Handle(r, entity.ReservationReleasedEvent, s.HandleReservationReleased)
			},
			func(r *router.Router) error {
				return router.Handle(r, entity.PaymentReleasedEvent, s.HandlePaymentReleased)
			},
		}
	case config.RoleInventory:
		regs = []func(*router.Router) error{
			func(r *router.Router) error {
				return router.Handle(r, entity.ReservationCreateRequestEvent, s.HandleReservationCreateRequest)
			},
			func(r *router.Router) error {
				return router.Handle(r, entity.ReservationConfirmRequestEvent, s.HandleReservationConfirmRequest)
			},
			func(r *router.Router) error {
				return router.Handle(r, entity.ReservationReleaseRequestEvent, s.HandleReservationReleaseRequest)
			},
		}
	case config.RolePayment:
		regs = []func(*router.Router) error{
			func(r *router.Router) error {
				return router.Handle(r, entity.PaymentCreateRequestEvent, s.HandlePaymentCreateRequest)
			},
			func(r *router.Router) error {
				return router.Handle(r, entity.PaymentConfirmRequestEvent, s.HandlePaymentConfirmRequest)
			},
			func(r *router.Router) error {
				return router.Handle(r, entity.PaymentReleaseRequestEvent, s.HandlePaymentReleaseRequest)
			},
		}
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	for _, reg := range regs {
		if err := reg(r); err != nil {
			return err
		}
	}
	s.logger.Infof("handlers registered for role %s: %v", role, r.Types())
	return nil
}
