package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/common"
	"fulfillment/internal/application/entity"

	"github.com/gofrs/uuid"
)

const (
	resourceOrder = "order"

	reasonCancelled = "cancelled"
)

func (s *ServiceImpl) CreateOrder(ctx context.Context, idempotencyKey string, req entity.CreateOrderRequest) (entity.CreateOrderResult, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return entity.CreateOrderResult{}, appers.ErrIdempotencyKeyRequired
	}
	total, err := orderTotal(req.Items)
	if err != nil {
		return entity.CreateOrderResult{}, err
	}

	var result entity.CreateOrderResult
	err = s.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		res, proceed, err := s.guard.Begin(ctx, req.CustomerID, entity.ActionOrderCreate, idempotencyKey)
		if err != nil {
			return err
		}
		if !proceed {
			id, ok := res.ResourceUUID()
			if !ok {
				return fmt.Errorf("%w: order for key %q has no result", appers.ErrIdempotencyInProgress, idempotencyKey)
			}
			order, err := s.repo.GetOrder(ctx, id)
			if err != nil {
				return err
			}
			result = entity.CreateOrderResult{OrderID: order.ID, Status: order.Status, Created: false}
			return nil
		}

		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		order := &entity.Order{
			ID:         id,
			CustomerID: req.CustomerID,
			Status:     entity.OrderCreated,
			TotalPrice: total,
			Currency:   req.Currency,
			Items:      req.Items,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.repo.CreateOrder(ctx, order); err != nil {
			return err
		}

		saga := &entity.SagaRecord{
			OrderID:                id,
			TotalPrice:             total,
			Currency:               req.Currency,
			ReservationRequestedAt: &now,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if err := s.repo.CreateSaga(ctx, saga); err != nil {
			return err
		}
		if err := s.outbox.Append(ctx, id, entity.ReservationCreateRequest{
			OrderID:        id,
			IdempotencyKey: "reservation-" + id.String(),
			Items:          order.LineItems(),
		}); err != nil {
			return err
		}
		if err := s.guard.Succeed(ctx, res, resourceOrder, id); err != nil {
			return err
		}
		result = entity.CreateOrderResult{OrderID: id, Status: entity.OrderCreated, Created: true}
		return nil
	})
	if err != nil {
		return entity.CreateOrderResult{}, err
	}

	if result.Created {
		s.m.Saga.OrdersCreated.Inc()
		s.logger.Infof("[orderID %s] order created for customer %s, total %s %s", result.OrderID, req.CustomerID, total, req.Currency)
	}
	return result, nil
}

func orderTotal(items []entity.OrderItem) (string, error) {
	var total int64
	for _, it := range items {
		price, err := common.PriceMinorUnits(it.UnitPrice)
		if err != nil {
			return "", fmt.Errorf("product %s unit price %q: %w", it.ProductID, it.UnitPrice, err)
		}
		if total, err = common.AddLineMinorUnits(total, price, it.Quantity); err != nil {
			return "", fmt.Errorf("order total: %w", err)
		}
	}
	return common.FormatMinorUnits(total), nil
}

func (s *ServiceImpl) GetOrder(ctx context.Context, id uuid.UUID) (*entity.OrderView, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	saga, err := s.repo.GetSaga(ctx, id)
	if err != nil {
		return nil, err
	}
	return &entity.OrderView{Order: *order, Saga: *saga}, nil
}

// CancelOrder переводит заказ в FAIL и запрашивает компенсацию уже известных шагов.
// Ответы, пришедшие после отмены, компенсируются в обработчиках саги.
func (s *ServiceImpl) CancelOrder(ctx context.Context, id uuid.UUID) (*entity.OrderView, error) {
	err := s.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		order, err := s.repo.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if !order.Status.Cancellable() {
			return appers.ErrOrderNotCancellable
		}
		moved, cur, err := s.advanceOrder(ctx, order, entity.OrderFail)
		if err != nil {
			return err
		}
		if !moved && cur.Cancellable() {
			// обработчик саги успел сдвинуть заказ, но отмена ещё разрешена
			order.Status = cur
			if moved, _, err = s.advanceOrder(ctx, order, entity.OrderFail); err != nil {
				return err
			}
		}
		if !moved {
			return appers.ErrOrderNotCancellable
		}

		saga, err := s.repo.GetSaga(ctx, id)
		if err != nil {
			return err
		}
		patch := entity.NewSagaPatch(id, entity.MilestoneFailed)
		patch.FailReason = reasonCancelled
		if saga.ReservationID != nil {
			patch.Milestones = append(patch.Milestones, entity.MilestoneReservationReleased)
			if err := s.outbox.Append(ctx, id, entity.ReservationReleaseRequest{
				OrderID:       id,
				ReservationID: *saga.ReservationID,
				Reason:        reasonCancelled,
			}); err != nil {
				return err
			}
		}
		if saga.PaymentID != nil {
			patch.Milestones = append(patch.Milestones, entity.MilestonePaymentReleased)
			if err := s.outbox.Append(ctx, id, entity.PaymentReleaseRequest{
				OrderID:   id,
				PaymentID: *saga.PaymentID,
				Reason:    reasonCancelled,
			}); err != nil {
				return err
			}
		}
		_, err = s.repo.PatchSaga(ctx, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infof("[orderID %s] order cancelled", id)
	return s.GetOrder(ctx, id)
}

// advanceOrder - условный переход статуса заказа от прочитанного значения.
// Если конкурент успел раньше, возвращает false и актуальный статус.
func (s *ServiceImpl) advanceOrder(ctx context.Context, order *entity.Order, to entity.OrderStatus) (bool, entity.OrderStatus, error) {
	if !order.Status.CanTransitionTo(to) {
		return false, order.Status, nil
	}
	ok, err := s.repo.UpdateOrderStatus(ctx, order.ID, []entity.OrderStatus{order.Status}, to)
	if err != nil {
		return false, "", err
	}
	if ok {
		s.m.Saga.TransitionsTotal.WithLabelValues(string(order.Status), string(to)).Inc()
		s.logger.Infof("[orderID %s] %s -> %s", order.ID, order.Status, to)
		return true, to, nil
	}
	fresh, err := s.repo.GetOrder(ctx, order.ID)
	if err != nil {
		return false, "", err
	}
	return false, fresh.Status, nil
}

// sagaStep загружает заказ и сагу в транзакции обработчика. Завершённая сага
// не меняется: fn не вызывается.
func (s *ServiceImpl) sagaStep(ctx context.Context, orderID uuid.UUID, event entity.EventType,
	fn func(ctx context.Context, order *entity.Order, saga *entity.SagaRecord) error) error {
	return s.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		saga, err := s.repo.GetSaga(ctx, orderID)
		if err != nil {
			return err
		}
		if saga.Frozen() {
			s.logger.Debugf("[orderID %s] saga completed, %s ignored", orderID, event)
			return nil
		}
		order, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		return fn(ctx, order, saga)
	})
}

func (s *ServiceImpl) HandleReservationCreated(ctx context.Context, _ entity.Envelope, p *entity.ReservationCreated) error {
	return s.sagaStep(ctx, p.OrderID, p.EventType(), func(ctx context.Context, order *entity.Order, saga *entity.SagaRecord) error {
		if !p.Success {
			moved, cur, err := s.advanceOrder(ctx, order, entity.OrderFail)
			if err != nil {
				return err
			}
			if !moved {
				s.logger.Debugf("[orderID %s] reservation failure ignored, order is %s", p.OrderID, cur)
				return nil
			}
			patch := entity.NewSagaPatch(p.OrderID, entity.MilestoneReservationCompleted, entity.MilestoneFailed)
			patch.FailReason = failReason("reservation", p.Reason)
			_, err = s.repo.PatchSaga(ctx, patch)
			return err
		}

		moved, cur, err := s.advanceOrder(ctx, order, entity.OrderPaying)
		if err != nil {
			return err
		}
		if !moved {
			if cur == entity.OrderFail {
				return s.compensateReservation(ctx, p.OrderID, *p.ReservationID, saga)
			}
			s.logger.Debugf("[orderID %s] duplicate ReservationCreated, order is %s", p.OrderID, cur)
			return nil
		}

		patch := entity.NewSagaPatch(p.OrderID, entity.MilestoneReservationCompleted, entity.MilestonePaymentRequested)
		patch.ReservationID = p.ReservationID
		if _, err := s.repo.PatchSaga(ctx, patch); err != nil {
			return err
		}
		return s.outbox.Append(ctx, p.OrderID, entity.PaymentCreateRequest{
			OrderID:        p.OrderID,
			ReservationID:  *p.ReservationID,
			IdempotencyKey: "payment-" + p.OrderID.String(),
			Amount:         saga.TotalPrice,
			Currency:       saga.Currency,
		})
	})
}

// compensateReservation освобождает резерв, созданный уже после отмены заказа.
func (s *ServiceImpl) compensateReservation(ctx context.Context, orderID, reservationID uuid.UUID, saga *entity.SagaRecord) error {
	if saga.Has(entity.MilestoneReservationReleased) && saga.ReservationID != nil {
		return nil
	}
	patch := entity.NewSagaPatch(orderID, entity.MilestoneReservationCompleted, entity.MilestoneReservationReleased)
	patch.ReservationID = &reservationID
	if _, err := s.repo.PatchSaga(ctx, patch); err != nil {
		return err
	}
	s.logger.Infof("[orderID %s] late reservation %s for cancelled order, releasing", orderID, reservationID)
	return s.outbox.Append(ctx, orderID, entity.ReservationReleaseRequest{
		OrderID:       orderID,
		ReservationID: reservationID,
		Reason:        reasonCancelled,
	})
}

func (s *ServiceImpl) HandlePaymentCreated(ctx context.Context, _ entity.Envelope, p *entity.PaymentCreated) error {
	return s.sagaStep(ctx, p.OrderID, p.EventType(), func(ctx context.Context, order *entity.Order, saga *entity.SagaRecord) error {
		if saga.ReservationID == nil {
			return fmt.Errorf("%w: order %s has no reservation for %s", appers.ErrMissingSagaStep, p.OrderID, p.EventType())
		}

		if !p.Success {
			moved, cur, err := s.advanceOrder(ctx, order, entity.OrderPaymentFailed)
			if err != nil {
				return err
			}
			if !moved {
				s.logger.Debugf("[orderID %s] payment failure ignored, order is %s", p.OrderID, cur)
				return nil
			}
			patch := entity.NewSagaPatch(p.OrderID,
				entity.MilestonePaymentCompleted, entity.MilestoneFailed, entity.MilestoneReservationReleased)
			patch.FailReason = failReason("payment", p.Reason)
			if _, err := s.repo.PatchSaga(ctx, patch); err != nil {
				return err
			}
			return s.outbox.Append(ctx, p.OrderID, entity.ReservationReleaseRequest{
				OrderID:       p.OrderID,
				ReservationID: *saga.ReservationID,
				Reason:        patch.FailReason,
			})
		}

		moved, cur, err := s.advanceOrder(ctx, order, entity.OrderPaid)
		if err != nil {
			return err
		}
		if !moved {
			if cur == entity.OrderFail {
				return s.compensatePayment(ctx, p.OrderID, *p.PaymentID, saga)
			}
			s.logger.Debugf("[orderID %s] duplicate PaymentCreated, order is %s", p.OrderID, cur)
			return nil
		}

		patch := entity.NewSagaPatch(p.OrderID, entity.MilestonePaymentCompleted, entity.MilestoneReservationReserved)
		patch.PaymentID = p.PaymentID
		if _, err := s.repo.PatchSaga(ctx, patch); err != nil {
			return err
		}
		return s.outbox.Append(ctx, p.OrderID, entity.ReservationConfirmRequest{
			OrderID:       p.OrderID,
			ReservationID: *saga.ReservationID,
		})
	})
}

// compensatePayment отменяет авторизацию, пришедшую после отмены заказа.
func (s *ServiceImpl) compensatePayment(ctx context.Context, orderID, paymentID uuid.UUID, saga *entity.SagaRecord) error {
	if saga.Has(entity.MilestonePaymentReleased) && saga.PaymentID != nil {
		return nil
	}
	patch := entity.NewSagaPatch(orderID, entity.MilestonePaymentCompleted, entity.MilestonePaymentReleased)
	patch.PaymentID = &paymentID
	if _, err := s.repo.PatchSaga(ctx, patch); err != nil {
		return err
	}
	s.logger.Infof("[orderID %s] late payment %s for cancelled order, voiding", orderID, paymentID)
	return s.outbox.Append(ctx, orderID, entity.PaymentReleaseRequest{
		OrderID:   orderID,
		PaymentID: paymentID,
		Reason:    reasonCancelled,
	})
}

func (s *ServiceImpl) HandleReservationConfirmed(ctx context.Context, _ entity.Envelope, p *entity.ReservationConfirmed) error {
	return s.sagaStep(ctx, p.OrderID, p.EventType(), func(ctx context.Context, _ *entity.Order, saga *entity.SagaRecord) error {
		if saga.PaymentID == nil {
			return fmt.Errorf("%w: order %s has no payment for %s", appers.ErrMissingSagaStep, p.OrderID, p.EventType())
		}
		if saga.Has(entity.MilestoneReservationConfirmed) {
			return nil
		}
		if _, err := s.repo.PatchSaga(ctx, entity.NewSagaPatch(p.OrderID, entity.MilestoneReservationConfirmed)); err != nil {
			return err
		}
		return s.outbox.Append(ctx, p.OrderID, entity.PaymentConfirmRequest{
			OrderID:   p.OrderID,
			PaymentID: *saga.PaymentID,
		})
	})
}

func (s *ServiceImpl) HandlePaymentConfirmed(ctx context.Context, _ entity.Envelope, p *entity.PaymentConfirmed) error {
	return s.sagaStep(ctx, p.OrderID, p.EventType(), func(ctx context.Context, order *entity.Order, _ *entity.SagaRecord) error {
		moved, cur, err := s.advanceOrder(ctx, order, entity.OrderCompleted)
		if err != nil {
			return err
		}
		if !moved {
			if cur == entity.OrderCompleted {
				return nil
			}
			return fmt.Errorf("%w: order %s is %s, PaymentConfirmed requires %s",
				appers.ErrInvalidTransition, p.OrderID, cur, entity.OrderPaid)
		}
		_, err = s.repo.PatchSaga(ctx, entity.NewSagaPatch(p.OrderID, entity.MilestonePaymentConfirmed, entity.MilestoneCompleted))
		return err
	})
}

func (s *ServiceImpl) HandleReservationReleased(ctx context.Context, _ entity.Envelope, p *entity.ReservationReleased) error {
	return s.sagaStep(ctx, p.OrderID, p.EventType(), func(ctx context.Context, _ *entity.Order, _ *entity.SagaRecord) error {
		_, err := s.repo.PatchSaga(ctx, entity.NewSagaPatch(p.OrderID, entity.MilestoneReservationReleaseAck))
		return err
	})
}

func (s *ServiceImpl) HandlePaymentReleased(ctx context.Context, _ entity.Envelope, p *entity.PaymentReleased) error {
	return s.sagaStep(ctx, p.OrderID, p.EventType(), func(ctx context.Context, _ *entity.Order, _ *entity.SagaRecord) error {
		_, err := s.repo.PatchSaga(ctx, entity.NewSagaPatch(p.OrderID, entity.MilestonePaymentReleaseAck))
		return err
	})
}

func failReason(step, reason string) string {
	if reason == "" {
		return step + " failed"
	}
	return step + " failed: " + reason
}
