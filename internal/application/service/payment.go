package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/entity"

	"github.com/gofrs/uuid"
)

const resourcePayment = "payment"

func (s *ServiceImpl) HandlePaymentCreateRequest(ctx context.Context, _ entity.Envelope, p *entity.PaymentCreateRequest) error {
	return s.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		res, proceed, err := s.guard.Begin(ctx, p.OrderID.String(), entity.ActionPaymentCreate, p.IdempotencyKey)
		if err != nil || !proceed {
			return err
		}

		// провайдер идемпотентен по ключу: после отката транзакции повтор вернёт тот же ответ
		auth, err := s.authorizer.Authorize(ctx, entity.AuthorizeRequest{
			OrderID:        p.OrderID,
			Amount:         p.Amount,
			Currency:       p.Currency,
			IdempotencyKey: p.IdempotencyKey,
		})
		if err != nil {
			return fmt.Errorf("authorize payment for order %s: %w", p.OrderID, err)
		}

		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		payment := &entity.Payment{
			ID:             id,
			OrderID:        p.OrderID,
			ReservationID:  p.ReservationID,
			IdempotencyKey: p.IdempotencyKey,
			Amount:         p.Amount,
			Currency:       p.Currency,
			Status:         entity.PaymentStatusAuthorized,
			ProviderRef:    auth.ProviderRef,
			CreatedAt:      time.Now().UTC(),
		}
		payment.UpdatedAt = payment.CreatedAt
		if !auth.Approved {
			payment.Status = entity.PaymentStatusDeclined
			payment.DeclineReason = auth.Reason
		}
		if err := s.repo.CreatePayment(ctx, payment); err != nil {
			return err
		}

		if !auth.Approved {
			s.logger.Infof("[orderID %s] payment %s declined: %s", p.OrderID, id, auth.Reason)
			if err := s.guard.Fail(ctx, res); err != nil {
				return err
			}
			return s.outbox.Append(ctx, p.OrderID, entity.PaymentCreated{
				OrderID:   p.OrderID,
				PaymentID: &id,
				Success:   false,
				Reason:    auth.Reason,
			})
		}

		if err := s.guard.Succeed(ctx, res, resourcePayment, id); err != nil {
			return err
		}
		s.logger.Infof("[orderID %s] payment %s authorized, amount %s %s", p.OrderID, id, p.Amount, p.Currency)
		return s.outbox.Append(ctx, p.OrderID, entity.PaymentCreated{
			OrderID:   p.OrderID,
			PaymentID: &id,
			Success:   true,
		})
	})
}

func (s *ServiceImpl) HandlePaymentConfirmRequest(ctx context.Context, _ entity.Envelope, p *entity.PaymentConfirmRequest) error {
	return s.transitionPayment(ctx, p.OrderID, p.PaymentID, entity.PaymentStatusCaptured,
		func(ctx context.Context, pay *entity.Payment) error {
			return s.authorizer.Capture(ctx, pay.ProviderRef, "capture-"+pay.ID.String())
		},
		entity.PaymentConfirmed{OrderID: p.OrderID, PaymentID: p.PaymentID})
}

func (s *ServiceImpl) HandlePaymentReleaseRequest(ctx context.Context, _ entity.Envelope, p *entity.PaymentReleaseRequest) error {
	s.logger.Infof("[orderID %s] release of payment %s requested, reason: %s", p.OrderID, p.PaymentID, p.Reason)
	return s.transitionPayment(ctx, p.OrderID, p.PaymentID, entity.PaymentStatusReleased,
		func(ctx context.Context, pay *entity.Payment) error {
			return s.authorizer.Void(ctx, pay.ProviderRef, "void-"+pay.ID.String())
		},
		entity.PaymentReleased{OrderID: p.OrderID, PaymentID: p.PaymentID})
}

// transitionPayment - AUTHORIZED -> to условным апдейтом, по тем же правилам, что и резерв.
func (s *ServiceImpl) transitionPayment(ctx context.Context, orderID, id uuid.UUID, to entity.PaymentStatus,
	apply func(context.Context, *entity.Payment) error, event entity.Payload) error {
	return s.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		pay, err := s.repo.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if pay.OrderID != orderID {
			return fmt.Errorf("%w: payment %s belongs to order %s, not %s",
				appers.ErrInvalidTransition, id, pay.OrderID, orderID)
		}
		if pay.Status != entity.PaymentStatusAuthorized {
			return paymentSettled(pay, to)
		}

		ok, err := s.repo.UpdatePaymentStatus(ctx, id, entity.PaymentStatusAuthorized, to)
		if err != nil {
			return err
		}
		if !ok {
			if pay, err = s.repo.GetPayment(ctx, id); err != nil {
				return err
			}
			return paymentSettled(pay, to)
		}

		if err := apply(ctx, pay); err != nil {
			return fmt.Errorf("payment %s -> %s: %w", id, to, err)
		}
		s.logger.Infof("[orderID %s] payment %s -> %s", orderID, id, to)
		return s.outbox.Append(ctx, orderID, event)
	})
}

func paymentSettled(pay *entity.Payment, to entity.PaymentStatus) error {
	if pay.Status == to {
		return nil
	}
	return fmt.Errorf("%w: payment %s is %s, requested %s", appers.ErrInvalidTransition, pay.ID, pay.Status, to)
}

func (s *ServiceImpl) GetPayment(ctx context.Context, id uuid.UUID) (*entity.Payment, error) {
	return s.repo.GetPayment(ctx, id)
}
