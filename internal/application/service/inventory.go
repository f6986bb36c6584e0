package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/entity"

	"github.com/gofrs/uuid"
)

const resourceReservation = "reservation"

// ReservationOutcome - итог создания резерва. Rejected означает отказ по остатку,
// ReservationID в этом случае пустой.
type ReservationOutcome struct {
	ReservationID uuid.UUID
	Rejected      bool
	Reason        string
	Created       bool
}

// CreateReservation создаёт резерв под заказ ровно один раз на (orderId, idempotencyKey).
// Повторный вызов возвращает уже созданный резерв без побочных эффектов.
func (s *ServiceImpl) CreateReservation(ctx context.Context, req entity.ReservationCreateRequest) (ReservationOutcome, error) {
	var out ReservationOutcome
	err := s.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		res, proceed, err := s.guard.Begin(ctx, req.OrderID.String(), entity.ActionReservationCreate, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if !proceed {
			out = ReservationOutcome{Rejected: res.Record.Status == entity.IdempotencyFailed}
			if id, ok := res.ResourceUUID(); ok {
				out.ReservationID = id
			}
			return nil
		}

		items := entity.MergeLineItems(req.Items)
		if err := s.ledger.Reserve(ctx, items); err != nil {
			if !IsRejection(err) {
				return err
			}
			s.logger.Infof("[orderID %s] reservation rejected: %v", req.OrderID, err)
			if err := s.guard.Fail(ctx, res); err != nil {
				return err
			}
			out = ReservationOutcome{Rejected: true, Reason: err.Error(), Created: true}
			return s.outbox.Append(ctx, req.OrderID, entity.ReservationCreated{
				OrderID: req.OrderID,
				Success: false,
				Reason:  err.Error(),
			})
		}

		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		reservation := &entity.Reservation{
			ID:             id,
			OrderID:        req.OrderID,
			IdempotencyKey: req.IdempotencyKey,
			Status:         entity.ReservationStatusCreated,
			Items:          items,
			CreatedAt:      time.Now().UTC(),
		}
		reservation.UpdatedAt = reservation.CreatedAt
		if err := s.repo.CreateReservation(ctx, reservation); err != nil {
			return err
		}
		if err := s.guard.Succeed(ctx, res, resourceReservation, id); err != nil {
			return err
		}
		out = ReservationOutcome{ReservationID: id, Created: true}
		return s.outbox.Append(ctx, req.OrderID, entity.ReservationCreated{
			OrderID:       req.OrderID,
			ReservationID: &id,
			Success:       true,
		})
	})
	if err != nil {
		return ReservationOutcome{}, err
	}
	if out.Created && !out.Rejected {
		s.logger.Infof("[orderID %s] reservation %s created", req.OrderID, out.ReservationID)
	}
	return out, nil
}

func (s *ServiceImpl) HandleReservationCreateRequest(ctx context.Context, _ entity.Envelope, p *entity.ReservationCreateRequest) error {
	_, err := s.CreateReservation(ctx, *p)
	return err
}

func (s *ServiceImpl) HandleReservationConfirmRequest(ctx context.Context, _ entity.Envelope, p *entity.ReservationConfirmRequest) error {
	return s.transitionReservation(ctx, p.OrderID, p.ReservationID, entity.ReservationStatusCommitted,
		s.ledger.Confirm,
		entity.ReservationConfirmed{OrderID: p.OrderID, ReservationID: p.ReservationID})
}

func (s *ServiceImpl) HandleReservationReleaseRequest(ctx context.Context, _ entity.Envelope, p *entity.ReservationReleaseRequest) error {
	s.logger.Infof("[orderID %s] release of reservation %s requested, reason: %s", p.OrderID, p.ReservationID, p.Reason)
	return s.transitionReservation(ctx, p.OrderID, p.ReservationID, entity.ReservationStatusReleased,
		s.ledger.Release,
		entity.ReservationReleased{OrderID: p.OrderID, ReservationID: p.ReservationID})
}

// transitionReservation переводит резерв целиком CREATED -> to условным апдейтом.
// Проигравший конкурент и повторная доставка видят резерв уже в целевом статусе
// и ничего не делают.
func (s *ServiceImpl) transitionReservation(ctx context.Context, orderID, id uuid.UUID, to entity.ReservationStatus,
	apply func(context.Context, []entity.LineItem) error, event entity.Payload) error {
	return s.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		resv, err := s.repo.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if resv.OrderID != orderID {
			return fmt.Errorf("%w: reservation %s belongs to order %s, not %s",
				appers.ErrInvalidTransition, id, resv.OrderID, orderID)
		}
		if resv.Status != entity.ReservationStatusCreated {
			return s.reservationSettled(resv, to)
		}

		ok, err := s.repo.UpdateReservationStatus(ctx, id, entity.ReservationStatusCreated, to)
		if err != nil {
			return err
		}
		if !ok {
			resv, err = s.repo.GetReservation(ctx, id)
			if err != nil {
				return err
			}
			return s.reservationSettled(resv, to)
		}

		if err := apply(ctx, resv.Items); err != nil {
			return err
		}
		s.logger.Infof("[orderID %s] reservation %s -> %s", orderID, id, to)
		return s.outbox.Append(ctx, orderID, event)
	})
}

func (s *ServiceImpl) reservationSettled(resv *entity.Reservation, to entity.ReservationStatus) error {
	if resv.Status == to {
		s.logger.Debugf("[orderID %s] reservation %s already %s", resv.OrderID, resv.ID, to)
		return nil
	}
	return fmt.Errorf("%w: reservation %s is %s, requested %s",
		appers.ErrInvalidTransition, resv.ID, resv.Status, to)
}

func (s *ServiceImpl) RestockInventory(ctx context.Context, productID uuid.UUID, quantity int64) (*entity.Inventory, error) {
	var inv *entity.Inventory
	err := s.repo.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.ledger.Restock(ctx, productID, quantity)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infof("[product: %s] restocked by %d, available=%d", productID, quantity, inv.AvailableQt)
	return inv, nil
}

func (s *ServiceImpl) GetInventory(ctx context.Context, productID uuid.UUID) (*entity.Inventory, error) {
	return s.ledger.Stock(ctx, productID)
}

func (s *ServiceImpl) GetReservation(ctx context.Context, id uuid.UUID) (*entity.Reservation, error) {
	return s.repo.GetReservation(ctx, id)
}
