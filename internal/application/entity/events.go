package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"fulfillment/internal/appers"

	"github.com/gofrs/uuid"
)

type EventType string

const (
	ReservationCreateRequestEvent  EventType = "ReservationCreateRequest"
	ReservationCreatedEvent        EventType = "ReservationCreated"
	ReservationConfirmRequestEvent EventType = "ReservationConfirmRequest"
	ReservationConfirmedEvent      EventType = "ReservationConfirmed"
	ReservationReleaseRequestEvent EventType = "ReservationReleaseRequest"
	ReservationReleasedEvent       EventType = "ReservationReleased"

	PaymentCreateRequestEvent  EventType = "PaymentCreateRequest"
	PaymentCreatedEvent        EventType = "PaymentCreated"
	PaymentConfirmRequestEvent EventType = "PaymentConfirmRequest"
	PaymentConfirmedEvent      EventType = "PaymentConfirmed"
	PaymentReleaseRequestEvent EventType = "PaymentReleaseRequest"
	PaymentReleasedEvent       EventType = "PaymentReleased"
)

// Payload - закрытое объединение полезных нагрузок, ключ - тип события.
type Payload interface {
	EventType() EventType
	OrderRef() uuid.UUID
}

type LineItem struct {
	ProductID uuid.UUID `json:"productId" validate:"required"`
	Quantity  int64     `json:"quantity" validate:"required,gt=0"`
}

type ReservationCreateRequest struct {
	OrderID        uuid.UUID  `json:"orderId" validate:"required"`
	IdempotencyKey string     `json:"idempotencyKey" validate:"required,max=200"`
	Items          []LineItem `json:"items" validate:"required,min=1,dive"`
}

type ReservationCreated struct {
	OrderID       uuid.UUID  `json:"orderId" validate:"required"`
	ReservationID *uuid.UUID `json:"reservationId,omitempty" validate:"required_if=Success true"`
	Success       bool       `json:"success"`
	Reason        string     `json:"reason,omitempty"`
}

type ReservationConfirmRequest struct {
	OrderID       uuid.UUID `json:"orderId" validate:"required"`
	ReservationID uuid.UUID `json:"reservationId" validate:"required"`
}

type ReservationConfirmed struct {
	OrderID       uuid.UUID `json:"orderId" validate:"required"`
	ReservationID uuid.UUID `json:"reservationId" validate:"required"`
}

type ReservationReleaseRequest struct {
	OrderID       uuid.UUID `json:"orderId" validate:"required"`
	ReservationID uuid.UUID `json:"reservationId" validate:"required"`
	Reason        string    `json:"reason,omitempty"`
}

type ReservationReleased struct {
	OrderID       uuid.UUID `json:"orderId" validate:"required"`
	ReservationID uuid.UUID `json:"reservationId" validate:"required"`
}

type PaymentCreateRequest struct {
	OrderID        uuid.UUID `json:"orderId" validate:"required"`
	ReservationID  uuid.UUID `json:"reservationId" validate:"required"`
	IdempotencyKey string    `json:"idempotencyKey" validate:"required,max=200"`
	Amount         string    `json:"amount" validate:"required,decimal2"`
	Currency       string    `json:"currency" validate:"required,currency"`
}

type PaymentCreated struct {
	OrderID   uuid.UUID  `json:"orderId" validate:"required"`
	PaymentID *uuid.UUID `json:"paymentId,omitempty" validate:"required_if=Success true"`
	Success   bool       `json:"success"`
	Reason    string     `json:"reason,omitempty"`
}

type PaymentConfirmRequest struct {
	OrderID   uuid.UUID `json:"orderId" validate:"required"`
	PaymentID uuid.UUID `json:"paymentId" validate:"required"`
}

type PaymentConfirmed struct {
	OrderID   uuid.UUID `json:"orderId" validate:"required"`
	PaymentID uuid.UUID `json:"paymentId" validate:"required"`
}

type PaymentReleaseRequest struct {
	OrderID   uuid.UUID `json:"orderId" validate:"required"`
	PaymentID uuid.UUID `json:"paymentId" validate:"required"`
	Reason    string    `json:"reason,omitempty"`
}

type PaymentReleased struct {
	OrderID   uuid.UUID `json:"orderId" validate:"required"`
	PaymentID uuid.UUID `json:"paymentId" validate:"required"`
}

func (ReservationCreateRequest) EventType() EventType  { return ReservationCreateRequestEvent }
func (ReservationCreated) EventType() EventType        { return ReservationCreatedEvent }
func (ReservationConfirmRequest) EventType() EventType { return ReservationConfirmRequestEvent }
func (ReservationConfirmed) EventType() EventType      { return ReservationConfirmedEvent }
func (ReservationReleaseRequest) EventType() EventType { return ReservationReleaseRequestEvent }
func (ReservationReleased) EventType() EventType       { return ReservationReleasedEvent }
func (PaymentCreateRequest) EventType() EventType      { return PaymentCreateRequestEvent }
func (PaymentCreated) EventType() EventType            { return PaymentCreatedEvent }
func (PaymentConfirmRequest) EventType() EventType     { return PaymentConfirmRequestEvent }
func (PaymentConfirmed) EventType() EventType          { return PaymentConfirmedEvent }
func (PaymentReleaseRequest) EventType() EventType     { return PaymentReleaseRequestEvent }
func (PaymentReleased) EventType() EventType           { return PaymentReleasedEvent }

func (p ReservationCreateRequest) OrderRef() uuid.UUID  { return p.OrderID }
func (p ReservationCreated) OrderRef() uuid.UUID        { return p.OrderID }
func (p ReservationConfirmRequest) OrderRef() uuid.UUID { return p.OrderID }
func (p ReservationConfirmed) OrderRef() uuid.UUID      { return p.OrderID }
func (p ReservationReleaseRequest) OrderRef() uuid.UUID { return p.OrderID }
func (p ReservationReleased) OrderRef() uuid.UUID       { return p.OrderID }
func (p PaymentCreateRequest) OrderRef() uuid.UUID      { return p.OrderID }
func (p PaymentCreated) OrderRef() uuid.UUID            { return p.OrderID }
func (p PaymentConfirmRequest) OrderRef() uuid.UUID     { return p.OrderID }
func (p PaymentConfirmed) OrderRef() uuid.UUID          { return p.OrderID }
func (p PaymentReleaseRequest) OrderRef() uuid.UUID     { return p.OrderID }
func (p PaymentReleased) OrderRef() uuid.UUID           { return p.OrderID }

var payloadFactories = map[EventType]func() Payload{
	ReservationCreateRequestEvent:  func() Payload { return &ReservationCreateRequest{} },
	ReservationCreatedEvent:        func() Payload { return &ReservationCreated{} },
	ReservationConfirmRequestEvent: func() Payload { return &ReservationConfirmRequest{} },
	ReservationConfirmedEvent:      func() Payload { return &ReservationConfirmed{} },
	ReservationReleaseRequestEvent: func() Payload { return &ReservationReleaseRequest{} },
	ReservationReleasedEvent:       func() Payload { return &ReservationReleased{} },
	PaymentCreateRequestEvent:      func() Payload { return &PaymentCreateRequest{} },
	PaymentCreatedEvent:            func() Payload { return &PaymentCreated{} },
	PaymentConfirmRequestEvent:     func() Payload { return &PaymentConfirmRequest{} },
	PaymentConfirmedEvent:          func() Payload { return &PaymentConfirmed{} },
	PaymentReleaseRequestEvent:     func() Payload { return &PaymentReleaseRequest{} },
	PaymentReleasedEvent:           func() Payload { return &PaymentReleased{} },
}

// EventTypes возвращает все известные типы событий.
func EventTypes() []EventType {
	res := make([]EventType, 0, len(payloadFactories))
	for t := range payloadFactories {
		res = append(res, t)
	}
	return res
}

// DecodePayload восстанавливает типизированный payload по типу события.
// Возвращается указатель на структуру (например *ReservationCreated).
func DecodePayload(eventType EventType, raw json.RawMessage) (Payload, error) {
	factory, ok := payloadFactories[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", appers.ErrUnknownEventType, eventType)
	}
	p := factory()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return p, nil
}

// Envelope - конверт входящих/исходящих событий.
type Envelope struct {
	EventID     uuid.UUID       `json:"eventId"`
	AggregateID uuid.UUID       `json:"aggregateId"`
	EventType   EventType       `json:"eventType"`
	OccurredAt  time.Time       `json:"occurredAt"`
	Payload     json.RawMessage `json:"payload"`
}

// EnvelopeFromOutbox собирает конверт из записи outbox. EventID совпадает с id записи
// и стабилен между повторными публикациями.
func EnvelopeFromOutbox(rec OutboxRecord) Envelope {
	return Envelope{
		EventID:     rec.ID,
		AggregateID: rec.AggregateID,
		EventType:   rec.EventType,
		OccurredAt:  rec.CreatedAt,
		Payload:     rec.Payload,
	}
}

func (e Envelope) Decode() (Payload, error) {
	return DecodePayload(e.EventType, e.Payload)
}
