package entity

import (
	"time"

	"github.com/gofrs/uuid"
)

// Milestone - имя колонки с временем шага саги. Значение выставляется один раз и не сбрасывается.
type Milestone string

const (
	MilestoneReservationRequested  Milestone = "reservation_requested_at"
	MilestoneReservationCompleted  Milestone = "reservation_completed_at"
	MilestoneReservationReserved   Milestone = "reservation_reserved_at"
	MilestoneReservationConfirmed  Milestone = "reservation_confirmed_at"
	MilestoneReservationReleased   Milestone = "reservation_released_at"
	MilestoneReservationReleaseAck Milestone = "reservation_release_acked_at"
	MilestonePaymentRequested      Milestone = "payment_requested_at"
	MilestonePaymentCompleted      Milestone = "payment_completed_at"
	MilestonePaymentConfirmed      Milestone = "payment_confirmed_at"
	MilestonePaymentReleased       Milestone = "payment_released_at"
	MilestonePaymentReleaseAck     Milestone = "payment_release_acked_at"
	MilestoneFailed                Milestone = "failed_at"
	MilestoneCompleted             Milestone = "completed_at"
)

func (m Milestone) Valid() bool {
	switch m {
	case MilestoneReservationRequested, MilestoneReservationCompleted, MilestoneReservationReserved,
		MilestoneReservationConfirmed, MilestoneReservationReleased, MilestoneReservationReleaseAck,
		MilestonePaymentRequested, MilestonePaymentCompleted, MilestonePaymentConfirmed,
		MilestonePaymentReleased, MilestonePaymentReleaseAck, MilestoneFailed, MilestoneCompleted:
		return true
	}
	return false
}

type SagaRecord struct {
	OrderID       uuid.UUID  `json:"orderId"`
	ReservationID *uuid.UUID `json:"reservationId,omitempty"`
	PaymentID     *uuid.UUID `json:"paymentId,omitempty"`
	TotalPrice    string     `json:"totalPrice"`
	Currency      string     `json:"currency"`

	ReservationRequestedAt  *time.Time `json:"reservationRequestedAt,omitempty"`
	ReservationCompletedAt  *time.Time `json:"reservationCompletedAt,omitempty"`
	ReservationReservedAt   *time.Time `json:"reservationReservedAt,omitempty"`
	ReservationConfirmedAt  *time.Time `json:"reservationConfirmedAt,omitempty"`
	ReservationReleasedAt   *time.Time `json:"reservationReleasedAt,omitempty"`
	ReservationReleaseAckAt *time.Time `json:"reservationReleaseAckedAt,omitempty"`
	PaymentRequestedAt      *time.Time `json:"paymentRequestedAt,omitempty"`
	PaymentCompletedAt      *time.Time `json:"paymentCompletedAt,omitempty"`
	PaymentConfirmedAt      *time.Time `json:"paymentConfirmedAt,omitempty"`
	PaymentReleasedAt       *time.Time `json:"paymentReleasedAt,omitempty"`
	PaymentReleaseAckAt     *time.Time `json:"paymentReleaseAckedAt,omitempty"`
	FailedAt                *time.Time `json:"failedAt,omitempty"`
	CompletedAt             *time.Time `json:"completedAt,omitempty"`

	FailReason *string   `json:"failReason,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (s *SagaRecord) milestone(m Milestone) *time.Time {
	switch m {
	case MilestoneReservationRequested:
		return s.ReservationRequestedAt
	case MilestoneReservationCompleted:
		return s.ReservationCompletedAt
	case MilestoneReservationReserved:
		return s.ReservationReservedAt
	case MilestoneReservationConfirmed:
		return s.ReservationConfirmedAt
	case MilestoneReservationReleased:
		return s.ReservationReleasedAt
	case MilestoneReservationReleaseAck:
		return s.ReservationReleaseAckAt
	case MilestonePaymentRequested:
		return s.PaymentRequestedAt
	case MilestonePaymentCompleted:
		return s.PaymentCompletedAt
	case MilestonePaymentConfirmed:
		return s.PaymentConfirmedAt
	case MilestonePaymentReleased:
		return s.PaymentReleasedAt
	case MilestonePaymentReleaseAck:
		return s.PaymentReleaseAckAt
	case MilestoneFailed:
		return s.FailedAt
	case MilestoneCompleted:
		return s.CompletedAt
	}
	return nil
}

// Has сообщает, пройден ли шаг саги.
func (s *SagaRecord) Has(m Milestone) bool {
	return s.milestone(m) != nil
}

// Frozen - после completedAt запись саги больше не меняется.
func (s *SagaRecord) Frozen() bool {
	return s.CompletedAt != nil
}

// SagaPatch - набор изменений саги. Пустые поля не трогают запись; заданные поля
// применяются только если колонка ещё пуста.
type SagaPatch struct {
	OrderID       uuid.UUID
	ReservationID *uuid.UUID
	PaymentID     *uuid.UUID
	FailReason    string
	Milestones    []Milestone
	At            time.Time
}

func NewSagaPatch(orderID uuid.UUID, milestones ...Milestone) SagaPatch {
	return SagaPatch{OrderID: orderID, Milestones: milestones, At: time.Now().UTC()}
}

func (p SagaPatch) Empty() bool {
	return p.ReservationID == nil && p.PaymentID == nil && p.FailReason == "" && len(p.Milestones) == 0
}

// Apply применяет патч к копии записи в памяти по тем же правилам, что и SQL.
func (p SagaPatch) Apply(s SagaRecord) SagaRecord {
	if s.Frozen() {
		return s
	}
	at := p.At
	set := func(dst **time.Time) {
		if *dst == nil {
			t := at
			*dst = &t
		}
	}
	if p.ReservationID != nil && s.ReservationID == nil {
		id := *p.ReservationID
		s.ReservationID = &id
	}
	if p.PaymentID != nil && s.PaymentID == nil {
		id := *p.PaymentID
		s.PaymentID = &id
	}
	if p.FailReason != "" && s.FailReason == nil {
		r := p.FailReason
		s.FailReason = &r
	}
	for _, m := range p.Milestones {
		switch m {
		case MilestoneReservationRequested:
			set(&s.ReservationRequestedAt)
		case MilestoneReservationCompleted:
			set(&s.ReservationCompletedAt)
		case MilestoneReservationReserved:
			set(&s.ReservationReservedAt)
		case MilestoneReservationConfirmed:
			set(&s.ReservationConfirmedAt)
		case MilestoneReservationReleased:
			set(&s.ReservationReleasedAt)
		case MilestoneReservationReleaseAck:
			set(&s.ReservationReleaseAckAt)
		case MilestonePaymentRequested:
			set(&s.PaymentRequestedAt)
		case MilestonePaymentCompleted:
			set(&s.PaymentCompletedAt)
		case MilestonePaymentConfirmed:
			set(&s.PaymentConfirmedAt)
		case MilestonePaymentReleased:
			set(&s.PaymentReleasedAt)
		case MilestonePaymentReleaseAck:
			set(&s.PaymentReleaseAckAt)
		case MilestoneFailed:
			set(&s.FailedAt)
		case MilestoneCompleted:
			set(&s.CompletedAt)
		}
	}
	return s
}
