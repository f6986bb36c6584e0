package entity

import (
	"time"

	"github.com/gofrs/uuid"
)

type PaymentStatus string

const (
	PaymentStatusAuthorized PaymentStatus = "AUTHORIZED"
	PaymentStatusDeclined   PaymentStatus = "DECLINED"
	PaymentStatusCaptured   PaymentStatus = "CAPTURED"
	PaymentStatusReleased   PaymentStatus = "RELEASED"
)

type Payment struct {
	ID             uuid.UUID     `json:"id"`
	OrderID        uuid.UUID     `json:"orderId"`
	ReservationID  uuid.UUID     `json:"reservationId"`
	IdempotencyKey string        `json:"idempotencyKey"`
	Amount         string        `json:"amount"`
	Currency       string        `json:"currency"`
	Status         PaymentStatus `json:"status"`
	ProviderRef    string        `json:"providerRef,omitempty"`
	DeclineReason  string        `json:"declineReason,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// AuthorizeRequest - запрос авторизации у платёжного провайдера.
type AuthorizeRequest struct {
	OrderID        uuid.UUID
	Amount         string
	Currency       string
	IdempotencyKey string
}

type AuthorizeResult struct {
	Approved    bool
	ProviderRef string
	Reason      string
}
