package entity

import (
	"time"

	"github.com/gofrs/uuid"
)

type IdempotencyStatus string

const (
	IdempotencyStarted   IdempotencyStatus = "STARTED"
	IdempotencySucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyFailed    IdempotencyStatus = "FAILED"
)

// Действия, защищённые ключом идемпотентности.
const (
	ActionOrderCreate       = "order.create"
	ActionReservationCreate = "reservation.create"
	ActionPaymentCreate     = "payment.create"
)

type IdempotencyRecord struct {
	ID             uuid.UUID         `json:"id"`
	ScopeID        string            `json:"scopeId"`
	Action         string            `json:"action"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Status         IdempotencyStatus `json:"status"`
	ResourceType   *string           `json:"resourceType,omitempty"`
	ResourceID     *string           `json:"resourceId,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

type IdempotencyOutcome int

const (
	Started IdempotencyOutcome = iota + 1
	Existing
)

func (o IdempotencyOutcome) String() string {
	switch o {
	case Started:
		return "started"
	case Existing:
		return "existing"
	}
	return "unknown"
}

// IdempotencyResult - результат tryStart: либо новая запись (Started),
// либо уже существующая запись первого писателя (Existing).
type IdempotencyResult struct {
	Outcome IdempotencyOutcome
	Record  IdempotencyRecord
}

func (r IdempotencyResult) Started() bool {
	return r.Outcome == Started
}

// ResourceUUID разбирает ссылку на ресурс, записанную markSucceeded.
func (r IdempotencyResult) ResourceUUID() (uuid.UUID, bool) {
	if r.Record.ResourceID == nil {
		return uuid.Nil, false
	}
	id, err := uuid.FromString(*r.Record.ResourceID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
