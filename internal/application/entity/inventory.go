package entity

import (
	"fmt"
	"time"

	"fulfillment/internal/appers"

	"github.com/gofrs/uuid"
)

// Inventory - строка складского учёта. Version меняется при каждой записи
// и служит условием compare-and-swap.
type Inventory struct {
	ID          uuid.UUID `json:"id"`
	ProductID   uuid.UUID `json:"productId"`
	AvailableQt int64     `json:"available"`
	ReservedQt  int64     `json:"reserved"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Reserve переносит q из доступного остатка в резерв. Не блокирует:
// при нехватке остатка сразу возвращает ErrInsufficientStock.
func (i Inventory) Reserve(q int64) (Inventory, error) {
	if q <= 0 {
		return i, fmt.Errorf("reserve: quantity must be positive, got %d", q)
	}
	if q > i.AvailableQt {
		return i, fmt.Errorf("%w: product %s available=%d requested=%d", appers.ErrInsufficientStock, i.ProductID, i.AvailableQt, q)
	}
	i.AvailableQt -= q
	i.ReservedQt += q
	return i, nil
}

// Confirm списывает q из резерва насовсем; доступный остаток уже уменьшен при резервировании.
func (i Inventory) Confirm(q int64) (Inventory, error) {
	if q <= 0 {
		return i, fmt.Errorf("confirm: quantity must be positive, got %d", q)
	}
	if q > i.ReservedQt {
		return i, fmt.Errorf("%w: product %s reserved=%d requested=%d", appers.ErrInsufficientReserved, i.ProductID, i.ReservedQt, q)
	}
	i.ReservedQt -= q
	return i, nil
}

// Release возвращает q из резерва в доступный остаток.
func (i Inventory) Release(q int64) (Inventory, error) {
	if q <= 0 {
		return i, fmt.Errorf("release: quantity must be positive, got %d", q)
	}
	if q > i.ReservedQt {
		return i, fmt.Errorf("%w: product %s reserved=%d requested=%d", appers.ErrInsufficientReserved, i.ProductID, i.ReservedQt, q)
	}
	i.ReservedQt -= q
	i.AvailableQt += q
	return i, nil
}

// Restock увеличивает доступный остаток.
func (i Inventory) Restock(q int64) (Inventory, error) {
	if q <= 0 {
		return i, fmt.Errorf("restock: quantity must be positive, got %d", q)
	}
	i.AvailableQt += q
	return i, nil
}

type RestockRequest struct {
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

type ReservationStatus string

const (
	ReservationStatusCreated   ReservationStatus = "CREATED"
	ReservationStatusCommitted ReservationStatus = "COMMITTED"
	ReservationStatusReleased  ReservationStatus = "RELEASED"
)

type Reservation struct {
	ID             uuid.UUID         `json:"id"`
	OrderID        uuid.UUID         `json:"orderId"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Status         ReservationStatus `json:"status"`
	Items          []LineItem        `json:"items"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}
