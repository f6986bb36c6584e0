package entity

import (
	"time"

	"github.com/gofrs/uuid"
)

type OrderStatus string

const (
	OrderCreated       OrderStatus = "CREATED"
	OrderPaying        OrderStatus = "PAYING"
	OrderPaid          OrderStatus = "PAID"
	OrderCompleted     OrderStatus = "COMPLETED"
	OrderFail          OrderStatus = "FAIL"
	OrderPaymentFailed OrderStatus = "PAYMENT_FAILED"
)

// orderTransitions - таблица допустимых переходов статуса заказа.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderCreated: {OrderPaying, OrderFail},
	OrderPaying:  {OrderPaid, OrderFail, OrderPaymentFailed},
	OrderPaid:    {OrderCompleted},
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// Cancellable - отмена разрешена, пока не запрошено подтверждение резерва.
func (s OrderStatus) Cancellable() bool {
	return s == OrderCreated || s == OrderPaying
}

type Order struct {
	ID         uuid.UUID   `json:"id"`
	CustomerID string      `json:"customerId"`
	Status     OrderStatus `json:"status"`
	TotalPrice string      `json:"totalPrice"`
	Currency   string      `json:"currency"`
	Items      []OrderItem `json:"items"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

type OrderItem struct {
	ProductID uuid.UUID `json:"productId" validate:"required"`
	Quantity  int64     `json:"quantity" validate:"required,gt=0"`
	UnitPrice string    `json:"unitPrice" validate:"required,decimal2"`
}

// CreateOrderRequest - тело POST /orders.
type CreateOrderRequest struct {
	CustomerID string      `json:"customerId" validate:"required,min=1,max=100"`
	Currency   string      `json:"currency" validate:"required,currency"`
	Items      []OrderItem `json:"items" validate:"required,min=1,dive"`
}

type CreateOrderResult struct {
	OrderID uuid.UUID   `json:"orderId"`
	Status  OrderStatus `json:"status"`
	Created bool        `json:"created"`
}

// OrderView - заказ вместе с записью саги.
type OrderView struct {
	Order Order      `json:"order"`
	Saga  SagaRecord `json:"saga"`
}

func (o Order) LineItems() []LineItem {
	res := make([]LineItem, 0, len(o.Items))
	for _, it := range o.Items {
		res = append(res, LineItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return MergeLineItems(res)
}

// MergeLineItems схлопывает повторяющиеся товары, сохраняя порядок первого вхождения.
func MergeLineItems(items []LineItem) []LineItem {
	idx := make(map[uuid.UUID]int, len(items))
	res := make([]LineItem, 0, len(items))
	for _, it := range items {
		if i, ok := idx[it.ProductID]; ok {
			res[i].Quantity += it.Quantity
			continue
		}
		idx[it.ProductID] = len(res)
		res = append(res, it)
	}
	return res
}
