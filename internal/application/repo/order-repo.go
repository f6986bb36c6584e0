package repo

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/common"
	"fulfillment/internal/application/entity"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateOrder вставляет заказ и его позиции; вызывать внутри транзакции.
func (r *RepoImpl) CreateOrder(ctx context.Context, order *entity.Order) error {
	r.logger.Debugf("[order: %s] start inserting into DB", order.ID)

	total, err := common.NumericFromString2Strict(order.TotalPrice)
	if err != nil {
		return fmt.Errorf("order total price: %w", err)
	}
	if _, err := r.db.Exec(ctx, createOrderSQL,
		order.ID, order.CustomerID, string(order.Status), total, order.Currency, order.CreatedAt); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, it := range order.Items {
		price, err := common.NumericFromString2Strict(it.UnitPrice)
		if err != nil {
			return fmt.Errorf("order item %d price: %w", i+1, err)
		}
		if _, err := r.db.Exec(ctx, createOrderItemSQL, order.ID, i+1, it.ProductID, it.Quantity, price); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	r.logger.Debugf("[order: %s] inserted into DB successfully", order.ID)
	return nil
}

func (r *RepoImpl) GetOrder(ctx context.Context, id uuid.UUID) (*entity.Order, error) {
	var (
		o      entity.Order
		status string
	)
	err := r.db.QueryRow(ctx, getOrderSQL, id).Scan(
		&o.ID, &o.CustomerID, &status, &o.TotalPrice, &o.Currency, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appers.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.Status = entity.OrderStatus(status)

	rows, err := r.db.Query(ctx, getOrderItemsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	o.Items = make([]entity.OrderItem, 0)
	for rows.Next() {
		var it entity.OrderItem
		if err := rows.Scan(&it.ProductID, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order items rows: %w", err)
	}
	return &o, nil
}

// UpdateOrderStatus переводит заказ в to, если текущий статус входит в from.
func (r *RepoImpl) UpdateOrderStatus(ctx context.Context, id uuid.UUID, from []entity.OrderStatus, to entity.OrderStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, updateOrderStatusSQL, id, statusStrings(from), string(to))
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
