package repo

import (
	"context"
	"errors"
	"fmt"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/entity"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
)

func (r *RepoImpl) GetInventory(ctx context.Context, productID uuid.UUID) (*entity.Inventory, error) {
	var inv entity.Inventory
	err := r.db.QueryRow(ctx, getInventorySQL, productID).Scan(
		&inv.ID, &inv.ProductID, &inv.AvailableQt, &inv.ReservedQt, &inv.Version, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appers.ErrInventoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inventory: %w", err)
	}
	return &inv, nil
}

// CreateInventory заводит строку товара; false - строка уже существует.
func (r *RepoImpl) CreateInventory(ctx context.Context, productID uuid.UUID, available int64) (bool, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return false, err
	}
	var inserted uuid.UUID
	err = r.db.QueryRow(ctx, createInventorySQL, id, productID, available).Scan(&inserted)
	switch {
	case err == nil:
		r.logger.Infof("[product: %s] inventory row created with available=%d", productID, available)
		return true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("create inventory: %w", err)
	}
}

// UpdateInventoryCAS записывает новые количества, только если версия строки не изменилась
// с момента чтения (inv.Version - прочитанная версия).
func (r *RepoImpl) UpdateInventoryCAS(ctx context.Context, inv entity.Inventory) error {
	tag, err := r.db.Exec(ctx, updateInventoryCASSQL, inv.ProductID, inv.AvailableQt, inv.ReservedQt, inv.Version)
	if err != nil {
		return fmt.Errorf("update inventory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debugf("[product: %s] version %d changed concurrently", inv.ProductID, inv.Version)
		return fmt.Errorf("[product: %s] %w", inv.ProductID, appers.ErrVersionConflict)
	}
	return nil
}
