package repo

import (
	"context"
)

// Transactor открывает локальную транзакцию; все вызовы репозитория с полученным ctx
// идут через неё. Вложенный вызов переиспользует внешнюю транзакцию.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

func (r *RepoImpl) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	err := r.db.WithinTransaction(ctx, fn)
	if err != nil {
		r.logger.Debugf("transaction rolled back: %v", err)
		return err
	}
	return nil
}
