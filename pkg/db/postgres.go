package db

//go:generate mockgen -destination=mocks/mock_db.go -package=mock_db fulfillment/pkg/db DB

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fulfillment/pkg/config"
	"fulfillment/pkg/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
	Close()
}

type Postgres struct {
	Pool *pgxpool.Pool
	m    *metrics.Metrics
}

func NewPostgres(ctx context.Context, conf config.Postgres, m *metrics.Metrics) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(conf.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	if conf.MaxConnections <= 0 {
		poolCfg.MaxConns = 5
	} else {
		poolCfg.MaxConns = conf.MaxConnections
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if conf.AutoMigrate {
		if err := Migrate(poolCfg.ConnConfig, conf.MigrationsDir); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Postgres{Pool: pool, m: m}, nil
}

// Migrate накатывает goose-миграции через database/sql на базе pgx stdlib.
func Migrate(connConfig *pgx.ConnConfig, dir string) error {
	sqlDB := stdlib.OpenDB(*connConfig)
	defer sqlDB.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(sqlDB, dir); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}

// MigrateDSN - то же для CLI, где пула ещё нет.
func MigrateDSN(dsn, dir string) error {
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	return Migrate(connCfg, dir)
}

// ===== Транзакции через context =====

type txKey struct{}

func (p *Postgres) InjectTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func (p *Postgres) ExtractTx(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// ===== Универсальные врапперы: если есть tx в контексте, используем его =====

func (p *Postgres) Exec(ctx context.Context, query string, args ...any) (tag pgconn.CommandTag, err error) {
	defer p.observe("exec", query, time.Now(), &err)
	if tx := p.ExtractTx(ctx); tx != nil {
		return tx.Exec(ctx, query, args...)
	}
	return p.Pool.Exec(ctx, query, args...)
}

func (p *Postgres) Query(ctx context.Context, query string, args ...any) (rows pgx.Rows, err error) {
	defer p.observe("query", query, time.Now(), &err)
	if tx := p.ExtractTx(ctx); tx != nil {
		return tx.Query(ctx, query, args...)
	}
	return p.Pool.Query(ctx, query, args...)
}

func (p *Postgres) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	var noErr error
	defer p.observe("query_row", query, time.Now(), &noErr)
	if tx := p.ExtractTx(ctx); tx != nil {
		return tx.QueryRow(ctx, query, args...)
	}
	return p.Pool.QueryRow(ctx, query, args...)
}

// ===== Обёртка транзакции =====
// Коммит/роллбэк управляется единственным defer с именованным возвратом err.
// Вложенный вызов переиспользует уже открытую транзакцию.
func (p *Postgres) WithinTransaction(ctx context.Context, tFunc func(ctx context.Context) error) (err error) {
	if p.ExtractTx(ctx) != nil {
		return tFunc(ctx)
	}

	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	// передаём вниз ctx с tx; все p.Exec/Query/QueryRow будут идти через этот tx
	err = tFunc(p.InjectTx(ctx, tx))
	return
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}

func (p *Postgres) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

func (p *Postgres) observe(op, query string, start time.Time, err *error) {
	if p.m == nil {
		return
	}
	name := statementKind(query)
	result := "ok"
	if err != nil && *err != nil {
		result = "error"
	}
	p.m.Repo.RequestsTotal.WithLabelValues(op, name, result, ErrorKind(derefErr(err))).Inc()
	p.m.Repo.DurationSeconds.WithLabelValues(op, name, result).Observe(time.Since(start).Seconds())
}

func derefErr(err *error) error {
	if err == nil {
		return nil
	}
	return *err
}

// statementKind - первое ключевое слово запроса, годится как низкокардинальная метка.
func statementKind(query string) string {
	q := strings.TrimSpace(query)
	if i := strings.IndexAny(q, " \n\t("); i > 0 {
		q = q[:i]
	}
	q = strings.ToLower(q)
	switch q {
	case "select", "insert", "update", "delete", "with":
		return q
	}
	return "other"
}
