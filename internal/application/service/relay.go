package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/common"
	"fulfillment/internal/application/entity"
	"fulfillment/internal/application/repo"
	"fulfillment/internal/transport/producer"
	"fulfillment/pkg/config"
	"fulfillment/pkg/metrics"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// Publisher - асинхронная отправка в шину: done вызывается ровно один раз.
type Publisher interface {
	Send(ctx context.Context, msg entity.OutboundMessage, done func(error))
}

type RelayOptions struct {
	WorkerID    string
	BatchSize   int
	Lease       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MarkTimeout time.Duration
}

func RelayOptionsFromConfig(svc config.Service, c config.RelayConfig) RelayOptions {
	return RelayOptions{
		WorkerID:    svc.WorkerID,
		BatchSize:   c.BatchSize,
		Lease:       c.Lease,
		MaxAttempts: c.MaxAttempts,
		BackoffBase: c.BackoffBase,
		BackoffCap:  c.BackoffCap,
		MarkTimeout: c.MarkTimeout,
	}
}

// Relay - публикатор outbox: claim пачки, отправка каждой записи, разметка результата.
type Relay struct {
	repo       repo.OutboxRepo
	converters *ConverterRegistry
	publisher  Publisher
	pool       *CompletionPool
	opts       RelayOptions
	logger     *zap.SugaredLogger
	m          *metrics.Metrics
}

func NewRelay(r repo.OutboxRepo, converters *ConverterRegistry, publisher Publisher, pool *CompletionPool,
	opts RelayOptions, logger *zap.SugaredLogger, m *metrics.Metrics) *Relay {
	if opts.MarkTimeout <= 0 {
		opts.MarkTimeout = 5 * time.Second
	}
	return &Relay{
		repo:       r,
		converters: converters,
		publisher:  publisher,
		pool:       pool,
		opts:       opts,
		logger:     logger,
		m:          m,
	}
}

// RunOnce выполняет один цикл публикации и ждёт, пока по каждой захваченной записи
// будет записан результат. Возвращает число захваченных записей.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		r.m.Relay.BatchDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	records, err := r.repo.ClaimOutboxBatch(ctx, r.opts.WorkerID, r.opts.Lease, r.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	r.m.Relay.ClaimedTotal.Add(float64(len(records)))
	r.logger.Debugw("outbox batch claimed", "worker", r.opts.WorkerID, "count", len(records))

	var wg sync.WaitGroup
	for _, rec := range records {
		convert, err := r.converters.Resolve(rec.EventType)
		if err != nil {
			r.m.Relay.MissingConverter.WithLabelValues(string(rec.EventType)).Inc()
			r.logger.Errorw("no converter for outbox record, marking as failed",
				"id", rec.ID, "event_type", rec.EventType, "err", err)
			r.resolve(ctx, rec, err)
			continue
		}
		msg, err := convert(rec)
		if err != nil {
			r.logger.Errorw("outbox record conversion failed", "id", rec.ID, "event_type", rec.EventType, "err", err)
			r.resolve(ctx, rec, fmt.Errorf("%w: %v", appers.ErrMalformedEvent, err))
			continue
		}

		wg.Add(1)
		r.publisher.Send(ctx, msg, func(sendErr error) {
			task := func() {
				defer wg.Done()
				r.resolve(ctx, rec, sendErr)
			}
			if err := r.pool.Submit(task); err != nil {
				task()
			}
		})
	}
	wg.Wait()
	return len(records), nil
}

// resolve записывает результат отправки. Отмена контекста цикла не прерывает запись:
// сообщение уже у брокера, статус должен дойти до БД.
func (r *Relay) resolve(parent context.Context, rec entity.OutboxRecord, sendErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.opts.MarkTimeout)
	defer cancel()

	if sendErr == nil {
		r.markPublished(ctx, rec)
		return
	}
	r.markFailed(ctx, rec, sendErr)
}

func (r *Relay) markPublished(ctx context.Context, rec entity.OutboxRecord) {
	err := r.repo.MarkOutboxPublished(ctx, rec.ID, r.opts.WorkerID)
	switch {
	case errors.Is(err, appers.ErrLostLease):
		r.m.Relay.LostLeaseTotal.Inc()
		r.logger.Warnf("[ID %s] published, but lease was lost; row belongs to another worker", rec.ID)
	case err != nil:
		r.logger.Errorf("[ID %s] mark published failed, err: %v", rec.ID, err)
	default:
		r.m.Relay.PublishedTotal.WithLabelValues(string(rec.EventType)).Inc()
		r.logger.Infof("[ID %s] %s sent to kafka", rec.ID, rec.EventType)
	}
}

// markFailed планирует повтор с backoff. Неисправимые ошибки (нет конвертера,
// постоянная ошибка брокера) сразу переводят запись в FAILED.
func (r *Relay) markFailed(ctx context.Context, rec entity.OutboxRecord, sendErr error) {
	maxAttempts := r.opts.MaxAttempts
	if permanent(sendErr) {
		maxAttempts = rec.AttemptCount + 1
	}
	backoff := common.NextBackoffWithJitter(rec.AttemptCount+1, r.opts.BackoffBase, r.opts.BackoffCap)
	next := time.Now().UTC().Add(backoff)

	status, err := r.repo.MarkOutboxFailed(ctx, rec.ID, r.opts.WorkerID, maxAttempts, next, sendErr.Error())
	switch {
	case errors.Is(err, appers.ErrLostLease):
		r.m.Relay.LostLeaseTotal.Inc()
		r.logger.Warnf("[ID %s] send failed and lease was lost, err: %v", rec.ID, sendErr)
		return
	case err != nil:
		r.logger.Errorf("[ID %s] mark failed failed, send err: %v, err: %v", rec.ID, sendErr, err)
		return
	}

	if status == entity.OutboxFailed {
		r.m.Relay.FailedTotal.WithLabelValues(string(rec.EventType)).Inc()
		r.logger.Errorw("outbox record gave up", "id", rec.ID, "event_type", rec.EventType,
			"attempts", rec.AttemptCount+1, "err", sendErr)
		return
	}
	r.m.Relay.RetryScheduledTotal.WithLabelValues(string(rec.EventType)).Inc()
	r.logger.Warnw("outbox record retry scheduled", "id", rec.ID, "event_type", rec.EventType,
		"attempts", rec.AttemptCount+1, "next_attempt_at", next, "err", sendErr)
}

func permanent(err error) bool {
	return errors.Is(err, appers.ErrNoConverter) ||
		errors.Is(err, appers.ErrMalformedEvent) ||
		producer.IsPermanent(err)
}

// ReportFailed обновляет gauge FAILED записей и громко логирует, если они есть.
func (r *Relay) ReportFailed(ctx context.Context) (int64, error) {
	n, err := r.repo.CountOutboxByStatus(ctx, entity.OutboxFailed)
	if err != nil {
		return 0, fmt.Errorf("count failed outbox records: %w", err)
	}
	r.m.Relay.FailedRecords.Set(float64(n))
	if n > 0 {
		r.logger.Errorw("outbox has FAILED records, operator action required", "count", n)
	}
	return n, nil
}

func (r *Relay) ListOutbox(ctx context.Context, status entity.OutboxStatus, limit int) ([]entity.OutboxRecord, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown outbox status %q", appers.ErrFormat, status)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return r.repo.ListOutbox(ctx, status, limit)
}

// ReplayOutbox возвращает FAILED запись в PENDING со сброшенным счётчиком попыток.
func (r *Relay) ReplayOutbox(ctx context.Context, id uuid.UUID) (*entity.OutboxRecord, error) {
	if err := r.repo.ReplayOutbox(ctx, id); err != nil {
		return nil, err
	}
	r.logger.Infof("[ID %s] outbox record replayed", id)
	return r.repo.GetOutbox(ctx, id)
}
