package cron

import (
	"context"

	use_cases "fulfillment/internal/application/use-cases"

	"go.uber.org/zap"
)

// RelayJob - один цикл публикации outbox на тик.
type RelayJob struct {
	usecase use_cases.UseCaser
	logger  *zap.SugaredLogger
}

func NewRelayJob(usecase use_cases.UseCaser, logger *zap.SugaredLogger) *RelayJob {
	return &RelayJob{usecase: usecase, logger: logger}
}

func (j *RelayJob) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Errorf("panic in relay job: %v", r)
		}
	}()
	j.usecase.RunRelay(ctx)
}

// FailedOutboxJob - периодическая проверка FAILED записей outbox.
type FailedOutboxJob struct {
	usecase use_cases.UseCaser
	logger  *zap.SugaredLogger
}

func NewFailedOutboxJob(usecase use_cases.UseCaser, logger *zap.SugaredLogger) *FailedOutboxJob {
	return &FailedOutboxJob{usecase: usecase, logger: logger}
}

func (j *FailedOutboxJob) Run(ctx context.Context) {
	j.logger.Debug("checking FAILED outbox records")
	j.usecase.ReportFailedOutbox(ctx)
}
