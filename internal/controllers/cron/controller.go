package cron

import (
	"context"
	"fmt"

	use_cases "fulfillment/internal/application/use-cases"
	"fulfillment/pkg/config"

	"go.uber.org/zap"
)

const (
	defaultRelaySchedule = "@every 1s"
	defaultAlertSchedule = "@every 1m"
)

type Controller struct {
	scheduler *Scheduler
	logger    *zap.SugaredLogger
}

func NewController(ctx context.Context, logger *zap.SugaredLogger, conf config.RelayConfig) *Controller {
	// цикл relay не должен переживать свою аренду
	return &Controller{
		scheduler: NewScheduler(ctx, logger, conf.Lease),
		logger:    logger,
	}
}

// RegisterRelayJobs регистрирует публикацию outbox и проверку FAILED записей.
// Расписание: cron-выражение ("*/5 * * * * *") или интервал ("@every 1s").
func (c *Controller) RegisterRelayJobs(usecase use_cases.UseCaser, conf config.RelayConfig) error {
	if err := c.register("outbox relay", conf.Schedule, defaultRelaySchedule, NewRelayJob(usecase, c.logger)); err != nil {
		return err
	}
	return c.register("failed outbox alert", conf.AlertSchedule, defaultAlertSchedule, NewFailedOutboxJob(usecase, c.logger))
}

func (c *Controller) register(name, spec, fallback string, job Job) error {
	if spec == "" {
		spec = fallback
		c.logger.Warnf("schedule for %s is empty, using default %s", name, spec)
	}
	entryID, err := c.scheduler.Add(spec, job)
	if err != nil {
		return fmt.Errorf("register %s job with schedule %q: %w", name, spec, err)
	}
	c.logger.Infof("%s job registered, id: %d, schedule: %s", name, entryID, spec)
	return nil
}

func (c *Controller) Start() {
	c.logger.Info("starting cron scheduler")
	c.scheduler.Start()
}

func (c *Controller) Stop() {
	c.logger.Info("stopping cron scheduler")
	c.scheduler.Stop()
	c.logger.Info("cron scheduler stopped")
}
