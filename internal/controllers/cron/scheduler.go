package cron

import (
	"context"
	"time"

	"fulfillment/pkg/observability"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Job interface {
	Run(ctx context.Context)
}

type Scheduler struct {
	c       *cron.Cron
	ctx     context.Context
	timeout time.Duration
}

// NewScheduler - планировщик с секундным полем: поддерживает "@every 1s" и cron-выражения.
// Задача не запускается повторно, пока не завершился предыдущий запуск.
func NewScheduler(ctx context.Context, logger *zap.SugaredLogger, timeout time.Duration) *Scheduler {
	cl := observability.NewCronLogger(logger)
	c := cron.New(
		cron.WithParser(cron.NewParser(
			cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{c: c, ctx: ctx, timeout: timeout}
}

func (s *Scheduler) Add(spec string, job Job) (cron.EntryID, error) {
	return s.c.AddFunc(spec, func() {
		if s.ctx.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		job.Run(ctx)
	})
}

func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop ждёт завершения уже запущенных задач.
func (s *Scheduler) Stop() {
	ctx := s.c.Stop()
	<-ctx.Done()
}
