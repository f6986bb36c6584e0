package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/application/common"
	"fulfillment/internal/application/repo"
	"fulfillment/internal/application/router"
	"fulfillment/internal/application/service"
	use_cases "fulfillment/internal/application/use-cases"
	"fulfillment/internal/controllers/cron"
	"fulfillment/internal/controllers/handler"
	"fulfillment/internal/controllers/listener"
	"fulfillment/internal/transport/producer"
	"fulfillment/internal/transport/psp"
	"fulfillment/pkg/broker"
	"fulfillment/pkg/config"
	"fulfillment/pkg/db"
	"fulfillment/pkg/metrics"

	"github.com/IBM/sarama"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const consumerRestartDelay = time.Second

// App - один процесс роли: HTTP API, consumer входящего топика и планировщик outbox.
type App struct {
	conf           *config.Config
	logger         *zap.SugaredLogger
	postgres       *db.Postgres
	httpServer     *fiber.App
	kafka          *broker.KafkaBroker
	producer       *producer.KafkaProducer
	pool           *service.CompletionPool
	m              *metrics.Metrics
	consumer       sarama.ConsumerGroupHandler
	cronController *cron.Controller
}

func NewApp(
	ctx context.Context,
	conf *config.Config,
	logger *zap.SugaredLogger,
	postgres *db.Postgres,
	httpServer *fiber.App,
	kafkaBroker *broker.KafkaBroker,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer) (*App, error) {
	role := conf.Service.Role
	logger.Infof("starting fulfillment %s service, version %s", role, common.Version)

	converters, err := service.NewRoleConverters(role, conf.Broker.Kafka)
	if err != nil {
		return nil, fmt.Errorf("outbox converters: %w", err)
	}

	authorizer, err := psp.New(conf.PSP, conf.HTTPClient, logger, m)
	if err != nil {
		return nil, fmt.Errorf("payment provider: %w", err)
	}

	store := repo.NewRepo(postgres, logger)
	kafkaProducer := producer.NewProducer(kafkaBroker.AsyncProducer, kafkaBroker, logger, m)
	pool := service.NewCompletionPool(conf.Relay.CompletionWorkers)

	srv := service.NewService(store, authorizer, kafkaProducer, logger, m, conf.Ledger)
	relay := service.NewRelay(store, converters, kafkaProducer, pool,
		service.RelayOptionsFromConfig(conf.Service, conf.Relay), logger, m)

	rt := router.New(logger)
	if err := srv.RegisterHandlers(rt, role); err != nil {
		pool.Close()
		return nil, fmt.Errorf("event router: %w", err)
	}
	logger.Infof("event router handles %v", rt.Types())

	uc := use_cases.NewUseCase(srv, relay, rt, logger)
	h := handler.NewHandler(uc, role, logger)
	handler.NewRouter(h, httpServer, role, gatherer, logger).RegisterRouter()

	cronController := cron.NewController(ctx, logger, conf.Relay)
	if err := cronController.RegisterRelayJobs(uc, conf.Relay); err != nil {
		pool.Close()
		return nil, err
	}

	return &App{
		conf:           conf,
		logger:         logger,
		postgres:       postgres,
		httpServer:     httpServer,
		kafka:          kafkaBroker,
		producer:       kafkaProducer,
		pool:           pool,
		m:              m,
		consumer:       listener.NewKafkaBrokerConsumer(uc, conf.Consumer, logger, m),
		cronController: cronController,
	}, nil
}

// Run блокируется до отмены ctx или падения HTTP сервера/consumer'а,
// после чего останавливает все компоненты.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.cronController.Start()

	g.Go(a.tracked("http", func() error {
		a.logger.Infof("http server listening on :%s", a.conf.Server.Port)
		if err := a.httpServer.Listen(fmt.Sprintf(":%s", a.conf.Server.Port)); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}))

	g.Go(a.tracked("consumer", func() error {
		return a.runConsumer(gctx)
	}))

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// tracked учитывает долгоживущую горутину в gauge internal_goroutines.
func (a *App) tracked(name string, fn func() error) func() error {
	return func() error {
		a.m.Go.InternalGoroutines.WithLabelValues(name).Inc()
		defer a.m.Go.InternalGoroutines.WithLabelValues(name).Dec()
		return fn()
	}
}

// shutdown: сначала перестаём принимать работу, затем дожидаемся публикаций в полёте.
func (a *App) shutdown() error {
	a.logger.Info("shutting down")
	var errs []error

	if err := a.httpServer.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.kafka.Close(); err != nil {
		errs = append(errs, fmt.Errorf("consumer group close: %w", err))
	}
	a.cronController.Stop()

	if err := a.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("producer close: %w", err))
	}
	a.pool.Close()

	a.postgres.Close()
	a.logger.Info("shutdown done")
	return errors.Join(errs...)
}

func (a *App) runConsumer(ctx context.Context) error {
	topic := a.kafka.ConsumerTopic
	a.logger.Infof("starting consumer for topic %s", topic)

	go func() {
		for err := range a.kafka.ConsumerGroup.Errors() {
			a.logger.Warnf("consumer group error: %v", err)
		}
	}()

	for {
		// Consume возвращается при каждом ребалансе и при ошибке обработчика
		err := a.kafka.ConsumerGroup.Consume(ctx, []string{topic}, a.consumer)
		if ctx.Err() != nil {
			a.logger.Info("consumer stopped by context")
			return nil
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err != nil {
			a.logger.Errorf("consumer error: %v", err)
			if serr := common.SleepCtx(ctx, consumerRestartDelay); serr != nil {
				return nil
			}
		}
	}
}
