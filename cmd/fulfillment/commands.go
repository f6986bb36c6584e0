package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"fulfillment/internal/application"
	"fulfillment/internal/application/entity"
	"fulfillment/internal/application/repo"
	"fulfillment/internal/application/service"
	"fulfillment/pkg/broker"
	"fulfillment/pkg/config"
	"fulfillment/pkg/db"
	"fulfillment/pkg/httpserver"
	"fulfillment/pkg/metrics"
	"fulfillment/pkg/observability"

	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

func loadConfig(role string) (config.Config, error) {
	if role != "" {
		// флаг важнее окружения: конфиг читает SERVICE_ROLE
		if err := os.Setenv("SERVICE_ROLE", role); err != nil {
			return config.Config{}, err
		}
	}
	return config.NewConfig()
}

func runServe(ctx context.Context, role string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf, err := loadConfig(role)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := observability.InitLogger(conf.LoggingLevel, conf.Service.Role)
	defer func() { _ = logger.Sync() }()

	logger.Infof("LOGGING_LEVEL = %s", conf.LoggingLevel)
	if strings.ToLower(conf.LoggingLevel) == "debug" {
		broker.EnableSaramaZapLogs(logger)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	store, err := db.NewPostgres(ctx, conf.Postgres, m)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	kafka, err := broker.NewKafkaBroker(conf.Broker.Kafka, conf.Service.Role, logger)
	if err != nil {
		store.Close()
		return fmt.Errorf("kafka: %w", err)
	}

	server, err := application.NewApp(ctx, &conf, logger, store, httpserver.NewFiber(conf, m), kafka, m, prometheus.DefaultGatherer)
	if err != nil {
		_ = kafka.Close()
		_ = kafka.AsyncProducer.Close()
		store.Close()
		return err
	}

	logger.Infof("fulfillment %s started, worker %s", conf.Service.Role, conf.Service.WorkerID)
	if err := server.Run(ctx); err != nil {
		logger.Errorf("service stopped with error: %v", err)
		return err
	}
	logger.Infof("fulfillment %s stopped", conf.Service.Role)
	return nil
}

func runMigrate() error {
	conf, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := observability.InitLogger(conf.LoggingLevel, conf.Service.Role)
	defer func() { _ = logger.Sync() }()

	logger.Infof("applying migrations from %s", conf.Postgres.MigrationsDir)
	if err := db.MigrateDSN(conf.Postgres.ConnString, conf.Postgres.MigrationsDir); err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}

// outboxTool - relay без публикатора: нужны только чтение и replay.
func outboxTool(ctx context.Context) (*service.Relay, func(), error) {
	conf, err := config.NewConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	logger := observability.InitLogger(conf.LoggingLevel, conf.Service.Role)
	m := metrics.New(prometheus.NewRegistry())

	conf.Postgres.AutoMigrate = false
	store, err := db.NewPostgres(ctx, conf.Postgres, m)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	relay := service.NewRelay(repo.NewRepo(store, logger), nil, nil, nil,
		service.RelayOptionsFromConfig(conf.Service, conf.Relay), logger, m)
	return relay, func() {
		store.Close()
		_ = logger.Sync()
	}, nil
}

func runOutboxList(ctx context.Context, w io.Writer, status string, limit int) error {
	relay, closeFn, err := outboxTool(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	records, err := relay.ListOutbox(ctx, entity.OutboxStatus(strings.ToUpper(status)), limit)
	if err != nil {
		return err
	}
	return printOutbox(w, records)
}

func runOutboxReplay(ctx context.Context, w io.Writer, rawID string) error {
	id, err := uuid.FromString(rawID)
	if err != nil {
		return fmt.Errorf("invalid outbox id %q: %w", rawID, err)
	}
	relay, closeFn, err := outboxTool(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	rec, err := relay.ReplayOutbox(ctx, id)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "outbox record %s is %s again (event %s, order %s)\n", rec.ID, rec.Status, rec.EventType, rec.AggregateID)
	return err
}

func printOutbox(w io.Writer, records []entity.OutboxRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tORDER\tEVENT\tSTATUS\tATTEMPTS\tCREATED\tLAST ERROR")
	for _, r := range records {
		lastErr := "-"
		if r.LastError != nil && *r.LastError != "" {
			lastErr = *r.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.AggregateID, r.EventType, r.Status, r.AttemptCount,
			r.CreatedAt.UTC().Format(time.RFC3339), lastErr)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d record(s)\n", len(records))
	return err
}
