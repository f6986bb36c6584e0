package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/common"
	use_cases "fulfillment/internal/application/use-cases"
	"fulfillment/pkg/config"
	"fulfillment/pkg/metrics"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const retryBackoffBase = 100 * time.Millisecond

type KafkaBrokerConsumer struct {
	usecase    use_cases.UseCaser
	logger     *zap.SugaredLogger
	m          *metrics.Metrics
	maxRetries int
	backoffCap time.Duration
}

func NewKafkaBrokerConsumer(usecase use_cases.UseCaser, conf config.ConsumerConfig, logger *zap.SugaredLogger, m *metrics.Metrics) *KafkaBrokerConsumer {
	if conf.MaxRetries < 0 {
		conf.MaxRetries = 0
	}
	if conf.RetryBackoffCap <= 0 {
		conf.RetryBackoffCap = 2 * time.Second
	}
	return &KafkaBrokerConsumer{
		usecase:    usecase,
		logger:     logger,
		m:          m,
		maxRetries: conf.MaxRetries,
		backoffCap: conf.RetryBackoffCap,
	}
}

func (k *KafkaBrokerConsumer) Setup(session sarama.ConsumerGroupSession) error {
	k.logger.Infow("kafka consumer session started", "member", session.MemberID(), "generation", session.GenerationID())
	if k.m != nil {
		k.m.Kafka.ConsumerRebalancesTotal.WithLabelValues("setup").Inc()
	}
	return nil
}

func (k *KafkaBrokerConsumer) Cleanup(session sarama.ConsumerGroupSession) error {
	k.logger.Infow("kafka consumer session finished", "member", session.MemberID(), "generation", session.GenerationID())
	if k.m != nil {
		k.m.Kafka.ConsumerRebalancesTotal.WithLabelValues("cleanup").Inc()
	}
	return nil
}

// ConsumeClaim подтверждает сообщение только после успешной обработки.
// Если обработчик так и не справился, claim завершается с ошибкой без MarkMessage:
// offset не двигается, и группа перечитает сообщение после ребаланса.
func (k *KafkaBrokerConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := k.handle(ctx, session, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (k *KafkaBrokerConsumer) handle(ctx context.Context, session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) error {
	topic := msg.Topic
	eventType := header(msg, "event_type")
	start := time.Now()
	if k.m != nil {
		k.m.Kafka.ConsumerInFlight.WithLabelValues(topic).Inc()
		defer func() {
			k.m.Kafka.ConsumerInFlight.WithLabelValues(topic).Dec()
			k.m.Kafka.ConsumerProcessDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
		}()
	}
	k.logger.Debugf("message topic:%q partition:%d offset:%d event_type:%s", topic, msg.Partition, msg.Offset, eventType)

	var err error
	for attempt := 0; ; attempt++ {
		err = k.usecase.ConsumeMessage(ctx, msg.Value)
		if err == nil {
			k.observe(topic, "ok")
			session.MarkMessage(msg, "")
			return nil
		}
		if isPoison(err) {
			// повтор не поможет: такое сообщение не разобрать никогда
			k.logger.Errorw("skipping malformed message", "topic", topic, "partition", msg.Partition,
				"offset", msg.Offset, "event_type", eventType, "err", err)
			k.observe(topic, "malformed")
			session.MarkMessage(msg, "")
			return nil
		}
		if attempt >= k.maxRetries {
			break
		}
		if k.m != nil {
			k.m.Kafka.ConsumerRetriesTotal.WithLabelValues(eventType).Inc()
		}
		delay := common.NextBackoffWithJitter(attempt+1, retryBackoffBase, k.backoffCap)
		k.logger.Warnw("message handling failed, retrying", "topic", topic, "offset", msg.Offset,
			"event_type", eventType, "attempt", attempt+1, "delay", delay, "err", err)
		if serr := common.SleepCtx(ctx, delay); serr != nil {
			return serr
		}
	}

	k.observe(topic, "error")
	k.logger.Errorw("message handling failed, leaving unacknowledged", "topic", topic, "partition", msg.Partition,
		"offset", msg.Offset, "event_type", eventType, "err", err)
	return fmt.Errorf("handle %s offset %d: %w", topic, msg.Offset, err)
}

func (k *KafkaBrokerConsumer) observe(topic, result string) {
	if k.m != nil {
		k.m.Kafka.ConsumerMessagesTotal.WithLabelValues(topic, result).Inc()
	}
}

// isPoison - ошибки разбора конверта и неизвестный тип события.
// ErrNoHandler сюда не входит: это ошибка конфигурации, сообщение должно дождаться исправления.
func isPoison(err error) bool {
	if errors.Is(err, appers.ErrNoHandler) {
		return false
	}
	return errors.Is(err, appers.ErrMalformedEvent) || errors.Is(err, appers.ErrUnknownEventType)
}

func header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return "unknown"
}
