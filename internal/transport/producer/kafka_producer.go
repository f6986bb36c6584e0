package producer

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"fulfillment/internal/application/entity"
	"fulfillment/pkg/metrics"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

var ErrProducerClosed = errors.New("kafka producer is closed")

// Producer - асинхронная отправка: Send не ждёт брокера, результат приходит в done.
// done вызывается ровно один раз на каждое сообщение из горутины продюсера.
type Producer interface {
	Send(ctx context.Context, msg entity.OutboundMessage, done func(error))
	HealthCheck(ctx context.Context) error
	Close() error
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type KafkaProducer struct {
	producer sarama.AsyncProducer
	health   HealthChecker
	logger   *zap.SugaredLogger
	m        *metrics.Metrics

	mu        sync.RWMutex
	closed    bool
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// sendMeta едет в ProducerMessage.Metadata и возвращается в Successes/Errors.
type sendMeta struct {
	done    func(error)
	started time.Time
}

func NewProducer(producer sarama.AsyncProducer, health HealthChecker, logger *zap.SugaredLogger, m *metrics.Metrics) *KafkaProducer {
	p := &KafkaProducer{
		producer: producer,
		health:   health,
		logger:   logger,
		m:        m,
		closing:  make(chan struct{}),
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		for msg := range producer.Successes() {
			p.complete(msg, nil)
		}
	}()
	go func() {
		defer p.wg.Done()
		for perr := range producer.Errors() {
			p.complete(perr.Msg, perr.Err)
		}
	}()
	return p
}

func (p *KafkaProducer) Send(ctx context.Context, msg entity.OutboundMessage, done func(error)) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		done(ErrProducerClosed)
		return
	}
	if err := ctx.Err(); err != nil {
		p.observeOperation(msg.Topic, "canceled")
		done(err)
		return
	}

	headers := make([]sarama.RecordHeader, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	pm := &sarama.ProducerMessage{
		Topic:     msg.Topic,
		Key:       sarama.StringEncoder(msg.Key),
		Value:     sarama.ByteEncoder(msg.Value),
		Headers:   headers,
		Timestamp: time.Now(),
		Metadata:  &sendMeta{done: done, started: time.Now()},
	}

	select {
	case p.producer.Input() <- pm:
	case <-ctx.Done():
		p.observeOperation(msg.Topic, "canceled")
		done(ctx.Err())
	case <-p.closing:
		done(ErrProducerClosed)
	}
}

func (p *KafkaProducer) complete(msg *sarama.ProducerMessage, err error) {
	if msg == nil {
		p.logger.Errorf("kafka producer error without message: %v", err)
		return
	}
	meta, ok := msg.Metadata.(*sendMeta)
	if !ok || meta == nil {
		p.logger.Errorf("[topic %s] kafka completion without callback, err: %v", msg.Topic, err)
		return
	}

	rt := time.Since(meta.started)
	if p.m != nil {
		res := "ok"
		if err != nil {
			res = "error"
		}
		p.m.Kafka.ProducerAttemptLatencySeconds.WithLabelValues(msg.Topic, res).Observe(rt.Seconds())
	}

	switch {
	case err == nil:
		p.observeOperation(msg.Topic, "success")
		p.logger.Debugf("sent topic=%s partition=%d offset=%d rt=%s", msg.Topic, msg.Partition, msg.Offset, rt)
	case IsPermanent(err):
		p.observeOperation(msg.Topic, "permanent")
		p.logger.Errorf("permanent kafka error topic=%s rt=%s err=%v", msg.Topic, rt, err)
	default:
		p.observeOperation(msg.Topic, "failed")
		p.logger.Warnf("retryable kafka error topic=%s rt=%s kind=%s err=%v", msg.Topic, rt, ClassifyRetry(err), err)
	}
	meta.done(err)
}

func (p *KafkaProducer) observeOperation(topic, result string) {
	if p.m != nil {
		p.m.Kafka.ProducerOperationsTotal.WithLabelValues(topic, result).Inc()
	}
}

// HealthCheck проверяет доступность Kafka через broker
func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	if p.health == nil {
		return errors.New("kafka broker is not initialized")
	}
	return p.health.HealthCheck(ctx)
}

// Close перестаёт принимать сообщения, дожидается ответов брокера на уже отправленные
// и вызывает их колбэки.
func (p *KafkaProducer) Close() error {
	p.closeOnce.Do(func() {
		close(p.closing)

		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.producer.AsyncClose()
	})
	p.wg.Wait()
	return nil
}

func IsPermanent(err error) bool {
	var k sarama.KError
	if !errors.As(err, &k) {
		return false
	}
	switch k {
	case sarama.ErrTopicAuthorizationFailed,
		sarama.ErrClusterAuthorizationFailed,
		sarama.ErrInvalidRequest,
		sarama.ErrInvalidMessage,
		sarama.ErrMessageSizeTooLarge,
		sarama.ErrSASLAuthenticationFailed:
		return true
	default:
		return false
	}
}

func ClassifyRetry(err error) string {
	var k sarama.KError
	if errors.As(err, &k) {
		switch k {
		case sarama.ErrLeaderNotAvailable:
			return "leader_not_available"
		case sarama.ErrRequestTimedOut:
			return "broker_timeout"
		case sarama.ErrNotEnoughReplicas, sarama.ErrNotEnoughReplicasAfterAppend:
			return "not_enough_replicas"
		default:
			return k.Error()
		}
	}
	// context.DeadlineExceeded тоже net.Error с Timeout() == true
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "client_deadline"
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "net_timeout"
	}
	return "other"
}
