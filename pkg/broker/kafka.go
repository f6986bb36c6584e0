package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fulfillment/pkg/config"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

type KafkaBroker struct {
	ConsumerTopic string
	ConsumerGroup sarama.ConsumerGroup
	AsyncProducer sarama.AsyncProducer
	Brokers       []string
	conf          config.Kafka
	logger        *zap.SugaredLogger
}

// NewKafkaBroker создаёт consumer group на входящий топик роли и асинхронный продюсер,
// через который outbox-публикатор отправляет события во все топики.
func NewKafkaBroker(conf config.Kafka, role string, logger *zap.SugaredLogger) (*KafkaBroker, error) {
	brokers := SplitBrokers(conf.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are not configured")
	}

	group := conf.ConsumerGroup
	if group == "" {
		group = "fulfillment-" + role
	}

	logger.Debugf("creating consumer group %s for brokers: %s", group, conf.Brokers)
	consumerGroup, err := newConsumerGroup(conf, brokers, group)
	if err != nil {
		logger.Errorf("consumer group creation failed: %v", err)
		return nil, err
	}

	logger.Debugf("creating async producer for brokers: %s", conf.Brokers)
	asyncProducer, err := newAsyncProducer(conf, brokers)
	if err != nil {
		logger.Errorf("producer creation failed: %v", err)
		_ = consumerGroup.Close()
		return nil, err
	}

	broker := &KafkaBroker{
		ConsumerTopic: conf.TopicForRole(role),
		ConsumerGroup: consumerGroup,
		AsyncProducer: asyncProducer,
		Brokers:       brokers,
		conf:          conf,
		logger:        logger,
	}
	logger.Infof("KafkaBroker created. Consumer topic: %s, group: %s", broker.ConsumerTopic, group)
	return broker, nil
}

// HealthCheck проверяет инициализацию клиентов и доступность брокеров.
//
// client.Partitions() не используется: он требует Describe в ACL, а у технических
// учёток стенда может быть только Read или Write. Успешно созданные продюсер и группа
// уже подтверждают нужные права, достаточно проверить связность с кластером.
func (kb *KafkaBroker) HealthCheck(ctx context.Context) error {
	if kb.AsyncProducer == nil {
		return fmt.Errorf("kafka producer is not initialized")
	}
	if kb.ConsumerGroup == nil {
		return fmt.Errorf("kafka consumer group is not initialized")
	}

	cfg := sarama.NewConfig()
	cfg.Net.DialTimeout = 2 * time.Second
	cfg.Net.ReadTimeout = 2 * time.Second
	cfg.Net.WriteTimeout = 2 * time.Second
	cfg.Metadata.Timeout = 2 * time.Second
	cfg.Metadata.Retry.Max = 1
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && d < cfg.Net.DialTimeout {
			cfg.Net.DialTimeout = d
		}
	}

	// приоритет Writer credentials, как у продюсера
	applySASLConfig(cfg, kb.conf, kb.conf.WriterUsr != "" && kb.conf.WriterUsrPwd != "")

	client, err := sarama.NewClient(kb.Brokers, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to kafka brokers: %w", err)
	}
	defer client.Close()

	if len(client.Brokers()) == 0 {
		return fmt.Errorf("no kafka brokers available")
	}
	return nil
}

// Close закрывает только consumer group: продюсер закрывает его владелец (адаптер публикации),
// чтобы дочитать Successes/Errors.
func (kb *KafkaBroker) Close() error {
	if kb.ConsumerGroup == nil {
		return nil
	}
	return kb.ConsumerGroup.Close()
}

func SplitBrokers(s string) []string {
	res := make([]string, 0)
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			res = append(res, b)
		}
	}
	return res
}

// applySASLConfig применяет SASL конфигурацию к sarama.Config
// useWriterCreds: true - использует WriterUsr/WriterUsrPwd, false - ReaderUsr/ReaderUsrPwd
func applySASLConfig(cfg *sarama.Config, conf config.Kafka, useWriterCreds bool) {
	usr, pwd := conf.ReaderUsr, conf.ReaderUsrPwd
	if useWriterCreds {
		usr, pwd = conf.WriterUsr, conf.WriterUsrPwd
	}
	if usr != "" && pwd != "" {
		cfg.Net.SASL.User = usr
		cfg.Net.SASL.Password = pwd
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	}
}

func EnableSaramaZapLogs(base *zap.SugaredLogger) {
	logger := base.Named("sarama")
	sarama.Logger = &zapSarama{logger}
	logger.Debug("sarama logger initialized")
}

type zapSarama struct{ l *zap.SugaredLogger }

func (z *zapSarama) Print(v ...interface{})                 { z.l.Debug(v...) }
func (z *zapSarama) Printf(format string, v ...interface{}) { z.l.Debugf(format, v...) }
func (z *zapSarama) Println(v ...interface{})               { z.l.Debug(v...) }

// ConsumerConfig - настройки группы: чтение с самого старого offset, коммит только отмеченных сообщений.
func ConsumerConfig(conf config.Kafka) *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	kafkaConfig.Consumer.Offsets.AutoCommit.Enable = true
	kafkaConfig.Consumer.Offsets.AutoCommit.Interval = time.Second
	kafkaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	kafkaConfig.Consumer.Return.Errors = true
	applySASLConfig(kafkaConfig, conf, false) // используем Reader credentials
	return kafkaConfig
}

// ProducerConfig - подтверждение от всех реплик, hash-партиционирование по ключу (id заказа),
// Successes включены: публикатор различает успех и ошибку по каждому сообщению.
func ProducerConfig(conf config.Kafka) *sarama.Config {
	kafkaConfig := sarama.NewConfig()

	kafkaConfig.Net.DialTimeout = 10 * time.Second
	kafkaConfig.Net.ReadTimeout = 15 * time.Second
	kafkaConfig.Net.WriteTimeout = 15 * time.Second
	kafkaConfig.Net.KeepAlive = 30 * time.Second

	kafkaConfig.Metadata.Timeout = 10 * time.Second
	kafkaConfig.Metadata.Retry.Max = 1
	kafkaConfig.Metadata.Retry.Backoff = 1 * time.Second
	kafkaConfig.Metadata.RefreshFrequency = 1 * time.Minute

	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	// повторы делает outbox с backoff, внутри sarama только короткие
	kafkaConfig.Producer.Retry.Max = 2
	kafkaConfig.Producer.Retry.Backoff = 200 * time.Millisecond
	kafkaConfig.Producer.Timeout = 10 * time.Second
	kafkaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	applySASLConfig(kafkaConfig, conf, true) // используем Writer credentials
	return kafkaConfig
}

func newConsumerGroup(conf config.Kafka, brokers []string, group string) (sarama.ConsumerGroup, error) {
	consumer, err := sarama.NewConsumerGroup(brokers, group, ConsumerConfig(conf))
	if err != nil {
		return nil, fmt.Errorf("kafka consumer group: %w", err)
	}
	return consumer, nil
}

func newAsyncProducer(conf config.Kafka, brokers []string) (sarama.AsyncProducer, error) {
	producer, err := sarama.NewAsyncProducer(brokers, ProducerConfig(conf))
	if err != nil {
		return nil, fmt.Errorf("kafka async producer: %w", err)
	}
	return producer, nil
}
