package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/entity"
	"fulfillment/internal/application/repo"
	"fulfillment/pkg/config"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// Appender добавляет событие в outbox. Вызывается только внутри транзакции,
// в которой меняется агрегат.
type Appender struct {
	repo   repo.OutboxRepo
	logger *zap.SugaredLogger
}

func NewAppender(r repo.OutboxRepo, logger *zap.SugaredLogger) *Appender {
	return &Appender{repo: r, logger: logger}
}

// Append пишет запись с ключом идемпотентности по типу события. Повтор того же шага
// саги для заказа молча пропускается.
func (a *Appender) Append(ctx context.Context, aggregateID uuid.UUID, payload entity.Payload) error {
	rec, err := entity.NewOutboxRecord(aggregateID, payload, "")
	if err != nil {
		return fmt.Errorf("build outbox record %s: %w", payload.EventType(), err)
	}
	inserted, err := a.repo.InsertOutbox(ctx, rec)
	if err != nil {
		return fmt.Errorf("append %s: %w", payload.EventType(), err)
	}
	if !inserted {
		a.logger.Debugf("[orderID %s] %s already in outbox, skipped", aggregateID, payload.EventType())
		return nil
	}
	a.logger.Debugf("[orderID %s] %s appended to outbox as %s", aggregateID, payload.EventType(), rec.ID)
	return nil
}

// Converter восстанавливает исходящее сообщение из сохранённой записи outbox.
type Converter func(rec entity.OutboxRecord) (entity.OutboundMessage, error)

// ConverterRegistry - конвертер на каждый тип события, который сервис эмитит.
type ConverterRegistry struct {
	mu         sync.RWMutex
	converters map[entity.EventType]Converter
}

func NewConverterRegistry() *ConverterRegistry {
	return &ConverterRegistry{converters: make(map[entity.EventType]Converter)}
}

func (r *ConverterRegistry) Register(eventType entity.EventType, c Converter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.converters[eventType]; ok {
		return fmt.Errorf("converter for %s already registered", eventType)
	}
	r.converters[eventType] = c
	return nil
}

func (r *ConverterRegistry) Resolve(eventType entity.EventType) (Converter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.converters[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", appers.ErrNoConverter, eventType)
	}
	return c, nil
}

func (r *ConverterRegistry) Types() []entity.EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]entity.EventType, 0, len(r.converters))
	for t := range r.converters {
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// EnvelopeConverter заворачивает запись в конверт и адресует её в topic.
// Ключ сообщения - id заказа, поэтому все шаги одной саги попадают в одну партицию.
func EnvelopeConverter(topic string) Converter {
	return func(rec entity.OutboxRecord) (entity.OutboundMessage, error) {
		if _, err := entity.DecodePayload(rec.EventType, rec.Payload); err != nil {
			return entity.OutboundMessage{}, err
		}
		value, err := json.Marshal(entity.EnvelopeFromOutbox(rec))
		if err != nil {
			return entity.OutboundMessage{}, fmt.Errorf("marshal envelope %s: %w", rec.ID, err)
		}
		return entity.OutboundMessage{
			Topic: topic,
			Key:   rec.AggregateID.String(),
			Value: value,
			Headers: map[string]string{
				entity.HeaderEventID:        rec.ID.String(),
				entity.HeaderEventType:      string(rec.EventType),
				entity.HeaderIdempotencyKey: rec.IdempotencyKey,
			},
		}, nil
	}
}

// emittedEvents - какие события эмитит роль и в чей входящий топик они уходят.
func emittedEvents(role string, kafka config.Kafka) map[entity.EventType]string {
	switch role {
	case config.RoleOrder:
		return map[entity.EventType]string{
			entity.ReservationCreateRequestEvent:  kafka.InventoryTopic,
			entity.ReservationConfirmRequestEvent: kafka.InventoryTopic,
			entity.ReservationReleaseRequestEvent: kafka.InventoryTopic,
			entity.PaymentCreateRequestEvent:      kafka.PaymentTopic,
			entity.PaymentConfirmRequestEvent:     kafka.PaymentTopic,
			entity.PaymentReleaseRequestEvent:     kafka.PaymentTopic,
		}
	case config.RoleInventory:
		return map[entity.EventType]string{
			entity.ReservationCreatedEvent:   kafka.OrderTopic,
			entity.ReservationConfirmedEvent: kafka.OrderTopic,
			entity.ReservationReleasedEvent:  kafka.OrderTopic,
		}
	case config.RolePayment:
		return map[entity.EventType]string{
			entity.PaymentCreatedEvent:   kafka.OrderTopic,
			entity.PaymentConfirmedEvent: kafka.OrderTopic,
			entity.PaymentReleasedEvent:  kafka.OrderTopic,
		}
	}
	return nil
}

// NewRoleConverters собирает реестр для роли. Событие, которое роль не эмитит,
// конвертера не получает и при публикации уходит в FAILED.
func NewRoleConverters(role string, kafka config.Kafka) (*ConverterRegistry, error) {
	events := emittedEvents(role, kafka)
	if events == nil {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	reg := NewConverterRegistry()
	for eventType, topic := range events {
		if topic == "" {
			return nil, fmt.Errorf("topic for %s is not configured", eventType)
		}
		if err := reg.Register(eventType, EnvelopeConverter(topic)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
