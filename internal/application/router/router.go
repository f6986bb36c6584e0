package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/entity"
	"fulfillment/pkg/validator"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// HandlerFunc обрабатывает одно входящее событие в собственной локальной транзакции.
type HandlerFunc func(ctx context.Context, env entity.Envelope, payload entity.Payload) error

// Router - ровно один обработчик на тип события.
type Router struct {
	mu       sync.RWMutex
	handlers map[entity.EventType]HandlerFunc
	logger   *zap.SugaredLogger
}

func New(logger *zap.SugaredLogger) *Router {
	return &Router{
		handlers: make(map[entity.EventType]HandlerFunc),
		logger:   logger,
	}
}

// Register - повторная регистрация того же типа считается ошибкой конфигурации.
func (r *Router) Register(eventType entity.EventType, h HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[eventType]; exists {
		return fmt.Errorf("%w: %s", appers.ErrDuplicateHandler, eventType)
	}
	r.handlers[eventType] = h
	r.logger.Debugf("handler registered for %s", eventType)
	return nil
}

// Handle регистрирует типизированный обработчик: P - указатель на структуру payload,
// например *entity.ReservationCreated.
func Handle[P entity.Payload](r *Router, eventType entity.EventType, fn func(ctx context.Context, env entity.Envelope, p P) error) error {
	return r.Register(eventType, func(ctx context.Context, env entity.Envelope, payload entity.Payload) error {
		p, ok := payload.(P)
		if !ok {
			return fmt.Errorf("%w: %s payload has type %T", appers.ErrMalformedEvent, eventType, payload)
		}
		return fn(ctx, env, p)
	})
}

// Dispatch декодирует и валидирует payload и синхронно вызывает обработчик.
// Ошибка обработчика возвращается как есть: сообщение не подтверждается и будет доставлено повторно.
func (r *Router) Dispatch(ctx context.Context, env entity.Envelope) error {
	r.mu.RLock()
	h, ok := r.handlers[env.EventType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", appers.ErrNoHandler, env.EventType)
	}

	payload, err := env.Decode()
	if err != nil {
		return fmt.Errorf("%w: %v", appers.ErrMalformedEvent, err)
	}
	if err := validator.Validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %s: %v", appers.ErrMalformedEvent, env.EventType, err)
	}
	if payload.OrderRef() != env.AggregateID {
		return fmt.Errorf("%w: payload order %s does not match aggregate %s",
			appers.ErrMalformedEvent, payload.OrderRef(), env.AggregateID)
	}

	r.logger.Debugf("[order: %s] dispatching %s (event %s)", env.AggregateID, env.EventType, env.EventID)
	return h(ctx, env, payload)
}

// DecodeEnvelope разбирает значение сообщения шины.
func DecodeEnvelope(value []byte) (entity.Envelope, error) {
	var env entity.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return env, fmt.Errorf("%w: %v", appers.ErrMalformedEvent, err)
	}
	if env.EventType == "" || env.AggregateID == uuid.Nil {
		return env, fmt.Errorf("%w: envelope without eventType or aggregateId", appers.ErrMalformedEvent)
	}
	return env, nil
}

// Types - зарегистрированные типы, отсортированы для логов.
func (r *Router) Types() []entity.EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]entity.EventType, 0, len(r.handlers))
	for t := range r.handlers {
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}
