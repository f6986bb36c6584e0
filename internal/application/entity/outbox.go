package entity

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid"
)

type OutboxStatus string

const (
	OutboxPending        OutboxStatus = "PENDING"
	OutboxProcessing     OutboxStatus = "PROCESSING"
	OutboxRetryScheduled OutboxStatus = "RETRY_SCHEDULED"
	OutboxPublished      OutboxStatus = "PUBLISHED"
	OutboxFailed         OutboxStatus = "FAILED"
)

func (s OutboxStatus) Valid() bool {
	switch s {
	case OutboxPending, OutboxProcessing, OutboxRetryScheduled, OutboxPublished, OutboxFailed:
		return true
	}
	return false
}

// OutboxRecord - строка outbox. Пишется в той же локальной транзакции, что и изменение
// агрегата; дальше меняется только циклом claim/publish и никогда не удаляется.
type OutboxRecord struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	AggregateID    uuid.UUID       `db:"aggregate_id" json:"aggregateId"`
	EventType      EventType       `db:"event_type" json:"eventType"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Status         OutboxStatus    `db:"status" json:"status"`
	AttemptCount   int             `db:"attempt_count" json:"attemptCount"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	NextAttemptAt  time.Time       `db:"next_attempt_at" json:"nextAttemptAt"`
	LockedBy       *string         `db:"locked_by" json:"lockedBy,omitempty"`
	LockedUntil    *time.Time      `db:"locked_until" json:"lockedUntil,omitempty"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotencyKey"`
	LastError      *string         `db:"last_error" json:"lastError,omitempty"`
	PublishedAt    *time.Time      `db:"published_at" json:"publishedAt,omitempty"`
}

// NewOutboxRecord сериализует типизированный payload в новую PENDING запись.
// Ключ идемпотентности по умолчанию - тип события: шаги саги линейны,
// каждый тип события для агрегата эмитится не более одного раза.
func NewOutboxRecord(aggregateID uuid.UUID, payload Payload, idempotencyKey string) (*OutboxRecord, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	if idempotencyKey == "" {
		idempotencyKey = string(payload.EventType())
	}
	now := time.Now().UTC()
	return &OutboxRecord{
		ID:             id,
		AggregateID:    aggregateID,
		EventType:      payload.EventType(),
		Payload:        raw,
		Status:         OutboxPending,
		CreatedAt:      now,
		NextAttemptAt:  now,
		IdempotencyKey: idempotencyKey,
	}, nil
}

// OutboundMessage - транспорт-независимое сообщение, которое конвертер собирает из записи outbox.
type OutboundMessage struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

const (
	HeaderEventID        = "event_id"
	HeaderEventType      = "event_type"
	HeaderIdempotencyKey = "idempotency_key"
)
