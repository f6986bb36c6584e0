package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"fulfillment/internal/appers"
	"fulfillment/internal/application/entity"
	"fulfillment/pkg/config"

	"github.com/IBM/sarama"
	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type relayEnv struct {
	*testEnv
	relay *Relay
	pub   *capturePublisher
}

func newRelayEnv(t *testing.T, converters *ConverterRegistry) *relayEnv {
	t.Helper()
	env := newTestEnv(t)
	pub := &capturePublisher{}
	pool := NewCompletionPool(2)
	t.Cleanup(pool.Close)
	relay := NewRelay(env.repo, converters, pub, pool, testRelayOptions(), zap.NewNop().Sugar(), env.m)
	return &relayEnv{testEnv: env, relay: relay, pub: pub}
}

func (e *relayEnv) appendEvent(t *testing.T, orderID uuid.UUID, payload entity.Payload) entity.OutboxRecord {
	t.Helper()
	require.NoError(t, e.svc.outbox.Append(context.Background(), orderID, payload))
	return findEvent(t, e.repo.outboxOf(orderID), payload.EventType())
}

func TestRelay_Published(t *testing.T) {
	e := newRelayEnv(t, allRoleConverters(t))
	ctx := context.Background()
	orderID := newID()
	rec := e.appendEvent(t, orderID, entity.ReservationCreateRequest{
		OrderID:        orderID,
		IdempotencyKey: "reservation-" + orderID.String(),
		Items:          []entity.LineItem{{ProductID: newID(), Quantity: 1}},
	})

	n, err := e.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs := e.pub.drain()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, testKafka.InventoryTopic, msg.Topic)
	assert.Equal(t, orderID.String(), msg.Key)
	assert.Equal(t, map[string]string{
		entity.HeaderEventID:        rec.ID.String(),
		entity.HeaderEventType:      string(entity.ReservationCreateRequestEvent),
		entity.HeaderIdempotencyKey: string(entity.ReservationCreateRequestEvent),
	}, msg.Headers)

	var env entity.Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, rec.ID, env.EventID)
	assert.Equal(t, orderID, env.AggregateID)
	assert.Equal(t, entity.ReservationCreateRequestEvent, env.EventType)
	assert.JSONEq(t, string(rec.Payload), string(env.Payload))

	got, err := e.repo.GetOutbox(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxPublished, got.Status)
	assert.NotNil(t, got.PublishedAt)
	assert.Nil(t, got.LockedBy)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.m.Relay.PublishedTotal.WithLabelValues(string(entity.ReservationCreateRequestEvent))))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.m.Relay.ClaimedTotal))

	// опубликованная запись больше не захватывается
	n, err = e.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelay_RetryScheduled(t *testing.T) {
	e := newRelayEnv(t, allRoleConverters(t))
	ctx := context.Background()
	e.pub.fail = func(entity.OutboundMessage) error { return sarama.ErrOutOfBrokers }
	orderID := newID()
	rec := e.appendEvent(t, orderID, entity.PaymentConfirmRequest{OrderID: orderID, PaymentID: newID()})

	before := time.Now()
	_, err := e.relay.RunOnce(ctx)
	require.NoError(t, err)

	got, err := e.repo.GetOutbox(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxRetryScheduled, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.True(t, got.NextAttemptAt.After(before))
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, sarama.ErrOutOfBrokers.Error())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.m.Relay.RetryScheduledTotal.WithLabelValues(string(entity.PaymentConfirmRequestEvent))))
}

func TestRelay_GivesUpAfterMaxAttempts(t *testing.T) {
	e := newRelayEnv(t, allRoleConverters(t))
	ctx := context.Background()
	e.pub.fail = func(entity.OutboundMessage) error { return errors.New("broker unavailable") }
	orderID := newID()
	rec := e.appendEvent(t, orderID, entity.PaymentConfirmRequest{OrderID: orderID, PaymentID: newID()})

	for i := 0; i < testRelayOptions().MaxAttempts; i++ {
		// ждём наступления next_attempt_at
		require.Eventually(t, func() bool {
			n, err := e.relay.RunOnce(ctx)
			return err == nil && n == 1
		}, time.Second, 5*time.Millisecond)
	}

	got, err := e.repo.GetOutbox(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount)

	n, err := e.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelay_PermanentErrorFailsImmediately(t *testing.T) {
	e := newRelayEnv(t, allRoleConverters(t))
	ctx := context.Background()
	e.pub.fail = func(entity.OutboundMessage) error { return sarama.ErrMessageSizeTooLarge }
	orderID := newID()
	rec := e.appendEvent(t, orderID, entity.PaymentConfirmRequest{OrderID: orderID, PaymentID: newID()})

	_, err := e.relay.RunOnce(ctx)
	require.NoError(t, err)

	got, err := e.repo.GetOutbox(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)

	n, err := e.relay.ReportFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.m.Relay.FailedRecords))

	// после ручного replay запись снова публикуется
	e.pub.fail = nil
	replayed, err := e.relay.ReplayOutbox(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxPending, replayed.Status)
	assert.Zero(t, replayed.AttemptCount)

	_, err = e.relay.RunOnce(ctx)
	require.NoError(t, err)
	got, err = e.repo.GetOutbox(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxPublished, got.Status)

	_, err = e.relay.ReplayOutbox(ctx, rec.ID)
	assert.ErrorIs(t, err, appers.ErrOutboxNotReplayable)
	_, err = e.relay.ReplayOutbox(ctx, newID())
	assert.ErrorIs(t, err, appers.ErrOutboxNotFound)

	n, err = e.relay.ReportFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, testutil.ToFloat64(e.m.Relay.FailedRecords))
}

func TestRelay_MissingConverter(t *testing.T) {
	reg, err := NewRoleConverters(config.RoleInventory, testKafka)
	require.NoError(t, err)
	e := newRelayEnv(t, reg)
	ctx := context.Background()
	orderID := newID()
	// событие роли order в outbox роли inventory
	rec := e.appendEvent(t, orderID, entity.PaymentConfirmRequest{OrderID: orderID, PaymentID: newID()})

	_, err = e.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, e.pub.drain())

	got, err := e.repo.GetOutbox(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, appers.ErrNoConverter.Error())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.m.Relay.MissingConverter.WithLabelValues(string(entity.PaymentConfirmRequestEvent))))
}

func TestRelay_MalformedPayload(t *testing.T) {
	e := newRelayEnv(t, allRoleConverters(t))
	ctx := context.Background()
	orderID := newID()
	rec, err := entity.NewOutboxRecord(orderID, entity.PaymentConfirmRequest{OrderID: orderID}, "")
	require.NoError(t, err)
	rec.Payload = json.RawMessage(`{"orderId":`)
	_, err = e.repo.InsertOutbox(ctx, rec)
	require.NoError(t, err)

	_, err = e.relay.RunOnce(ctx)
	require.NoError(t, err)

	got, err := e.repo.GetOutbox(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxFailed, got.Status)
	assert.Empty(t, e.pub.drain())
}

func TestRelay_LostLease(t *testing.T) {
	e := newRelayEnv(t, allRoleConverters(t))
	ctx := context.Background()
	orderID := newID()
	rec := e.appendEvent(t, orderID, entity.PaymentConfirmRequest{OrderID: orderID, PaymentID: newID()})

	// пока сообщение в полёте, запись перехватывает другой воркер
	e.pub.fail = func(entity.OutboundMessage) error {
		e.repo.mu.Lock()
		defer e.repo.mu.Unlock()
		r := e.repo.st.outbox[rec.ID]
		other := "worker-2"
		r.LockedBy = &other
		e.repo.st.outbox[rec.ID] = r
		return nil
	}

	_, err := e.relay.RunOnce(ctx)
	require.NoError(t, err)

	got, err := e.repo.GetOutbox(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxProcessing, got.Status)
	require.NotNil(t, got.LockedBy)
	assert.Equal(t, "worker-2", *got.LockedBy)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.m.Relay.LostLeaseTotal))
}

func TestRelay_ReclaimsExpiredLease(t *testing.T) {
	e := newRelayEnv(t, allRoleConverters(t))
	ctx := context.Background()
	orderID := newID()
	rec := e.appendEvent(t, orderID, entity.PaymentConfirmRequest{OrderID: orderID, PaymentID: newID()})

	// worker-a захватывает запись и падает, не отметив результат
	const lease = 20 * time.Millisecond
	claimed, err := e.repo.ClaimOutboxBatch(ctx, "worker-a", lease, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, rec.ID, claimed[0].ID)

	// аренда ещё действует: второй воркер запись не видит
	n, err := e.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, e.pub.drain())

	time.Sleep(2 * lease)

	n, err = e.relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	msgs := e.pub.drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, rec.ID.String(), msgs[0].Headers[entity.HeaderEventID])

	got, err := e.repo.GetOutbox(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxPublished, got.Status)

	// поздний ответ первого воркера не перетирает результат
	assert.ErrorIs(t, e.repo.MarkOutboxPublished(ctx, rec.ID, "worker-a"), appers.ErrLostLease)
	_, err = e.repo.MarkOutboxFailed(ctx, rec.ID, "worker-a", 3, time.Now(), "late")
	assert.ErrorIs(t, err, appers.ErrLostLease)

	got, err = e.repo.GetOutbox(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OutboxPublished, got.Status)
}

func TestRelay_ListOutbox(t *testing.T) {
	e := newRelayEnv(t, allRoleConverters(t))
	ctx := context.Background()
	orderID := newID()
	e.appendEvent(t, orderID, entity.PaymentConfirmRequest{OrderID: orderID, PaymentID: newID()})
	e.appendEvent(t, orderID, entity.ReservationConfirmRequest{OrderID: orderID, ReservationID: newID()})

	all, err := e.relay.ListOutbox(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := e.relay.ListOutbox(ctx, entity.OutboxPending, 1)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	failed, err := e.relay.ListOutbox(ctx, entity.OutboxFailed, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)

	_, err = e.relay.ListOutbox(ctx, "DONE", 10)
	assert.ErrorIs(t, err, appers.ErrFormat)
}

func TestAppender_DeduplicatesByEventType(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orderID := newID()
	payload := entity.PaymentConfirmRequest{OrderID: orderID, PaymentID: newID()}

	require.NoError(t, env.svc.outbox.Append(ctx, orderID, payload))
	require.NoError(t, env.svc.outbox.Append(ctx, orderID, payload))
	require.NoError(t, env.svc.outbox.Append(ctx, newID(), payload))

	assert.Len(t, env.repo.outboxOf(orderID), 1)
}

func TestConverterRegistry(t *testing.T) {
	reg := NewConverterRegistry()
	require.NoError(t, reg.Register(entity.PaymentCreatedEvent, EnvelopeConverter("t")))
	assert.Error(t, reg.Register(entity.PaymentCreatedEvent, EnvelopeConverter("t")))

	_, err := reg.Resolve(entity.PaymentReleasedEvent)
	assert.ErrorIs(t, err, appers.ErrNoConverter)

	order, err := NewRoleConverters(config.RoleOrder, testKafka)
	require.NoError(t, err)
	assert.Len(t, order.Types(), 6)

	payment, err := NewRoleConverters(config.RolePayment, testKafka)
	require.NoError(t, err)
	assert.Equal(t, []entity.EventType{
		entity.PaymentConfirmedEvent, entity.PaymentCreatedEvent, entity.PaymentReleasedEvent,
	}, payment.Types())

	_, err = NewRoleConverters("shipping", testKafka)
	assert.Error(t, err)

	_, err = NewRoleConverters(config.RoleOrder, config.Kafka{OrderTopic: "o"})
	assert.Error(t, err)
}

func TestCompletionPool(t *testing.T) {
	pool := NewCompletionPool(2)
	var done atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func() { done.Add(1) }))
	}
	pool.Close()
	assert.Equal(t, int32(10), done.Load())

	assert.ErrorIs(t, pool.Submit(func() {}), appers.ErrPoolClosed)
}

func TestGuard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	guard := NewGuard(env.repo, zap.NewNop().Sugar(), env.m)

	res, proceed, err := guard.Begin(ctx, "scope", entity.ActionPaymentCreate, "k1")
	require.NoError(t, err)
	require.True(t, proceed)

	// незавершённая запись первого писателя
	_, _, err = guard.Begin(ctx, "scope", entity.ActionPaymentCreate, "k1")
	assert.ErrorIs(t, err, appers.ErrIdempotencyInProgress)

	resourceID := newID()
	require.NoError(t, guard.Succeed(ctx, res, resourcePayment, resourceID))

	again, proceed, err := guard.Begin(ctx, "scope", entity.ActionPaymentCreate, "k1")
	require.NoError(t, err)
	assert.False(t, proceed)
	id, ok := again.ResourceUUID()
	require.True(t, ok)
	assert.Equal(t, resourceID, id)

	// другой scope - независимый ключ
	_, proceed, err = guard.Begin(ctx, "other", entity.ActionPaymentCreate, "k1")
	require.NoError(t, err)
	assert.True(t, proceed)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.m.Ledger.DuplicateSkipTotal.WithLabelValues(entity.ActionPaymentCreate)))
}
