package entity

import (
	"encoding/json"
	"testing"
	"time"

	"fulfillment/internal/appers"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{OrderCreated, OrderPaying, true},
		{OrderCreated, OrderFail, true},
		{OrderCreated, OrderPaid, false},
		{OrderPaying, OrderPaid, true},
		{OrderPaying, OrderPaymentFailed, true},
		{OrderPaying, OrderFail, true},
		{OrderPaid, OrderCompleted, true},
		{OrderPaid, OrderFail, false},
		{OrderCompleted, OrderFail, false},
		{OrderPaymentFailed, OrderPaying, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}

	assert.True(t, OrderCompleted.Terminal())
	assert.True(t, OrderFail.Terminal())
	assert.False(t, OrderPaid.Terminal())
	assert.True(t, OrderPaying.Cancellable())
	assert.False(t, OrderPaid.Cancellable())
}

func TestSagaPatch_Apply(t *testing.T) {
	orderID := uuid.Must(uuid.NewV4())
	first := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	t.Run("Success_MilestonesAreSetOnce", func(t *testing.T) {
		s := SagaRecord{OrderID: orderID}
		p := NewSagaPatch(orderID, MilestonePaymentRequested)
		p.At = first
		s = p.Apply(s)
		require.NotNil(t, s.PaymentRequestedAt)

		p2 := NewSagaPatch(orderID, MilestonePaymentRequested, MilestoneFailed)
		p2.At = second
		p2.FailReason = "boom"
		s = p2.Apply(s)

		assert.Equal(t, first, *s.PaymentRequestedAt)
		assert.Equal(t, second, *s.FailedAt)
		assert.Equal(t, "boom", *s.FailReason)
		assert.True(t, s.Has(MilestoneFailed))
		assert.False(t, s.Has(MilestoneCompleted))
	})

	t.Run("Success_IdsAreNotOverwritten", func(t *testing.T) {
		a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
		s := SagaPatch{OrderID: orderID, ReservationID: &a}.Apply(SagaRecord{OrderID: orderID})
		s = SagaPatch{OrderID: orderID, ReservationID: &b}.Apply(s)
		assert.Equal(t, a, *s.ReservationID)
	})

	t.Run("Success_FrozenSagaIgnoresPatch", func(t *testing.T) {
		s := SagaRecord{OrderID: orderID, CompletedAt: &first}
		p := NewSagaPatch(orderID, MilestoneReservationReleaseAck)
		got := p.Apply(s)
		assert.Nil(t, got.ReservationReleaseAckAt)
		assert.True(t, got.Frozen())
	})

	assert.True(t, SagaPatch{OrderID: orderID}.Empty())
}

func TestDecodePayload(t *testing.T) {
	orderID := uuid.Must(uuid.NewV4())
	resID := uuid.Must(uuid.NewV4())
	raw, err := json.Marshal(ReservationCreated{OrderID: orderID, ReservationID: &resID, Success: true})
	require.NoError(t, err)

	t.Run("Success_KnownType", func(t *testing.T) {
		p, err := DecodePayload(ReservationCreatedEvent, raw)
		require.NoError(t, err)
		rc, ok := p.(*ReservationCreated)
		require.True(t, ok)
		assert.Equal(t, resID, *rc.ReservationID)
		assert.Equal(t, orderID, p.OrderRef())
	})

	t.Run("Error_UnknownType", func(t *testing.T) {
		_, err := DecodePayload("Nope", raw)
		require.ErrorIs(t, err, appers.ErrUnknownEventType)
	})

	t.Run("Error_MalformedJSON", func(t *testing.T) {
		_, err := DecodePayload(ReservationCreatedEvent, json.RawMessage(`{"orderId":`))
		require.Error(t, err)
	})

	assert.Len(t, EventTypes(), 12)
}

func TestNewOutboxRecord(t *testing.T) {
	orderID := uuid.Must(uuid.NewV4())
	rec, err := NewOutboxRecord(orderID, ReservationConfirmRequest{OrderID: orderID, ReservationID: orderID}, "")
	require.NoError(t, err)

	assert.Equal(t, OutboxPending, rec.Status)
	assert.Equal(t, ReservationConfirmRequestEvent, rec.EventType)
	assert.Equal(t, string(ReservationConfirmRequestEvent), rec.IdempotencyKey)
	assert.False(t, rec.ID.IsNil())

	env := EnvelopeFromOutbox(*rec)
	assert.Equal(t, rec.ID, env.EventID)
	p, err := env.Decode()
	require.NoError(t, err)
	assert.Equal(t, orderID, p.OrderRef())
}

func TestMergeLineItems(t *testing.T) {
	a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	got := MergeLineItems([]LineItem{{a, 1}, {b, 2}, {a, 3}})
	assert.Equal(t, []LineItem{{a, 4}, {b, 2}}, got)
}
