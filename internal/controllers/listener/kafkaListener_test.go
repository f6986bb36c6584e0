package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fulfillment/internal/appers"
	use_cases "fulfillment/internal/application/use-cases"
	"fulfillment/pkg/config"
	"fulfillment/pkg/metrics"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32                               { return nil }
func (s *fakeSession) MemberID() string                                         { return "member-1" }
func (s *fakeSession) GenerationID() int32                                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)                  {}
func (s *fakeSession) Commit()                                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string)                 {}
func (s *fakeSession) Context() context.Context                                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                              { return "fulfillment.order" }
func (c *fakeClaim) Partition() int32                           { return 0 }
func (c *fakeClaim) InitialOffset() int64                       { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64                 { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

// scriptedUseCase возвращает ошибки по очереди для каждого значения сообщения.
type scriptedUseCase struct {
	use_cases.UseCaser
	mu      sync.Mutex
	results map[string][]error
	calls   map[string]int
}

func (u *scriptedUseCase) ConsumeMessage(_ context.Context, value []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	key := string(value)
	n := u.calls[key]
	u.calls[key] = n + 1
	script := u.results[key]
	if n < len(script) {
		return script[n]
	}
	return nil
}

func newScripted(results map[string][]error) *scriptedUseCase {
	return &scriptedUseCase{results: results, calls: map[string]int{}}
}

func message(offset int64, value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:  "fulfillment.order",
		Offset: offset,
		Value:  []byte(value),
		Headers: []*sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte("ReservationCreated")},
		},
	}
}

func claimOf(msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeClaim{msgs: ch}
}

func newConsumer(uc use_cases.UseCaser, maxRetries int) (*KafkaBrokerConsumer, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	conf := config.ConsumerConfig{MaxRetries: maxRetries, RetryBackoffCap: 5 * time.Millisecond}
	return NewKafkaBrokerConsumer(uc, conf, zap.NewNop().Sugar(), m), m
}

func TestConsumeClaim_MarksHandledMessages(t *testing.T) {
	uc := newScripted(nil)
	c, m := newConsumer(uc, 3)
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, c.ConsumeClaim(session, claimOf(message(1, "a"), message(2, "b"))))

	assert.Equal(t, []int64{1, 2}, session.marked)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Kafka.ConsumerMessagesTotal.WithLabelValues("fulfillment.order", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Kafka.ConsumerInFlight.WithLabelValues("fulfillment.order")))
}

func TestConsumeClaim_RetriesTransientFailure(t *testing.T) {
	transient := errors.New("db unavailable")
	uc := newScripted(map[string][]error{"a": {transient, transient}})
	c, m := newConsumer(uc, 3)
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, c.ConsumeClaim(session, claimOf(message(7, "a"))))

	assert.Equal(t, []int64{7}, session.marked)
	assert.Equal(t, 3, uc.calls["a"])
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Kafka.ConsumerRetriesTotal.WithLabelValues("ReservationCreated")))
}

func TestConsumeClaim_ExhaustedRetriesLeaveMessageUnacked(t *testing.T) {
	failing := fmt.Errorf("%w: saga has no reservation id", appers.ErrMissingSagaStep)
	uc := newScripted(map[string][]error{"a": {failing, failing, failing}})
	c, m := newConsumer(uc, 2)
	session := &fakeSession{ctx: context.Background()}

	err := c.ConsumeClaim(session, claimOf(message(3, "a"), message(4, "b")))

	require.ErrorIs(t, err, appers.ErrMissingSagaStep)
	assert.Empty(t, session.marked)
	assert.Equal(t, 3, uc.calls["a"])
	assert.Zero(t, uc.calls["b"], "следующее сообщение не должно обгонять неподтверждённое")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Kafka.ConsumerMessagesTotal.WithLabelValues("fulfillment.order", "error")))
}

func TestConsumeClaim_NoHandlerIsNotSkipped(t *testing.T) {
	noHandler := fmt.Errorf("%w: PaymentCreated", appers.ErrNoHandler)
	uc := newScripted(map[string][]error{"a": {noHandler}})
	c, _ := newConsumer(uc, 0)
	session := &fakeSession{ctx: context.Background()}

	err := c.ConsumeClaim(session, claimOf(message(1, "a")))

	require.ErrorIs(t, err, appers.ErrNoHandler)
	assert.Empty(t, session.marked)
}

func TestConsumeClaim_SkipsMalformedMessage(t *testing.T) {
	uc := newScripted(map[string][]error{
		"bad":     {fmt.Errorf("%w: invalid character", appers.ErrMalformedEvent)},
		"unknown": {fmt.Errorf("%w: %q", appers.ErrUnknownEventType, "Nope")},
	})
	c, m := newConsumer(uc, 3)
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, c.ConsumeClaim(session, claimOf(message(1, "bad"), message(2, "unknown"), message(3, "ok"))))

	assert.Equal(t, []int64{1, 2, 3}, session.marked)
	assert.Equal(t, 1, uc.calls["bad"])
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Kafka.ConsumerMessagesTotal.WithLabelValues("fulfillment.order", "malformed")))
}

func TestConsumeClaim_StopsOnSessionEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("boom")
	uc := newScripted(map[string][]error{"a": {boom, boom, boom, boom, boom, boom, boom, boom, boom, boom}})
	c, _ := newConsumer(uc, 10)
	c.backoffCap = time.Hour
	session := &fakeSession{ctx: ctx}

	msgs := make(chan *sarama.ConsumerMessage, 1)
	msgs <- message(1, "a")

	done := make(chan error, 1)
	go func() { done <- c.ConsumeClaim(session, &fakeClaim{msgs: msgs}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ConsumeClaim did not return after session end")
	}
	assert.Empty(t, session.marked)
}

func TestSetupCleanup_CountRebalances(t *testing.T) {
	c, m := newConsumer(newScripted(nil), 0)
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, c.Setup(session))
	require.NoError(t, c.Cleanup(session))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Kafka.ConsumerRebalancesTotal.WithLabelValues("setup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Kafka.ConsumerRebalancesTotal.WithLabelValues("cleanup")))
}
