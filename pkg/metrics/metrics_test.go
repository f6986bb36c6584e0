package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()

	m1 := New(reg1)
	require.NotPanics(t, func() { New(reg2) })

	m1.Relay.ClaimedTotal.Add(3)
	m1.Kafka.ConsumerMessagesTotal.WithLabelValues("fulfillment.order", "ok").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m1.Relay.ClaimedTotal))
	n, err := testutil.GatherAndCount(reg1, "fulfillment_relay_claimed_total", "fulfillment_kafka_consumer_messages_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = testutil.GatherAndCount(reg2, "fulfillment_relay_claimed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "счётчик без лейблов экспортируется сразу со значением 0")
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
