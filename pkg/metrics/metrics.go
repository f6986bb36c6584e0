package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fulfillment"

type Metrics struct {
	Kafka  KafkaMetrics
	API    APIMetrics
	Repo   RepoMetrics
	Relay  RelayMetrics
	Saga   SagaMetrics
	Ledger LedgerMetrics
	PSP    PSPMetrics
	Go     GoMetrics
}

type KafkaMetrics struct {
	// Producer
	ProducerAttemptLatencySeconds *prometheus.HistogramVec
	ProducerOperationsTotal       *prometheus.CounterVec

	// Consumer
	ConsumerMessagesTotal   *prometheus.CounterVec
	ConsumerProcessDuration *prometheus.HistogramVec
	ConsumerRebalancesTotal *prometheus.CounterVec
	ConsumerInFlight        *prometheus.GaugeVec
	ConsumerRetriesTotal    *prometheus.CounterVec
}

type APIMetrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

type RepoMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	DurationSeconds *prometheus.HistogramVec
}

// RelayMetrics - публикатор outbox.
type RelayMetrics struct {
	ClaimedTotal         prometheus.Counter
	PublishedTotal       *prometheus.CounterVec // event_type
	RetryScheduledTotal  *prometheus.CounterVec // event_type
	FailedTotal          *prometheus.CounterVec // event_type
	MissingConverter     *prometheus.CounterVec // event_type
	LostLeaseTotal       prometheus.Counter
	BatchDurationSeconds prometheus.Histogram
	FailedRecords        prometheus.Gauge
}

type SagaMetrics struct {
	TransitionsTotal *prometheus.CounterVec // from, to
	OrdersCreated    prometheus.Counter
}

type LedgerMetrics struct {
	OperationsTotal    *prometheus.CounterVec // op, result
	CASConflictsTotal  *prometheus.CounterVec // op
	DuplicateSkipTotal *prometheus.CounterVec // action
}

type PSPMetrics struct {
	RequestsTotal *prometheus.CounterVec // op, result
}

type GoMetrics struct {
	InternalGoroutines *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Kafka: KafkaMetrics{
			ProducerAttemptLatencySeconds: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "producer_attempt_latency_seconds",
				Help:      "Latency between enqueue and broker ack.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"topic", "result"}), // ok|error

			ProducerOperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "producer_operations_total",
				Help:      "Total produce operations by result.",
			}, []string{"topic", "result"}), // success|failed|permanent|canceled

			ConsumerMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "consumer_messages_total",
				Help:      "Total consumed Kafka messages by topic and result.",
			}, []string{"topic", "result"}), // ok|error|malformed

			ConsumerProcessDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "consumer_process_duration_seconds",
				Help:      "Kafka message processing duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"topic"}),

			ConsumerRebalancesTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "consumer_rebalances_total",
				Help:      "Consumer rebalance lifecycle events.",
			}, []string{"event"}),

			ConsumerInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "consumer_inflight_messages",
				Help:      "Messages currently being processed.",
			}, []string{"topic"}),

			ConsumerRetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "kafka",
				Name:      "consumer_retries_total",
				Help:      "In-place handler retries by event type.",
			}, []string{"event_type"}),
		},

		API: APIMetrics{
			HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by method, path and status.",
			}, []string{"method", "path", "status"}),

			HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			}, []string{"method", "path", "status"}),
		},
		Repo: RepoMetrics{
			RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "requests_total",
				Help:      "Total DB requests by operation, statement kind, result and error kind.",
			}, []string{"op", "name", "result", "error_kind"}),

			DurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "request_duration_seconds",
				Help:      "DB request duration in seconds.",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			}, []string{"op", "name", "result"}),
		},
		Relay: RelayMetrics{
			ClaimedTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "claimed_total",
				Help:      "Outbox records claimed by this worker.",
			}),
			PublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "published_total",
				Help:      "Outbox records marked PUBLISHED.",
			}, []string{"event_type"}),
			RetryScheduledTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "retry_scheduled_total",
				Help:      "Outbox records moved to RETRY_SCHEDULED.",
			}, []string{"event_type"}),
			FailedTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "failed_total",
				Help:      "Outbox records moved to terminal FAILED.",
			}, []string{"event_type"}),
			MissingConverter: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "missing_converter_total",
				Help:      "Claimed records without a registered converter.",
			}, []string{"event_type"}),
			LostLeaseTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "lost_lease_total",
				Help:      "Completions ignored because the lease was taken by another worker.",
			}),
			BatchDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "batch_duration_seconds",
				Help:      "Duration of a single claim-publish-mark cycle.",
				Buckets:   prometheus.DefBuckets,
			}),
			FailedRecords: f.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "failed_records",
				Help:      "Outbox records currently in FAILED status.",
			}),
		},
		Saga: SagaMetrics{
			TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "saga",
				Name:      "order_transitions_total",
				Help:      "Applied order status transitions.",
			}, []string{"from", "to"}),
			OrdersCreated: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "saga",
				Name:      "orders_created_total",
				Help:      "Orders created (duplicates excluded).",
			}),
		},
		Ledger: LedgerMetrics{
			OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Inventory ledger operations by result.",
			}, []string{"op", "result"}),
			CASConflictsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "cas_conflicts_total",
				Help:      "Optimistic version conflicts on inventory rows.",
			}, []string{"op"}),
			DuplicateSkipTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "duplicate_skips_total",
				Help:      "Requests skipped by the idempotency guard.",
			}, []string{"action"}),
		},
		PSP: PSPMetrics{
			RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "psp",
				Name:      "requests_total",
				Help:      "Payment provider calls by operation and result.",
			}, []string{"op", "result"}),
		},
		Go: GoMetrics{
			InternalGoroutines: f.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "go",
				Name:      "internal_goroutines",
				Help:      "Number of running internal goroutines by name.",
			}, []string{"name"}),
		},
	}
}
