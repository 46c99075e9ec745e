package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpSettle.
type Metrics struct {
	// --- Market operations ---
	OpsApplied   *prometheus.CounterVec
	OpsRejected  *prometheus.CounterVec
	OpDuration   *prometheus.HistogramVec
	StateHashDur prometheus.Histogram
	CommitsTotal *prometheus.CounterVec
	CommitsNoop  *prometheus.CounterVec

	// --- Settlement ---
	SettlePhases    *prometheus.CounterVec
	VersionsStamped *prometheus.CounterVec
	LatestVersion   *prometheus.GaugeVec
	FeesAccrued     *prometheus.CounterVec
	FeesClaimed     *prometheus.CounterVec

	// --- Liquidation ---
	Liquidations      *prometheus.CounterVec
	LiquidationReward *prometheus.CounterVec

	// --- Ledger ---
	LedgerRevertFailures *prometheus.CounterVec

	// --- Oracle ---
	OracleVersion  *prometheus.GaugeVec
	OracleRejected *prometheus.CounterVec

	// --- Ingestion & dedup ---
	IngestMessages        *prometheus.CounterVec
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	PublishDrops          prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge
	ChannelSize          *prometheus.GaugeVec
	ChannelCapacity      *prometheus.GaugeVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	WSClients     prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics on reg.
// A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_ops_applied_total",
			Help: "Market operations successfully applied",
		}, []string{"market", "op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_ops_rejected_total",
			Help: "Market operations rejected",
		}, []string{"market", "op", "reason"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpsettle_op_duration_seconds",
			Help:    "Time to run one market operation including commit",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpsettle_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CommitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_commits_total",
			Help: "Change sets committed to the store",
		}, []string{"market"}),

		CommitsNoop: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_commits_noop_total",
			Help: "Operations that produced no state change",
		}, []string{"market"}),

		SettlePhases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_settle_phases_total",
			Help: "Settlement phases executed (phase=pre|post, scope=global|account)",
		}, []string{"market", "scope", "phase"}),

		VersionsStamped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_versions_stamped_total",
			Help: "Accumulator versions stamped",
		}, []string{"market"}),

		LatestVersion: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpsettle_latest_version",
			Help: "Latest settled oracle version per market",
		}, []string{"market"}),

		FeesAccrued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_fees_accrued",
			Help: "Fees accrued (funding skim, position fee, retention)",
		}, []string{"market"}),

		FeesClaimed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_fees_claimed",
			Help: "Fees claimed by kind",
		}, []string{"market", "kind"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_liquidations_total",
			Help: "Accounts liquidated",
		}, []string{"market"}),
		LedgerRevertFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_ledger_revert_failures_total",
			Help: "Compensating ledger transfers that failed after an aborted call",
		}, []string{"market"}),

		LiquidationReward: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_liquidation_reward",
			Help: "Total liquidation rewards paid",
		}, []string{"market"}),

		OracleVersion: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpsettle_oracle_version",
			Help: "Latest accepted oracle version",
		}, []string{"market"}),

		OracleRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_oracle_rejected_total",
			Help: "Oracle versions rejected",
		}, []string{"market", "reason"}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_ingest_messages_total",
			Help: "Messages received from NATS",
		}, []string{"kind", "status"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_idempotency_duplicates_total",
			Help: "Duplicate commands caught (lru/postgres)",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpsettle_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "perpsettle_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perpsettle_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perpsettle_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpsettle_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpsettle_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perpsettle_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpsettle_persist_last_sequence",
			Help: "Last persisted event sequence",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpsettle_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpsettle_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_query_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpsettle_query_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpsettle_ws_clients",
			Help: "Connected websocket clients",
		}),
	}
}

// SetChannelMetrics updates channel occupancy metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
