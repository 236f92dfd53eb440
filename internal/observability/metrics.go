package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for SwapGate.
// Metrics are registered on the default registry, so NewMetrics must be called
// once per process. Components accept a nil *Metrics.
type Metrics struct {
	// --- Pipeline ---
	PipelineCalls     *prometheus.CounterVec
	PipelineRejected  *prometheus.CounterVec
	PipelineOutcomes  *prometheus.CounterVec
	PipelineDuration  *prometheus.HistogramVec
	PendingOperations prometheus.Gauge

	// --- Gas ---
	GasUsed         prometheus.Histogram
	ContinuationGas prometheus.Histogram

	// --- Risk gate ---
	RiskQueries       *prometheus.CounterVec
	RiskQueryDuration prometheus.Histogram
	RiskDecisions     *prometheus.CounterVec
	RiskScore         prometheus.Histogram

	// --- Actions ---
	ActionsApplied *prometheus.CounterVec
	ActionFailures *prometheus.CounterVec

	// --- Settlement ---
	Transfers        *prometheus.CounterVec
	Refunds          prometheus.Counter
	RetainedDeposits *prometheus.CounterVec

	// --- Ingestion ---
	NotificationsReceived  *prometheus.CounterVec
	NotificationDuplicates *prometheus.CounterVec
	PublishDrops           prometheus.Counter

	// --- Persistence ---
	PersistBatchDur        prometheus.Histogram
	PersistBatchSize       prometheus.Histogram
	PersistOutcomesWritten prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistErrors          *prometheus.CounterVec

	// --- Projection ---
	ProjectionDrops   prometheus.Counter
	ProjectionErrors  prometheus.Counter
	ProjectionApplied prometheus.Counter

	// --- Snapshot ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	callBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
	}

	gasBuckets := prometheus.ExponentialBuckets(1e12, 2, 10) // 1 Tgas .. 512 Tgas

	return &Metrics{
		// Pipeline
		PipelineCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_pipeline_calls_total",
			Help: "Transfer notifications accepted, by path (deposit/instant_swap)",
		}, []string{"path"}),

		PipelineRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_pipeline_rejected_total",
			Help: "Transfer notifications rejected synchronously",
		}, []string{"reason"}),

		PipelineOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_pipeline_outcomes_total",
			Help: "Terminal pipeline states reached",
		}, []string{"state"}),

		PipelineDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swapgate_pipeline_duration_seconds",
			Help:    "Notification to terminal state",
			Buckets: callBuckets,
		}, []string{"state"}),

		PendingOperations: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swapgate_pending_operations",
			Help: "Operations suspended on a risk query",
		}),

		// Gas
		GasUsed: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "swapgate_gas_used_before_suspension",
			Help:    "Gas charged before the risk query is issued",
			Buckets: gasBuckets,
		}),

		ContinuationGas: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "swapgate_continuation_gas",
			Help:    "Gas attached to the continuation",
			Buckets: gasBuckets,
		}),

		// Risk gate
		RiskQueries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_risk_queries_total",
			Help: "Risk queries by result (ok/failed)",
		}, []string{"result"}),

		RiskQueryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "swapgate_risk_query_duration_seconds",
			Help:    "Round trip to the risk scoring service",
			Buckets: callBuckets,
		}),

		RiskDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_risk_decisions_total",
			Help: "Risk policy decisions (approved/rejected)",
		}, []string{"decision"}),

		RiskScore: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "swapgate_risk_score",
			Help:    "Risk scores returned by the scoring service",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		}),

		// Actions
		ActionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_actions_applied_total",
			Help: "Actions executed successfully, by kind",
		}, []string{"kind"}),

		ActionFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_action_failures_total",
			Help: "Actions that violated a precondition",
		}, []string{"kind"}),

		// Settlement
		Transfers: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_transfers_total",
			Help: "Outbound transfers by path and result",
		}, []string{"path", "result"}),

		Refunds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swapgate_refunds_total",
			Help: "Compensating refunds after failed withdrawals",
		}),

		RetainedDeposits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_retained_deposits_total",
			Help: "Deposits kept after rejection or failure",
		}, []string{"reason"}),

		// Ingestion
		NotificationsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_notifications_received_total",
			Help: "Transfer notifications received, by source",
		}, []string{"source"}),

		NotificationDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_notification_duplicates_total",
			Help: "Redelivered notifications dropped (lru/postgres)",
		}, []string{"tier"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swapgate_publish_drops_total",
			Help: "Outcomes dropped due to full publish channel",
		}),

		// Persistence
		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "swapgate_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "swapgate_persist_batch_size",
			Help:    "Outcomes per Postgres batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		PersistOutcomesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swapgate_persist_outcomes_written_total",
			Help: "Outcome rows committed",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swapgate_persist_journals_written_total",
			Help: "Journal rows committed",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		// Projection
		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swapgate_projection_drops_total",
			Help: "Journal batches dropped because the projection channel was full",
		}),
		ProjectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swapgate_projection_errors_total",
			Help: "Failed balance projection updates",
		}),
		ProjectionApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swapgate_projection_batches_applied_total",
			Help: "Journal batches applied to the balance projection",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swapgate_snapshots_taken_total",
			Help: "Balance sheet snapshots saved",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "swapgate_snapshot_duration_seconds",
			Help:    "Balance sheet snapshot save duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_query_requests_total",
			Help: "RPC requests by method",
		}, []string{"method"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_query_errors_total",
			Help: "RPC errors by method and code",
		}, []string{"method", "code"}),
	}
}
