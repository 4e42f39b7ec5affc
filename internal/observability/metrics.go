package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault ledger.
type Metrics struct {
	// --- Commit protocol ---
	OpsApplied           *prometheus.CounterVec
	OpsRejected          *prometheus.CounterVec
	OpDuration           *prometheus.HistogramVec
	ExternalCall         *prometheus.HistogramVec
	RevalidationFailures *prometheus.CounterVec

	// --- Ledger state ---
	ActiveLoans      prometheus.Gauge
	LockedCollateral prometheus.Gauge
	Liquidations     prometheus.Counter

	// --- Persistence ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotErrors    prometheus.Counter

	// --- Queries & events ---
	QueryRequests *prometheus.CounterVec
	PublishDrops  prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
	}
	externalBuckets := []float64{
		0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ops_applied_total",
			Help: "Operations committed to the ledger",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ops_rejected_total",
			Help: "Operations aborted before commit",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_op_duration_seconds",
			Help:    "End-to-end operation duration including external calls",
			Buckets: opBuckets,
		}, []string{"op"}),

		ExternalCall: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_external_call_duration_seconds",
			Help:    "Collaborator call duration",
			Buckets: externalBuckets,
		}, []string{"collaborator"}),

		RevalidationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_revalidation_failures_total",
			Help: "Operations that passed pre-validation but failed re-validation after the external call",
		}, []string{"op"}),

		ActiveLoans: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_active_loans",
			Help: "Loans currently in Active status",
		}),

		LockedCollateral: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_locked_collateral_sats",
			Help: "Total amount of Locked collateral",
		}),

		Liquidations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_liquidations_total",
			Help: "Loans liquidated",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshot_taken_total",
			Help: "Ledger snapshots persisted",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Snapshot serialization and write time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_size_bytes",
			Help: "Size of the last persisted snapshot",
		}),

		SnapshotErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshot_errors_total",
			Help: "Failed snapshot attempts",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Read-only query requests",
		}, []string{"endpoint", "status"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Outbound events dropped due to full publish channel",
		}),
	}
}
