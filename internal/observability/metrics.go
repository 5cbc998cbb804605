package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TollLedger.
// Every component accepts a nil *Metrics and skips recording.
type Metrics struct {
	// --- Pipeline ---
	ScansProcessed   *prometheus.CounterVec
	ScanLinesIgnored prometheus.Counter
	DecisionDuration prometheus.Histogram
	AckFailures      prometheus.Counter

	// --- Ledger ---
	LedgerMutations     *prometheus.CounterVec
	LedgerPersistErrors *prometheus.CounterVec
	LedgerPersistRetry  prometheus.Counter
	LedgerDirty         prometheus.Gauge
	LedgerAccounts      prometheus.Gauge
	SnapshotDuration    prometheus.Histogram
	SnapshotSizeBytes   prometheus.Gauge

	// --- Event log ---
	LogRecordsWritten prometheus.Counter
	LogWriteFailures  *prometheus.CounterVec
	LogQueueDrops     prometheus.Counter
	LogBatchSize      prometheus.Histogram
	PublishDrops      prometheus.Counter

	// --- Link ---
	LinkConnected  prometheus.Gauge
	LinkReconnects prometheus.Counter

	// --- HTTP ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	persistBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
	}

	return &Metrics{
		ScansProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_scans_processed_total",
			Help: "Scan events processed, by decision outcome",
		}, []string{"outcome"}),

		ScanLinesIgnored: factory.NewCounter(prometheus.CounterOpts{
			Name: "toll_scan_lines_ignored_total",
			Help: "Link lines without the scan marker",
		}),

		DecisionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "toll_decision_duration_seconds",
			Help:    "Scan received to decision derived, including the ledger write",
			Buckets: persistBuckets,
		}),

		AckFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "toll_ack_failures_total",
			Help: "Acknowledgment tokens that could not be written to the link",
		}),

		LedgerMutations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_ledger_mutations_total",
			Help: "Ledger operations, by operation and result",
		}, []string{"op", "result"}),

		LedgerPersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_ledger_persist_errors_total",
			Help: "Snapshot write failures, by operation",
		}, []string{"op"}),

		LedgerPersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "toll_ledger_persist_retries_total",
			Help: "Snapshot write retries after a failed debit write",
		}),

		LedgerDirty: factory.NewGauge(prometheus.GaugeOpts{
			Name: "toll_ledger_dirty",
			Help: "1 when in-memory balances are ahead of the snapshot on disk",
		}),

		LedgerAccounts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "toll_ledger_accounts",
			Help: "Accounts held in the ledger",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "toll_snapshot_write_duration_seconds",
			Help:    "Time to durably write the balance snapshot",
			Buckets: persistBuckets,
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "toll_snapshot_size_bytes",
			Help: "Size of the last written snapshot",
		}),

		LogRecordsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "toll_log_records_written_total",
			Help: "Decisions appended to the event log store",
		}),

		LogWriteFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_log_write_failures_total",
			Help: "Event log append failures, by stage",
		}, []string{"stage"}),

		LogQueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "toll_log_queue_drops_total",
			Help: "Decisions dropped because the log queue was full",
		}),

		LogBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "toll_log_batch_size",
			Help:    "Decisions per event log flush",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "toll_publish_drops_total",
			Help: "Decisions not published because the publish queue was full",
		}),

		LinkConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "toll_link_connected",
			Help: "1 while the hardware link is open",
		}),

		LinkReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "toll_link_reconnects_total",
			Help: "Hardware link open attempts after a failure",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "toll_http_requests_total",
			Help: "HTTP requests, by method, route and status",
		}, []string{"method", "route", "status"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toll_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
	}
}

// BoolGauge converts a flag into a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
