package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinepay_sync_rows_total",
		Help: "Offline transactions processed by sync, by outcome",
	}, []string{"status", "reason"})

	syncBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinepay_sync_batches_total",
		Help: "Offline sync batches, by batch-level outcome",
	}, []string{"outcome"})

	reconcileMismatch = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offlinepay_reconcile_mismatch_total",
		Help: "Settlement passes whose accepted total differed from credited ledger total",
	})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offlinepay_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "route"})
)

// SyncRow counts one per-transaction outcome.
func SyncRow(status, reason string) {
	syncRows.WithLabelValues(status, reason).Inc()
}

// SyncBatch counts one batch; outcome is "processed" or the batch-level
// rejection reason.
func SyncBatch(outcome string) {
	syncBatches.WithLabelValues(outcome).Inc()
}

// ReconcileMismatch counts a settlement pass that flagged a mismatch.
func ReconcileMismatch() {
	reconcileMismatch.Inc()
}

// HTTP records request latency by matched route.
func HTTP() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		httpLatency.WithLabelValues(c.Method(), c.Route().Path).Observe(time.Since(start).Seconds())
		return err
	}
}
