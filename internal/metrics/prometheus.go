// Package metrics exposes run counters over Prometheus. Registration is
// unconditional; the HTTP listener only starts when an address is configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus series the tool writes.
type Metrics struct {
	// TxTotal counts transactions by lifecycle status and run mode.
	TxTotal *prometheus.CounterVec

	// FundedAccounts counts sub-accounts topped up by the distributor.
	FundedAccounts prometheus.Counter

	// RunTPS carries the average TPS of the last completed run.
	RunTPS prometheus.Gauge

	// PendingTxs carries the node's pool depth at the last check.
	PendingTxs prometheus.Gauge

	// BatchLatency tracks round trips of eth_sendRawTransaction batches.
	BatchLatency prometheus.Histogram
}

// New creates and registers all metrics. A nil registerer falls back to the
// Prometheus default.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pandoras_transactions_total",
				Help: "Transactions by lifecycle status and run mode",
			},
			[]string{"status", "mode"},
		),

		FundedAccounts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pandoras_funded_accounts_total",
				Help: "Sub-accounts topped up by the distributor",
			},
		),

		RunTPS: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pandoras_run_tps",
				Help: "Average TPS of the last completed run",
			},
		),

		PendingTxs: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pandoras_pending_transactions",
				Help: "Transactions in the node's pool at the last check",
			},
		),

		BatchLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pandoras_batch_latency_seconds",
				Help:    "Round-trip latency of eth_sendRawTransaction batches",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
	}
}

// RecordSigned records n signed transactions.
func (m *Metrics) RecordSigned(mode string, n int) {
	m.TxTotal.WithLabelValues("signed", mode).Add(float64(n))
}

// RecordSubmitted records n accepted transactions.
func (m *Metrics) RecordSubmitted(mode string, n int) {
	m.TxTotal.WithLabelValues("submitted", mode).Add(float64(n))
}

// RecordFailed records n rejected or lost transactions.
func (m *Metrics) RecordFailed(mode string, n int) {
	m.TxTotal.WithLabelValues("failed", mode).Add(float64(n))
}

// RecordFundedAccounts records n topped-up sub-accounts.
func (m *Metrics) RecordFundedAccounts(n int) {
	m.FundedAccounts.Add(float64(n))
}

// ObserveBatch records one batch round trip.
func (m *Metrics) ObserveBatch(seconds float64) {
	m.BatchLatency.Observe(seconds)
}

// SetRunTPS updates the last-run TPS gauge.
func (m *Metrics) SetRunTPS(tps float64) {
	m.RunTPS.Set(tps)
}

// SetPendingTxs updates the pool depth gauge.
func (m *Metrics) SetPendingTxs(count uint64) {
	m.PendingTxs.Set(float64(count))
}
