package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics exposes Prometheus collectors for the points economy engines.
type LedgerMetrics struct {
	Transactions *prometheus.CounterVec
	Rejections   *prometheus.CounterVec
	Commissions  prometheus.Counter
	WheelSpins   *prometheus.CounterVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// Ledger returns the lazily-initialised metrics registry used to record
// ledger and engine activity.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loyalty",
				Subsystem: "ledger",
				Name:      "transactions_total",
				Help:      "Total posted point transactions segmented by type.",
			}, []string{"type"}),
			Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loyalty",
				Subsystem: "engine",
				Name:      "rejections_total",
				Help:      "Total business rejections segmented by component and reason.",
			}, []string{"component", "reason"}),
			Commissions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loyalty",
				Subsystem: "referral",
				Name:      "commissions_total",
				Help:      "Total referral commissions created.",
			}),
			WheelSpins: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loyalty",
				Subsystem: "wheel",
				Name:      "spins_total",
				Help:      "Total lucky wheel spins segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.Transactions,
			ledgerRegistry.Rejections,
			ledgerRegistry.Commissions,
			ledgerRegistry.WheelSpins,
		)
	})
	return ledgerRegistry
}
