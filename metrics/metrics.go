// Package metrics holds the prometheus collectors for the loyalty engines.
// Collectors register with the default registry on init and are served by
// promhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	LedgerApplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_ledger_applies_total",
			Help: "Ledger applications by transaction type and outcome",
		},
		[]string{"type", "outcome"},
	)
	Redemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_redemptions_total",
			Help: "Redemption attempts by commit path and result",
		},
		[]string{"path", "result"},
	)
	Compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_compensations_total",
			Help: "Compensating actions issued after a partial failure",
		},
		[]string{"step", "result"},
	)
	StockDiscrepancies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loyalty_stock_discrepancies_total",
			Help: "Claims committed without their stock decrement",
		},
	)
	Reservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_checkout_reservations_total",
			Help: "Checkout discount reservation transitions",
		},
		[]string{"action", "result"},
	)
	Divergences = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loyalty_balance_divergences_total",
			Help: "Accounts whose counter disagreed with the transaction log",
		},
	)
)

func init() {
	prometheus.MustRegister(LedgerApplies)
	prometheus.MustRegister(Redemptions)
	prometheus.MustRegister(Compensations)
	prometheus.MustRegister(StockDiscrepancies)
	prometheus.MustRegister(Reservations)
	prometheus.MustRegister(Divergences)
}
