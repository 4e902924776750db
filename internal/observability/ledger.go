package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-ledger/internal/sales"
)

// LedgerMetrics counts saga outcomes and the ledger's out-of-band signals.
// It satisfies both ledger.Observer and sales.Observer.
type LedgerMetrics struct {
	sagas     *prometheus.CounterVec
	rollbacks prometheus.Counter
	restores  prometheus.Counter
	shortfall prometheus.Counter
}

// NewLedgerMetrics registers the collectors against registerer.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		sagas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_sale_saga_total",
			Help: "Sale saga runs by operation and outcome.",
		}, []string{"operation", "outcome"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_ledger_rollback_failures_total",
			Help: "Lot restores that failed during compensation and need manual correction.",
		}),
		restores: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_ledger_rollback_failed_units_total",
			Help: "Units left unrestored by failed compensation.",
		}),
		shortfall: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_ledger_shortfall_units_total",
			Help: "Units sold without a lot to draw from.",
		}),
	}
	registerer.MustRegister(m.sagas, m.rollbacks, m.restores, m.shortfall)
	for _, op := range []string{"record", "update", "delete"} {
		for _, outcome := range []sales.Outcome{sales.Committed, sales.CompensatedFailure, sales.UncompensatedFailure} {
			m.sagas.WithLabelValues(op, string(outcome))
		}
	}
	return m
}

// SagaFinished counts one saga run.
func (m *LedgerMetrics) SagaFinished(operation string, outcome sales.Outcome) {
	if m == nil {
		return
	}
	m.sagas.WithLabelValues(operation, string(outcome)).Inc()
}

// RollbackFailed counts a lot restore that did not apply.
func (m *LedgerMetrics) RollbackFailed(_, quantity int64) {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
	m.restores.Add(float64(quantity))
}

// Shortfall counts units consumed beyond the available lots.
func (m *LedgerMetrics) Shortfall(_, units int64) {
	if m == nil || units <= 0 {
		return
	}
	m.shortfall.Add(float64(units))
}
