package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Исходы операций управления: operation=submit_change|approve_change|..., outcome=applied|pending|rejected|...
	GovernanceOps *prometheus.CounterVec

	// Повторы read-modify-write после конфликта версий
	CASRetries *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		GovernanceOps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tguard_governance_operations_total",
			Help: "Governance operations by type and outcome.",
		}, []string{"operation", "outcome"}),

		CASRetries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tguard_cas_retries_total",
			Help: "Read-modify-write retries caused by version conflicts.",
		}, []string{"operation"}),
	}
}
