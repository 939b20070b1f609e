package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

type Metrics struct {
	// Latency: сколько времени заняла оценка (включая чтение политик и открытие перевода)
	RequestDuration *prometheus.HistogramVec

	// Traffic: решения по действию и по тому, сработала ли политика или запрет по умолчанию
	Decisions *prometheus.CounterVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Переводы, поставленные в очередь на подтверждение
	TransactionsOpened prometheus.Counter

	// Saturation: состояние Circuit Breaker справочника (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: события, сброшенные при переполнении буфера журнала (backpressure)
	JournalDropped prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tguard_evaluate_duration_seconds",
			Help:    "Histogram of transfer evaluation latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"transport", "action"}),

		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tguard_decisions_total",
			Help: "Total number of transfer decisions.",
		}, []string{"action", "source"}), // source: policy | default

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tguard_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: invalid_request, transaction_store, unauthorized

		TransactionsOpened: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tguard_approval_transactions_opened_total",
			Help: "Transfers queued for quorum approval.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "tguard_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		JournalDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tguard_journal_dropped_total",
			Help: "Decision journal events dropped on buffer overflow.",
		}),
	}
}

// ObserveBreaker подходит как gobreaker OnStateChange.
func (m *Metrics) ObserveBreaker(name string, _, to gobreaker.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}
