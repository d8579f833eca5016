package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько заняло выделение ресурсов одного канала
	ProvisionDuration *prometheus.HistogramVec

	// Исходы провижининга по каналам
	ProvisionTotal *prometheus.CounterVec

	// Переходы конечного автомата агентов
	AgentTransitions *prometheus.CounterVec

	// Latency маршрутизации, включая доставку в бэкенд
	RouteDuration *prometheus.HistogramVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - закрыт, 1 - полуоткрыт, 2 - открыт)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера журнала коммуникаций (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		ProvisionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voca_provision_duration_seconds",
			Help:    "Histogram of per-channel provisioning latencies.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"channel_type", "outcome"}),

		ProvisionTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "voca_provision_total",
			Help: "Total number of channel provisioning attempts by outcome.",
		}, []string{"channel_type", "outcome"}),

		AgentTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "voca_agent_transitions_total",
			Help: "Total number of agent status transitions.",
		}, []string{"from", "to"}),

		RouteDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voca_route_duration_seconds",
			Help:    "Histogram of message routing latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"channel", "resolved_by", "status"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "voca_errors_total",
			Help: "Total number of errors by kind.",
		}, []string{"component", "kind"}), // kind: validation, conflict, upstream_timeout, upstream, agent_not_found

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "voca_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"backend"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "voca_audit_buffer_utilization",
			Help: "Current number of events in communication log buffer.",
		}),
	}
}
