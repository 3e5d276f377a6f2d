package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: полный invokeAgent, включая работу агента в кабинке
	InvokeDuration *prometheus.HistogramVec

	// Traffic
	InvokeTotal *prometheus.CounterVec

	// Errors: config, budget, blocked, lifecycle, stream, timeout
	ErrorTotal *prometheus.CounterVec

	// Деньги: накопленный расход по агентам
	SpendTotal *prometheus.CounterVec

	// HITL: запросы и решения
	ApprovalsTotal *prometheus.CounterVec

	// Reaper: hibernated / removed / failed
	ReaperActions *prometheus.CounterVec

	// Saturation
	Cubicles            *prometheus.GaugeVec
	CircuitBreakerState prometheus.Gauge
	AuditBufferFill     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object: без регистратора метрики пишутся в никуда
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		InvokeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hermit_invoke_duration_seconds",
			Help:    "Histogram of agent invocation latencies.",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900},
		}, []string{"agent_id", "status"}),

		InvokeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hermit_invocations_total",
			Help: "Total number of agent invocations.",
		}, []string{"agent_id"}),

		ErrorTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hermit_errors_total",
			Help: "Total number of failed invocations by type.",
		}, []string{"type"}),

		SpendTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hermit_spend_usd_total",
			Help: "Accrued spend in USD.",
		}, []string{"agent_id"}),

		ApprovalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hermit_approvals_total",
			Help: "HITL approval requests and decisions.",
		}, []string{"status"}),

		ReaperActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hermit_reaper_actions_total",
			Help: "Reaper sweep outcomes.",
		}, []string{"action"}),

		Cubicles: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hermit_cubicles",
			Help: "Cubicles on the host by state.",
		}, []string{"state"}),

		CircuitBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "hermit_host_circuit_breaker_state",
			Help: "Container host circuit breaker (0=closed, 1=half-open, 2=open).",
		}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "hermit_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
