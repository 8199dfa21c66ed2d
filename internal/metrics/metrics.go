package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	TransfersProcessed *prometheus.CounterVec
	GuardHolds         *prometheus.CounterVec
	CascadeOutcomes    *prometheus.CounterVec
	SagaSteps          *prometheus.CounterVec
	RetryResubmissions prometheus.Counter
	RetriesExhausted   prometheus.Counter
	OutboxRelayed      *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPLatency        *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TransfersProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xypay_transfers_processed_total",
			Help: "Transfers finalized by the processor",
		}, []string{"status", "code"}),
		GuardHolds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xypay_guard_holds_total",
			Help: "Transfers held pending a security verification",
		}, []string{"guard"}),
		CascadeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xypay_cascade_outcomes_total",
			Help: "Cascading effect executions",
		}, []string{"effect", "outcome"}),
		SagaSteps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xypay_saga_steps_total",
			Help: "Saga steps executed",
		}, []string{"saga_type", "step", "status"}),
		RetryResubmissions: f.NewCounter(prometheus.CounterOpts{
			Name: "xypay_retry_resubmissions_total",
			Help: "Failed transfers resubmitted by the retry scanner",
		}),
		RetriesExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "xypay_retries_exhausted_total",
			Help: "Transfers that reached the retry limit",
		}),
		OutboxRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xypay_outbox_relayed_total",
			Help: "Outbox messages relayed to the broker",
		}, []string{"topic", "result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "xypay_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xypay_http_request_duration_seconds",
			Help:    "Request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
