package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// UpstreamCalls counts calls to the optimization and persistence services by outcome
	UpstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "upstream_calls_total", Help: "Upstream calls by service, operation and outcome."},
		[]string{"service", "op", "outcome"},
	)
	// UpstreamLatency tracks upstream call latencies in seconds
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "upstream_call_duration_seconds", Help: "Upstream call latency in seconds.", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}},
		[]string{"service", "op"},
	)

	// WorkflowTransitions counts step changes of route creation sessions
	WorkflowTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "workflow_transitions_total", Help: "Workflow step transitions."},
		[]string{"from", "to"},
	)
	// WorkflowRejections counts forward/backward actions refused by a precondition
	WorkflowRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "workflow_rejections_total", Help: "Workflow actions rejected by step preconditions."},
		[]string{"step", "reason"},
	)
	// StaleResponses counts completions dropped by the stale-response guard
	StaleResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "workflow_stale_responses_total", Help: "Late upstream responses discarded."},
		[]string{"step"},
	)
	// DataQualityIssues counts transformer findings by code
	DataQualityIssues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_data_quality_issues_total", Help: "Data-quality issues found while transforming routes."},
		[]string{"code"},
	)
	// GeocodeResolutions counts reverse geocode outcomes by source
	GeocodeResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geocode_resolutions_total", Help: "Reverse geocode resolutions by source."},
		[]string{"source"},
	)
	// WebhookDeliveries counts lifecycle webhook attempts by event and outcome
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Lifecycle webhook delivery attempts."},
		[]string{"event", "outcome"},
	)
	// ActiveSessions is the number of open workflow sessions
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "workflow_active_sessions", Help: "Open route creation sessions."},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(UpstreamCalls)
		Registry.MustRegister(UpstreamLatency)
		Registry.MustRegister(WorkflowTransitions)
		Registry.MustRegister(WorkflowRejections)
		Registry.MustRegister(StaleResponses)
		Registry.MustRegister(DataQualityIssues)
		Registry.MustRegister(GeocodeResolutions)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(ActiveSessions)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterDefault()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveUpstream records one upstream call. Pass the call's start time.
func ObserveUpstream(service, op, outcome string, start time.Time) {
	UpstreamCalls.WithLabelValues(service, op, outcome).Inc()
	UpstreamLatency.WithLabelValues(service, op).Observe(time.Since(start).Seconds())
}
