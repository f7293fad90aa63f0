package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	CounterChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "counter_checks_total",
			Help: "Fixed-window counter checks by tier and outcome.",
		},
		[]string{"tier", "allowed"},
	)

	CounterBackendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "counter_backend_errors_total",
			Help: "Counter backend failures that fell back to the in-process store.",
		},
		[]string{"backend"},
	)

	GuardDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_decisions_total",
			Help: "Guard evaluations by action, true decision and mode.",
		},
		[]string{"action", "decision", "mode"},
	)

	AbuseEventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abuse_events_dropped_total",
			Help: "Abuse events dropped because a writer buffer was full.",
		},
		[]string{"writer"},
	)

	RealtimeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Currently authenticated realtime connections.",
		},
	)

	RealtimeAuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_auth_failures_total",
			Help: "Rejected realtime handshakes by reason.",
		},
		[]string{"reason"},
	)

	RealtimeRoomJoinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_room_joins_total",
			Help: "Conversation join attempts by result.",
		},
		[]string{"result"},
	)

	RealtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Client events by name and result.",
		},
		[]string{"event", "result"},
	)

	RealtimeFanoutErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_fanout_errors_total",
			Help: "Cross-instance room publishes that failed.",
		},
	)
)

// MustRegister registers every collector with the default registry, adding a
// constant service label. Call once from main. Collectors work unregistered in
// tests.
func MustRegister(serviceName string) {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, prometheus.DefaultRegisterer)
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		CounterChecksTotal,
		CounterBackendErrorsTotal,
		GuardDecisionsTotal,
		AbuseEventsDroppedTotal,
		RealtimeConnections,
		RealtimeAuthFailuresTotal,
		RealtimeRoomJoinsTotal,
		RealtimeEventsTotal,
		RealtimeFanoutErrorsTotal,
	)
}
