package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestsTotal counts every chat-bridge HTTP request by endpoint and
// outcome status.
var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "rave",
		Subsystem: "bridge",
		Name:      "requests_total",
		Help:      "Total number of chat bridge HTTP requests.",
	},
	[]string{"endpoint", "status"},
)

// HTTPRequestDuration observes request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "rave",
		Subsystem: "bridge",
		Name:      "request_duration_seconds",
		Help:      "Chat bridge HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// CommandsTotal counts parsed chat commands by name and outcome.
var CommandsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "rave",
		Subsystem: "bridge",
		Name:      "commands_total",
		Help:      "Total number of chat commands processed.",
	},
	[]string{"command", "status", "user"},
)

// AuthFailuresTotal counts identity validation failures by reason.
var AuthFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "rave",
		Subsystem: "bridge",
		Name:      "auth_failures_total",
		Help:      "Total number of chat bridge authentication failures.",
	},
	[]string{"reason"},
)

// SystemdOperationsTotal counts agent controller operations.
var SystemdOperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "rave",
		Subsystem: "agent",
		Name:      "systemd_operations_total",
		Help:      "Total number of systemd unit operations performed by the agent controller.",
	},
	[]string{"operation", "agent", "status"},
)

// All returns every RAVE metric for registration with a prometheus.Registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CommandsTotal,
		AuthFailuresTotal,
		SystemdOperationsTotal,
	}
}
