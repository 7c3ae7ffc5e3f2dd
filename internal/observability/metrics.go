package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threadlock",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "threadlock",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	ingressEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "threadlock",
			Subsystem: "http",
			Name:      "ingress_events_total",
			Help:      "Events accepted through POST /events.",
		},
	)
	feedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threadlock",
			Subsystem: "feed",
			Name:      "events_total",
			Help:      "Normalized feed events by type.",
		},
		[]string{"type"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threadlock",
			Subsystem: "gate",
			Name:      "commands_total",
			Help:      "Prefixed chat commands by verb and outcome.",
		},
		[]string{"verb", "outcome"},
	)
	drifts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threadlock",
			Subsystem: "reconcile",
			Name:      "drift_total",
			Help:      "Attribute changes that diverged from the locked value.",
		},
		[]string{"kind"},
	)
	reverts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threadlock",
			Subsystem: "reconcile",
			Name:      "reverts_total",
			Help:      "Corrective mutations by kind and result.",
		},
		[]string{"kind", "result"},
	)
	revertDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "threadlock",
			Subsystem: "reconcile",
			Name:      "revert_duration_seconds",
			Help:      "Remote call duration of corrective mutations.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	rolloutSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threadlock",
			Subsystem: "rollout",
			Name:      "steps_total",
			Help:      "Nickname rollout steps by result.",
		},
		[]string{"result"},
	)
	persistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threadlock",
			Subsystem: "locks",
			Name:      "persistence_failures_total",
			Help:      "Registry flushes that failed to reach durable storage.",
		},
		[]string{"kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			ingressEvents,
			feedEvents,
			commands,
			drifts,
			reverts,
			revertDuration,
			rolloutSteps,
			persistenceFailures,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordIngressEvents(n int) {
	RegisterMetrics()
	ingressEvents.Add(float64(n))
}

func RecordFeedEvent(eventType string) {
	RegisterMetrics()
	feedEvents.WithLabelValues(eventType).Inc()
}

func RecordCommand(verb, outcome string) {
	RegisterMetrics()
	commands.WithLabelValues(verb, outcome).Inc()
}

func RecordDrift(kind string) {
	RegisterMetrics()
	drifts.WithLabelValues(kind).Inc()
}

func RecordRevert(kind string, success bool, duration time.Duration) {
	RegisterMetrics()
	reverts.WithLabelValues(kind, resultLabel(success)).Inc()
	revertDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordRolloutStep(success bool) {
	RegisterMetrics()
	rolloutSteps.WithLabelValues(resultLabel(success)).Inc()
}

func RecordPersistenceFailure(kind string) {
	RegisterMetrics()
	persistenceFailures.WithLabelValues(kind).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
