package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botlink",
			Subsystem: "wire",
			Name:      "frames_received_total",
			Help:      "Frames decoded from the host, by message kind.",
		},
		[]string{"kind"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botlink",
			Subsystem: "wire",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames or messages dropped without delivery.",
		},
		[]string{"reason"},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botlink",
			Subsystem: "wire",
			Name:      "messages_sent_total",
			Help:      "Messages written to the host, by message kind.",
		},
		[]string{"kind"},
	)
	fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botlink",
			Subsystem: "agent",
			Name:      "fallbacks_total",
			Help:      "Fallback actions sent in place of a late decision.",
		},
		[]string{"agent", "policy"},
	)
	budgetViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botlink",
			Subsystem: "agent",
			Name:      "budget_violations_total",
			Help:      "Ticks where an agent missed its decision budget.",
		},
		[]string{"agent"},
	)
	agentFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botlink",
			Subsystem: "agent",
			Name:      "faults_total",
			Help:      "Agents moved to the faulted state.",
		},
		[]string{"agent", "cause"},
	)
	decideDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "botlink",
			Subsystem: "agent",
			Name:      "decide_duration_seconds",
			Help:      "Wall time of completed agent decisions.",
			Buckets:   []float64{0.0005, 0.001, 0.002, 0.004, 0.008, 0.016, 0.032, 0.064},
		},
		[]string{"agent"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "botlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesReceived,
			framesDropped,
			messagesSent,
			fallbacks,
			budgetViolations,
			agentFaults,
			decideDuration,
			httpRequests,
			httpDuration,
		)
	})
}

// Drop reasons recorded by RecordFrameDropped.
const (
	DropMalformed = "malformed"
	DropOversize  = "oversize"
	DropSchema    = "schema"
	DropUnknown   = "unknown_kind"
	DropInboxFull = "inbox_full"
	DropNoTarget  = "no_target"
	DropStale     = "stale_snapshot"
)

func RecordFrameReceived(kind string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(kind).Inc()
}

func RecordFrameDropped(reason string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(reason).Inc()
}

func RecordMessageSent(kind string) {
	RegisterMetrics()
	messagesSent.WithLabelValues(kind).Inc()
}

func RecordFallback(agent, policy string) {
	RegisterMetrics()
	fallbacks.WithLabelValues(agent, policy).Inc()
}

func RecordBudgetViolation(agent string) {
	RegisterMetrics()
	budgetViolations.WithLabelValues(agent).Inc()
}

func RecordAgentFault(agent, cause string) {
	RegisterMetrics()
	agentFaults.WithLabelValues(agent, cause).Inc()
}

func ObserveDecide(agent string, d time.Duration) {
	RegisterMetrics()
	decideDuration.WithLabelValues(agent).Observe(d.Seconds())
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
