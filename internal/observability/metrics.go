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
			Namespace: "shadowd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin API requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shadowd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	reconcilePasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shadowd",
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Reconciliation passes by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)
	reconcilePassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shadowd",
			Subsystem: "reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Reconciliation pass duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"trigger"},
	)
	reconcileSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shadowd",
			Subsystem: "reconcile",
			Name:      "steps_total",
			Help:      "Executed plan steps by action and result.",
		},
		[]string{"action", "result"},
	)
	shadowDeltas = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shadowd",
			Subsystem: "shadow",
			Name:      "deltas_total",
			Help:      "Inbound shadow deltas by result.",
		},
		[]string{"result"},
	)
	shadowResyncs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shadowd",
			Subsystem: "shadow",
			Name:      "resyncs_total",
			Help:      "Full-document resynchronizations performed.",
		},
	)
	brokerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shadowd",
			Subsystem: "broker",
			Name:      "transitions_total",
			Help:      "Broker connectivity transitions by resulting state.",
		},
		[]string{"state"},
	)
	snapshotWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shadowd",
			Subsystem: "snapshot",
			Name:      "writes_total",
			Help:      "Snapshot persistence attempts by type and whether a write landed.",
		},
		[]string{"type", "written"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			reconcilePasses, reconcilePassDuration, reconcileSteps,
			shadowDeltas, shadowResyncs, brokerTransitions,
			snapshotWrites,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordReconcilePass(trigger, outcome string, duration time.Duration) {
	RegisterMetrics()
	reconcilePasses.WithLabelValues(trigger, outcome).Inc()
	reconcilePassDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

func RecordReconcileStep(action string, err error) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	reconcileSteps.WithLabelValues(action, result).Inc()
}

// RecordDelta counts one inbound delta; result is "accepted" or the wire
// rejection code.
func RecordDelta(result string) {
	RegisterMetrics()
	shadowDeltas.WithLabelValues(result).Inc()
}

func RecordResync() {
	RegisterMetrics()
	shadowResyncs.Inc()
}

func RecordBrokerTransition(connected bool) {
	RegisterMetrics()
	state := "disconnected"
	if connected {
		state = "connected"
	}
	brokerTransitions.WithLabelValues(state).Inc()
}

func RecordSnapshotWrite(snapType string, written bool) {
	RegisterMetrics()
	snapshotWrites.WithLabelValues(snapType, strconv.FormatBool(written)).Inc()
}
