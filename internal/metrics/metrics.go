package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker spawns.",
		}, []string{"worker"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of worker exits (graceful or kill).",
		}, []string{"worker"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Subsystem: "worker",
			Name:      "scheduled_restarts_total",
			Help:      "Number of automatic restarts scheduled by the backoff policy.",
		}, []string{"worker"},
	)
	validationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Subsystem: "worker",
			Name:      "validation_failures_total",
			Help:      "Number of spawn attempts rejected by the command validator.",
		}, []string{"worker"},
	)
	nonRetryableErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Subsystem: "worker",
			Name:      "nonretryable_errors_total",
			Help:      "Number of exits classified as non-retryable.",
		}, []string{"worker"},
	)
	workerUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mcpbridge",
			Subsystem: "worker",
			Name:      "up",
			Help:      "Whether the worker process is currently running (1/0).",
		}, []string{"worker"},
	)

	bufferOverflows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Subsystem: "bridge",
			Name:      "buffer_overflows_total",
			Help:      "Number of stream-buffer cap breaches.",
		}, []string{"worker"},
	)
	requestTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpbridge",
			Subsystem: "bridge",
			Name:      "request_timeouts_total",
			Help:      "Number of JSON-RPC requests that timed out.",
		}, []string{"worker"},
	)
	pendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mcpbridge",
			Subsystem: "bridge",
			Name:      "pending_requests",
			Help:      "In-flight JSON-RPC requests per worker.",
		}, []string{"worker"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mcpbridge",
			Subsystem: "bridge",
			Name:      "request_duration_seconds",
			Help:      "Latency of resolved JSON-RPC requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker", "method"},
	)
)

// Register registers all metrics with the provided registerer. Safe to call
// multiple times; calls after the first success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	collectors := []prometheus.Collector{
		workerStarts, workerStops, workerRestarts, validationFailures,
		nonRetryableErrors, workerUp, bufferOverflows, requestTimeouts,
		pendingRequests, requestDuration,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler exposes the default registry for the /metrics endpoint.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(worker string)             { workerStarts.WithLabelValues(worker).Inc() }
func IncStop(worker string)              { workerStops.WithLabelValues(worker).Inc() }
func IncScheduledRestart(worker string)  { workerRestarts.WithLabelValues(worker).Inc() }
func IncValidationFailure(worker string) { validationFailures.WithLabelValues(worker).Inc() }
func IncNonRetryable(worker string)      { nonRetryableErrors.WithLabelValues(worker).Inc() }
func IncBufferOverflow(worker string)    { bufferOverflows.WithLabelValues(worker).Inc() }
func IncRequestTimeout(worker string)    { requestTimeouts.WithLabelValues(worker).Inc() }

func SetWorkerUp(worker string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	workerUp.WithLabelValues(worker).Set(v)
}

func AddPending(worker string, delta float64) {
	pendingRequests.WithLabelValues(worker).Add(delta)
}

func ObserveRequestDuration(worker, method string, seconds float64) {
	requestDuration.WithLabelValues(worker, method).Observe(seconds)
}
