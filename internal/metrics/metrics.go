package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devsvc"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service spawns.",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stop requests, by number of processes signalled.",
		}, []string{"service"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "spawn_failures_total",
			Help:      "Number of failed service starts, by reason.",
		}, []string{"service", "reason"},
	)
	unexpectedExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "unexpected_exits_total",
			Help:      "Number of service exits that were not requested.",
		}, []string{"service"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "health_checks_total",
			Help:      "Number of health checks, by result.",
		}, []string{"service", "result"},
	)
	healthLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "health_check_duration_seconds",
			Help:      "Latency of health check requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	serviceStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "status",
			Help:      "Current status of services (1 = in this status, 0 = not).",
		}, []string{"service", "status"},
	)
	servicePort = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "port",
			Help:      "Port currently assigned to a service, 0 when none.",
		}, []string{"service"},
	)

	batchItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "items_total",
			Help:      "Number of processed batch items, by outcome.",
		}, []string{"batch_type", "outcome"},
	)
	batchItemDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "item_duration_seconds",
			Help:      "Time spent processing one batch item including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"batch_type"},
	)
	batchRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "retries_total",
			Help:      "Number of item retry attempts.",
		}, []string{"batch_type"},
	)
	batchesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "finished_total",
			Help:      "Number of batches that reached a final status.",
		}, []string{"batch_type", "status"},
	)
	batchInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "items_in_flight",
			Help:      "Batch items currently being processed.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, spawnFailures, unexpectedExits, healthChecks, healthLatency,
		serviceStatus, servicePort, batchItems, batchItemDuration, batchRetries, batchesFinished, batchInFlight,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
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

// Enabled reports whether Register succeeded.
func Enabled() bool { return regOK.Load() }

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncStop(service string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service).Inc()
	}
}

func IncSpawnFailure(service, reason string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(service, reason).Inc()
	}
}

func IncUnexpectedExit(service string) {
	if regOK.Load() {
		unexpectedExits.WithLabelValues(service).Inc()
	}
}

func ObserveHealthCheck(service string, healthy bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	healthChecks.WithLabelValues(service, result).Inc()
	healthLatency.WithLabelValues(service).Observe(seconds)
}

var serviceStatuses = []string{"starting", "active", "inactive", "error"}

// SetServiceStatus sets the status gauge of service to 1 for status and 0 for
// every other known status.
func SetServiceStatus(service, status string) {
	if !regOK.Load() {
		return
	}
	for _, s := range serviceStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		serviceStatus.WithLabelValues(service, s).Set(v)
	}
}

func SetServicePort(service string, port int) {
	if regOK.Load() {
		servicePort.WithLabelValues(service).Set(float64(port))
	}
}

func ObserveBatchItem(batchType, outcome string, seconds float64) {
	if !regOK.Load() {
		return
	}
	batchItems.WithLabelValues(batchType, outcome).Inc()
	batchItemDuration.WithLabelValues(batchType).Observe(seconds)
}

func IncBatchRetry(batchType string) {
	if regOK.Load() {
		batchRetries.WithLabelValues(batchType).Inc()
	}
}

func IncBatchFinished(batchType, status string) {
	if regOK.Load() {
		batchesFinished.WithLabelValues(batchType, status).Inc()
	}
}

func AddInFlight(delta float64) {
	if regOK.Load() {
		batchInFlight.Add(delta)
	}
}
