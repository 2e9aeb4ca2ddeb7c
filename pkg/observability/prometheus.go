package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalCollector *Collector
	collectorMutex  sync.Mutex
)

// Collector holds the Prometheus metrics scraped locally, alongside the
// CloudWatch metrics Metrics ships off-box: the same operation/queue/
// eviction surface, exposed on /metrics for local dashboards and alerting
// rules instead of a CloudWatch round trip.
type Collector struct {
	registry *prometheus.Registry

	OperationsTotal  *prometheus.CounterVec
	OperationSeconds *prometheus.HistogramVec
	ListenQueueDepth prometheus.Histogram
	ClientEvictions  prometheus.Counter
}

// NewCollector creates a Collector under the given namespace. A singleton,
// like the teacher's, so re-initializing the container in tests doesn't
// panic on duplicate registration.
func NewCollector(namespace string) *Collector {
	collectorMutex.Lock()
	defer collectorMutex.Unlock()

	if globalCollector != nil {
		return globalCollector
	}

	registry := prometheus.NewRegistry()

	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of endpoint operations, by operation and status.",
		},
		[]string{"operation", "status"},
	)

	operationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Endpoint operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	listenQueueDepth := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "listen_queue_depth",
			Help:      "Number of pending update rows returned per listen call.",
			Buckets:   prometheus.LinearBuckets(0, 5, 10),
		},
	)

	clientEvictions := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_evictions_total",
			Help:      "Total number of clients reclaimed by the listen TTL sweeper.",
		},
	)

	registry.MustRegister(operationsTotal, operationSeconds, listenQueueDepth, clientEvictions)

	globalCollector = &Collector{
		registry:         registry,
		OperationsTotal:  operationsTotal,
		OperationSeconds: operationSeconds,
		ListenQueueDepth: listenQueueDepth,
		ClientEvictions:  clientEvictions,
	}
	return globalCollector
}

// ResetForTesting clears the singleton so tests can build a fresh Collector.
func ResetForTesting() {
	collectorMutex.Lock()
	defer collectorMutex.Unlock()
	globalCollector = nil
}

// Registry returns the underlying registry for wiring a promhttp.Handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
