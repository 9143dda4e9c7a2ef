// Package metrics holds the prometheus collectors shared by the admission,
// batching and cache layers. A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	admissionDecisions *prometheus.CounterVec
	admissionBuckets   prometheus.Gauge

	batchSize        *prometheus.HistogramVec
	batchDuration    *prometheus.HistogramVec
	queueWait        *prometheus.HistogramVec
	queueDepth       *prometheus.GaugeVec
	inFlight         *prometheus.GaugeVec
	targetBatchSize  *prometheus.GaugeVec
	batchFailures    *prometheus.CounterVec
	awaitOutcomes    *prometheus.CounterVec
	resultsPurged    *prometheus.CounterVec
	pipelineRequests *prometheus.CounterVec

	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheEvictions   prometheus.Counter
	cacheExpirations prometheus.Counter
	cacheItems       prometheus.Gauge
	cacheBytes       prometheus.Gauge
}

// NewCollector registers all collectors on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	c := &Collector{}

	c.admissionDecisions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by category and outcome",
		},
		[]string{"category", "decision"},
	)
	c.admissionBuckets = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "buckets",
		Help:      "Live token buckets",
	})

	c.batchSize = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "batch_size",
			Help:      "Items per dispatched batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		},
		[]string{"batch_type"},
	)
	c.batchDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "processing_seconds",
			Help:      "Backend processing time per batch",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"batch_type"},
	)
	c.queueWait = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "queue_wait_seconds",
			Help:      "Mean time items of a batch spent queued",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"batch_type"},
	)
	c.queueDepth = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "queue_depth",
			Help:      "Queued items per batch type",
		},
		[]string{"batch_type"},
	)
	c.inFlight = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "in_flight",
			Help:      "Items dispatched to the backend and not yet published",
		},
		[]string{"batch_type"},
	)
	c.targetBatchSize = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "target_batch_size",
			Help:      "Current adaptive target batch size",
		},
		[]string{"batch_type"},
	)
	c.batchFailures = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "batch_failures_total",
			Help:      "Batches whose backend call failed as a whole",
		},
		[]string{"batch_type"},
	)
	c.awaitOutcomes = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "await_total",
			Help:      "Await calls by outcome",
		},
		[]string{"batch_type", "outcome"},
	)
	c.resultsPurged = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "results_purged_total",
			Help:      "Unread results dropped after the result TTL",
		},
		[]string{"batch_type"},
	)
	c.pipelineRequests = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Pipeline requests by batch type and outcome",
		},
		[]string{"batch_type", "outcome"},
	)

	c.cacheHits = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "hits_total", Help: "Cache hits",
	})
	c.cacheMisses = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "misses_total", Help: "Cache misses",
	})
	c.cacheEvictions = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "evictions_total", Help: "Entries evicted under memory or count pressure",
	})
	c.cacheExpirations = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "expirations_total", Help: "Entries removed after their TTL",
	})
	c.cacheItems = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "items", Help: "Entries currently cached",
	})
	c.cacheBytes = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "memory_bytes", Help: "Tracked size of cached values",
	})

	return c
}

func (c *Collector) AdmissionDecision(category string, allowed bool) {
	if c == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	c.admissionDecisions.WithLabelValues(category, decision).Inc()
}

func (c *Collector) AdmissionBuckets(n int) {
	if c == nil {
		return
	}
	c.admissionBuckets.Set(float64(n))
}

// ObserveBatch records one completed batch.
func (c *Collector) ObserveBatch(batchType string, size int, processing, wait time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.batchSize.WithLabelValues(batchType).Observe(float64(size))
	c.batchDuration.WithLabelValues(batchType).Observe(processing.Seconds())
	c.queueWait.WithLabelValues(batchType).Observe(wait.Seconds())
	if failed {
		c.batchFailures.WithLabelValues(batchType).Inc()
	}
}

func (c *Collector) BatchTypeGauges(batchType string, queueDepth, inFlight, target int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(batchType).Set(float64(queueDepth))
	c.inFlight.WithLabelValues(batchType).Set(float64(inFlight))
	c.targetBatchSize.WithLabelValues(batchType).Set(float64(target))
}

func (c *Collector) AwaitOutcome(batchType, outcome string) {
	if c == nil {
		return
	}
	c.awaitOutcomes.WithLabelValues(batchType, outcome).Inc()
}

func (c *Collector) ResultsPurged(batchType string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.resultsPurged.WithLabelValues(batchType).Add(float64(n))
}

func (c *Collector) PipelineRequest(batchType, outcome string) {
	if c == nil {
		return
	}
	c.pipelineRequests.WithLabelValues(batchType, outcome).Inc()
}

func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

func (c *Collector) CacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Inc()
}

func (c *Collector) CacheEvicted(n int) {
	if c == nil || n == 0 {
		return
	}
	c.cacheEvictions.Add(float64(n))
}

func (c *Collector) CacheExpired(n int) {
	if c == nil || n == 0 {
		return
	}
	c.cacheExpirations.Add(float64(n))
}

func (c *Collector) CacheSize(items int, bytes int64) {
	if c == nil {
		return
	}
	c.cacheItems.Set(float64(items))
	c.cacheBytes.Set(float64(bytes))
}
