package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.AdmissionDecision("translate", false)
		c.AdmissionBuckets(3)
		c.ObserveBatch("translation", 4, time.Millisecond, time.Millisecond, true)
		c.BatchTypeGauges("translation", 1, 2, 3)
		c.AwaitOutcome("translation", "timeout")
		c.ResultsPurged("translation", 2)
		c.PipelineRequest("translation", "ok")
		c.CacheHit()
		c.CacheMiss()
		c.CacheEvicted(1)
		c.CacheExpired(1)
		c.CacheSize(1, 10)
	})
}

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("test", reg)

	c.AdmissionDecision("translate", true)
	c.AdmissionDecision("translate", false)
	c.AdmissionDecision("translate", false)
	c.ObserveBatch("translation", 8, 20*time.Millisecond, 5*time.Millisecond, true)
	c.BatchTypeGauges("translation", 3, 8, 16)
	c.CacheHit()
	c.CacheSize(2, 2048)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.admissionDecisions.WithLabelValues("translate", "allowed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.admissionDecisions.WithLabelValues("translate", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batchFailures.WithLabelValues("translation")))
	assert.Equal(t, 16.0, testutil.ToFloat64(c.targetBatchSize.WithLabelValues("translation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheHits))
	assert.Equal(t, 2048.0, testutil.ToFloat64(c.cacheBytes))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
