package strategies

import "time"

// AdaptiveStrategy sizes batches from recent history:
//
//   - slower than the latency target: shrink in proportion to the overshoot
//   - queue well above its usual length: grow by 20%, at least one item
//   - items waiting close to the wait limit: shrink by 20%
//   - otherwise keep the recent average
//
// The result is always within [min, max]; with no history it is min.
type AdaptiveStrategy struct {
	minBatchSize  int
	maxBatchSize  int
	maxWait       time.Duration
	targetLatency time.Duration
}

func NewAdaptiveStrategy(minBatchSize, maxBatchSize int, maxWait, targetLatency time.Duration) *AdaptiveStrategy {
	if minBatchSize <= 0 {
		minBatchSize = 1
	}
	if maxBatchSize < minBatchSize {
		maxBatchSize = minBatchSize
	}
	return &AdaptiveStrategy{
		minBatchSize:  minBatchSize,
		maxBatchSize:  maxBatchSize,
		maxWait:       maxWait,
		targetLatency: targetLatency,
	}
}

func (s *AdaptiveStrategy) Name() string {
	return NameAdaptive
}

func (s *AdaptiveStrategy) TargetSize(queueLen int, m *StrategyMetrics) int {
	if m == nil || m.Samples == 0 {
		return s.minBatchSize
	}

	var size int
	switch {
	case s.targetLatency > 0 && m.AvgProcessing > s.targetLatency:
		size = int(m.AvgBatchSize * float64(s.targetLatency) / float64(m.AvgProcessing))
	case float64(queueLen) > m.AvgQueueLen*1.5:
		// At least one more than the average, or small sizes never grow.
		size = max(int(m.AvgBatchSize*1.2), int(m.AvgBatchSize)+1)
	case float64(m.AvgWait) > float64(s.maxWait)*0.8:
		size = int(m.AvgBatchSize * 0.8)
	default:
		size = int(m.AvgBatchSize)
	}
	return clampSize(size, s.minBatchSize, s.maxBatchSize)
}

func (s *AdaptiveStrategy) CalculateTimeout(int, *StrategyMetrics) time.Duration {
	return s.maxWait
}
