package strategies

import "time"

const (
	minLatencyAwareTimeout = 1 * time.Millisecond
	maxLatencyAwareTimeout = 5 * time.Second
)

// LatencyAwareStrategy waits less when batches run over the latency target
// and longer when they finish well under it.
type LatencyAwareStrategy struct {
	base          Strategy
	targetLatency time.Duration
}

func NewLatencyAwareStrategy(base Strategy, targetLatency time.Duration) *LatencyAwareStrategy {
	return &LatencyAwareStrategy{
		base:          base,
		targetLatency: targetLatency,
	}
}

func (s *LatencyAwareStrategy) Name() string {
	return NameLatencyAware
}

func (s *LatencyAwareStrategy) TargetSize(queueLen int, m *StrategyMetrics) int {
	if s.base == nil {
		return 1
	}
	return s.base.TargetSize(queueLen, m)
}

func (s *LatencyAwareStrategy) CalculateTimeout(queueLen int, m *StrategyMetrics) time.Duration {
	if s.base == nil {
		return 0
	}

	baseTimeout := s.base.CalculateTimeout(queueLen, m)
	adjusted := baseTimeout

	if m != nil && m.Samples > 0 && s.targetLatency > 0 {
		target := float64(s.targetLatency)
		observed := float64(m.AvgProcessing)
		if observed > target*1.1 {
			adjusted = time.Duration(float64(baseTimeout) * 0.8)
		} else if observed < target*0.8 {
			adjusted = time.Duration(float64(baseTimeout) * 1.2)
		}
	}

	if adjusted < minLatencyAwareTimeout {
		return minLatencyAwareTimeout
	}
	if adjusted > maxLatencyAwareTimeout {
		return maxLatencyAwareTimeout
	}
	return adjusted
}
