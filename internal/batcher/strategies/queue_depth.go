package strategies

import "time"

// QueueDepthStrategy keeps the sizing of its base strategy and shortens the
// formation wait linearly as the queue grows from the low to the high
// threshold.
type QueueDepthStrategy struct {
	base          Strategy
	lowThreshold  int
	highThreshold int
	minWait       time.Duration
	maxWait       time.Duration
}

func NewQueueDepthStrategy(base Strategy, lowThreshold, highThreshold int, minWait, maxWait time.Duration) *QueueDepthStrategy {
	return &QueueDepthStrategy{
		base:          base,
		lowThreshold:  lowThreshold,
		highThreshold: highThreshold,
		minWait:       minWait,
		maxWait:       maxWait,
	}
}

func (s *QueueDepthStrategy) Name() string {
	return NameQueueDepth
}

func (s *QueueDepthStrategy) TargetSize(queueLen int, m *StrategyMetrics) int {
	if s.base == nil {
		return 1
	}
	return s.base.TargetSize(queueLen, m)
}

func (s *QueueDepthStrategy) CalculateTimeout(queueLen int, _ *StrategyMetrics) time.Duration {
	if queueLen <= s.lowThreshold {
		return s.maxWait
	}
	if queueLen >= s.highThreshold || s.highThreshold <= s.lowThreshold {
		return s.minWait
	}

	ratio := float64(queueLen-s.lowThreshold) / float64(s.highThreshold-s.lowThreshold)
	wait := float64(s.maxWait) - ratio*float64(s.maxWait-s.minWait)
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait).Truncate(time.Millisecond)
}
