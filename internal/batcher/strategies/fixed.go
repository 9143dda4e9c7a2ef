package strategies

import "time"

type FixedStrategy struct {
	maxWait      time.Duration
	maxBatchSize int
}

func NewFixedStrategy(maxWait time.Duration, maxBatchSize int) *FixedStrategy {
	return &FixedStrategy{
		maxWait:      maxWait,
		maxBatchSize: maxBatchSize,
	}
}

func (s *FixedStrategy) Name() string {
	return NameFixed
}

func (s *FixedStrategy) TargetSize(int, *StrategyMetrics) int {
	return s.maxBatchSize
}

func (s *FixedStrategy) CalculateTimeout(int, *StrategyMetrics) time.Duration {
	return s.maxWait
}
