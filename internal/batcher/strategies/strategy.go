package strategies

import (
	"fmt"
	"time"
)

// Strategy decides how many items the next batch of a type should take and
// how long formation may wait for them.
type Strategy interface {
	Name() string
	TargetSize(queueLen int, metrics *StrategyMetrics) int
	CalculateTimeout(queueLen int, metrics *StrategyMetrics) time.Duration
}

// StrategyMetrics are the window means for one batch type.
type StrategyMetrics struct {
	AvgBatchSize  float64
	AvgProcessing time.Duration
	AvgWait       time.Duration
	AvgQueueLen   float64
	Samples       int
}

type StrategyConfig struct {
	MinBatchSize            int
	MaxBatchSize            int
	MinWait                 time.Duration
	MaxWait                 time.Duration
	TargetLatency           time.Duration
	QueueDepthLowThreshold  int
	QueueDepthHighThreshold int
}

const (
	NameFixed        = "fixed"
	NameAdaptive     = "adaptive"
	NameQueueDepth   = "queue_depth"
	NameLatencyAware = "latency_aware"
)

// New builds the strategy registered under name.
func New(name string, cfg StrategyConfig) (Strategy, error) {
	adaptive := NewAdaptiveStrategy(cfg.MinBatchSize, cfg.MaxBatchSize, cfg.MaxWait, cfg.TargetLatency)
	switch name {
	case NameFixed:
		return NewFixedStrategy(cfg.MaxWait, cfg.MaxBatchSize), nil
	case NameAdaptive, "":
		return adaptive, nil
	case NameQueueDepth:
		return NewQueueDepthStrategy(adaptive, cfg.QueueDepthLowThreshold, cfg.QueueDepthHighThreshold, cfg.MinWait, cfg.MaxWait), nil
	case NameLatencyAware:
		return NewLatencyAwareStrategy(adaptive, cfg.TargetLatency), nil
	default:
		return nil, fmt.Errorf("unknown batching strategy %q", name)
	}
}

func clampSize(size, minSize, maxSize int) int {
	if size < minSize {
		return minSize
	}
	if size > maxSize {
		return maxSize
	}
	return size
}
