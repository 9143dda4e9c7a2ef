package batcher

import (
	"context"
	"time"

	"github.com/KYBvWHxW/mcp-translation-server/internal/batcher/strategies"
	"github.com/KYBvWHxW/mcp-translation-server/internal/config"
	"github.com/KYBvWHxW/mcp-translation-server/internal/models"
)

type Batcher interface {
	Submit(ctx context.Context, batchType string, item *models.PendingItem) (*Handle, error)
	Await(ctx context.Context, h *Handle, timeout time.Duration) (any, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Stats(batchType string) (BatcherMetrics, bool)
	AllStats() map[string]BatcherMetrics
}

// Processor is the translation backend. It receives one batch at a time and
// returns a value per item id; a returned error fails the whole batch.
type Processor interface {
	Process(ctx context.Context, batchType string, items []*models.PendingItem) (map[string]any, error)
}

type ProcessorFunc func(ctx context.Context, batchType string, items []*models.PendingItem) (map[string]any, error)

func (f ProcessorFunc) Process(ctx context.Context, batchType string, items []*models.PendingItem) (map[string]any, error) {
	return f(ctx, batchType, items)
}

// ResultSink receives every successful result before its waiters are woken.
// Implementations must not call back into the coordinator.
type ResultSink interface {
	Store(item *models.PendingItem, value any)
}

type BatcherMetrics struct {
	BatchType     string        `json:"batch_type"`
	Strategy      string        `json:"strategy"`
	QueueDepth    int           `json:"queue_depth"`
	InFlight      int           `json:"in_flight"`
	TargetSize    int           `json:"target_size"`
	AvgBatchSize  float64       `json:"avg_batch_size"`
	AvgProcessing time.Duration `json:"avg_processing"`
	AvgWait       time.Duration `json:"avg_wait"`
	AvgQueueLen   float64       `json:"avg_queue_len"`
	BatchesFormed int64         `json:"batches_formed"`
	ItemsQueued   int64         `json:"items_queued"`
	BatchFailures int64         `json:"batch_failures"`
}

type BatcherConfig struct {
	Strategy                string
	MinBatchSize            int
	MaxBatchSize            int
	MinWait                 time.Duration
	MaxWait                 time.Duration
	TargetLatency           time.Duration
	QueueDepthLowThreshold  int
	QueueDepthHighThreshold int
	QueueCapacity           int
	WorkersPerType          int
	ResultTTL               time.Duration
	AwaitTimeout            time.Duration
	WindowSize              int
}

func NewBatcherConfig(cfg config.BatchingConfig) BatcherConfig {
	return BatcherConfig{
		Strategy:                cfg.Strategy,
		MinBatchSize:            cfg.MinBatchSize,
		MaxBatchSize:            cfg.MaxBatchSize,
		MinWait:                 cfg.MinWait,
		MaxWait:                 cfg.MaxWait,
		TargetLatency:           cfg.TargetLatency,
		QueueDepthLowThreshold:  cfg.QueueDepthLowThreshold,
		QueueDepthHighThreshold: cfg.QueueDepthHighThreshold,
		QueueCapacity:           cfg.QueueCapacity,
		WorkersPerType:          cfg.WorkersPerType,
		ResultTTL:               cfg.ResultTTL,
		AwaitTimeout:            cfg.AwaitTimeout,
		WindowSize:              cfg.WindowSize,
	}
}

func (c BatcherConfig) StrategyConfig() strategies.StrategyConfig {
	return strategies.StrategyConfig{
		MinBatchSize:            c.MinBatchSize,
		MaxBatchSize:            c.MaxBatchSize,
		MinWait:                 c.MinWait,
		MaxWait:                 c.MaxWait,
		TargetLatency:           c.TargetLatency,
		QueueDepthLowThreshold:  c.QueueDepthLowThreshold,
		QueueDepthHighThreshold: c.QueueDepthHighThreshold,
	}
}
