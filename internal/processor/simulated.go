// Package processor provides the simulated translation backend used by the
// server binary and tests. It models latency as a fixed cost per batch plus
// a cost per item, with random jitter and an optional failure rate.
package processor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KYBvWHxW/mcp-translation-server/internal/config"
	"github.com/KYBvWHxW/mcp-translation-server/internal/models"
)

var ErrSimulatedFailure = errors.New("simulated backend failure")

// Translation is the value produced for each item.
type Translation struct {
	Source    any    `json:"source"`
	Text      string `json:"text"`
	BatchType string `json:"batch_type"`
	BatchSize int    `json:"batch_size"`
}

type Simulated struct {
	cfg    config.WorkerConfig
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

func NewSimulated(cfg config.WorkerConfig, logger *zap.Logger) *Simulated {
	return NewSimulatedWithSeed(cfg, logger, uint64(time.Now().UnixNano()))
}

// NewSimulatedWithSeed makes jitter and failures reproducible.
func NewSimulatedWithSeed(cfg config.WorkerConfig, logger *zap.Logger, seed uint64) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulated{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "processor")),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		sleep:  sleepContext,
	}
}

// Latency returns the modelled processing time for a batch of n items,
// before jitter.
func (s *Simulated) Latency(n int) time.Duration {
	ms := s.cfg.BaseLatencyMs + s.cfg.PerItemLatencyMs*float64(n)
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func (s *Simulated) Process(ctx context.Context, batchType string, items []*models.PendingItem) (map[string]any, error) {
	latency, fail := s.draw(len(items))
	if err := s.sleep(ctx, latency); err != nil {
		return nil, err
	}
	if fail {
		s.logger.Debug("injecting backend failure", zap.String("batch_type", batchType), zap.Int("size", len(items)))
		return nil, ErrSimulatedFailure
	}

	out := make(map[string]any, len(items))
	for _, it := range items {
		out[it.ID] = Translation{
			Source:    it.Payload,
			Text:      fmt.Sprintf("[%s] %v", batchType, it.Payload),
			BatchType: batchType,
			BatchSize: len(items),
		}
	}
	return out, nil
}

func (s *Simulated) draw(n int) (time.Duration, bool) {
	base := s.Latency(n)

	s.mu.Lock()
	defer s.mu.Unlock()

	latency := base
	if v := s.cfg.LatencyVariance; v > 0 {
		factor := 1 + v*(2*s.rng.Float64()-1)
		if factor < 0 {
			factor = 0
		}
		latency = time.Duration(float64(base) * factor)
	}
	fail := s.cfg.FailureRate > 0 && s.rng.Float64() < s.cfg.FailureRate
	return latency, fail
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
