// Package admission rejects excess load before it is queued. Each
// (category, key) pair owns a token bucket built from the category's rule.
package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/KYBvWHxW/mcp-translation-server/internal/clock"
	"github.com/KYBvWHxW/mcp-translation-server/internal/metrics"
	"github.com/KYBvWHxW/mcp-translation-server/internal/models"
)

type bucketKey struct {
	category string
	key      string
}

type Controller struct {
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Collector

	rules   sync.Map // category -> RateLimitRule
	buckets sync.Map // bucketKey -> *TokenBucket
	count   atomic.Int64

	idleTTL       time.Duration
	pruneInterval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   atomic.Bool
}

type Option func(*Controller)

func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithIdlePruning drops buckets untouched for idleTTL, checked every interval.
func WithIdlePruning(idleTTL, interval time.Duration) Option {
	return func(c *Controller) {
		c.idleTTL = idleTTL
		c.pruneInterval = interval
	}
}

func NewController(opts ...Option) *Controller {
	c := &Controller{
		clock:  clock.NewSystem(),
		logger: zap.NewNop(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "admission"))
	return c
}

// Register binds rule to category. Rules cannot be replaced once registered.
func (c *Controller) Register(category string, rule RateLimitRule) error {
	if category == "" {
		return fmt.Errorf("%w: empty category", models.ErrInvalidRule)
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if _, loaded := c.rules.LoadOrStore(category, rule); loaded {
		return fmt.Errorf("%w: %s", models.ErrRuleExists, category)
	}
	c.logger.Info("rate limit rule registered",
		zap.String("category", category),
		zap.Float64("requests_per_second", rule.RequestsPerSecond),
		zap.Int("capacity", rule.Capacity()),
	)
	return nil
}

func (c *Controller) Rule(category string) (RateLimitRule, bool) {
	v, ok := c.rules.Load(category)
	if !ok {
		return RateLimitRule{}, false
	}
	return v.(RateLimitRule), true
}

// Allow reports whether the caller identified by key may proceed in
// category. Categories without a rule are always allowed.
func (c *Controller) Allow(category, key string) bool {
	bucket, ok := c.bucket(category, key)
	if !ok {
		c.logger.Debug("no rate limit rule for category", zap.String("category", category))
		c.metrics.AdmissionDecision(category, true)
		return true
	}
	allowed := c.take(bucketKey{category, key}, bucket)
	if !allowed {
		c.logger.Debug("admission denied", zap.String("category", category), zap.String("key", key))
	}
	c.metrics.AdmissionDecision(category, allowed)
	return allowed
}

// take spends a token from b. If PruneIdle removed b in the meantime the
// decision is retaken on the live bucket, so a pruned bucket never admits.
func (c *Controller) take(k bucketKey, b *TokenBucket) bool {
	for {
		allowed := b.Allow()
		if cur, ok := c.buckets.Load(k); ok && cur.(*TokenBucket) == b {
			return allowed
		}
		next, ok := c.bucket(k.category, k.key)
		if !ok {
			return allowed
		}
		b = next
	}
}

// Check is Allow for callers that prefer an error to branch on.
func (c *Controller) Check(category, key string) error {
	if !c.Allow(category, key) {
		return fmt.Errorf("%w: category %s", models.ErrAdmissionDenied, category)
	}
	return nil
}

// Tokens returns the current token count of the (category, key) bucket, or
// the full capacity when the bucket has not been created yet.
func (c *Controller) Tokens(category, key string) (float64, bool) {
	rule, ok := c.Rule(category)
	if !ok {
		return 0, false
	}
	if v, ok := c.buckets.Load(bucketKey{category, key}); ok {
		return v.(*TokenBucket).Tokens(), true
	}
	return float64(rule.Capacity()), true
}

func (c *Controller) Buckets() int {
	return int(c.count.Load())
}

func (c *Controller) bucket(category, key string) (*TokenBucket, bool) {
	k := bucketKey{category, key}
	if v, ok := c.buckets.Load(k); ok {
		return v.(*TokenBucket), true
	}
	rule, ok := c.Rule(category)
	if !ok {
		return nil, false
	}
	v, loaded := c.buckets.LoadOrStore(k, newBucketFromRule(rule, c.clock))
	if !loaded {
		c.metrics.AdmissionBuckets(int(c.count.Add(1)))
	}
	return v.(*TokenBucket), true
}

// PruneIdle removes buckets idle for longer than maxIdle that have refilled
// completely, so recreating them later is indistinguishable from keeping them.
func (c *Controller) PruneIdle(maxIdle time.Duration) int {
	now := c.clock.Now().UnixNano()
	removed := 0
	c.buckets.Range(func(k, v any) bool {
		b := v.(*TokenBucket)
		if b.idleNanos(now) <= maxIdle.Nanoseconds() {
			return true
		}
		if b.Tokens() < float64(b.Capacity()) {
			return true
		}
		if c.buckets.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	if removed > 0 {
		c.metrics.AdmissionBuckets(int(c.count.Add(-int64(removed))))
		c.logger.Debug("pruned idle buckets", zap.Int("removed", removed))
	}
	return removed
}

// Start launches the idle-bucket pruner when pruning is configured.
func (c *Controller) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		if c.idleTTL <= 0 || c.pruneInterval <= 0 {
			close(c.doneCh)
			return
		}
		c.started.Store(true)
		go c.pruneLoop(ctx)
	})
	return nil
}

func (c *Controller) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	if !c.started.Load() {
		return nil
	}
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) pruneLoop(ctx context.Context) {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.PruneIdle(c.idleTTL)
		}
	}
}
