package admission

import (
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/KYBvWHxW/mcp-translation-server/internal/clock"
	"github.com/KYBvWHxW/mcp-translation-server/internal/models"
)

// RateLimitRule is the static limit bound to a category.
type RateLimitRule struct {
	RequestsPerSecond float64
	BurstSize         int
}

func (r RateLimitRule) Validate() error {
	if r.RequestsPerSecond <= 0 || math.IsInf(r.RequestsPerSecond, 0) || math.IsNaN(r.RequestsPerSecond) {
		return fmt.Errorf("%w: requests_per_second must be a positive number, got %v", models.ErrInvalidRule, r.RequestsPerSecond)
	}
	if r.BurstSize < 0 {
		return fmt.Errorf("%w: burst_size must be >= 0, got %d", models.ErrInvalidRule, r.BurstSize)
	}
	return nil
}

// Capacity is max(ceil(rps), burst), never below one token.
func (r RateLimitRule) Capacity() int {
	capacity := int(math.Ceil(r.RequestsPerSecond))
	if r.BurstSize > capacity {
		capacity = r.BurstSize
	}
	if capacity < 1 {
		capacity = 1
	}
	return capacity
}

// TokenBucket refills lazily on access; tokens stay within [0, capacity].
// Each bucket carries its own lock inside the rate.Limiter.
type TokenBucket struct {
	limiter  *rate.Limiter
	clock    clock.Clock
	capacity int
	rate     float64
	lastSeen atomic.Int64
}

func NewTokenBucket(ratePerSecond float64, capacity int, clk clock.Clock) *TokenBucket {
	if clk == nil {
		clk = clock.NewSystem()
	}
	b := &TokenBucket{
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), capacity),
		clock:    clk,
		capacity: capacity,
		rate:     ratePerSecond,
	}
	b.lastSeen.Store(clk.Now().UnixNano())
	return b
}

func newBucketFromRule(rule RateLimitRule, clk clock.Clock) *TokenBucket {
	return NewTokenBucket(rule.RequestsPerSecond, rule.Capacity(), clk)
}

// Allow takes one token if available. It never blocks.
func (b *TokenBucket) Allow() bool {
	now := b.clock.Now()
	b.lastSeen.Store(now.UnixNano())
	return b.limiter.AllowN(now, 1)
}

// Tokens reports the refilled token count without consuming any.
func (b *TokenBucket) Tokens() float64 {
	tokens := b.limiter.TokensAt(b.clock.Now())
	if tokens < 0 {
		return 0
	}
	return tokens
}

func (b *TokenBucket) Capacity() int {
	return b.capacity
}

func (b *TokenBucket) Rate() float64 {
	return b.rate
}

func (b *TokenBucket) idleNanos(nowNanos int64) int64 {
	return nowNanos - b.lastSeen.Load()
}
