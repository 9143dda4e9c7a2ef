// Package pipeline is the caller-facing request flow: admission, cache
// lookup, in-flight de-duplication, batch submission and result retrieval.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/KYBvWHxW/mcp-translation-server/internal/batcher"
	"github.com/KYBvWHxW/mcp-translation-server/internal/cache"
	"github.com/KYBvWHxW/mcp-translation-server/internal/config"
	"github.com/KYBvWHxW/mcp-translation-server/internal/metrics"
	"github.com/KYBvWHxW/mcp-translation-server/internal/models"
)

// Admitter decides whether a caller may proceed in a category.
type Admitter interface {
	Check(category, key string) error
}

type Request struct {
	// Category and Key select the admission bucket; an empty Category skips
	// admission.
	Category  string
	Key       string
	BatchType string
	// ID is optional. Without it, fingerprint mode derives the id from the
	// payload so identical payloads share one backend execution.
	ID       string
	Payload  any
	Priority models.Priority
	Timeout  time.Duration
}

type Response struct {
	ID     string `json:"id"`
	Value  any    `json:"value,omitempty"`
	Cached bool   `json:"cached"`
	Shared bool   `json:"shared"`
	Err    error  `json:"-"`
}

type BatchRequest struct {
	Category  string
	Key       string
	BatchType string
	Payloads  []any
	Priority  models.Priority
	Timeout   time.Duration
}

type Config struct {
	KeyMode        string
	DedupeInflight bool
	AwaitTimeout   time.Duration
}

func ConfigFrom(cacheCfg config.CacheConfig, batchCfg config.BatchingConfig) Config {
	return Config{
		KeyMode:        cacheCfg.KeyMode,
		DedupeInflight: cacheCfg.DedupeInflight,
		AwaitTimeout:   batchCfg.AwaitTimeout,
	}
}

type Option func(*Pipeline)

func WithAdmission(a Admitter) Option {
	return func(p *Pipeline) {
		p.admission = a
	}
}

// WithCache enables result caching. The same store should back the
// coordinator's CacheSink.
func WithCache(store *cache.Store[any]) Option {
	return func(p *Pipeline) {
		p.cache = store
	}
}

func WithFingerprinter(f Fingerprinter) Option {
	return func(p *Pipeline) {
		if f != nil {
			p.fingerprint = f
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

type Pipeline struct {
	cfg         Config
	batcher     batcher.Batcher
	admission   Admitter
	cache       *cache.Store[any]
	fingerprint Fingerprinter
	group       singleflight.Group
	logger      *zap.Logger
	metrics     *metrics.Collector
}

func New(cfg Config, b batcher.Batcher, opts ...Option) *Pipeline {
	if cfg.KeyMode == "" {
		cfg.KeyMode = config.KeyModeFingerprint
	}
	p := &Pipeline{
		cfg:         cfg,
		batcher:     b,
		fingerprint: DefaultFingerprint,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "pipeline"))
	return p
}

// Do runs a single request through admission, cache and the batcher.
func (p *Pipeline) Do(ctx context.Context, req Request) (Response, error) {
	if err := p.admit(req.Category, req.Key); err != nil {
		p.metrics.PipelineRequest(req.BatchType, "denied")
		return Response{}, err
	}

	item, err := p.prepare(req.BatchType, req.ID, req.Payload, req.Priority)
	if err != nil {
		p.metrics.PipelineRequest(req.BatchType, "error")
		return Response{}, err
	}
	if v, ok := p.lookup(item.Fingerprint); ok {
		p.metrics.PipelineRequest(req.BatchType, "hit")
		return Response{ID: item.ID, Value: v, Cached: true}, nil
	}

	timeout := p.timeout(req.Timeout)
	if !p.cfg.DedupeInflight || p.cache == nil {
		h, err := p.batcher.Submit(ctx, req.BatchType, item)
		if err != nil {
			p.metrics.PipelineRequest(req.BatchType, "error")
			return Response{}, err
		}
		v, err := p.batcher.Await(ctx, h, timeout)
		p.record(req.BatchType, err)
		return Response{ID: item.ID, Value: v, Shared: h.Joined, Err: err}, err
	}

	// The shared call runs detached from any one caller so a cancelled
	// waiter does not fail the others.
	ch := p.group.DoChan(item.Fingerprint, func() (any, error) {
		if v, ok := p.lookup(item.Fingerprint); ok {
			return v, nil
		}
		detached := context.WithoutCancel(ctx)
		h, err := p.batcher.Submit(detached, req.BatchType, item)
		if err != nil {
			return nil, err
		}
		return p.batcher.Await(detached, h, timeout)
	})

	select {
	case res := <-ch:
		p.record(req.BatchType, res.Err)
		if res.Err != nil {
			return Response{ID: item.ID, Shared: res.Shared, Err: res.Err}, res.Err
		}
		return Response{ID: item.ID, Value: res.Val, Shared: res.Shared}, nil
	case <-ctx.Done():
		p.metrics.PipelineRequest(req.BatchType, "canceled")
		return Response{}, ctx.Err()
	}
}

// DoMany admits the whole request once, submits every payload and waits for
// each. Per-item failures are reported on the responses; the returned error
// is only set when the request as a whole was rejected.
func (p *Pipeline) DoMany(ctx context.Context, req BatchRequest) ([]Response, error) {
	if err := p.admit(req.Category, req.Key); err != nil {
		p.metrics.PipelineRequest(req.BatchType, "denied")
		return nil, err
	}

	responses := make([]Response, len(req.Payloads))
	handles := make([]*batcher.Handle, len(req.Payloads))
	for i, payload := range req.Payloads {
		item, err := p.prepare(req.BatchType, "", payload, req.Priority)
		if err != nil {
			responses[i] = Response{Err: err}
			continue
		}
		responses[i].ID = item.ID
		if v, ok := p.lookup(item.Fingerprint); ok {
			p.metrics.PipelineRequest(req.BatchType, "hit")
			responses[i].Value, responses[i].Cached = v, true
			continue
		}
		h, err := p.batcher.Submit(ctx, req.BatchType, item)
		if err != nil {
			responses[i].Err = err
			continue
		}
		handles[i] = h
		responses[i].Shared = h.Joined
	}

	timeout := p.timeout(req.Timeout)
	for i, h := range handles {
		if h == nil {
			continue
		}
		v, err := p.batcher.Await(ctx, h, timeout)
		p.record(req.BatchType, err)
		responses[i].Value, responses[i].Err = v, err
	}
	return responses, nil
}

// Warm queues uncached payloads at low priority without waiting for them.
// Results reach the cache through the coordinator's sink.
func (p *Pipeline) Warm(ctx context.Context, batchType string, payloads []any) (int, error) {
	if p.cache == nil {
		return 0, nil
	}
	queued := 0
	for _, payload := range payloads {
		item, err := p.prepare(batchType, "", payload, models.PriorityLow)
		if err != nil {
			return queued, err
		}
		if _, ok := p.cache.Get(item.Fingerprint); ok {
			continue
		}
		h, err := p.batcher.Submit(ctx, batchType, item)
		if err != nil {
			return queued, fmt.Errorf("warm %s: %w", batchType, err)
		}
		h.Release()
		queued++
	}
	p.logger.Debug("cache warm queued", zap.String("batch_type", batchType), zap.Int("queued", queued))
	return queued, nil
}

// InvalidateBatchType drops every cached result of batchType.
func (p *Pipeline) InvalidateBatchType(batchType string) int {
	if p.cache == nil {
		return 0
	}
	n := p.cache.ClearPrefix(typePrefix(batchType))
	p.logger.Info("cache invalidated", zap.String("batch_type", batchType), zap.Int("removed", n))
	return n
}

func (p *Pipeline) admit(category, key string) error {
	if p.admission == nil || category == "" {
		return nil
	}
	return p.admission.Check(category, key)
}

// prepare builds the pending item and stores its cache key in Fingerprint.
func (p *Pipeline) prepare(batchType, id string, payload any, priority models.Priority) (*models.PendingItem, error) {
	if batchType == "" {
		return nil, fmt.Errorf("%w: empty batch type", models.ErrInvalidItem)
	}

	var key string
	switch p.cfg.KeyMode {
	case config.KeyModeIdentity:
		item := models.NewPendingItem(id, batchType, payload, priority)
		item.Fingerprint = cacheKey(batchType, item.ID)
		return item, nil
	default:
		fp, err := p.fingerprint(batchType, payload)
		if err != nil {
			return nil, err
		}
		key = cacheKey(batchType, fp)
		if id == "" {
			id = key
		}
	}
	item := models.NewPendingItem(id, batchType, payload, priority)
	item.Fingerprint = key
	return item, nil
}

func (p *Pipeline) lookup(key string) (any, bool) {
	if p.cache == nil || key == "" {
		return nil, false
	}
	return p.cache.Get(key)
}

func (p *Pipeline) timeout(requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	return p.cfg.AwaitTimeout
}

func (p *Pipeline) record(batchType string, err error) {
	if err != nil {
		p.metrics.PipelineRequest(batchType, "error")
		return
	}
	p.metrics.PipelineRequest(batchType, "ok")
}
