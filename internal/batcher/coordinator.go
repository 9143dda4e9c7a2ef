// Package batcher groups pending items of the same batch type into batches
// for the translation backend. Each batch type has its own priority queue,
// lock, result slots and sizing history; the registry lock is only taken to
// create a type.
package batcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/KYBvWHxW/mcp-translation-server/internal/batcher/strategies"
	"github.com/KYBvWHxW/mcp-translation-server/internal/batcher/window"
	"github.com/KYBvWHxW/mcp-translation-server/internal/clock"
	"github.com/KYBvWHxW/mcp-translation-server/internal/metrics"
	"github.com/KYBvWHxW/mcp-translation-server/internal/models"
)

const minPurgeInterval = 10 * time.Millisecond

type Coordinator struct {
	cfg       BatcherConfig
	strategy  strategies.Strategy
	processor Processor
	sink      ResultSink
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Collector

	mu    sync.RWMutex
	types map[string]*typeState

	startOnce   sync.Once
	stopOnce    sync.Once
	releaseOnce sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
	started   atomic.Bool
	stopping  atomic.Bool
	workers   sync.WaitGroup

	runCtx    context.Context
	cancelRun context.CancelFunc
}

type Option func(*Coordinator)

func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithResultSink(sink ResultSink) Option {
	return func(c *Coordinator) {
		c.sink = sink
	}
}

func NewCoordinator(cfg BatcherConfig, strategy strategies.Strategy, processor Processor, opts ...Option) *Coordinator {
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = 1
	}
	if cfg.MaxBatchSize < cfg.MinBatchSize {
		cfg.MaxBatchSize = cfg.MinBatchSize
	}
	if cfg.WorkersPerType <= 0 {
		cfg.WorkersPerType = 1
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = window.DefaultCapacity
	}
	if strategy == nil {
		strategy = strategies.NewAdaptiveStrategy(cfg.MinBatchSize, cfg.MaxBatchSize, cfg.MaxWait, cfg.TargetLatency)
	}
	c := &Coordinator{
		cfg:       cfg,
		strategy:  strategy,
		processor: processor,
		clock:     clock.NewSystem(),
		logger:    zap.NewNop(),
		types:     make(map[string]*typeState),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "batcher"))
	return c
}

// Submit queues item under batchType. If an item with the same id is
// already queued or in flight, the returned handle shares its result and no
// new work is queued.
func (c *Coordinator) Submit(ctx context.Context, batchType string, item *models.PendingItem) (*Handle, error) {
	if item == nil || item.ID == "" || batchType == "" {
		return nil, models.ErrInvalidItem
	}
	if c.stopping.Load() {
		return nil, models.ErrShuttingDown
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ts := c.state(batchType)

	ts.mu.Lock()
	if c.stopping.Load() {
		ts.mu.Unlock()
		return nil, models.ErrShuttingDown
	}
	if s, ok := ts.slots[item.ID]; ok && s.state != models.StateCompleted {
		s.refs++
		ts.mu.Unlock()
		return &Handle{ID: item.ID, BatchType: batchType, Joined: true, slot: s, ts: ts}, nil
	}

	item.BatchType = batchType
	item.EnqueuedAt = c.clock.Now()
	if err := ts.queue.Submit(item); err != nil {
		ts.mu.Unlock()
		return nil, fmt.Errorf("submit %s to %s: %w", item.ID, batchType, err)
	}
	s := newSlot(item)
	ts.slots[item.ID] = s
	depth := ts.queue.Depth()
	ts.mu.Unlock()

	ts.items.Add(1)
	if int64(depth) >= ts.target.Load() || item.Priority >= models.PriorityCritical {
		ts.notify()
	}
	return &Handle{ID: item.ID, BatchType: batchType, slot: s, ts: ts}, nil
}

// FormBatch waits up to maxWait for a full batch (or a critical item) and
// returns up to the current target size of queued items, now in flight. It
// returns nil when nothing is queued.
func (c *Coordinator) FormBatch(ctx context.Context, batchType string, maxWait time.Duration) *models.Batch {
	batch, _ := c.formBatch(ctx, c.state(batchType), maxWait)
	return batch
}

func (c *Coordinator) formBatch(ctx context.Context, ts *typeState, maxWait time.Duration) (*models.Batch, int) {
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		select {
		case <-ts.signal:
		case <-timer.C:
		case <-ctx.Done():
		case <-c.stopCh:
		}
		timer.Stop()
	}

	ts.mu.Lock()
	ts.clearSignal()
	queueLen := ts.queue.Depth()
	target := int(ts.target.Load())
	items := ts.queue.ReceiveN(target)
	for _, it := range items {
		if _, dup := ts.inFlight[it.ID]; dup {
			ts.mu.Unlock()
			panic(fmt.Sprintf("batcher: item %s of %s dequeued while already in flight", it.ID, ts.name))
		}
		ts.inFlight[it.ID] = struct{}{}
		if s, ok := ts.slots[it.ID]; ok {
			s.state = models.StateInFlight
		}
	}
	if ts.queue.Depth() >= target {
		ts.notify()
	}
	ts.mu.Unlock()

	if len(items) == 0 {
		return nil, queueLen
	}
	batch := models.NewBatch(ts.name, items, c.strategy.Name(), c.clock.Now())
	ts.batches.Add(1)
	c.logger.Debug("batch formed",
		zap.String("batch_id", batch.ID),
		zap.String("batch_type", ts.name),
		zap.Int("size", batch.Size()),
		zap.Int("queue_len", queueLen),
	)
	return batch, queueLen
}

// PublishResult completes an in-flight item, wakes its waiters and forwards
// successful values to the result sink.
func (c *Coordinator) PublishResult(batchType, id string, value any, err error) error {
	ts := c.lookup(batchType)
	if ts == nil {
		return fmt.Errorf("%w: %s/%s", models.ErrUnknownItem, batchType, id)
	}

	now := c.clock.Now()
	ts.mu.Lock()
	if _, ok := ts.inFlight[id]; !ok {
		ts.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", models.ErrUnknownItem, batchType, id)
	}
	delete(ts.inFlight, id)
	s := ts.slots[id]
	s.result = models.Result{ID: id, Value: value, Err: err, CompletedAt: now}
	s.state = models.StateCompleted
	s.publishedAt = now
	ts.mu.Unlock()

	// The sink sees the value before any waiter wakes, without blocking
	// Submit for this type.
	if err == nil && c.sink != nil {
		c.sink.Store(s.item, value)
	}
	close(s.done)

	ts.mu.Lock()
	if s.refs <= 0 {
		ts.dropLocked(s)
	}
	ts.mu.Unlock()
	return nil
}

// Await blocks until h's result is published, timeout elapses or ctx ends.
// A zero timeout uses the configured await timeout. Giving up never
// retracts the work; the handle may be awaited again.
func (c *Coordinator) Await(ctx context.Context, h *Handle, timeout time.Duration) (any, error) {
	if h == nil || h.slot == nil {
		return nil, models.ErrInvalidItem
	}
	if timeout <= 0 {
		timeout = c.cfg.AwaitTimeout
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-h.slot.done:
		res := h.slot.result
		h.Release()
		if res.Err != nil {
			c.metrics.AwaitOutcome(h.BatchType, "error")
			return nil, res.Err
		}
		c.metrics.AwaitOutcome(h.BatchType, "ok")
		return res.Value, nil
	case <-expired:
		c.metrics.AwaitOutcome(h.BatchType, "timeout")
		return nil, fmt.Errorf("%w: %s/%s after %s", models.ErrAwaitTimeout, h.BatchType, h.ID, timeout)
	case <-ctx.Done():
		c.metrics.AwaitOutcome(h.BatchType, "canceled")
		return nil, ctx.Err()
	}
}

func (c *Coordinator) Start(ctx context.Context) error {
	c.startOnce.Do(func() {
		c.runCtx, c.cancelRun = context.WithCancel(ctx)
		// Held for the coordinator's lifetime so stoppedCh cannot close
		// before workers of lazily created types exist. Released by Stop.
		c.workers.Add(1)

		c.mu.Lock()
		c.started.Store(true)
		for _, ts := range c.types {
			c.spawnWorkers(ts)
		}
		c.mu.Unlock()

		if c.cfg.ResultTTL > 0 {
			c.workers.Add(1)
			go c.purgeLoop()
		}
		go func() {
			c.workers.Wait()
			close(c.stoppedCh)
		}()
		c.logger.Info("coordinator started",
			zap.String("strategy", c.strategy.Name()),
			zap.Int("workers_per_type", c.cfg.WorkersPerType),
		)
	})
	return nil
}

// Stop refuses new items, lets workers turn everything still queued into
// final batches and waits for them. If ctx ends first, in-flight backend
// calls are cancelled.
func (c *Coordinator) Stop(ctx context.Context) error {
	// Under c.mu so state() cannot spawn workers after the lifetime
	// reference is released.
	c.mu.Lock()
	c.stopping.Store(true)
	c.mu.Unlock()
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	if !c.started.Load() {
		c.failQueued(models.ErrShuttingDown)
		return nil
	}
	c.releaseOnce.Do(c.workers.Done)

	select {
	case <-c.stoppedCh:
		c.cancelRun()
		c.logger.Info("coordinator stopped")
		return nil
	case <-ctx.Done():
		c.cancelRun()
		c.logger.Warn("coordinator stop timed out, cancelled in-flight batches")
		return ctx.Err()
	}
}

func (c *Coordinator) Stats(batchType string) (BatcherMetrics, bool) {
	ts := c.lookup(batchType)
	if ts == nil {
		return BatcherMetrics{}, false
	}
	return c.stats(ts), true
}

func (c *Coordinator) AllStats() map[string]BatcherMetrics {
	c.mu.RLock()
	types := make([]*typeState, 0, len(c.types))
	for _, ts := range c.types {
		types = append(types, ts)
	}
	c.mu.RUnlock()

	out := make(map[string]BatcherMetrics, len(types))
	for _, ts := range types {
		out[ts.name] = c.stats(ts)
	}
	return out
}

func (c *Coordinator) stats(ts *typeState) BatcherMetrics {
	depth, inFlight, target := ts.gauges()
	snap := ts.window.Snapshot()
	return BatcherMetrics{
		BatchType:     ts.name,
		Strategy:      c.strategy.Name(),
		QueueDepth:    depth,
		InFlight:      inFlight,
		TargetSize:    target,
		AvgBatchSize:  snap.AvgBatchSize,
		AvgProcessing: snap.AvgProcessing,
		AvgWait:       snap.AvgWait,
		AvgQueueLen:   snap.AvgQueueLen,
		BatchesFormed: ts.batches.Load(),
		ItemsQueued:   ts.items.Load(),
		BatchFailures: ts.failures.Load(),
	}
}

func (c *Coordinator) lookup(batchType string) *typeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.types[batchType]
}

// state returns the state for batchType, creating it and its workers on
// first use.
func (c *Coordinator) state(batchType string) *typeState {
	if ts := c.lookup(batchType); ts != nil {
		return ts
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.types[batchType]; ok {
		return ts
	}
	initial := c.strategy.TargetSize(0, nil)
	ts := newTypeState(batchType, c.cfg.QueueCapacity, c.cfg.WindowSize, initial)
	c.types[batchType] = ts
	if c.started.Load() && !c.stopping.Load() {
		c.spawnWorkers(ts)
	}
	c.logger.Debug("batch type registered", zap.String("batch_type", batchType), zap.Int("target", initial))
	return ts
}

// spawnWorkers is called with c.mu held.
func (c *Coordinator) spawnWorkers(ts *typeState) {
	for i := 0; i < c.cfg.WorkersPerType; i++ {
		c.workers.Add(1)
		go c.worker(ts)
	}
}

func (c *Coordinator) worker(ts *typeState) {
	defer c.workers.Done()
	for {
		select {
		case <-c.runCtx.Done():
			c.drain(ts)
			return
		case <-c.stopCh:
			c.drain(ts)
			return
		default:
		}

		timeout := c.calculateTimeout(ts)
		batch, queueLen := c.formBatch(c.runCtx, ts, timeout)
		if batch == nil {
			continue
		}
		c.execute(ts, batch, queueLen)
	}
}

func (c *Coordinator) drain(ts *typeState) {
	for {
		batch, queueLen := c.formBatch(c.runCtx, ts, 0)
		if batch == nil {
			return
		}
		c.execute(ts, batch, queueLen)
	}
}

func (c *Coordinator) calculateTimeout(ts *typeState) time.Duration {
	ts.mu.Lock()
	depth := ts.queue.Depth()
	ts.mu.Unlock()
	timeout := c.strategy.CalculateTimeout(depth, strategyMetrics(ts.window.Snapshot()))
	if timeout <= 0 {
		return c.cfg.MaxWait
	}
	return timeout
}

// execute runs one batch through the processor and publishes every item.
// No lock is held while the processor runs.
func (c *Coordinator) execute(ts *typeState, batch *models.Batch, queueLen int) {
	start := c.clock.Now()
	results, err := c.process(c.runCtx, batch)
	processing := c.clock.Now().Sub(start)

	if err != nil {
		ts.failures.Add(1)
		c.logger.Error("batch processing failed",
			zap.String("batch_id", batch.ID),
			zap.String("batch_type", batch.Type),
			zap.Int("size", batch.Size()),
			zap.Error(err),
		)
		batchErr := &models.BatchError{BatchID: batch.ID, BatchType: batch.Type, Size: batch.Size(), Err: err}
		for _, it := range batch.Items {
			c.publish(batch.Type, it.ID, nil, batchErr)
		}
	} else {
		for _, it := range batch.Items {
			value, ok := results[it.ID]
			if !ok {
				c.publish(batch.Type, it.ID, nil, fmt.Errorf("%w: %s in batch %s", models.ErrMissingResult, it.ID, batch.ID))
				continue
			}
			c.publish(batch.Type, it.ID, value, nil)
		}
	}

	wait := batch.MeanWait(batch.CreatedAt)
	ts.window.Record(window.Sample{
		BatchSize:  batch.Size(),
		Processing: processing,
		Wait:       wait,
		QueueLen:   queueLen,
	})

	depth, inFlight, _ := ts.gauges()
	target := c.strategy.TargetSize(depth, strategyMetrics(ts.window.Snapshot()))
	ts.target.Store(int64(target))
	if depth >= target {
		ts.notify()
	}

	c.metrics.ObserveBatch(batch.Type, batch.Size(), processing, wait, err != nil)
	c.metrics.BatchTypeGauges(batch.Type, depth, inFlight, target)
}

func (c *Coordinator) publish(batchType, id string, value any, err error) {
	if perr := c.PublishResult(batchType, id, value, err); perr != nil {
		c.logger.Warn("publish result failed", zap.String("batch_type", batchType), zap.String("id", id), zap.Error(perr))
	}
}

func (c *Coordinator) process(ctx context.Context, batch *models.Batch) (results map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	if c.processor == nil {
		return nil, fmt.Errorf("no processor configured")
	}
	return c.processor.Process(ctx, batch.Type, batch.Items)
}

// failQueued completes every queued item with err. Used when the
// coordinator stops without ever having started workers.
func (c *Coordinator) failQueued(err error) {
	c.mu.RLock()
	types := make([]*typeState, 0, len(c.types))
	for _, ts := range c.types {
		types = append(types, ts)
	}
	c.mu.RUnlock()

	for _, ts := range types {
		ts.mu.Lock()
		items := ts.queue.ReceiveN(ts.queue.Depth())
		for _, it := range items {
			ts.inFlight[it.ID] = struct{}{}
		}
		ts.mu.Unlock()
		for _, it := range items {
			c.publish(ts.name, it.ID, nil, err)
		}
	}
}

func (c *Coordinator) purgeLoop() {
	defer c.workers.Done()

	interval := c.cfg.ResultTTL / 2
	if interval < minPurgeInterval {
		interval = minPurgeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.PurgeExpired()
		}
	}
}

// PurgeExpired drops results nobody read within the result TTL.
func (c *Coordinator) PurgeExpired() int {
	if c.cfg.ResultTTL <= 0 {
		return 0
	}
	cutoff := c.clock.Now().Add(-c.cfg.ResultTTL)

	c.mu.RLock()
	types := make([]*typeState, 0, len(c.types))
	for _, ts := range c.types {
		types = append(types, ts)
	}
	c.mu.RUnlock()

	total := 0
	for _, ts := range types {
		ts.mu.Lock()
		n := ts.purgeLocked(cutoff)
		ts.mu.Unlock()
		if n > 0 {
			c.logger.Debug("purged unread results", zap.String("batch_type", ts.name), zap.Int("count", n))
			c.metrics.ResultsPurged(ts.name, n)
		}
		depth, inFlight, target := ts.gauges()
		c.metrics.BatchTypeGauges(ts.name, depth, inFlight, target)
		total += n
	}
	return total
}

func strategyMetrics(s window.Snapshot) *strategies.StrategyMetrics {
	return &strategies.StrategyMetrics{
		AvgBatchSize:  s.AvgBatchSize,
		AvgProcessing: s.AvgProcessing,
		AvgWait:       s.AvgWait,
		AvgQueueLen:   s.AvgQueueLen,
		Samples:       s.Samples,
	}
}
