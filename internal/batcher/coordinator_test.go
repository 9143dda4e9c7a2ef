package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KYBvWHxW/mcp-translation-server/internal/batcher/strategies"
	"github.com/KYBvWHxW/mcp-translation-server/internal/clock"
	"github.com/KYBvWHxW/mcp-translation-server/internal/models"
)

const typeTranslation = "translation"

func echoProcessor() Processor {
	return ProcessorFunc(func(_ context.Context, _ string, items []*models.PendingItem) (map[string]any, error) {
		out := make(map[string]any, len(items))
		for _, it := range items {
			out[it.ID] = fmt.Sprintf("echo:%v", it.Payload)
		}
		return out, nil
	})
}

func newTestCoordinator(strategy strategies.Strategy, processor Processor, opts ...Option) *Coordinator {
	cfg := BatcherConfig{
		MinBatchSize:   1,
		MaxBatchSize:   32,
		MaxWait:        50 * time.Millisecond,
		QueueCapacity:  100,
		WorkersPerType: 1,
		ResultTTL:      time.Minute,
		AwaitTimeout:   2 * time.Second,
	}
	return NewCoordinator(cfg, strategy, processor, opts...)
}

func submit(t *testing.T, c *Coordinator, id string, priority models.Priority) *Handle {
	t.Helper()
	h, err := c.Submit(context.Background(), typeTranslation, models.NewPendingItem(id, "", id, priority))
	require.NoError(t, err)
	return h
}

func stopWithin(t *testing.T, c *Coordinator, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
}

func TestSubmitAndStats(t *testing.T) {
	c := newTestCoordinator(&stubStrategy{size: 4, timeout: time.Second}, echoProcessor())
	h := submit(t, c, "a", models.PriorityNormal)

	assert.Equal(t, "a", h.ID)
	assert.False(t, h.Joined)

	stats, ok := c.Stats(typeTranslation)
	require.True(t, ok)
	assert.Equal(t, 1, stats.QueueDepth)
	assert.Equal(t, int64(1), stats.ItemsQueued)
	assert.Equal(t, 4, stats.TargetSize)
	assert.Equal(t, "stub", stats.Strategy)

	_, ok = c.Stats("lookup")
	assert.False(t, ok)
	assert.Len(t, c.AllStats(), 1)
}

func TestSubmitValidation(t *testing.T) {
	c := newTestCoordinator(&stubStrategy{size: 1}, echoProcessor())
	ctx := context.Background()

	_, err := c.Submit(ctx, typeTranslation, nil)
	assert.ErrorIs(t, err, models.ErrInvalidItem)
	_, err = c.Submit(ctx, "", models.NewPendingItem("a", "", nil, models.PriorityNormal))
	assert.ErrorIs(t, err, models.ErrInvalidItem)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.Submit(cancelled, typeTranslation, models.NewPendingItem("a", "", nil, models.PriorityNormal))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubmitQueueFull(t *testing.T) {
	cfg := BatcherConfig{MinBatchSize: 1, MaxBatchSize: 4, MaxWait: time.Second, QueueCapacity: 2}
	c := NewCoordinator(cfg, &stubStrategy{size: 4}, echoProcessor())
	submit(t, c, "a", models.PriorityNormal)
	submit(t, c, "b", models.PriorityNormal)

	_, err := c.Submit(context.Background(), typeTranslation, models.NewPendingItem("c", "", nil, models.PriorityNormal))
	assert.ErrorIs(t, err, models.ErrQueueFull)
}

func TestFormBatchPriorityOrderAndTarget(t *testing.T) {
	c := newTestCoordinator(&stubStrategy{size: 3}, echoProcessor())
	ctx := context.Background()

	submit(t, c, "p1", 1)
	submit(t, c, "p5", 5)
	submit(t, c, "p3", 3)
	submit(t, c, "p2", 2)
	submit(t, c, "p0", 0)

	first := c.FormBatch(ctx, typeTranslation, 0)
	require.NotNil(t, first)
	assert.Equal(t, []string{"p5", "p3", "p2"}, first.IDs())
	assert.Equal(t, typeTranslation, first.Type)
	assert.Equal(t, "stub", first.StrategyUsed)

	second := c.FormBatch(ctx, typeTranslation, 0)
	require.NotNil(t, second)
	assert.Equal(t, []string{"p1", "p0"}, second.IDs())

	assert.Nil(t, c.FormBatch(ctx, typeTranslation, 0))

	stats, _ := c.Stats(typeTranslation)
	assert.Equal(t, 5, stats.InFlight)
	assert.Equal(t, int64(2), stats.BatchesFormed)
}

func TestFormBatchWakesOnFullBatch(t *testing.T) {
	c := newTestCoordinator(&stubStrategy{size: 2}, echoProcessor())
	submit(t, c, "a", models.PriorityNormal)
	submit(t, c, "b", models.PriorityNormal)

	start := time.Now()
	batch := c.FormBatch(context.Background(), typeTranslation, 10*time.Second)
	require.NotNil(t, batch)
	assert.Equal(t, 2, batch.Size())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFormBatchWakesOnCritical(t *testing.T) {
	c := newTestCoordinator(&stubStrategy{size: 10}, echoProcessor())
	submit(t, c, "urgent", models.PriorityCritical)

	start := time.Now()
	batch := c.FormBatch(context.Background(), typeTranslation, 10*time.Second)
	require.NotNil(t, batch)
	assert.Equal(t, []string{"urgent"}, batch.IDs())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFormBatchTimesOutWithPartialBatch(t *testing.T) {
	c := newTestCoordinator(&stubStrategy{size: 10}, echoProcessor())
	submit(t, c, "a", models.PriorityNormal)

	batch := c.FormBatch(context.Background(), typeTranslation, 20*time.Millisecond)
	require.NotNil(t, batch)
	assert.Equal(t, 1, batch.Size())

	assert.Nil(t, c.FormBatch(context.Background(), typeTranslation, 10*time.Millisecond))
}

func TestDuplicateIDJoinsExistingSlot(t *testing.T) {
	c := newTestCoordinator(&stubStrategy{size: 10}, echoProcessor())
	ctx := context.Background()

	first := submit(t, c, "same", models.PriorityNormal)
	second := submit(t, c, "same", models.PriorityHigh)
	assert.True(t, second.Joined)

	batch := c.FormBatch(ctx, typeTranslation, 0)
	require.NotNil(t, batch)
	assert.Equal(t, 1, batch.Size())

	third := submit(t, c, "same", models.PriorityNormal)
	assert.True(t, third.Joined, "in-flight id should be joined too")
	assert.Nil(t, c.FormBatch(ctx, typeTranslation, 0))

	require.NoError(t, c.PublishResult(typeTranslation, "same", "result", nil))
	for _, h := range []*Handle{first, second, third} {
		v, err := c.Await(ctx, h, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "result", v)
	}

	ts := c.lookup(typeTranslation)
	ts.mu.Lock()
	assert.Empty(t, ts.slots, "slot should be dropped once every handle read it")
	ts.mu.Unlock()
}

func TestResubmitAfterCompletionRunsAgain(t *testing.T) {
	c := newTestCoordinator(&stubStrategy{size: 10}, echoProcessor())
	ctx := context.Background()

	old := submit(t, c, "id", models.PriorityNormal)
	c.FormBatch(ctx, typeTranslation, 0)
	require.NoError(t, c.PublishResult(typeTranslation, "id", "v1", nil))

	fresh := submit(t, c, "id", models.PriorityNormal)
	assert.False(t, fresh.Joined)
	c.FormBatch(ctx, typeTranslation, 0)
	require.NoError(t, c.PublishResult(typeTranslation, "id", "v2", nil))

	v, err := c.Await(ctx, old, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	v, err = c.Await(ctx, fresh, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestPublishUnknownItem(t *testing.T) {
	c := newTestCoordinator(&stubStrategy{size: 10}, echoProcessor())

	err := c.PublishResult("nothing", "x", "v", nil)
	assert.ErrorIs(t, err, models.ErrUnknownItem)

	submit(t, c, "queued", models.PriorityNormal)
	err = c.PublishResult(typeTranslation, "queued", "v", nil)
	assert.ErrorIs(t, err, models.ErrUnknownItem, "queued items are not in flight yet")

	c.FormBatch(context.Background(), typeTranslation, 0)
	require.NoError(t, c.PublishResult(typeTranslation, "queued", "v", nil))
	assert.ErrorIs(t, c.PublishResult(typeTranslation, "queued", "v", nil), models.ErrUnknownItem)
}

func TestAwaitTimeoutKeepsWork(t *testing.T) {
	c := newTestCoordinator(&stubStrategy{size: 10}, echoProcessor())
	ctx := context.Background()
	h := submit(t, c, "slow", models.PriorityNormal)

	_, err := c.Await(ctx, h, 20*time.Millisecond)
	assert.ErrorIs(t, err, models.ErrAwaitTimeout)

	c.FormBatch(ctx, typeTranslation, 0)
	require.NoError(t, c.PublishResult(typeTranslation, "slow", "done", nil))

	v, err := c.Await(ctx, h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestAwaitContextCancel(t *testing.T) {
	c := newTestCoordinator(&stubStrategy{size: 10}, echoProcessor())
	h := submit(t, c, "a", models.PriorityNormal)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Await(ctx, h, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = c.Await(context.Background(), nil, time.Second)
	assert.ErrorIs(t, err, models.ErrInvalidItem)
}

func TestWorkersProcessSubmissions(t *testing.T) {
	c := newTestCoordinator(&stubStrategy{size: 4, timeout: 5 * time.Millisecond}, echoProcessor())
	require.NoError(t, c.Start(context.Background()))
	defer stopWithin(t, c, 2*time.Second)

	handles := make([]*Handle, 0, 10)
	for i := 0; i < 10; i++ {
		handles = append(handles, submit(t, c, fmt.Sprintf("item-%d", i), models.PriorityNormal))
	}
	for i, h := range handles {
		v, err := c.Await(context.Background(), h, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("echo:item-%d", i), v)
	}

	stats, _ := c.Stats(typeTranslation)
	assert.Equal(t, 0, stats.QueueDepth)
	assert.Equal(t, 0, stats.InFlight)
	assert.GreaterOrEqual(t, stats.BatchesFormed, int64(3))
	assert.Greater(t, stats.AvgBatchSize, 0.0)
}

func TestBackendFailureFansOutToEveryItem(t *testing.T) {
	boom := errors.New("model server unavailable")
	processor := ProcessorFunc(func(context.Context, string, []*models.PendingItem) (map[string]any, error) {
		return nil, boom
	})
	c := newTestCoordinator(&stubStrategy{size: 3, timeout: 5 * time.Millisecond}, processor)
	require.NoError(t, c.Start(context.Background()))
	defer stopWithin(t, c, 2*time.Second)

	handles := []*Handle{
		submit(t, c, "a", models.PriorityNormal),
		submit(t, c, "b", models.PriorityNormal),
		submit(t, c, "c", models.PriorityNormal),
	}
	for _, h := range handles {
		_, err := c.Await(context.Background(), h, 2*time.Second)
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrBackendBatchFailure)
		assert.ErrorIs(t, err, boom)

		var batchErr *models.BatchError
		require.ErrorAs(t, err, &batchErr)
		assert.Equal(t, typeTranslation, batchErr.BatchType)
	}

	stats, _ := c.Stats(typeTranslation)
	assert.GreaterOrEqual(t, stats.BatchFailures, int64(1))
}

func TestMissingResultFailsOnlyThatItem(t *testing.T) {
	processor := ProcessorFunc(func(_ context.Context, _ string, items []*models.PendingItem) (map[string]any, error) {
		out := make(map[string]any)
		for _, it := range items {
			if it.ID != "dropped" {
				out[it.ID] = "ok"
			}
		}
		return out, nil
	})
	c := newTestCoordinator(&stubStrategy{size: 2}, processor)
	ctx := context.Background()

	kept := submit(t, c, "kept", models.PriorityNormal)
	dropped := submit(t, c, "dropped", models.PriorityNormal)
	batch, queueLen := c.formBatch(ctx, c.state(typeTranslation), 0)
	require.NotNil(t, batch)
	c.runCtx = ctx
	c.execute(c.state(typeTranslation), batch, queueLen)

	v, err := c.Await(ctx, kept, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	_, err = c.Await(ctx, dropped, time.Second)
	assert.ErrorIs(t, err, models.ErrMissingResult)
}

func TestProcessorPanicBecomesBatchFailure(t *testing.T) {
	processor := ProcessorFunc(func(context.Context, string, []*models.PendingItem) (map[string]any, error) {
		panic("tokenizer exploded")
	})
	c := newTestCoordinator(&stubStrategy{size: 1, timeout: 5 * time.Millisecond}, processor)
	require.NoError(t, c.Start(context.Background()))
	defer stopWithin(t, c, 2*time.Second)

	h := submit(t, c, "a", models.PriorityNormal)
	_, err := c.Await(context.Background(), h, 2*time.Second)
	assert.ErrorIs(t, err, models.ErrBackendBatchFailure)
}

func TestAtMostOneInFlightPerID(t *testing.T) {
	var (
		mu       sync.Mutex
		active   = make(map[string]int)
		overlaps int
	)
	processor := ProcessorFunc(func(_ context.Context, _ string, items []*models.PendingItem) (map[string]any, error) {
		mu.Lock()
		for _, it := range items {
			active[it.ID]++
			if active[it.ID] > 1 {
				overlaps++
			}
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		out := make(map[string]any, len(items))
		mu.Lock()
		for _, it := range items {
			active[it.ID]--
			out[it.ID] = it.ID
		}
		mu.Unlock()
		return out, nil
	})

	cfg := BatcherConfig{
		MinBatchSize:   1,
		MaxBatchSize:   8,
		MaxWait:        5 * time.Millisecond,
		QueueCapacity:  1000,
		WorkersPerType: 4,
		AwaitTimeout:   5 * time.Second,
	}
	c := NewCoordinator(cfg, &stubStrategy{size: 3, timeout: 2 * time.Millisecond}, processor)
	require.NoError(t, c.Start(context.Background()))
	defer stopWithin(t, c, 5*time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				id := fmt.Sprintf("id-%d", (g+i)%7)
				h, err := c.Submit(context.Background(), typeTranslation, models.NewPendingItem(id, "", id, models.PriorityNormal))
				if err != nil {
					errs <- err
					continue
				}
				v, err := c.Await(context.Background(), h, 5*time.Second)
				if err != nil {
					errs <- err
					continue
				}
				if v != id {
					errs <- fmt.Errorf("expected %s, got %v", id, v)
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, overlaps, "an id was processed by two batches at once")
}

func TestStopDrainsQueuedItems(t *testing.T) {
	// A long formation wait and a large target keep workers idle until Stop.
	c := newTestCoordinator(&stubStrategy{size: 100, timeout: time.Hour}, echoProcessor())
	require.NoError(t, c.Start(context.Background()))

	handles := make([]*Handle, 0, 5)
	for i := 0; i < 5; i++ {
		handles = append(handles, submit(t, c, fmt.Sprintf("q-%d", i), models.PriorityNormal))
	}

	stopWithin(t, c, 2*time.Second)

	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatalf("item %s was not processed during drain", h.ID)
		}
		v, err := c.Await(context.Background(), h, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "echo:"+h.ID, v)
	}

	_, err := c.Submit(context.Background(), typeTranslation, models.NewPendingItem("late", "", nil, models.PriorityNormal))
	assert.ErrorIs(t, err, models.ErrShuttingDown)
}

func TestStopCancelsSlowBackend(t *testing.T) {
	entered := make(chan struct{})
	processor := ProcessorFunc(func(ctx context.Context, _ string, items []*models.PendingItem) (map[string]any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := newTestCoordinator(&stubStrategy{size: 1, timeout: time.Millisecond}, processor)
	require.NoError(t, c.Start(context.Background()))

	h := submit(t, c, "stuck", models.PriorityNormal)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Stop(ctx), context.DeadlineExceeded)

	_, err := c.Await(context.Background(), h, 2*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStopWithoutStartFailsQueued(t *testing.T) {
	c := newTestCoordinator(&stubStrategy{size: 10}, echoProcessor())
	h := submit(t, c, "a", models.PriorityNormal)

	require.NoError(t, c.Stop(context.Background()))
	_, err := c.Await(context.Background(), h, time.Second)
	assert.ErrorIs(t, err, models.ErrShuttingDown)
}

type recordingSink struct {
	mu     sync.Mutex
	stored map[string]any
}

func (s *recordingSink) Store(item *models.PendingItem, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored[item.ID] = value
}

func TestResultSinkReceivesSuccessesOnly(t *testing.T) {
	sink := &recordingSink{stored: make(map[string]any)}
	c := newTestCoordinator(&stubStrategy{size: 10}, echoProcessor(), WithResultSink(sink))
	ctx := context.Background()

	submit(t, c, "good", models.PriorityNormal)
	submit(t, c, "bad", models.PriorityNormal)
	c.FormBatch(ctx, typeTranslation, 0)
	require.NoError(t, c.PublishResult(typeTranslation, "good", "v", nil))
	require.NoError(t, c.PublishResult(typeTranslation, "bad", nil, errors.New("failed")))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, map[string]any{"good": "v"}, sink.stored)
}

func TestReleasedHandleDropsSlotOnPublish(t *testing.T) {
	c := newTestCoordinator(&stubStrategy{size: 10}, echoProcessor())
	h := submit(t, c, "warm", models.PriorityLow)
	h.Release()
	h.Release()

	c.FormBatch(context.Background(), typeTranslation, 0)
	require.NoError(t, c.PublishResult(typeTranslation, "warm", "v", nil))

	ts := c.lookup(typeTranslation)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Empty(t, ts.slots)
}

func TestPurgeExpiredUnreadResults(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := BatcherConfig{MinBatchSize: 1, MaxBatchSize: 10, MaxWait: time.Second, ResultTTL: time.Minute}
	c := NewCoordinator(cfg, &stubStrategy{size: 10}, echoProcessor(), WithClock(clk))
	ctx := context.Background()

	h := submit(t, c, "abandoned", models.PriorityNormal)
	submit(t, c, "pending", models.PriorityNormal)
	batch := c.FormBatch(ctx, typeTranslation, 0)
	require.Equal(t, 2, batch.Size())
	require.NoError(t, c.PublishResult(typeTranslation, "abandoned", "v", nil))

	require.NoError(t, clk.Advance(30*time.Second))
	assert.Equal(t, 0, c.PurgeExpired())

	require.NoError(t, clk.Advance(31*time.Second))
	assert.Equal(t, 1, c.PurgeExpired())

	// The handle still holds its slot, so a late reader gets the value.
	v, err := c.Await(ctx, h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	ts := c.lookup(typeTranslation)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Len(t, ts.slots, 1, "in-flight item must survive the purge")
}

func TestAdaptiveTargetTracksHistory(t *testing.T) {
	cfg := BatcherConfig{
		MinBatchSize:   2,
		MaxBatchSize:   16,
		MaxWait:        5 * time.Millisecond,
		TargetLatency:  time.Second,
		QueueCapacity:  1000,
		WorkersPerType: 1,
		AwaitTimeout:   2 * time.Second,
	}
	strategy := strategies.NewAdaptiveStrategy(cfg.MinBatchSize, cfg.MaxBatchSize, cfg.MaxWait, cfg.TargetLatency)
	c := NewCoordinator(cfg, strategy, echoProcessor())

	stats := func() BatcherMetrics {
		s, _ := c.Stats(typeTranslation)
		return s
	}
	submit(t, c, "seed", models.PriorityNormal)
	assert.Equal(t, 2, stats().TargetSize, "no history means min size")

	require.NoError(t, c.Start(context.Background()))
	defer stopWithin(t, c, 2*time.Second)

	for i := 0; i < 20; i++ {
		h := submit(t, c, fmt.Sprintf("n-%d", i), models.PriorityNormal)
		_, err := c.Await(context.Background(), h, 2*time.Second)
		require.NoError(t, err)
	}

	s := stats()
	assert.GreaterOrEqual(t, s.TargetSize, cfg.MinBatchSize)
	assert.LessOrEqual(t, s.TargetSize, cfg.MaxBatchSize)
	assert.Greater(t, s.BatchesFormed, int64(0))
}

func TestStopDrainsTypeCreatedAfterStart(t *testing.T) {
	processor := ProcessorFunc(func(ctx context.Context, _ string, items []*models.PendingItem) (map[string]any, error) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		out := make(map[string]any, len(items))
		for _, it := range items {
			out[it.ID] = "done"
		}
		return out, nil
	})
	c := newTestCoordinator(&stubStrategy{size: 1, timeout: time.Millisecond}, processor)
	require.NoError(t, c.Start(context.Background()))

	// No batch type exists at Start; its workers are spawned by this submit.
	time.Sleep(20 * time.Millisecond)
	h := submit(t, c, "late-type", models.PriorityNormal)

	started := time.Now()
	stopWithin(t, c, 5*time.Second)
	assert.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond, "Stop returned before the batch finished")

	v, err := c.Await(context.Background(), h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestAdaptiveTargetGrowsUnderBacklog(t *testing.T) {
	cfg := BatcherConfig{
		MinBatchSize:  1,
		MaxBatchSize:  32,
		MaxWait:       time.Second,
		TargetLatency: time.Second,
		QueueCapacity: 1000,
		ResultTTL:     time.Minute,
	}
	strategy := strategies.NewAdaptiveStrategy(cfg.MinBatchSize, cfg.MaxBatchSize, cfg.MaxWait, cfg.TargetLatency)
	c := NewCoordinator(cfg, strategy, echoProcessor())
	ctx := context.Background()
	c.runCtx = ctx

	// Arrivals outpace the batches, so the queue keeps growing.
	n := 0
	for round := 0; round < 6; round++ {
		arrivals := 10
		if round == 0 {
			arrivals = 1
		}
		for i := 0; i < arrivals; i++ {
			submit(t, c, fmt.Sprintf("b-%d", n), models.PriorityNormal)
			n++
		}
		ts := c.state(typeTranslation)
		batch, queueLen := c.formBatch(ctx, ts, 0)
		require.NotNil(t, batch)
		c.execute(ts, batch, queueLen)
	}

	s, _ := c.Stats(typeTranslation)
	assert.Greater(t, s.TargetSize, cfg.MinBatchSize)
	assert.LessOrEqual(t, s.TargetSize, cfg.MaxBatchSize)
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) Store(*models.PendingItem, any) {
	close(s.entered)
	<-s.release
}

func TestSinkRunsBeforeWakeWithoutHoldingTypeLock(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	c := newTestCoordinator(&stubStrategy{size: 1}, echoProcessor(), WithResultSink(sink))
	ctx := context.Background()
	c.runCtx = ctx

	h := submit(t, c, "a", models.PriorityNormal)
	ts := c.state(typeTranslation)
	batch, queueLen := c.formBatch(ctx, ts, 0)
	require.NotNil(t, batch)

	executed := make(chan struct{})
	go func() {
		defer close(executed)
		c.execute(ts, batch, queueLen)
	}()
	<-sink.entered

	select {
	case <-h.Done():
		t.Fatal("waiter woke before the sink stored the result")
	default:
	}

	submitted := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, typeTranslation, models.NewPendingItem("b", "", "b", models.PriorityNormal))
		submitted <- err
	}()
	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Submit blocked while the sink was running")
	}

	close(sink.release)
	<-executed
	v, err := c.Await(ctx, h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo:a", v)
}
