package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/KYBvWHxW/mcp-translation-server/internal/admission"
	"github.com/KYBvWHxW/mcp-translation-server/internal/batcher"
	"github.com/KYBvWHxW/mcp-translation-server/internal/batcher/strategies"
	"github.com/KYBvWHxW/mcp-translation-server/internal/cache"
	"github.com/KYBvWHxW/mcp-translation-server/internal/config"
	"github.com/KYBvWHxW/mcp-translation-server/internal/metrics"
	"github.com/KYBvWHxW/mcp-translation-server/internal/pipeline"
	"github.com/KYBvWHxW/mcp-translation-server/internal/processor"
)

type server struct {
	cfg    *config.Config
	logger *zap.Logger

	registry    *prometheus.Registry
	admission   *admission.Controller
	store       *cache.Store[any]
	strategy    strategies.Strategy
	coordinator *batcher.Coordinator
	pipeline    *pipeline.Pipeline
	http        *http.Server
}

func newServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*server, error) {
	s := &server{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.NewCollector(cfg.Metrics.Namespace, s.registry)
	}

	s.admission = admission.NewController(
		admission.WithLogger(logger),
		admission.WithMetrics(m),
		admission.WithIdlePruning(cfg.Admission.IdleTTL, cfg.Admission.PruneInterval),
	)
	for category, rule := range cfg.Admission.Rules {
		err := s.admission.Register(category, admission.RateLimitRule{
			RequestsPerSecond: rule.RequestsPerSecond,
			BurstSize:         rule.BurstSize,
		})
		if err != nil {
			return nil, fmt.Errorf("register admission rule %s: %w", category, err)
		}
	}

	pipelineOpts := []pipeline.Option{
		pipeline.WithAdmission(s.admission),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
	}
	coordinatorOpts := []batcher.Option{
		batcher.WithLogger(logger),
		batcher.WithMetrics(m),
	}
	if cfg.Cache.Enabled {
		store, err := s.buildCache(ctx, m)
		if err != nil {
			return nil, err
		}
		s.store = store
		pipelineOpts = append(pipelineOpts, pipeline.WithCache(store))
		coordinatorOpts = append(coordinatorOpts, batcher.WithResultSink(pipeline.NewCacheSink(store, logger)))
	}

	batchCfg := batcher.NewBatcherConfig(cfg.Batching)
	strategy, err := strategies.New(batchCfg.Strategy, batchCfg.StrategyConfig())
	if err != nil {
		return nil, err
	}
	s.strategy = strategy
	s.coordinator = batcher.NewCoordinator(batchCfg, strategy, processor.NewSimulated(cfg.Workers, logger), coordinatorOpts...)
	s.pipeline = pipeline.New(pipeline.ConfigFrom(cfg.Cache, cfg.Batching), s.coordinator, pipelineOpts...)

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("POST /cache/invalidate", s.handleInvalidate)
	s.http = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

func (s *server) buildCache(ctx context.Context, m *metrics.Collector) (*cache.Store[any], error) {
	opts := []cache.Option[any]{
		cache.WithLogger[any](s.logger),
		cache.WithMetrics[any](m),
	}
	persistence := s.cfg.Cache.Persistence
	var persister *cache.RedisPersister[any]
	if persistence.Enabled {
		client, err := cache.DialRedis(ctx, persistence)
		if err != nil {
			return nil, err
		}
		persister = cache.NewRedisPersister[any](client, persistence.Key)
		opts = append(opts, cache.WithPersister[any](persister))
	}

	store := cache.New[any](cache.FromConfig(s.cfg.Cache), opts...)
	if persister != nil {
		n, err := store.Restore(ctx)
		if err != nil {
			// A cold cache is still a working cache.
			s.logger.Warn("cache restore failed", zap.Error(err))
		} else {
			s.logger.Info("cache restored", zap.Int("items", n))
		}
	}
	return store, nil
}

type healthResponse struct {
	Status    string                            `json:"status"`
	Strategy  string                            `json:"strategy"`
	Batchers  map[string]batcher.BatcherMetrics `json:"batchers"`
	Cache     *cache.Stats                      `json:"cache,omitempty"`
	Admission int                               `json:"admission_buckets"`
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Strategy:  s.strategy.Name(),
		Batchers:  s.coordinator.AllStats(),
		Admission: s.admission.Buckets(),
	}
	if s.store != nil {
		stats := s.store.Stats()
		resp.Cache = &stats
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write health response", zap.Error(err))
	}
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	batchType := r.URL.Query().Get("batch_type")
	if batchType == "" {
		http.Error(w, "batch_type is required", http.StatusBadRequest)
		return
	}
	removed := s.pipeline.InvalidateBatchType(batchType)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"batch_type": batchType, "removed": removed})
}

// run starts every background component and blocks until ctx ends, then
// drains them within the configured shutdown timeout.
func (s *server) run(ctx context.Context) error {
	if err := s.admission.Start(ctx); err != nil {
		return err
	}
	if s.store != nil {
		s.store.Start(ctx)
	}
	// Workers outlive ctx so queued items can drain during shutdown.
	if err := s.coordinator.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})
	return g.Wait()
}

func (s *server) shutdown() error {
	s.logger.Info("shutting down", zap.Duration("timeout", s.cfg.Server.ShutdownTimeout))
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.coordinator.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("coordinator stop: %w", err))
	}
	if s.store != nil {
		if err := s.store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
		if s.cfg.Cache.Persistence.Enabled {
			snapCtx, snapCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.store.Snapshot(snapCtx); err != nil {
				errs = append(errs, fmt.Errorf("cache snapshot: %w", err))
			}
			snapCancel()
		}
	}
	if err := s.admission.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("admission stop: %w", err))
	}
	return errors.Join(errs...)
}
