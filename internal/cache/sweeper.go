package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const snapshotTimeout = 5 * time.Second

// Start runs the expiry sweeper every SweepInterval until Close or ctx ends.
// It is a no-op when no interval is configured.
func (s *Store[V]) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		if s.cfg.SweepInterval <= 0 {
			close(s.done)
			return
		}
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		go s.sweepLoop(ctx)
	})
}

// Close stops the sweeper and waits for it, bounded by ctx.
func (s *Store[V]) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
	})
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for cache sweeper to finish: %w", ctx.Err())
	}
}

func (s *Store[V]) sweepLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce never lets a panic escape the loop.
func (s *Store[V]) sweepOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cache sweep panicked", zap.Any("panic", r))
		}
	}()

	if n := s.SweepExpired(); n > 0 {
		s.logger.Debug("swept expired entries", zap.Int("count", n))
	}
	if s.persister == nil {
		return
	}
	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	if err := s.Snapshot(snapCtx); err != nil {
		s.logger.Warn("cache snapshot failed", zap.Error(err))
	}
}
