package pipeline

import (
	"errors"

	"go.uber.org/zap"

	"github.com/KYBvWHxW/mcp-translation-server/internal/cache"
	"github.com/KYBvWHxW/mcp-translation-server/internal/models"
)

// CacheSink writes published results into the cache under the key stored
// on the item.
type CacheSink struct {
	store  *cache.Store[any]
	logger *zap.Logger
}

func NewCacheSink(store *cache.Store[any], logger *zap.Logger) *CacheSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheSink{store: store, logger: logger.With(zap.String("component", "cache_sink"))}
}

func (s *CacheSink) Store(item *models.PendingItem, value any) {
	if s == nil || s.store == nil || item == nil || item.Fingerprint == "" {
		return
	}
	if err := s.store.Set(item.Fingerprint, value); err != nil {
		if errors.Is(err, models.ErrCacheItemTooLarge) {
			s.logger.Debug("result too large to cache", zap.String("key", item.Fingerprint), zap.Error(err))
			return
		}
		s.logger.Warn("failed to cache result", zap.String("key", item.Fingerprint), zap.Error(err))
	}
}
