package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/pkg/kv"
)

// CachedRepository wraps a Repository with a Redis write-through cache for
// LoadPending, so a delivery worker rehydrating a hot turn doesn't always
// round-trip to Postgres. Postgres stays authoritative: every write goes
// through the underlying Repository first, the cache is invalidated on any
// state change, and a cache miss or a cache error always falls back to it.
type CachedRepository struct {
	Repository
	kv  kv.Store
	ttl time.Duration
	log *zap.Logger
}

func NewCachedRepository(repo Repository, store kv.Store, ttl time.Duration, log *zap.Logger) *CachedRepository {
	return &CachedRepository{Repository: repo, kv: store, ttl: ttl, log: log}
}

func pendingCacheKey(conversationID, turnID string) string {
	return fmt.Sprintf("outbox:pending:%s:%s", conversationID, turnID)
}

func (c *CachedRepository) LoadPending(ctx context.Context, conversationID, turnID string) ([]Item, error) {
	key := pendingCacheKey(conversationID, turnID)

	if cached, err := c.kv.Get(ctx, key); err == nil {
		var items []Item
		if jsonErr := json.Unmarshal([]byte(cached), &items); jsonErr == nil {
			return items, nil
		}
		c.log.Warn("outbox cache entry corrupt, falling back to repository", zap.String("key", key))
	}

	items, err := c.Repository.LoadPending(ctx, conversationID, turnID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(items); err == nil {
		if err := c.kv.Set(ctx, key, string(data), c.ttl); err != nil {
			c.log.Warn("outbox cache write failed, continuing without it", zap.String("key", key), zap.Error(err))
		}
	}

	return items, nil
}

func (c *CachedRepository) invalidate(ctx context.Context, conversationID, turnID string) {
	if err := c.kv.Delete(ctx, pendingCacheKey(conversationID, turnID)); err != nil {
		c.log.Warn("outbox cache invalidation failed", zap.String("conversation_id", conversationID), zap.String("turn_id", turnID), zap.Error(err))
	}
}

func (c *CachedRepository) Save(ctx context.Context, conversationID, turnID string, items []Item) error {
	if err := c.Repository.Save(ctx, conversationID, turnID, items); err != nil {
		return err
	}
	c.invalidate(ctx, conversationID, turnID)
	return nil
}

func (c *CachedRepository) MarkSent(ctx context.Context, conversationID, turnID string, itemIndex int, providerMessageID string) error {
	if err := c.Repository.MarkSent(ctx, conversationID, turnID, itemIndex, providerMessageID); err != nil {
		return err
	}
	c.invalidate(ctx, conversationID, turnID)
	return nil
}

func (c *CachedRepository) MarkFailed(ctx context.Context, conversationID, turnID string, itemIndex int) error {
	if err := c.Repository.MarkFailed(ctx, conversationID, turnID, itemIndex); err != nil {
		return err
	}
	c.invalidate(ctx, conversationID, turnID)
	return nil
}

func (c *CachedRepository) Retry(ctx context.Context, conversationID, turnID string) (int, error) {
	n, err := c.Repository.Retry(ctx, conversationID, turnID)
	if err != nil {
		return n, err
	}
	c.invalidate(ctx, conversationID, turnID)
	return n, nil
}
