// Package cache provides the best-effort Redis hot cache fronting checkpoint
// reads and recommendation results. Cache failures degrade to direct store
// reads and are never surfaced to callers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/inkwave/titlerec/pkg/observability"
)

// Cache wraps a Redis client with JSON encoding, a key prefix and a TTL.
type Cache struct {
	log    logrus.FieldLogger
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New creates a cache manager. A nil client yields a disabled cache where
// every lookup misses, so callers need no nil checks.
func New(log logrus.FieldLogger, client *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{
		log:    log.WithField("component", "cache"),
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Get reads a cached entry into dest. It reports only whether a usable entry
// was found; connection and decode failures count as misses.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if c.client == nil {
		return false
	}

	data, err := c.client.Get(ctx, c.prefix+":"+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WithError(err).WithField("key", key).Debug("Cache read failed, falling through")
		}

		observability.RecordCacheLookup(false)

		return false
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Discarding undecodable cache entry")

		observability.RecordCacheLookup(false)

		return false
	}

	observability.RecordCacheLookup(true)

	return true
}

// Set stores an entry with the configured TTL. Failures are absorbed.
func (c *Cache) Set(ctx context.Context, key string, value any) {
	if c.client == nil {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Failed to encode cache entry")
		return
	}

	if err := c.client.Set(ctx, c.prefix+":"+key, data, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Debug("Cache write failed")
	}
}

// Delete removes an entry. Failures are absorbed.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.client == nil {
		return
	}

	if err := c.client.Del(ctx, c.prefix+":"+key).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Debug("Cache delete failed")
	}
}

// RecommendationKey builds the cache key for a recommendation result set.
// Keying on the model version means an activation swap naturally stops stale
// entries being served, with no explicit invalidation.
func RecommendationKey(configID string, userID, version int64, limit int, filterViewed bool) string {
	return fmt.Sprintf("recs:%s:%d:v%d:%d:%t", configID, userID, version, limit, filterViewed)
}

// SimilarTitlesKey builds the cache key for a similar-titles result set,
// version-keyed the same way as recommendation results.
func SimilarTitlesKey(configID string, titleID, version int64, limit int) string {
	return fmt.Sprintf("similar:%s:%d:v%d:%d", configID, titleID, version, limit)
}

// ActiveVersionKey builds the cache key for a configuration's active version pointer.
func ActiveVersionKey(configID string) string {
	return "active:" + configID
}
