// Package cache fronts the fingerprint index with Redis so repeat scrapes are
// rejected without a database round trip.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/david/oppforge/internal/dedup"
	"github.com/david/oppforge/internal/ingest"
)

// Connect opens a Redis client from a URL such as redis://localhost:6379/0 and
// checks it answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping failed: %w", err)
	}
	return client, nil
}

type entry struct {
	ListingID string `json:"listing_id"`
	ClusterID string `json:"cluster_id"`
}

// FingerprintCache is a read-through dedup.Index. Only keys already bound to a
// cluster are cached, so a released key can never be served as a duplicate.
// Redis failures fall through to the wrapped index.
type FingerprintCache struct {
	next   dedup.Index
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[dedup.Fingerprint]string
}

func NewFingerprintCache(next dedup.Index, client *redis.Client, ttl time.Duration, logger zerolog.Logger) *FingerprintCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &FingerprintCache{
		next:    next,
		client:  client,
		ttl:     ttl,
		prefix:  "oppforge:fp:",
		logger:  logger.With().Str("component", "fingerprint_cache").Logger(),
		pending: make(map[dedup.Fingerprint]string),
	}
}

func (c *FingerprintCache) key(k string) string {
	return c.prefix + k
}

func (c *FingerprintCache) LookupOrInsert(ctx context.Context, l ingest.RawListing) (dedup.Lookup, error) {
	fp := dedup.ComputeFingerprint(l)

	if e, ok := c.get(ctx, fp); ok {
		return dedup.Lookup{
			Duplicate:         true,
			ExistingID:        e.ListingID,
			ExistingClusterID: e.ClusterID,
			Fingerprint:       fp,
		}, nil
	}

	res, err := c.next.LookupOrInsert(ctx, l)
	if err != nil {
		return res, err
	}
	if res.Duplicate {
		if res.ExistingClusterID != "" {
			c.set(ctx, fp, entry{ListingID: res.ExistingID, ClusterID: res.ExistingClusterID})
		}
		return res, nil
	}

	c.mu.Lock()
	c.pending[fp] = res.ListingID
	c.mu.Unlock()
	return res, nil
}

func (c *FingerprintCache) Bind(ctx context.Context, fp dedup.Fingerprint, clusterID string) error {
	if err := c.next.Bind(ctx, fp, clusterID); err != nil {
		return err
	}
	c.mu.Lock()
	listingID := c.pending[fp]
	delete(c.pending, fp)
	c.mu.Unlock()

	c.set(ctx, fp, entry{ListingID: listingID, ClusterID: clusterID})
	return nil
}

func (c *FingerprintCache) Release(ctx context.Context, fp dedup.Fingerprint) error {
	c.mu.Lock()
	delete(c.pending, fp)
	c.mu.Unlock()
	return c.next.Release(ctx, fp)
}

// Evict defers to the wrapped index. Cached keys expire on their own well before
// the retention cutoff.
func (c *FingerprintCache) Evict(ctx context.Context, cutoff time.Time, closedClusterIDs []string) (int, error) {
	return c.next.Evict(ctx, cutoff, closedClusterIDs)
}

func (c *FingerprintCache) get(ctx context.Context, fp dedup.Fingerprint) (entry, bool) {
	keys := fp.Keys()
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = c.key(k)
	}

	vals, err := c.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Msg("fingerprint cache read failed")
		}
		return entry{}, false
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		return e, true
	}
	return entry{}, false
}

func (c *FingerprintCache) set(ctx context.Context, fp dedup.Fingerprint, e entry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	pipe := c.client.Pipeline()
	for _, k := range fp.Keys() {
		pipe.Set(ctx, c.key(k), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("fingerprint cache write failed")
	}
}
