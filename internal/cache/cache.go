// Package cache is the single-record read cache above the coordinator:
// recently served records keyed by document id, dropped the moment a new
// distribution for that document succeeds. A cache failure is never fatal
// to a read; callers treat errors as misses.
package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"polystore-backend/internal/config"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

const keyPrefix = "record:"

// defaultTTL bounds staleness when the config leaves the TTL unset.
const defaultTTL = 5 * time.Minute

// invalidateTimeout bounds the event-driven invalidation call, which runs
// on the distributor's completion path.
const invalidateTimeout = 2 * time.Second

// Metrics counts cache outcomes. The observability collector adapts its
// counters onto this.
type Metrics interface {
	CacheHit()
	CacheMiss()
}

// RecordCache caches one record per document id.
type RecordCache struct {
	client  *redis.Client
	ttl     time.Duration
	logger  *zap.Logger
	metrics Metrics
}

// Option configures optional collaborators.
type Option func(*RecordCache)

// WithMetrics attaches a hit/miss counter sink.
func WithMetrics(m Metrics) Option {
	return func(c *RecordCache) { c.metrics = m }
}

// New dials the cache backend and verifies the connection.
func New(ctx context.Context, cfg config.Cache, logger *zap.Logger, opts ...Option) (*RecordCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.TransientTransport("cache", "connect", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c := &RecordCache{client: client, ttl: ttl, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	logger.Info("record cache connected", zap.String("addr", cfg.Addr), zap.Duration("ttl", ttl))
	return c, nil
}

// Get returns the cached record for a document id. A miss is (nil, false,
// nil).
func (c *RecordCache) Get(ctx context.Context, documentID string) (*store.Record, bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+documentID).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			c.miss()
			return nil, false, nil
		}
		return nil, false, errors.TransientTransport("cache", "get", err)
	}
	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt entry reads as a miss; the next put overwrites it.
		c.logger.Warn("dropping undecodable cache entry", zap.String("document_id", documentID))
		_ = c.client.Del(ctx, keyPrefix+documentID).Err()
		c.miss()
		return nil, false, nil
	}
	c.hit()
	return &rec, true, nil
}

// Put stores the record under its document id for the configured TTL.
func (c *RecordCache) Put(ctx context.Context, documentID string, rec *store.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Internal("encode cache entry", err)
	}
	if err := c.client.Set(ctx, keyPrefix+documentID, data, c.ttl).Err(); err != nil {
		return errors.TransientTransport("cache", "put", err)
	}
	return nil
}

// Invalidate drops the cached record for a document id.
func (c *RecordCache) Invalidate(ctx context.Context, documentID string) error {
	if err := c.client.Del(ctx, keyPrefix+documentID).Err(); err != nil {
		return errors.TransientTransport("cache", "invalidate", err)
	}
	return nil
}

// InvalidationListener adapts Invalidate to the distributor's completion
// callback: every successfully distributed document id drops its entry.
func (c *RecordCache) InvalidationListener() func(documentID string) {
	return func(documentID string) {
		ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
		defer cancel()
		if err := c.Invalidate(ctx, documentID); err != nil {
			c.logger.Warn("cache invalidation failed",
				zap.String("document_id", documentID),
				zap.Error(err))
		}
	}
}

// Close releases the client.
func (c *RecordCache) Close() error {
	return c.client.Close()
}

func (c *RecordCache) hit() {
	if c.metrics != nil {
		c.metrics.CacheHit()
	}
}

func (c *RecordCache) miss() {
	if c.metrics != nil {
		c.metrics.CacheMiss()
	}
}
