// Copyright 2025 James Ross
package pqueue

import (
	"context"
	"time"

	"github.com/inferqueue/inferqueue/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LeaseCache is a best-effort, non-authoritative mirror of
// queue_entries.lease_holder/leased_until (§4.2). Store is always the
// source of truth: PriorityQueue writes to the cache on Lease, Ack and Nack
// but never reads from it, so a disconnect or disabled cache changes no
// lease decision and saves no database round trip.
type LeaseCache interface {
	MarkLeased(ctx context.Context, entryID, workerID string, ttl time.Duration)
	Clear(ctx context.Context, entryID string)
}

// NopLeaseCache is the zero-configuration default: every call is a no-op.
type NopLeaseCache struct{}

func (NopLeaseCache) MarkLeased(context.Context, string, string, time.Duration) {}
func (NopLeaseCache) Clear(context.Context, string)                             {}

// RedisLeaseCache mirrors lease ownership into Redis with a TTL matching
// the lease duration, so an external dashboard can cheaply check "is this
// entry plausibly leased" without a Store round trip; nothing in this module
// reads the keys. Redis errors are logged at Debug and never returned to
// PriorityQueue, though each call waits for its Redis round trip.
type RedisLeaseCache struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisLeaseCache(client *redis.Client, log *zap.Logger) *RedisLeaseCache {
	return &RedisLeaseCache{client: client, log: log}
}

func (c *RedisLeaseCache) MarkLeased(ctx context.Context, entryID, workerID string, ttl time.Duration) {
	if err := c.client.Set(ctx, leaseKey(entryID), workerID, ttl).Err(); err != nil {
		c.log.Debug("lease cache set failed, falling back to store on next read", obs.Err(err), zap.String("entry_id", entryID))
	}
}

func (c *RedisLeaseCache) Clear(ctx context.Context, entryID string) {
	if err := c.client.Del(ctx, leaseKey(entryID)).Err(); err != nil {
		c.log.Debug("lease cache clear failed", obs.Err(err), zap.String("entry_id", entryID))
	}
}

func leaseKey(entryID string) string {
	return "inferqueue:lease:" + entryID
}
