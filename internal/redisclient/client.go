// Copyright 2025 James Ross
package redisclient

import (
	"time"

	"github.com/inferqueue/inferqueue/internal/config"
	"github.com/redis/go-redis/v9"
)

// New returns a configured go-redis v9 client backing PriorityQueue's
// lease-visibility cache (§4.2). Callers must treat it as a best-effort
// accelerator: Store remains the authoritative source of lease state.
func New(cfg *config.LeaseCache) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		MaxRetries:   2,
	})
}
