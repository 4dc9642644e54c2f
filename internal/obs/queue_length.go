// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/inferqueue/inferqueue/internal/config"
	"go.uber.org/zap"
)

// DepthSampler returns the current schedulable queue depth. It is
// implemented by the PriorityQueue; obs stays ignorant of storage so
// there is no import cycle between the two packages.
type DepthSampler func(ctx context.Context) (int64, error)

// StartQueueDepthUpdater samples queue depth on an interval and updates
// the queue_depth gauge, generalizing the teacher's per-Redis-list
// QueueLength sampler to a single Store-backed depth.
func StartQueueDepthUpdater(ctx context.Context, cfg *config.Config, sample DepthSampler, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := sample(ctx)
				if err != nil {
					log.Debug("queue depth poll error", Err(err))
					continue
				}
				QueueDepth.Set(float64(n))
			}
		}
	}()
}
