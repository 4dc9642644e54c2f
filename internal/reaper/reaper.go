// Copyright 2025 James Ross
package reaper

import (
	"context"
	"time"

	"github.com/inferqueue/inferqueue/internal/obs"
	"github.com/inferqueue/inferqueue/internal/pqueue"
	"go.uber.org/zap"
)

// Reaper periodically returns expired leases to the schedulable pool. A
// worker that crashed or was killed mid-lease leaves its entry invisible
// until leased_until passes; Reaper is what makes it visible again without
// waiting for another Lease call to notice (§4.2). When the orphaned entry's
// job is still `processing`, ReapExpired also carries it through the §4.7
// soft-retry transition so the crash consumes a retry rather than vanishing
// the job.
type Reaper struct {
	pq       *pqueue.PriorityQueue
	interval time.Duration
	log      *zap.Logger
}

func New(pq *pqueue.PriorityQueue, interval time.Duration, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reaper{pq: pq, interval: interval, log: log}
}

// Run blocks, sweeping for expired leases on a ticker, until ctx is
// canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	n, err := r.pq.ReapExpired(ctx, time.Now().UTC())
	if err != nil {
		r.log.Warn("reaper sweep failed", obs.Err(err))
		return
	}
	if n > 0 {
		obs.LeaseReaped.Add(float64(n))
		r.log.Warn("reaped expired leases", obs.Int("count", int(n)))
	}
}
