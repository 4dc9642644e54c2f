// Copyright 2025 James Ross
package reaper

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/inferqueue/inferqueue/internal/config"
	"github.com/inferqueue/inferqueue/internal/pqueue"
	"github.com/inferqueue/inferqueue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReaper(t *testing.T) (*store.Store, *pqueue.PriorityQueue, *Reaper) {
	t.Helper()
	s, err := store.Open(context.Background(), &config.Database{URL: "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	pq := pqueue.New(s, nil)
	return s, pq, New(pq, time.Hour, zap.NewNop())
}

func submit(t *testing.T, s *store.Store, pq *pqueue.PriorityQueue, mediaID string) string {
	t.Helper()
	var jobID string
	err := s.WithinTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		job := &store.Job{TaskType: store.TaskImageEmbedding, MediaID: mediaID, Priority: 5, MaxRetries: 3}
		if err := s.CreateJob(ctx, tx, job); err != nil {
			return err
		}
		jobID = job.JobID
		_, err := pq.Enqueue(ctx, tx, job.JobID, job.Priority)
		return err
	})
	require.NoError(t, err)
	return jobID
}

func TestScanOnceRecoversExpiredLease(t *testing.T) {
	s, pq, r := newTestReaper(t)
	ctx := context.Background()
	submit(t, s, pq, "m1")

	_, err := pq.Lease(ctx, "dead-worker", -time.Minute) // already-expired lease
	require.NoError(t, err)

	r.scanOnce(ctx)

	entry, err := pq.Lease(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestScanOnceLeavesActiveLeaseAlone(t *testing.T) {
	s, pq, r := newTestReaper(t)
	ctx := context.Background()
	submit(t, s, pq, "m2")

	_, err := pq.Lease(ctx, "worker-1", time.Hour)
	require.NoError(t, err)

	r.scanOnce(ctx)

	again, err := pq.Lease(ctx, "worker-2", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, again)
}
