// Copyright 2025 James Ross
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/inferqueue/inferqueue/internal/broadcaster"
	"github.com/inferqueue/inferqueue/internal/config"
	"github.com/inferqueue/inferqueue/internal/inference"
	"github.com/inferqueue/inferqueue/internal/mediafetcher"
	"github.com/inferqueue/inferqueue/internal/pqueue"
	"github.com/inferqueue/inferqueue/internal/store"
	"github.com/inferqueue/inferqueue/internal/vectorsink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBackoffCaps(t *testing.T) {
	b := backoff(10, 100*time.Millisecond, 1*time.Second)
	assert.Equal(t, 1*time.Second, b)
}

type fakePublisher struct {
	mu        sync.Mutex
	completed []broadcaster.CompletedPayload
	failed    []broadcaster.FailedPayload
}

func (f *fakePublisher) PublishCompleted(jobID string, payload broadcaster.CompletedPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, payload)
}

func (f *fakePublisher) PublishFailed(jobID string, payload broadcaster.FailedPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, payload)
}

type testHarness struct {
	store *store.Store
	pq    *pqueue.PriorityQueue
	pub   *fakePublisher
	w     *Worker
}

func newHarness(t *testing.T, inferHandler http.HandlerFunc, maxRetries int) *testHarness {
	return newHarnessWithMediaHook(t, nil, inferHandler, maxRetries)
}

func newHarnessWithMediaHook(t *testing.T, onMediaFetched func(), inferHandler http.HandlerFunc, maxRetries int) *testHarness {
	t.Helper()
	s, err := store.Open(context.Background(), &config.Database{URL: "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	pq := pqueue.New(s, nil)

	mediaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onMediaFetched != nil {
			onMediaFetched()
		}
		_, _ = w.Write([]byte("fake-image-bytes"))
	}))
	t.Cleanup(mediaSrv.Close)
	fetcher := mediafetcher.New(&config.MediaStore{URL: mediaSrv.URL, RequestTimeout: 2 * time.Second, RateLimitPerSec: 1000, RateLimitBurst: 1000}, nil)

	inferSrv := httptest.NewServer(inferHandler)
	t.Cleanup(inferSrv.Close)
	engine := inference.NewHTTPEngine(&http.Client{Timeout: 2 * time.Second}, inferSrv.URL)
	pool := inference.NewPool(engine, 2)

	vecSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(vecSrv.Close)
	sink := vectorsink.New(&config.VectorStore{URL: vecSrv.URL, RequestTimeout: 2 * time.Second}, nil)

	pub := &fakePublisher{}

	cfg := &config.Config{
		VectorStore: config.VectorStore{
			ImageEmbeddingCol: "image_embeddings",
			FaceEmbeddingCol:  "face_embeddings",
			FaceIDMultiplier:  1000,
		},
		Worker: config.Worker{
			Count:         1,
			PollInterval:  10 * time.Millisecond,
			LeaseDuration: time.Minute,
			MaxRetries:    maxRetries,
			Backoff:       config.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		},
	}

	w := newWithPublisher(cfg, s, pq, fetcher, pool, sink, pub, zap.NewNop())
	return &testHarness{store: s, pq: pq, pub: pub, w: w}
}

func (h *testHarness) submit(t *testing.T, taskType store.TaskType, mediaID string, maxRetries int) *store.Job {
	t.Helper()
	job := &store.Job{TaskType: taskType, MediaID: mediaID, Priority: 5, MaxRetries: maxRetries, CreatedBy: "tester"}
	err := h.store.WithinTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		if err := h.store.CreateJob(ctx, tx, job); err != nil {
			return err
		}
		_, err := h.pq.Enqueue(ctx, tx, job.JobID, job.Priority)
		return err
	})
	require.NoError(t, err)
	return job
}

func TestWorkerCompletesImageEmbeddingJob(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"dim": 2, "vector": []float32{0.5, 0.6}})
	}, 3)

	job := h.submit(t, store.TaskImageEmbedding, "media-1", 3)

	entry, err := h.pq.Lease(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, entry)

	h.w.handleEntry(context.Background(), "worker-1", entry)

	loaded, err := h.store.LoadJob(context.Background(), h.store.DB(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, loaded.Status)
	assert.NotNil(t, loaded.CompletedAt)
	assert.NotEmpty(t, loaded.Result)

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	require.Len(t, h.pub.completed, 1)
	assert.Equal(t, job.JobID, h.pub.completed[0].JobID)
	assert.Empty(t, h.pub.failed)
}

func TestWorkerRetriesTransientFailureThenSucceeds(t *testing.T) {
	attempt := 0
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		attempt++
		if attempt == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"dim": 1, "vector": []float32{0.1}})
	}, 3)

	job := h.submit(t, store.TaskImageEmbedding, "media-2", 3)

	entry, err := h.pq.Lease(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	h.w.handleEntry(context.Background(), "worker-1", entry)

	loaded, err := h.store.LoadJob(context.Background(), h.store.DB(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, loaded.Status)
	assert.Equal(t, 1, loaded.RetryCount)

	h.pub.mu.Lock()
	assert.Empty(t, h.pub.completed)
	assert.Empty(t, h.pub.failed)
	h.pub.mu.Unlock()

	time.Sleep(10 * time.Millisecond) // clear nack backoff window
	entry2, err := h.pq.Lease(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, entry2)
	h.w.handleEntry(context.Background(), "worker-1", entry2)

	loaded, err = h.store.LoadJob(context.Background(), h.store.DB(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, loaded.Status)

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	assert.Len(t, h.pub.completed, 1)
}

func TestWorkerNonRetryableFailureGoesToError(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}, 3)

	job := h.submit(t, store.TaskImageEmbedding, "media-3", 3)

	entry, err := h.pq.Lease(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	h.w.handleEntry(context.Background(), "worker-1", entry)

	loaded, err := h.store.LoadJob(context.Background(), h.store.DB(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, loaded.Status)
	assert.NotEmpty(t, loaded.ErrorMessage)

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	require.Len(t, h.pub.failed, 1)
	assert.Empty(t, h.pub.completed)
}

func TestWorkerExhaustsRetriesAndErrors(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, 1)

	job := h.submit(t, store.TaskImageEmbedding, "media-4", 1)

	for i := 0; i < 2; i++ {
		time.Sleep(10 * time.Millisecond)
		entry, err := h.pq.Lease(context.Background(), "worker-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, entry)
		h.w.handleEntry(context.Background(), "worker-1", entry)
	}

	loaded, err := h.store.LoadJob(context.Background(), h.store.DB(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, loaded.Status)

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	assert.Len(t, h.pub.failed, 1)
}

func TestWorkerStaleEntryIsAckedWithoutProcessing(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inference engine should not be called for a stale entry")
	}, 3)

	job := h.submit(t, store.TaskImageEmbedding, "media-5", 3)

	// Simulate a job that already moved past pending (e.g. another worker finished it).
	processing := store.StatusProcessing
	_, err := h.store.UpdateJob(context.Background(), h.store.DB(), job.JobID, store.JobPatch{Status: &processing})
	require.NoError(t, err)
	completed := store.StatusCompleted
	now := time.Now().UTC()
	_, err = h.store.UpdateJob(context.Background(), h.store.DB(), job.JobID, store.JobPatch{
		Status: &completed, CompletedAt: &now, Result: []byte(`{"dim":1,"vector":[0.1]}`),
	})
	require.NoError(t, err)

	entry, err := h.pq.Lease(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, entry)

	h.w.handleEntry(context.Background(), "worker-1", entry)

	depth, err := h.pq.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestWorkerDiscardsResultWhenJobDeletedMidFlight(t *testing.T) {
	release := make(chan struct{})
	fetched := make(chan struct{})
	var once sync.Once
	h := newHarnessWithMediaHook(t, func() { once.Do(func() { close(fetched) }) }, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"dim": 1, "vector": []float32{0.1}})
	}, 3)

	job := h.submit(t, store.TaskImageEmbedding, "media-6", 3)
	entry, err := h.pq.Lease(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.w.handleEntry(context.Background(), "worker-1", entry)
		close(done)
	}()

	// Wait until the job is past the pending->processing commit (media has
	// been fetched) before deleting it out from under the in-flight worker.
	<-fetched
	require.NoError(t, h.store.DeleteJob(context.Background(), h.store.DB(), job.JobID))
	close(release)
	<-done

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	assert.Empty(t, h.pub.completed)
	assert.Empty(t, h.pub.failed)
}
