// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/inferqueue/inferqueue/internal/apperr"
	"github.com/inferqueue/inferqueue/internal/broadcaster"
	"github.com/inferqueue/inferqueue/internal/config"
	"github.com/inferqueue/inferqueue/internal/inference"
	"github.com/inferqueue/inferqueue/internal/mediafetcher"
	"github.com/inferqueue/inferqueue/internal/obs"
	"github.com/inferqueue/inferqueue/internal/pqueue"
	"github.com/inferqueue/inferqueue/internal/store"
	"github.com/inferqueue/inferqueue/internal/vectorsink"
	"go.uber.org/zap"
)

// publisher is the subset of Broadcaster's surface Worker depends on,
// narrowed so tests can substitute a fake without a live broker connection.
type publisher interface {
	PublishCompleted(jobID string, payload broadcaster.CompletedPayload)
	PublishFailed(jobID string, payload broadcaster.FailedPayload)
}

// Worker drives leased queue entries through the job lifecycle (§4.7):
// lease, fetch, infer, persist vectors, commit result, broadcast. Multiple
// Worker goroutines compete safely for entries through PriorityQueue's
// lease protocol; there is no coordination between them beyond the Store.
type Worker struct {
	store   *store.Store
	pq      *pqueue.PriorityQueue
	fetcher *mediafetcher.MediaFetcher
	pool    *inference.Pool
	sink    *vectorsink.VectorSink
	bcast   publisher
	vecCfg  config.VectorStore
	cfg     config.Worker
	log     *zap.Logger
	baseID  string
}

func New(
	cfg *config.Config,
	st *store.Store,
	pq *pqueue.PriorityQueue,
	fetcher *mediafetcher.MediaFetcher,
	pool *inference.Pool,
	sink *vectorsink.VectorSink,
	bcast *broadcaster.Broadcaster,
	log *zap.Logger,
) *Worker {
	return newWithPublisher(cfg, st, pq, fetcher, pool, sink, bcast, log)
}

func newWithPublisher(
	cfg *config.Config,
	st *store.Store,
	pq *pqueue.PriorityQueue,
	fetcher *mediafetcher.MediaFetcher,
	pool *inference.Pool,
	sink *vectorsink.VectorSink,
	bcast publisher,
	log *zap.Logger,
) *Worker {
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	return &Worker{
		store: st, pq: pq, fetcher: fetcher, pool: pool, sink: sink, bcast: bcast,
		vecCfg: cfg.VectorStore, cfg: cfg.Worker, log: log, baseID: base,
	}
}

// Run starts cfg.Worker.Count independent lease loops and blocks until ctx
// is canceled and all of them have returned.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Count; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", w.baseID, i)
		go func() {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			w.runOne(ctx, workerID)
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) runOne(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		entry, err := w.pq.Lease(ctx, workerID, w.cfg.LeaseDuration)
		if err != nil {
			w.log.Error("lease attempt failed", obs.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		if entry == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		obs.JobsLeased.Inc()
		w.handleEntry(ctx, workerID, entry)
	}
}

// handleEntry runs one entry through steps 2-7 of the §4.7 main loop.
func (w *Worker) handleEntry(ctx context.Context, workerID string, entry *store.QueueEntry) {
	job, err := w.store.LoadJob(ctx, w.store.DB(), entry.JobID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			// job was deleted while the entry sat in queue; drop the orphan.
			w.ack(ctx, entry.EntryID)
			return
		}
		w.log.Error("load job failed", obs.Err(err))
		return
	}
	if job.Status != store.StatusPending {
		// stale entry: lease recovered after a crash, or a race already
		// resolved by another worker. Not ours to run.
		w.ack(ctx, entry.EntryID)
		return
	}

	ctx, span := obs.ContextWithJobSpan(ctx, job.JobID, string(job.TaskType), job.MediaID, job.Priority, job.RetryCount)
	defer span.End()
	obs.AddSpanAttributes(ctx, obs.KeyValue("worker.id", workerID))

	startedAt := time.Now().UTC()
	processing := store.StatusProcessing
	job, err = w.store.UpdateJob(ctx, w.store.DB(), job.JobID, store.JobPatch{Status: &processing, StartedAt: &startedAt})
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			w.ack(ctx, entry.EntryID)
			return
		}
		w.log.Error("transition to processing failed", obs.Err(err))
		obs.RecordError(ctx, err)
		return
	}

	execStart := time.Now()
	result, execErr := w.execute(ctx, job)
	obs.JobProcessingDuration.Observe(time.Since(execStart).Seconds())

	if execErr != nil {
		w.handleFailure(ctx, entry, job, execErr)
		return
	}
	w.commitSuccess(ctx, entry, job, result)
}

// execute runs step 4: fetch -> infer -> (for vector-producing task types)
// upsert. The vector write happens before the caller commits the job's
// terminal result, per §4.7's ordering guarantee.
func (w *Worker) execute(ctx context.Context, job *store.Job) (inference.Result, error) {
	media, err := w.fetcher.Fetch(ctx, job.MediaID)
	if err != nil {
		return inference.Result{}, err
	}
	obs.AddEvent(ctx, "job.media_fetched")

	result, err := w.pool.Dispatch(ctx, job.TaskType, media.Bytes)
	if err != nil {
		return inference.Result{}, err
	}
	obs.AddEvent(ctx, "job.inference_complete", obs.KeyValue("task_type", string(job.TaskType)))

	if err := w.upsertVectors(ctx, job, result); err != nil {
		return inference.Result{}, err
	}
	return result, nil
}

func (w *Worker) upsertVectors(ctx context.Context, job *store.Job, result inference.Result) error {
	switch job.TaskType {
	case store.TaskImageEmbedding:
		point := vectorsink.Point{
			ID:     vectorsink.ImageEmbeddingID(job.MediaID),
			Vector: result.Vector,
			Payload: map[string]interface{}{
				"job_id": job.JobID, "media_id": job.MediaID, "task_type": string(job.TaskType),
			},
		}
		return w.sink.Upsert(ctx, w.vecCfg.ImageEmbeddingCol, []vectorsink.Point{point})

	case store.TaskFaceEmbedding:
		if len(result.Faces) == 0 {
			return nil
		}
		points := make([]vectorsink.Point, 0, len(result.Faces))
		for _, f := range result.Faces {
			points = append(points, vectorsink.Point{
				ID:     vectorsink.FacePointID(job.MediaID, f.FaceIndex, w.vecCfg.FaceIDMultiplier),
				Vector: f.Vector,
				Payload: map[string]interface{}{
					"job_id": job.JobID, "media_id": job.MediaID,
					"face_index": f.FaceIndex, "bbox": f.BBox, "confidence": f.Confidence,
				},
			})
		}
		return w.sink.Upsert(ctx, w.vecCfg.FaceEmbeddingCol, points)

	case store.TaskFaceDetection:
		return nil // bounding boxes only; nothing to embed

	default:
		return apperr.New(apperr.Internal, fmt.Sprintf("unknown task_type %q", job.TaskType))
	}
}

// commitSuccess applies step 5: commit status=completed before publishing
// the broadcast. If the job vanished out from under us (concurrent
// delete_job), the result is discarded without a broadcast (§4.7 cancellation).
func (w *Worker) commitSuccess(ctx context.Context, entry *store.QueueEntry, job *store.Job, result inference.Result) {
	payload, err := json.Marshal(result)
	if err != nil {
		w.handleFailure(ctx, entry, job, apperr.Wrap(apperr.Internal, "marshal result", err))
		return
	}

	completedAt := time.Now().UTC()
	completed := store.StatusCompleted
	_, err = w.store.UpdateJob(ctx, w.store.DB(), job.JobID, store.JobPatch{
		Status: &completed, CompletedAt: &completedAt, Result: payload,
	})
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			w.ack(ctx, entry.EntryID)
			return
		}
		w.log.Error("commit completed failed", obs.Err(err))
		obs.RecordError(ctx, err)
		return
	}
	w.ack(ctx, entry.EntryID)

	obs.JobsCompleted.Inc()
	obs.SetSpanSuccess(ctx)
	obs.AddEvent(ctx, "job.completed", obs.KeyValue("job.id", job.JobID))

	w.bcast.PublishCompleted(job.JobID, broadcaster.CompletedPayload{
		JobID:         job.JobID,
		TaskType:      string(job.TaskType),
		Status:        string(completed),
		ResultSummary: summarize(job.TaskType, result),
		TimestampMs:   completedAt.UnixMilli(),
	})
}

// handleFailure applies steps 6-7: soft-retry on a retryable failure
// within budget, otherwise terminal error + broadcast.
func (w *Worker) handleFailure(ctx context.Context, entry *store.QueueEntry, job *store.Job, execErr error) {
	obs.RecordError(ctx, execErr)

	if apperr.IsRetryable(execErr) && job.RetryCount < job.MaxRetries {
		retryCount := job.RetryCount + 1
		pending := store.StatusPending
		_, err := w.store.UpdateJob(ctx, w.store.DB(), job.JobID, store.JobPatch{Status: &pending, RetryCount: &retryCount})
		if err != nil {
			if apperr.Is(err, apperr.NotFound) {
				w.ack(ctx, entry.EntryID)
				return
			}
			w.log.Error("transition back to pending failed", obs.Err(err))
			return
		}

		delay := backoff(retryCount, w.cfg.Backoff.Base, w.cfg.Backoff.Max)
		if err := w.pq.Nack(ctx, w.store.DB(), entry.EntryID, delay); err != nil {
			w.log.Error("nack failed", obs.Err(err))
		}
		obs.JobsRetried.Inc()
		w.log.Warn("job soft-retried", zap.String("job_id", job.JobID), zap.Int("retry_count", retryCount), obs.Err(execErr))
		return // no broadcast on soft retry
	}

	msg := execErr.Error()
	errStatus := store.StatusError
	_, err := w.store.UpdateJob(ctx, w.store.DB(), job.JobID, store.JobPatch{Status: &errStatus, ErrorMessage: &msg})
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			w.ack(ctx, entry.EntryID)
			return
		}
		w.log.Error("transition to error failed", obs.Err(err))
		return
	}
	w.ack(ctx, entry.EntryID)

	obs.JobsError.Inc()
	w.log.Error("job failed terminally", zap.String("job_id", job.JobID), obs.Err(execErr))

	w.bcast.PublishFailed(job.JobID, broadcaster.FailedPayload{
		JobID:        job.JobID,
		Status:       string(errStatus),
		ErrorMessage: msg,
		RetryCount:   job.RetryCount,
		TimestampMs:  time.Now().UnixMilli(),
	})
}

func (w *Worker) ack(ctx context.Context, entryID string) {
	if err := w.pq.Ack(ctx, w.store.DB(), entryID); err != nil {
		w.log.Error("ack failed", obs.Err(err), zap.String("entry_id", entryID))
	}
}

func summarize(taskType store.TaskType, result inference.Result) string {
	if taskType == store.TaskImageEmbedding {
		return fmt.Sprintf("dim=%d", result.Dim)
	}
	return fmt.Sprintf("face_count=%d", result.FaceCount)
}

func backoff(retryCount int, base, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(retryCount-1)) * base
	if d <= 0 || d > max {
		return max
	}
	return d
}
