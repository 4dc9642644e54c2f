// Copyright 2025 James Ross
package broadcaster

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	failCount int32
	calls     int32
	lastSubj  string
	lastData  []byte
}

func (f *fakePublisher) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	atomic.AddInt32(&f.calls, 1)
	f.lastSubj = subj
	f.lastData = data
	if atomic.LoadInt32(&f.failCount) > 0 {
		atomic.AddInt32(&f.failCount, -1)
		return nil, assert.AnError
	}
	return &nats.PubAck{}, nil
}

func TestPublishCompletedSucceedsOnFirstTry(t *testing.T) {
	fp := &fakePublisher{}
	b := newWithPublisher(fp, zap.NewNop(), 3, time.Millisecond)

	b.PublishCompleted("job-1", CompletedPayload{JobID: "job-1", TaskType: "image_embedding", Status: "completed"})
	b.wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fp.calls))
	assert.Equal(t, "inference/job/job-1/completed", fp.lastSubj)

	var decoded CompletedPayload
	require.NoError(t, json.Unmarshal(fp.lastData, &decoded))
	assert.Equal(t, "job-1", decoded.JobID)
}

func TestPublishFailedTopicConvention(t *testing.T) {
	fp := &fakePublisher{}
	b := newWithPublisher(fp, zap.NewNop(), 3, time.Millisecond)

	b.PublishFailed("job-9", FailedPayload{JobID: "job-9", Status: "error", ErrorMessage: "boom"})
	b.wg.Wait()

	assert.Equal(t, "inference/job/job-9/failed", fp.lastSubj)
}

func TestPublishRetriesLocallyOnFailure(t *testing.T) {
	fp := &fakePublisher{failCount: 2}
	b := newWithPublisher(fp, zap.NewNop(), 3, time.Millisecond)

	b.PublishCompleted("job-2", CompletedPayload{JobID: "job-2"})
	b.wg.Wait()

	assert.Equal(t, int32(3), atomic.LoadInt32(&fp.calls))
}

func TestPublishGivesUpAfterRetryBudgetNeverPanics(t *testing.T) {
	fp := &fakePublisher{failCount: 100}
	b := newWithPublisher(fp, zap.NewNop(), 2, time.Millisecond)

	assert.NotPanics(t, func() {
		b.PublishCompleted("job-3", CompletedPayload{JobID: "job-3"})
		b.wg.Wait()
	})
	assert.Equal(t, int32(3), atomic.LoadInt32(&fp.calls)) // 1 initial + 2 retries
}
