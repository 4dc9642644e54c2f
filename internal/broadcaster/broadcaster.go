// Copyright 2025 James Ross
package broadcaster

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/inferqueue/inferqueue/internal/config"
	"github.com/inferqueue/inferqueue/internal/obs"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EventKind is the terminal transition a broadcast announces (§4.6).
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// CompletedPayload is the wire body for an inference/job/{job_id}/completed event (§6).
type CompletedPayload struct {
	JobID         string `json:"job_id"`
	TaskType      string `json:"task_type"`
	Status        string `json:"status"`
	ResultSummary string `json:"result_summary"`
	TimestampMs   int64  `json:"timestamp_ms"`
}

// FailedPayload is the wire body for an inference/job/{job_id}/failed event (§6).
type FailedPayload struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	RetryCount   int    `json:"retry_count"`
	TimestampMs  int64  `json:"timestamp_ms"`
}

// publisher is the subset of nats.JetStreamContext Broadcaster depends on,
// narrowed so tests can substitute a fake without a live NATS server.
type publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Broadcaster publishes one event per terminal state transition to a
// topic-based fan-out (§4.6). Delivery is at-least-once and best-effort:
// a publish failure is logged and retried locally; it never reverts the
// job's already-committed terminal state and never blocks the Worker.
type Broadcaster struct {
	conn         *nats.Conn
	js           publisher
	log          *zap.Logger
	retryCount   int
	retryBackoff time.Duration
	wg           sync.WaitGroup
}

func Connect(cfg *config.Broker, log *zap.Logger) (*Broadcaster, error) {
	url := fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.Port)
	conn, err := nats.Connect(url, nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("broadcaster: connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broadcaster: jetstream: %w", err)
	}
	retry := cfg.PublishRetry
	if retry <= 0 {
		retry = 3
	}
	return &Broadcaster{conn: conn, js: js, log: log, retryCount: retry, retryBackoff: cfg.PublishBackoff}, nil
}

// newWithPublisher builds a Broadcaster around an injected publisher,
// bypassing the network connect in Connect. Used by tests.
func newWithPublisher(js publisher, log *zap.Logger, retryCount int, retryBackoff time.Duration) *Broadcaster {
	return &Broadcaster{js: js, log: log, retryCount: retryCount, retryBackoff: retryBackoff}
}

// Close waits for any in-flight publishes to finish before closing the
// connection, so a shutdown never truncates a retry loop mid-attempt.
func (b *Broadcaster) Close() {
	b.wg.Wait()
	if b.conn != nil {
		b.conn.Close()
	}
}

// topic builds the bit-exact inference/job/{job_id}/{event_kind} subject (§6).
func topic(jobID string, kind EventKind) string {
	return fmt.Sprintf("inference/job/%s/%s", jobID, kind)
}

// PublishCompleted announces a completed job. The publish (including its
// local retry loop) runs on its own goroutine so the caller — the Worker's
// critical path — returns immediately regardless of broker health (§4.6,
// §5: "connection loss must not block the Worker's critical path").
// Failure is logged and never propagated to the caller as a reason to
// revert job state (§4.7).
func (b *Broadcaster) PublishCompleted(jobID string, payload CompletedPayload) {
	b.dispatch(jobID, EventCompleted, payload)
}

// PublishFailed announces a failed (terminal-error) job.
func (b *Broadcaster) PublishFailed(jobID string, payload FailedPayload) {
	b.dispatch(jobID, EventFailed, payload)
}

func (b *Broadcaster) dispatch(jobID string, kind EventKind, payload interface{}) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.publish(jobID, kind, payload)
	}()
}

func (b *Broadcaster) publish(jobID string, kind EventKind, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("broadcaster: marshal payload failed", obs.Err(err), zap.String("job_id", jobID))
		return
	}

	subject := topic(jobID, kind)
	var lastErr error
	for attempt := 0; attempt <= b.retryCount; attempt++ {
		if attempt > 0 {
			time.Sleep(b.retryBackoff * time.Duration(attempt))
		}
		if _, err := b.js.Publish(subject, data); err != nil {
			lastErr = err
			continue
		}
		obs.BroadcastPublished.WithLabelValues(string(kind)).Inc()
		return
	}
	obs.BroadcastPublishFailed.Inc()
	b.log.Warn("broadcaster: publish failed after local retry",
		obs.Err(lastErr), zap.String("job_id", jobID), zap.String("subject", subject))
}
