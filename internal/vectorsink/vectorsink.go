// Copyright 2025 James Ross
package vectorsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"

	"github.com/inferqueue/inferqueue/internal/apperr"
	"github.com/inferqueue/inferqueue/internal/breaker"
	"github.com/inferqueue/inferqueue/internal/config"
)

// Point is one row in the vector store: (id, vector, payload) within a
// named collection (§GLOSSARY).
type Point struct {
	ID      interface{}            `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// VectorSink durably stores one or more vectors with structured payload
// under a named collection (§4.4). Upserts are idempotent by
// (collection, id): the vector store, not this client, is responsible for
// last-write-wins semantics on differing content.
type VectorSink struct {
	client  *http.Client
	baseURL string
	breaker *breaker.CircuitBreaker
}

func New(cfg *config.VectorStore, cb *breaker.CircuitBreaker) *VectorSink {
	return &VectorSink{
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		baseURL: cfg.URL,
		breaker: cb,
	}
}

// Upsert writes points into collection. An open circuit, a transport
// failure or a non-2xx response returns apperr.VectorSinkUnavailable, which
// §7 marks retryable; a marshal or request-build failure returns
// apperr.Internal.
func (v *VectorSink) Upsert(ctx context.Context, collection string, points []Point) error {
	if v.breaker != nil && !v.breaker.Allow() {
		return apperr.New(apperr.VectorSinkUnavailable, "vector sink circuit open")
	}

	body, err := json.Marshal(struct {
		Points []Point `json:"points"`
	}{Points: points})
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal upsert body", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points", v.baseURL, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "build upsert request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		v.recordResult(false)
		return apperr.Wrap(apperr.VectorSinkUnavailable, "vector sink request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		v.recordResult(resp.StatusCode < 500)
		return apperr.New(apperr.VectorSinkUnavailable, fmt.Sprintf("vector sink returned %d", resp.StatusCode))
	}
	v.recordResult(true)
	return nil
}

func (v *VectorSink) recordResult(ok bool) {
	if v.breaker != nil {
		v.breaker.Record(ok)
	}
}

// ImageEmbeddingID derives a collision-resistant numeric point id for a
// media_id's image_embeddings row.
func ImageEmbeddingID(mediaID string) uint64 {
	return hashMediaID(mediaID)
}

// FacePointID implements the f(media_id, face_index) scheme suggested by
// §4.4: media_id's numeric hash times multiplier, plus face_index. The
// only binding contract is collision-freedom within one media_id; the
// multiplier (config vector_store.face_id_multiplier, default 1000) bounds
// how many faces one image can hold before colliding with the next
// media_id's point space, per §9's open question.
func FacePointID(mediaID string, faceIndex int, multiplier int64) uint64 {
	base := hashMediaID(mediaID) * uint64(multiplier)
	return base + uint64(faceIndex)
}

func hashMediaID(mediaID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(mediaID))
	return h.Sum64()
}
