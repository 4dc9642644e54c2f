// Copyright 2025 James Ross
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/inferqueue/inferqueue/internal/apperr"
	"github.com/inferqueue/inferqueue/internal/store"
)

// BBox is an axis-aligned bounding box in image coordinates.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Face is one detected face; Vector is populated only for face_embedding.
type Face struct {
	FaceIndex  int         `json:"face_index"`
	BBox       BBox        `json:"bbox"`
	Landmarks  [5][2]float64 `json:"landmarks"`
	Confidence float64     `json:"confidence"`
	Vector     []float32   `json:"vector,omitempty"`
}

// Result is a tagged variant over the closed task-type set (§9): the wire
// shape is whichever of the three payloads TaskType selects, never a
// dynamic dict. Exactly one of the payload fields is populated.
type Result struct {
	TaskType store.TaskType

	Dim    int       // image_embedding
	Vector []float32 // image_embedding

	Faces     []Face // face_detection, face_embedding
	FaceCount int    // face_detection, face_embedding
}

// MarshalJSON renders the shape specified per task_type in §4.5, not a
// wrapper object naming the variant.
func (r Result) MarshalJSON() ([]byte, error) {
	switch r.TaskType {
	case store.TaskImageEmbedding:
		return json.Marshal(struct {
			Dim    int       `json:"dim"`
			Vector []float32 `json:"vector"`
		}{Dim: r.Dim, Vector: r.Vector})
	case store.TaskFaceDetection, store.TaskFaceEmbedding:
		return json.Marshal(struct {
			Faces     []Face `json:"faces"`
			FaceCount int    `json:"face_count"`
		}{Faces: r.Faces, FaceCount: r.FaceCount})
	default:
		return nil, fmt.Errorf("inference: unknown task type %q", r.TaskType)
	}
}

// Engine is the opaque (task_type, image_bytes) -> structured result
// capability (§4.5). Model loading, hardware affinity, and GPU memory
// management are outside this interface's concern.
type Engine interface {
	Infer(ctx context.Context, taskType store.TaskType, image []byte) (Result, error)
}

// HTTPEngine calls out to an external model-serving endpoint. It is the
// default Engine implementation; any collaborator speaking the same
// request/response contract can be substituted.
type HTTPEngine struct {
	client  *http.Client
	baseURL string
}

func NewHTTPEngine(client *http.Client, baseURL string) *HTTPEngine {
	return &HTTPEngine{client: client, baseURL: baseURL}
}

type inferRequest struct {
	TaskType string `json:"task_type"`
	Image    []byte `json:"image"`
}

type wireResult struct {
	Dim       int       `json:"dim"`
	Vector    []float32 `json:"vector"`
	Faces     []Face    `json:"faces"`
	FaceCount int       `json:"face_count"`
}

func (e *HTTPEngine) Infer(ctx context.Context, taskType store.TaskType, image []byte) (Result, error) {
	body, err := json.Marshal(inferRequest{TaskType: string(taskType), Image: image})
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, "marshal infer request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/infer", bytes.NewReader(body))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Internal, "build infer request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.ModelTransient, "inference request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return Result{}, apperr.New(apperr.MalformedImage, "engine rejected image as malformed")
	case resp.StatusCode >= 500:
		return Result{}, apperr.New(apperr.ModelTransient, fmt.Sprintf("engine returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return Result{}, apperr.New(apperr.ModelTransient, fmt.Sprintf("engine returned %d", resp.StatusCode))
	}

	var wr wireResult
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return Result{}, apperr.Wrap(apperr.ModelTransient, "decode infer response", err)
	}

	return Result{
		TaskType:  taskType,
		Dim:       wr.Dim,
		Vector:    wr.Vector,
		Faces:     wr.Faces,
		FaceCount: wr.FaceCount,
	}, nil
}
