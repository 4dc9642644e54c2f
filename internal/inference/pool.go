// Copyright 2025 James Ross
package inference

import (
	"context"

	"github.com/inferqueue/inferqueue/internal/store"
	"golang.org/x/sync/errgroup"
)

// Pool dispatches CPU/GPU-bound Engine.Infer calls onto a bounded set of
// goroutines (§9: "InferenceEngine.infer is a blocking capability
// dispatched to a worker pool, so the lease/renewal/broadcast work remains
// responsive" — an architectural requirement, not a suggestion). Size
// caps concurrent in-flight inferences across all Worker instances sharing
// this Pool.
type Pool struct {
	engine Engine
	sem    chan struct{}
}

// NewPool wraps engine with a concurrency limit of size concurrently
// in-flight Infer calls.
func NewPool(engine Engine, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{engine: engine, sem: make(chan struct{}, size)}
}

// Dispatch runs engine.Infer on the bounded pool, blocking the caller
// until it completes or ctx is done. The errgroup here exists to carry a
// single task's panic/error through the same idiom used for larger
// fan-outs elsewhere in this codebase, not to run multiple goroutines.
func (p *Pool) Dispatch(ctx context.Context, taskType store.TaskType, image []byte) (Result, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer func() { <-p.sem }()

	g, ctx := errgroup.WithContext(ctx)
	var result Result
	g.Go(func() error {
		r, err := p.engine.Infer(ctx, taskType, image)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return result, nil
}
