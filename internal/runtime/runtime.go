// Copyright 2025 James Ross
// Package runtime owns every long-lived handle the system needs and wires
// them by constructor injection (§9 redesign note: no module-level global
// state for the Store/Redis/admin-user singletons the teacher used).
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/inferqueue/inferqueue/internal/api"
	"github.com/inferqueue/inferqueue/internal/authgate"
	"github.com/inferqueue/inferqueue/internal/breaker"
	"github.com/inferqueue/inferqueue/internal/broadcaster"
	"github.com/inferqueue/inferqueue/internal/config"
	"github.com/inferqueue/inferqueue/internal/inference"
	"github.com/inferqueue/inferqueue/internal/jobservice"
	"github.com/inferqueue/inferqueue/internal/mediafetcher"
	"github.com/inferqueue/inferqueue/internal/obs"
	"github.com/inferqueue/inferqueue/internal/pqueue"
	"github.com/inferqueue/inferqueue/internal/reaper"
	"github.com/inferqueue/inferqueue/internal/redisclient"
	"github.com/inferqueue/inferqueue/internal/store"
	"github.com/inferqueue/inferqueue/internal/vectorsink"
	"github.com/inferqueue/inferqueue/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Runtime holds every collaborator constructed from config.Config, each
// reachable only through the struct field that owns it.
type Runtime struct {
	Config *config.Config
	Logger *zap.Logger

	Store *store.Store
	Queue *pqueue.PriorityQueue

	MediaFetcher *mediafetcher.MediaFetcher
	InferPool    *inference.Pool
	VectorSink   *vectorsink.VectorSink
	Broadcaster  *broadcaster.Broadcaster

	JobService *jobservice.JobService
	AuthGate   *authgate.AuthGate

	Worker *worker.Worker
	Reaper *reaper.Reaper
	API    *api.Server

	leaseCache *redis.Client
}

// Build constructs every component graph edge named in the module map: C1
// through C10, in dependency order.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: log}

	st, err := store.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("runtime: open store: %w", err)
	}
	rt.Store = st

	var leaseCache pqueue.LeaseCache = pqueue.NopLeaseCache{}
	if cfg.LeaseCache.Enabled {
		rt.leaseCache = redisclient.New(&cfg.LeaseCache)
		leaseCache = pqueue.NewRedisLeaseCache(rt.leaseCache, log)
	}
	rt.Queue = pqueue.New(st, leaseCache)

	mediaBreaker := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	rt.MediaFetcher = mediafetcher.New(&cfg.MediaStore, mediaBreaker)

	vectorBreaker := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	rt.VectorSink = vectorsink.New(&cfg.VectorStore, vectorBreaker)

	engine := inference.NewHTTPEngine(&http.Client{Timeout: cfg.InferenceEngine.RequestTimeout}, cfg.InferenceEngine.URL)
	rt.InferPool = inference.NewPool(engine, cfg.Worker.InferencePool)

	bcast, err := broadcaster.Connect(&cfg.Broker, log)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect broadcaster: %w", err)
	}
	rt.Broadcaster = bcast

	rt.JobService = jobservice.New(st, rt.Queue)

	gate, err := authgate.New(&cfg.Auth, log)
	if err != nil {
		return nil, fmt.Errorf("runtime: init authgate: %w", err)
	}
	rt.AuthGate = gate

	rt.Worker = worker.New(cfg, st, rt.Queue, rt.MediaFetcher, rt.InferPool, rt.VectorSink, rt.Broadcaster, log)
	rt.Reaper = reaper.New(rt.Queue, reaperInterval(cfg), log)

	apiServer, err := api.NewServer(&cfg.API, rt.JobService, rt.Queue, rt.AuthGate, log)
	if err != nil {
		return nil, fmt.Errorf("runtime: init api server: %w", err)
	}
	rt.API = apiServer

	return rt, nil
}

func reaperInterval(cfg *config.Config) time.Duration {
	interval := cfg.Worker.LeaseDuration / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Close releases every handle that owns a connection or file descriptor.
func (rt *Runtime) Close() {
	rt.Broadcaster.Close()
	if rt.leaseCache != nil {
		_ = rt.leaseCache.Close()
	}
	_ = rt.Store.Close()
}
