// Copyright 2025 James Ross
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inferqueue/inferqueue/internal/config"
	"github.com/inferqueue/inferqueue/internal/obs"
	"github.com/inferqueue/inferqueue/internal/runtime"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := runtime.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build runtime", obs.Err(err))
	}
	defer rt.Close()

	readyCheck := func(c context.Context) error {
		_, err := rt.Queue.Depth(c)
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartQueueDepthUpdater(ctx, cfg, rt.Queue.Depth, logger)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	switch role {
	case "api":
		runAPI(ctx, rt, logger)
	case "worker":
		go rt.Reaper.Run(ctx)
		if err := rt.Worker.Run(ctx); err != nil {
			logger.Fatal("worker error", obs.Err(err))
		}
	case "all":
		go rt.Reaper.Run(ctx)
		go func() {
			if err := rt.Worker.Run(ctx); err != nil {
				logger.Error("worker error", obs.Err(err))
				cancel()
			}
		}()
		runAPI(ctx, rt, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runAPI(ctx context.Context, rt *runtime.Runtime, logger *zap.Logger) {
	errCh := make(chan error, 1)
	go func() {
		if err := rt.API.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.API.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown error", obs.Err(err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("api server error", obs.Err(err))
		}
	}
}
