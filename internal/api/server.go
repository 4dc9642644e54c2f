// Copyright 2025 James Ross
// Package api is the transport adapter (§4.10): it parses requests,
// invokes JobService/AuthGate, and maps outcomes to the §6 HTTP surface.
// It carries no business logic beyond that translation.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/inferqueue/inferqueue/internal/authgate"
	"github.com/inferqueue/inferqueue/internal/config"
	"github.com/inferqueue/inferqueue/internal/jobservice"
	"github.com/inferqueue/inferqueue/internal/pqueue"
	"go.uber.org/zap"
)

// Server wraps an http.Server configured from config.API.
type Server struct {
	cfg      *config.API
	handler  *Handler
	gate     *authgate.AuthGate
	logger   *zap.Logger
	server   *http.Server
	auditLog *AuditLogger
}

func NewServer(cfg *config.API, svc *jobservice.JobService, pq *pqueue.PriorityQueue, gate *authgate.AuthGate, logger *zap.Logger) (*Server, error) {
	var auditLog *AuditLogger
	if cfg.AuditEnabled {
		var err error
		auditLog, err = NewAuditLogger(cfg.AuditLogPath, 10*1024*1024, 5)
		if err != nil {
			return nil, fmt.Errorf("api: create audit logger: %w", err)
		}
	}
	return &Server{
		cfg:      cfg,
		handler:  NewHandler(svc, pq, gate, logger),
		gate:     gate,
		logger:   logger,
		auditLog: auditLog,
	}, nil
}

// Start serves the §6 HTTP surface until the process is killed or Shutdown
// is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("starting api server",
		zap.String("addr", s.cfg.ListenAddr),
		zap.Bool("rate_limit_enabled", s.cfg.RateLimitEnabled),
		zap.Bool("cors_enabled", s.cfg.CORSEnabled))
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.auditLog != nil {
		_ = s.auditLog.Close()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// routes wires the §6 HTTP surface, applying each route's required
// capability (per the table's Auth column) directly around its handler
// rather than by pattern-matching the path a second time.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handler.Health).Methods(http.MethodGet)
	r.Handle("/job/{task_type}", RequireCapability("inference")(http.HandlerFunc(s.handler.SubmitJob))).Methods(http.MethodPost)
	r.HandleFunc("/job/{job_id}", s.handler.GetJob).Methods(http.MethodGet)
	r.Handle("/job/{job_id}", RequireCapability("inference")(http.HandlerFunc(s.handler.DeleteJob))).Methods(http.MethodDelete)
	r.Handle("/admin/stats", RequireAdmin()(http.HandlerFunc(s.handler.AdminStats))).Methods(http.MethodGet)
	r.Handle("/admin/cleanup", RequireAdmin()(http.HandlerFunc(s.handler.AdminCleanup))).Methods(http.MethodDelete)

	var h http.Handler = r
	h = RecoveryMiddleware(s.logger)(h)
	h = RequestIDMiddleware()(h)
	if s.cfg.CORSEnabled {
		h = CORSMiddleware(s.cfg.CORSAllowOrigins)(h)
	}
	if s.cfg.AuditEnabled && s.auditLog != nil {
		h = AuditMiddleware(s.auditLog, s.logger)(h)
	}
	if s.cfg.RateLimitEnabled {
		h = RateLimitMiddleware(s.cfg.RateLimitPerMinute, s.cfg.RateLimitBurst)(h)
	}
	h = AuthMiddleware(s.gate, s.logger)(h)
	return h
}
