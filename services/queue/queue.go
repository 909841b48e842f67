// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue wires the exam call queue service together.
//
// The service keeps the call queue, absentee lists and note log in memory,
// shares them with every connected screen over WebSockets, and saves a
// snapshot after each change so a restart picks up where it left off.
//
//	┌──────────┐  commands   ┌─────┐  apply   ┌────────────┐
//	│ examiner │────────────►│ Hub │─────────►│ Dispatcher │──► Store
//	│ manager  │◄────────────│     │◄─────────│  (+ Gate)  │
//	└──────────┘   events    └─────┘  event   └────────────┘
//	┌──────────┐     ▲          │
//	│ display  │◄────┘          └──► Writer ──► file | badger | gcs
//	└──────────┘
//
// # Usage
//
//	cfg, err := config.Load("examqueue.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := queue.New(ctx, cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = svc.Run(ctx) // returns after ctx is cancelled and state is saved
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/ExamQueue/services/queue/auth"
	"github.com/AleutianAI/ExamQueue/services/queue/config"
	"github.com/AleutianAI/ExamQueue/services/queue/dispatch"
	"github.com/AleutianAI/ExamQueue/services/queue/handlers"
	"github.com/AleutianAI/ExamQueue/services/queue/hub"
	"github.com/AleutianAI/ExamQueue/services/queue/middleware"
	"github.com/AleutianAI/ExamQueue/services/queue/observability"
	"github.com/AleutianAI/ExamQueue/services/queue/persistence"
	"github.com/AleutianAI/ExamQueue/services/queue/routes"
	"github.com/AleutianAI/ExamQueue/services/queue/state"
)

// serviceName labels traces and log records.
const serviceName = "examqueue"

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the queue server lifecycle.
//
// # Thread Safety
//
// Run blocks and must be called at most once. Router may be called from
// any goroutine.
type Service interface {
	// Run serves HTTP and WebSocket traffic until ctx is cancelled, then
	// stops accepting connections, disconnects clients, writes the final
	// snapshot and releases the snapshot backend. It returns nil on a
	// clean shutdown.
	Run(ctx context.Context) error

	// Router returns the configured gin engine, for tests.
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	cfg    config.Config
	logger *slog.Logger

	snapshots persistence.SnapshotStore
	writer    *persistence.Writer
	hub       *hub.Hub
	registry  *prometheus.Registry
	router    *gin.Engine

	tracerCleanup func(context.Context)
}

// Compile-time interface check.
var _ Service = (*service)(nil)

// New builds the service from cfg.
//
// # Description
//
// The snapshot backend is opened and its last snapshot restored. A missing
// snapshot starts an empty queue; an unreadable one is logged and also
// starts empty, so a corrupt file never keeps an exam from running. A
// backend that cannot be opened at all is an error.
//
// # Inputs
//
//   - ctx: Bounds backend setup and the initial load.
//   - cfg: Resolved configuration; see config.Load.
//   - logger: Nil means slog.Default().
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &service{cfg: cfg, logger: logger}

	secrets := config.NewSecrets(cfg.ExaminerCode, cfg.AdminCode)
	if cfg.ExaminerCode == config.DefaultExaminerCode {
		logger.Warn("Using the default examiner code; set EXAM_CODE before a real exam")
	}
	if !secrets.HasAdmin() {
		logger.Warn("No admin code configured; admin commands are disabled")
	}

	snapshots, err := persistence.Open(ctx, cfg.Snapshot, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open the snapshot backend: %w", err)
	}
	s.snapshots = snapshots

	store := state.NewStore(state.Limits{
		MaxItems:      cfg.MaxItems,
		MaxNotes:      cfg.MaxNotes,
		MaxNoteLength: cfg.MaxNoteLength,
	}, nil)
	s.restore(ctx, store)

	if cfg.OTelEndpoint != "" {
		cleanup, err := initTracer(ctx, cfg.OTelEndpoint)
		if err != nil {
			_ = snapshots.Close()
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(s.registry)

	s.writer = persistence.NewWriter(snapshots, persistence.WriterConfig{
		Metrics: metrics,
		Logger:  logger.With("component", "snapshot"),
	})

	d := dispatch.New(store, auth.NewGate(secrets), secrets, nil, logger.With("component", "dispatch"))
	s.hub, err = hub.New(hub.Config{
		Dispatcher: d,
		Persister:  s.writer,
		Metrics:    metrics,
		Logger:     logger.With("component", "hub"),
	})
	if err != nil {
		s.cleanup()
		return nil, err
	}

	s.initRouter()
	return s, nil
}

// restore loads the last snapshot into store.
func (s *service) restore(ctx context.Context, store *state.Store) {
	v, err := s.snapshots.Load(ctx)
	switch {
	case errors.Is(err, persistence.ErrNoSnapshot):
		s.logger.Info("No snapshot found, starting with an empty queue",
			"backend", s.cfg.Snapshot.Backend)
		return
	case err != nil:
		s.logger.Warn("Could not read the snapshot, starting with an empty queue",
			"backend", s.cfg.Snapshot.Backend,
			"error", err)
		return
	}

	dropped := store.Restore(v)
	if dropped > 0 {
		s.logger.Warn("Dropped invalid records from the snapshot", "dropped", dropped)
	}
	s.logger.Info("Restored queue state",
		"backend", s.cfg.Snapshot.Backend,
		"phase", store.Phase())
}

func (s *service) initRouter() {
	gin.SetMode(s.cfg.GinMode)

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(s.logger.With("component", "http")))
	if s.tracerCleanup != nil {
		router.Use(otelgin.Middleware(serviceName))
	}

	routes.SetupRoutes(router, routes.Options{
		Hub:       s.hub,
		Gatherer:  s.registry,
		StaticDir: s.cfg.StaticDir,
		Port:      s.cfg.Port,
		WebSocket: handlers.WebSocketConfig{
			ClientBuffer:   s.cfg.ClientBuffer,
			CommandRate:    s.cfg.CommandRate,
			CommandBurst:   s.cfg.CommandBurst,
			AllowedOrigins: s.cfg.AllowedOrigins,
			Logger:         s.logger.With("component", "websocket"),
		},
		Commands: handlers.CommandsConfig{
			Rate:   s.cfg.CommandRate,
			Burst:  s.cfg.CommandBurst,
			Logger: s.logger.With("component", "http"),
		},
	})
	s.router = router
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the hub, the snapshot writer and the HTTP server.
//
// Shutdown order matters: the HTTP server stops first, then the hub
// disconnects every client, and only after the hub has stopped does the
// writer flush the last snapshot.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHub()
	writerCtx, stopWriter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWriter()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopWriter()
		return s.hub.Run(hubCtx)
	})
	g.Go(func() error {
		return s.writer.Run(writerCtx)
	})
	g.Go(func() error {
		s.logger.Info("Starting queue server", "port", s.cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down queue server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		stopHub()
		if err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	s.logger.Info("Queue server stopped")
	return err
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// cleanup releases the snapshot backend and the tracer.
func (s *service) cleanup() {
	if s.snapshots != nil {
		if err := s.snapshots.Close(); err != nil {
			s.logger.Warn("Failed to close the snapshot backend", "error", err)
		}
		s.snapshots = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}
