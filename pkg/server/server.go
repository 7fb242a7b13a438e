// Package server wires the context router together: stores, loop guard,
// delivery engine, ingest pipeline, audit sink, and the HTTP surface.
//
// It lives in pkg/ so embedders (e.g. a combined gateway binary) can compose
// the router with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8787", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/crea8r/context-router/internal/admin"
	"github.com/crea8r/context-router/internal/api"
	"github.com/crea8r/context-router/internal/api/handlers"
	"github.com/crea8r/context-router/internal/audit"
	"github.com/crea8r/context-router/internal/config"
	"github.com/crea8r/context-router/internal/delivery"
	"github.com/crea8r/context-router/internal/ingest"
	"github.com/crea8r/context-router/internal/loopguard"
	"github.com/crea8r/context-router/internal/session"
	"github.com/crea8r/context-router/internal/telemetry"
	"github.com/crea8r/context-router/internal/whitelist"
)

// Server holds the initialized context router.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Sink is the audit sink; callers must Close it on shutdown.
	Sink audit.Sink

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all router components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the router with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	sink, err := audit.NewSQLiteSink(cfg.Audit.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open audit sink: %w", err)
	}
	log.Info().Str("path", cfg.Audit.SQLitePath).Msg("Audit sink ready")

	sessions := session.NewStore()
	wl := whitelist.New()
	guard := loopguard.New(sessions, loopguard.Config{
		MaxPerMinute:   cfg.Loop.MaxPerMinute,
		DefaultDelayMs: cfg.Loop.DefaultDelayMs,
		BurstDelayMs:   cfg.Loop.BurstDelayMs,
	})
	engine := delivery.NewEngine(sink, delivery.Config{
		MaxRetries:  cfg.Delivery.MaxRetries,
		BaseDelayMs: cfg.Delivery.BaseDelayMs,
	})
	pipeline := ingest.New(sessions, wl, guard, engine, sink)

	adminSessions := admin.NewSessions(cfg.Admin.Password)
	if cfg.Admin.Password == "" {
		log.Warn().Msg("ADMIN_PASSWORD not set, admin login disabled")
	}

	h := handlers.New(wl, sessions, pipeline, sink, adminSessions, cfg.Version)
	router := api.NewRouter(h, adminSessions)

	return &Server{
		Handler:      router,
		Sink:         sink,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
