// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the hotswap admin HTTP API.
//
// # Description
//
// The API exposes the current operator, triggers updates through the
// coordinator, scores single requests, lists the update journal, streams
// coordinator transitions over a websocket and serves Prometheus metrics.
//
// # Routes
//
//	GET  /health
//	GET  /metrics
//	GET  /v1/operator
//	POST /v1/operator/update
//	POST /v1/score
//	GET  /v1/updates?limit=N
//	GET  /v1/stats
//	GET  /v1/logs?limit=N
//	GET  /v1/events            (websocket)
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/hotswap/pkg/logging"
	"github.com/AleutianAI/hotswap/services/hotswap/coordinator"
	"github.com/AleutianAI/hotswap/services/hotswap/journal"
	"github.com/AleutianAI/hotswap/services/hotswap/module"
	"github.com/AleutianAI/hotswap/services/hotswap/operator"
	"github.com/AleutianAI/hotswap/services/hotswap/registry"
	"github.com/AleutianAI/hotswap/services/hotswap/telemetry"
)

// Coordinator is the subset of *coordinator.Coordinator the API drives.
type Coordinator interface {
	Request(ctx context.Context, locator string) (coordinator.Outcome, error)
	Subscribe(fn coordinator.Listener) func()
	Stats() coordinator.Stats
}

// Registry is the subset of *registry.Registry the API reads.
type Registry interface {
	Compute(f operator.Feature) (float64, string, error)
	Current() *module.Handle
	Stats() registry.Stats
}

// History lists journal records. *journal.Journal implements it.
type History interface {
	List(ctx context.Context, limit int) ([]journal.Record, error)
}

// LoaderStats is implemented by *module.Loader.
type LoaderStats interface {
	Stats() module.LoaderStats
}

// Deps are the collaborators behind the routes. Coordinator and Registry
// are required; routes backed by a nil optional dependency answer 404.
type Deps struct {
	Coordinator Coordinator
	Registry    Registry
	History     History
	Loader      LoaderStats
	Logs        *logging.RingExporter

	// Metrics records per-route request counts and latency. Optional.
	Metrics *telemetry.Metrics

	// MetricsHandler serves /metrics. Default: promhttp.Handler().
	MetricsHandler http.Handler

	// ServiceName labels spans from otelgin. Default: "hotswap".
	ServiceName string

	Logger *slog.Logger
}

// Server owns the gin engine and the websocket event hub.
type Server struct {
	deps        Deps
	engine      *gin.Engine
	hub         *eventHub
	unsubscribe func()
	logger      *slog.Logger
}

// New builds the router and subscribes the event hub to the coordinator.
//
// # Inputs
//
//   - deps: Route collaborators. Coordinator and Registry must be set.
//
// # Outputs
//
//   - *Server: Ready to serve. Call Close when done.
//   - error: Non-nil if a required dependency is missing.
func New(deps Deps) (*Server, error) {
	if deps.Coordinator == nil || deps.Registry == nil {
		return nil, errors.New("api: coordinator and registry are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MetricsHandler == nil {
		deps.MetricsHandler = promhttp.Handler()
	}
	if deps.ServiceName == "" {
		deps.ServiceName = "hotswap"
	}

	s := &Server{
		deps:   deps,
		hub:    newEventHub(deps.Logger),
		logger: deps.Logger,
	}
	s.unsubscribe = deps.Coordinator.Subscribe(s.hub.publish)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(deps.ServiceName))
	engine.Use(s.metricsMiddleware())
	s.routes(engine)
	s.engine = engine
	return s, nil
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(s.deps.MetricsHandler))

	v1 := router.Group("/v1")
	{
		v1.GET("/operator", s.handleOperator)
		v1.POST("/operator/update", s.handleUpdate)
		v1.POST("/score", s.handleScore)
		v1.GET("/updates", s.handleUpdates)
		v1.GET("/stats", s.handleStats)
		v1.GET("/logs", s.handleLogs)
		v1.GET("/events", s.handleEvents)
	}
}

// Handler returns the HTTP handler, for httptest or a custom server.
func (s *Server) Handler() http.Handler { return s.engine }

// Close unsubscribes from the coordinator and disconnects event streams.
func (s *Server) Close() {
	s.unsubscribe()
	s.hub.close()
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin API listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin API: %w", err)
	case <-ctx.Done():
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin API shutdown: %w", err)
	}
	s.logger.Info("admin API stopped")
	return nil
}

// metricsMiddleware records one RecordHTTP per request, labelled by the
// route pattern rather than the raw path.
func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.deps.Metrics.RecordHTTP(c.Request.Context(), c.Request.Method, route,
			c.Writer.Status(), time.Since(start).Seconds())
	}
}
