// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/hotswap/pkg/logging"
	"github.com/AleutianAI/hotswap/services/hotswap/api"
	"github.com/AleutianAI/hotswap/services/hotswap/config"
	"github.com/AleutianAI/hotswap/services/hotswap/coordinator"
	"github.com/AleutianAI/hotswap/services/hotswap/driver"
	"github.com/AleutianAI/hotswap/services/hotswap/observability"
	"github.com/AleutianAI/hotswap/services/hotswap/telemetry"
	"github.com/AleutianAI/hotswap/services/hotswap/watch"
)

// telemetryShutdownTimeout bounds the final flush of spans and metrics.
const telemetryShutdownTimeout = 5 * time.Second

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Address = serveAddr
	}

	logger, ring, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, ring, serveOptions{
		registerer: prometheus.DefaultRegisterer,
		drive:      serveDrive,
	})
}

// serveOptions carry what serve takes from outside the config file.
type serveOptions struct {
	registerer prometheus.Registerer
	drive      bool
}

// serve runs the admin API, the directory watcher and, optionally, the
// scoring driver until ctx is cancelled.
//
// # Description
//
// Startup order: telemetry, runtime (with journal), Prometheus collectors,
// startup module, then the long-running parts under one errgroup. The
// first part to fail cancels the others. On the way out the registry is
// emptied, so the current module is torn down once its readers finish.
func serve(ctx context.Context, cfg config.Config, logger *logging.Logger, ring *logging.RingExporter, opts serveOptions) error {
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(otel.Meter(cfg.Telemetry.ServiceName))
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{journal: true, metrics: metrics})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("runtime close failed", "error", err)
		}
	}()

	if opts.registerer != nil {
		err := observability.Register(opts.registerer, observability.Sources{
			Registry:    rt.registry,
			Loader:      rt.loader,
			Opener:      rt.static,
			Coordinator: rt.coordinator,
		})
		if err != nil {
			return fmt.Errorf("register collectors: %w", err)
		}
	}

	current, ok := rt.bootstrap(ctx)
	if ok {
		logger.Info("startup module published", "locator", current.Locator, "operator", current.Operator)
	} else {
		logger.Warn("serving without a module; publish one through the API or the module directory")
	}

	srv, err := api.New(api.Deps{
		Coordinator:    rt.coordinator,
		Registry:       rt.registry,
		History:        rt.journal,
		Loader:         rt.loader,
		Logs:           ring,
		Metrics:        metrics,
		MetricsHandler: telemetry.MetricsHandler(),
		ServiceName:    cfg.Telemetry.ServiceName,
		Logger:         logger.Slog().With("component", "api"),
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.Address, cfg.Server.ShutdownTimeout)
	})

	if cfg.Modules.Watch {
		policy := watch.NewPolicy(cfg.Modules.Dir, cfg.Modules.Pattern, rt.coordinator,
			current.Locator, logger.Slog().With("component", "watch"))
		wopts := watch.DefaultOptions()
		wopts.Debounce = cfg.Modules.Debounce
		wopts.Pattern = cfg.Modules.Pattern
		g.Go(func() error { return policy.Run(gctx, &wopts) })
	}

	var stats *driver.Stats
	if opts.drive {
		stats = driver.NewStats()
		unsubscribe := rt.coordinator.Subscribe(func(e coordinator.Event) {
			if e.To == coordinator.StateDone {
				stats.RecordHotUpdate()
			}
		})
		defer unsubscribe()

		drv, err := driver.New(rt.registry, stats, driver.Config{
			Workers:  cfg.Driver.Workers,
			Rounds:   cfg.Driver.Rounds,
			Interval: cfg.Driver.Interval,
			Rate:     cfg.Driver.Rate,
			Logger:   logger.Slog().With("component", "driver"),
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return drv.Run(gctx) })
	}

	err = g.Wait()
	if stats != nil {
		snap := stats.Snapshot()
		logger.Info("driver stopped",
			"total_requests", snap.Total,
			"empty_reads", snap.Empty,
			"hot_updates", snap.HotUpdates)
	}
	if err != nil {
		return err
	}
	logger.Info("hotswap stopped")
	return nil
}
