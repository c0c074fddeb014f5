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
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/AleutianAI/hotswap/pkg/logging"
	"github.com/AleutianAI/hotswap/services/hotswap/config"
	"github.com/AleutianAI/hotswap/services/hotswap/coordinator"
	"github.com/AleutianAI/hotswap/services/hotswap/journal"
	"github.com/AleutianAI/hotswap/services/hotswap/module"
	"github.com/AleutianAI/hotswap/services/hotswap/operator/scoreop"
	"github.com/AleutianAI/hotswap/services/hotswap/registry"
	"github.com/AleutianAI/hotswap/services/hotswap/telemetry"
)

// loadConfig reads the config file named by --config (creating the
// default one on first run) and applies --log-level.
func loadConfig(stderr io.Writer) (config.Config, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return config.Config{}, err
		}
		path = p
	}
	cfg, created, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if created {
		fmt.Fprintf(stderr, "created default config at %s\n", path)
	}
	if logLevel != "" {
		if _, err := logging.ParseLevel(logLevel); err != nil {
			return config.Config{}, fmt.Errorf("--log-level: %w", err)
		}
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. When logging.recent_entries is
// positive, the returned ring exporter keeps the newest records for the
// admin API.
func newLogger(cfg config.Config) (*logging.Logger, *logging.RingExporter, error) {
	lc, err := cfg.LoggerConfig()
	if err != nil {
		return nil, nil, err
	}
	var ring *logging.RingExporter
	if cfg.Logging.RecentEntries > 0 {
		ring = logging.NewRingExporter(cfg.Logging.RecentEntries)
		lc.Exporter = ring
	}
	return logging.New(lc), ring, nil
}

// buildOpener routes builtin:// locators to the compiled-in modules,
// gs:// locators to Cloud Storage and everything else to plugins.
//
// A storage client that cannot be created only disables gs:// locators;
// the returned *module.GCSOpener is nil in that case.
func buildOpener(ctx context.Context, cfg config.ModulesConfig, logger *slog.Logger) (*module.StaticOpener, *module.GCSOpener, module.Opener) {
	static := module.NewStaticOpener()
	for loc, exports := range scoreop.Builtins() {
		static.Register(loc, exports)
	}
	plugins := module.NewPluginOpener()

	chain := &module.ChainOpener{
		Routes:   []module.Route{{Prefix: module.BuiltinScheme, Opener: static}},
		Fallback: plugins,
	}
	gcs, err := module.NewGCSOpener(ctx, module.GCSConfig{
		CacheDir:  cfg.CacheDir,
		Endpoint:  cfg.GCSEndpoint,
		Anonymous: cfg.GCSAnonymous,
	}, plugins)
	if err != nil {
		logger.Warn("gs:// locators disabled", "error", err)
		return static, nil, chain
	}
	chain.Routes = append(chain.Routes, module.Route{Prefix: module.GCSScheme, Opener: gcs})
	return static, gcs, chain
}

// runtimeOptions select the optional parts of a runtime.
type runtimeOptions struct {
	// journal opens the update journal and records every outcome in it.
	journal bool

	// metrics, if set, receives coordinator measurements.
	metrics *telemetry.Metrics
}

// runtime holds the components every command is built from.
type runtime struct {
	cfg         config.Config
	logger      *logging.Logger
	static      *module.StaticOpener
	gcs         *module.GCSOpener
	loader      *module.Loader
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	journal     *journal.Journal
}

// newRuntime wires opener, loader, registry, coordinator and, optionally,
// the journal. Close it when done.
func newRuntime(ctx context.Context, cfg config.Config, logger *logging.Logger, opts runtimeOptions) (*runtime, error) {
	slogger := logger.Slog()
	rt := &runtime{cfg: cfg, logger: logger}

	var opener module.Opener
	rt.static, rt.gcs, opener = buildOpener(ctx, cfg.Modules, slogger)

	loader, err := module.NewLoader(module.LoaderConfig{
		Opener: opener,
		Logger: slogger.With("component", "loader"),
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.loader = loader
	rt.registry = registry.New(slogger.With("component", "registry"))

	ccfg := coordinator.Config{
		Loader:       rt.loader,
		Registry:     rt.registry,
		Grace:        cfg.Modules.Grace,
		DrainTimeout: cfg.Modules.DrainTimeout,
		Logger:       slogger.With("component", "coordinator"),
		Metrics:      opts.metrics,
	}
	if opts.journal {
		jcfg := cfg.Journal
		jcfg.Logger = slogger.With("component", "journal")
		j, err := journal.Open(jcfg)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		rt.journal = j
		ccfg.Recorder = j
	}

	rt.coordinator, err = coordinator.New(ccfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// startupLocators lists the modules to try at startup, preferred first:
// the last module that was published successfully (when restoring is
// enabled), then modules.initial.
func (rt *runtime) startupLocators(ctx context.Context) []string {
	var locs []string
	if rt.cfg.Modules.RestoreLast && rt.journal != nil {
		rec, ok, err := rt.journal.LastSucceeded(ctx)
		switch {
		case err != nil:
			rt.logger.Warn("could not read last module from journal", "error", err)
		case ok:
			locs = append(locs, rec.Locator)
		}
	}
	if initial := rt.cfg.Modules.Initial; initial != "" && (len(locs) == 0 || locs[0] != initial) {
		locs = append(locs, initial)
	}
	return locs
}

// bootstrap publishes the first startup locator that loads. ok is false
// when none did; the registry then stays empty.
func (rt *runtime) bootstrap(ctx context.Context) (coordinator.Outcome, bool) {
	for _, loc := range rt.startupLocators(ctx) {
		res, err := rt.coordinator.Request(ctx, loc)
		if err == nil {
			return res, true
		}
		rt.logger.Warn("startup module failed", "locator", loc, "error_kind", res.ErrorKind, "error", err)
	}
	return coordinator.Outcome{}, false
}

// Close empties the registry and releases the journal and storage client.
func (rt *runtime) Close() error {
	var errs []error
	if rt.registry != nil {
		rt.registry.Close()
	}
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
		rt.journal = nil
	}
	if rt.gcs != nil {
		if err := rt.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage client: %w", err))
		}
		rt.gcs = nil
	}
	return errors.Join(errs...)
}
