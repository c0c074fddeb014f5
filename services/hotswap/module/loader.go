// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package module loads scoring modules and manages their lifetime.
//
// # Description
//
// A module is resolved from an opaque locator by an Opener, validated for
// the two exports required by the operator package, and instantiated once.
// The result is a reference-counted Handle. When the last reference is
// dropped the instance is destroyed and then the library is closed.
//
// # Failure Atomicity
//
// Load is all-or-nothing: on any failure every library opened during the
// attempt is closed again before the error is returned, so a failed load
// leaves nothing resident.
//
// # Teardown Failures
//
// A destructor that panics or a library that fails to close points at a
// defective module. Those are reported to the TeardownFailureFunc, which
// panics by default: the process's address space can no longer be trusted.
package module

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var loaderTracer = otel.Tracer("hotswap.module")

// TeardownFailureFunc handles a failed teardown. It runs on the goroutine
// that released the last reference.
type TeardownFailureFunc func(locator string, err error)

// PanicOnTeardownFailure is the default TeardownFailureFunc.
func PanicOnTeardownFailure(locator string, err error) {
	panic(fmt.Sprintf("module: teardown of %q failed, process state is unsafe: %v", locator, err))
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	// Opener resolves locators. Required.
	Opener Opener

	// Logger receives load and teardown events. Default: slog.Default().
	Logger *slog.Logger

	// OnTeardownFailure handles failed teardowns.
	// Default: PanicOnTeardownFailure.
	OnTeardownFailure TeardownFailureFunc
}

// LoaderStats are monotonic counters plus the live handle count.
type LoaderStats struct {
	Loads     uint64 `json:"loads"`
	Failures  uint64 `json:"failures"`
	TornDown  uint64 `json:"torn_down"`
	Live      int64  `json:"live"`
	LastError string `json:"last_error,omitempty"`
}

// Loader turns locators into Handles.
//
// # Thread Safety
//
// Safe for concurrent use. Load never touches any registry.
type Loader struct {
	opener    Opener
	logger    *slog.Logger
	onFailure TeardownFailureFunc

	loads     atomic.Uint64
	failures  atomic.Uint64
	tornDown  atomic.Uint64
	live      atomic.Int64
	lastError atomic.Pointer[string]
}

// NewLoader creates a Loader.
//
// # Inputs
//
//   - cfg: Loader configuration. cfg.Opener must not be nil.
//
// # Outputs
//
//   - *Loader: Ready-to-use loader.
//   - error: Non-nil if cfg.Opener is nil.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.Opener == nil {
		return nil, fmt.Errorf("new loader: opener must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnTeardownFailure == nil {
		cfg.OnTeardownFailure = PanicOnTeardownFailure
	}
	return &Loader{
		opener:    cfg.Opener,
		logger:    cfg.Logger,
		onFailure: cfg.OnTeardownFailure,
	}, nil
}

// Load resolves locator into a Handle holding one reference.
//
// # Description
//
// Delegates to Acquire and adds tracing, logging and counters. The returned
// handle's single reference belongs to the caller, who either publishes it
// or releases it. Load never touches a registry.
//
// # Inputs
//
//   - ctx: Context for the open (remote openers honour cancellation).
//   - locator: Opaque module locator. Must not be empty.
//
// # Outputs
//
//   - *Handle: The loaded handle with one reference.
//   - error: A *LoadError. No library stays open when an error is returned.
func (l *Loader) Load(ctx context.Context, locator string) (*Handle, error) {
	ctx, span := loaderTracer.Start(ctx, "module.Load")
	defer span.End()
	span.SetAttributes(attribute.String("module.locator", locator))

	start := time.Now()
	h, err := l.load(ctx, locator)
	if err != nil {
		l.failures.Add(1)
		msg := err.Error()
		l.lastError.Store(&msg)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Warn("module load failed",
			"locator", locator,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds())
		return nil, err
	}

	l.loads.Add(1)
	l.live.Add(1)
	span.SetAttributes(
		attribute.String("module.operator", h.Name()),
		attribute.Int64("module.generation", int64(h.generation)),
	)
	span.SetStatus(codes.Ok, "")
	l.logger.Info("module loaded",
		"locator", locator,
		"operator", h.Name(),
		"generation", h.generation,
		"duration_ms", time.Since(start).Milliseconds())
	return h, nil
}

func (l *Loader) load(ctx context.Context, locator string) (*Handle, error) {
	h, err := acquire(ctx, l.opener, locator)
	if err != nil {
		return nil, err
	}
	h.onTeardown = l.handleTeardown
	return h, nil
}

// handleTeardown updates counters and escalates failures.
func (l *Loader) handleTeardown(h *Handle, err error) {
	l.tornDown.Add(1)
	l.live.Add(-1)
	if err != nil {
		l.logger.Error("module teardown failed",
			"locator", h.locator,
			"generation", h.generation,
			"error", err)
		l.onFailure(h.locator, err)
		return
	}
	l.logger.Debug("module torn down",
		"locator", h.locator,
		"generation", h.generation,
		"lifetime_ms", time.Since(h.loadedAt).Milliseconds())
}

// Stats returns a snapshot of the loader counters.
func (l *Loader) Stats() LoaderStats {
	s := LoaderStats{
		Loads:    l.loads.Load(),
		Failures: l.failures.Load(),
		TornDown: l.tornDown.Load(),
		Live:     l.live.Load(),
	}
	if p := l.lastError.Load(); p != nil {
		s.LastError = *p
	}
	return s
}
