// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator runs module updates: load, publish, drain.
//
// # Description
//
// Each call to Request is one update with its own state machine:
//
//	Idle -> Loading -> Publishing -> Draining -> Done
//	           \
//	            -> Failed
//
// A failed load never touches the registry. A successful load is published,
// and the previous slot reference is dropped after the grace interval. The
// grace interval only bounds how long the previous module usually stays
// resident; its teardown happens when the last reader lets go, whenever
// that is.
//
// Concurrent requests are allowed. They serialize on the registry's
// publish, and each produces exactly one terminal Outcome.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/hotswap/services/hotswap/module"
	"github.com/AleutianAI/hotswap/services/hotswap/registry"
	"github.com/AleutianAI/hotswap/services/hotswap/telemetry"
)

const tracerName = "hotswap.coordinator"

var (
	// ErrNilContext is returned when Request receives a nil context.
	ErrNilContext = errors.New("coordinator: nil context")

	// ErrEmptyLocator is the cause of a Failed outcome for an empty locator.
	ErrEmptyLocator = errors.New("coordinator: locator must not be empty")
)

// DefaultGrace is the grace interval used when Config.Grace is zero.
const DefaultGrace = 500 * time.Millisecond

// Recorder persists terminal outcomes. Errors are logged, never returned
// to the requester.
type Recorder interface {
	RecordOutcome(ctx context.Context, o Outcome) error
}

// Listener observes state transitions. It runs on the requesting
// goroutine and must not block.
type Listener func(Event)

// Config configures a Coordinator.
type Config struct {
	// Loader produces handles. Required.
	Loader *module.Loader

	// Registry receives published handles. Required.
	Registry *registry.Registry

	// Grace is how long the previous slot reference is held after a
	// publish. Default: DefaultGrace. Negative means no wait.
	Grace time.Duration

	// DrainTimeout bounds how long Request waits, after dropping its own
	// reference, to observe the previous handle's teardown. Zero skips the
	// wait. Exceeding it is logged, not an error.
	DrainTimeout time.Duration

	// Logger. Default: slog.Default().
	Logger *slog.Logger

	// Metrics records OTel instruments. Optional.
	Metrics *telemetry.Metrics

	// Recorder persists outcomes. Optional.
	Recorder Recorder
}

// Stats are the coordinator's counters.
type Stats struct {
	Requests uint64 `json:"requests"`
	Done     uint64 `json:"done"`
	Failed   uint64 `json:"failed"`
	InFlight int64  `json:"in_flight"`
}

// Coordinator runs update requests against one registry.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Coordinator struct {
	loader       *module.Loader
	registry     *registry.Registry
	grace        time.Duration
	drainTimeout time.Duration
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	recorder     Recorder

	listenersMu sync.RWMutex
	listeners   map[uint64]Listener
	nextID      uint64

	requests atomic.Uint64
	done     atomic.Uint64
	failed   atomic.Uint64
	inFlight atomic.Int64
	last     atomic.Pointer[Outcome]
}

// New creates a Coordinator.
//
// # Inputs
//
//   - cfg: Configuration. Loader and Registry are required.
//
// # Outputs
//
//   - *Coordinator: Ready to accept requests.
//   - error: Non-nil if a required field is missing.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Loader == nil {
		return nil, errors.New("coordinator: loader is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("coordinator: registry is required")
	}
	if cfg.Grace == 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		loader:       cfg.Loader,
		registry:     cfg.Registry,
		grace:        cfg.Grace,
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		recorder:     cfg.Recorder,
		listeners:    make(map[uint64]Listener),
	}, nil
}

// Subscribe registers fn for every transition of every request. The
// returned function unsubscribes.
func (c *Coordinator) Subscribe(fn Listener) (unsubscribe func()) {
	c.listenersMu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersMu.Lock()
			delete(c.listeners, id)
			c.listenersMu.Unlock()
		})
	}
}

// Request runs one update to locator.
//
// # Description
//
// Loads the module, publishes it, holds the previous slot reference for
// the grace interval and then drops it. Cancelling ctx aborts a load
// that honours cancellation and cuts the grace interval short; it never
// interrupts a publish, and never tears down a handle that readers
// still hold.
//
// # Inputs
//
//   - ctx: Request context. Must not be nil.
//   - locator: Module to switch to.
//
// # Outputs
//
//   - Outcome: The terminal outcome (StateDone or StateFailed).
//   - error: Nil when the outcome is Done; otherwise the failure cause,
//     a *module.LoadError for load failures.
func (c *Coordinator) Request(ctx context.Context, locator string) (Outcome, error) {
	if ctx == nil {
		return Outcome{}, ErrNilContext
	}

	out := Outcome{
		ID:      uuid.NewString(),
		Locator: locator,
		Started: time.Now(),
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Coordinator.Request")
	defer span.End()
	telemetry.SetSpanAttributes(span,
		attribute.String("update.id", out.ID),
		attribute.String("update.locator", locator),
	)
	out.TraceContext = telemetry.InjectToMap(ctx, nil)
	logger := telemetry.LoggerWithTrace(ctx, c.logger).With("update_id", out.ID, "locator", locator)

	c.requests.Add(1)
	c.inFlight.Add(1)
	c.metrics.TrackInFlight(ctx, 1)
	defer func() {
		c.inFlight.Add(-1)
		c.metrics.TrackInFlight(ctx, -1)
	}()

	if locator == "" {
		return c.fail(ctx, logger, out, StateIdle, ErrEmptyLocator)
	}

	// --- Loading ---
	c.transition(ctx, out, StateIdle, StateLoading, "")
	loadStart := time.Now()
	h, err := c.loader.Load(ctx, locator)
	if err != nil {
		kind := "unknown"
		if k, ok := module.KindOf(err); ok {
			kind = k.String()
		}
		c.metrics.RecordLoad(ctx, kind, time.Since(loadStart).Seconds())
		return c.fail(ctx, logger, out, StateLoading, err)
	}
	c.metrics.RecordLoad(ctx, "", time.Since(loadStart).Seconds())
	out.Operator = h.Name()
	out.Generation = h.Generation()

	// --- Publishing ---
	c.transition(ctx, out, StateLoading, StatePublishing, out.Operator)
	prev := c.registry.Publish(h)
	prevHandle := prev.Handle()
	if prevHandle != nil {
		out.Previous = prevHandle.Name()
	}

	// --- Draining ---
	c.transition(ctx, out, StatePublishing, StateDraining, out.Operator)
	drainStart := time.Now()
	if prevHandle != nil {
		c.waitGrace(ctx)
	}
	prev.Release()
	out.Drained = c.awaitTeardown(logger, prevHandle)
	c.metrics.RecordDrain(ctx, time.Since(drainStart).Seconds())

	// --- Done ---
	out.State = StateDone
	out.Finished = time.Now()
	c.transition(ctx, out, StateDraining, StateDone, out.Operator)
	c.done.Add(1)
	c.metrics.RecordUpdate(ctx, StateDone.String(), out.Finished.Sub(out.Started).Seconds())
	telemetry.SetSpanAttributes(span, attribute.String("update.operator", out.Operator))
	telemetry.SetSpanOK(span)
	logger.Info("module update done",
		"operator", out.Operator,
		"previous", out.Previous,
		"generation", out.Generation,
		"drained", out.Drained,
		"duration_ms", out.Finished.Sub(out.Started).Milliseconds())
	c.finish(ctx, logger, out)
	return out, nil
}

// fail finishes out as Failed. The registry has not been touched.
func (c *Coordinator) fail(ctx context.Context, logger *slog.Logger, out Outcome, from State, err error) (Outcome, error) {
	out.State = StateFailed
	out.Err = err
	out.ErrorKind = "invalid_request"
	if k, ok := module.KindOf(err); ok {
		out.ErrorKind = k.String()
	}
	out.Finished = time.Now()

	c.transition(ctx, out, from, StateFailed, "")
	c.failed.Add(1)
	c.metrics.RecordUpdate(ctx, StateFailed.String(), out.Finished.Sub(out.Started).Seconds())
	telemetry.RecordError(telemetry.SpanFromContext(ctx), err, attribute.String("update.error_kind", out.ErrorKind))
	logger.Warn("module update failed", "error_kind", out.ErrorKind, "error", err)
	c.finish(ctx, logger, out)
	return out, fmt.Errorf("update %s: %w", out.ID, err)
}

func (c *Coordinator) finish(ctx context.Context, logger *slog.Logger, out Outcome) {
	c.last.Store(&out)
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordOutcome(context.WithoutCancel(ctx), out); err != nil {
		logger.Error("record update outcome", "error", err)
	}
}

// waitGrace sleeps for the grace interval or until ctx is done.
func (c *Coordinator) waitGrace(ctx context.Context) {
	if c.grace <= 0 {
		return
	}
	t := time.NewTimer(c.grace)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// awaitTeardown reports whether prev finished teardown within the drain
// timeout. A nil prev counts as drained.
func (c *Coordinator) awaitTeardown(logger *slog.Logger, prev *module.Handle) bool {
	if prev == nil {
		return true
	}
	if prev.TornDown() || c.drainTimeout <= 0 {
		return prev.TornDown()
	}
	t := time.NewTimer(c.drainTimeout)
	defer t.Stop()
	select {
	case <-prev.Done():
		return true
	case <-t.C:
		logger.Warn("previous module still referenced after drain timeout",
			"previous_locator", prev.Locator(),
			"previous_generation", prev.Generation(),
			"refs", prev.Refs(),
			"timeout_ms", c.drainTimeout.Milliseconds())
		return false
	}
}

func (c *Coordinator) transition(ctx context.Context, out Outcome, from, to State, operator string) {
	telemetry.AddSpanEvent(telemetry.SpanFromContext(ctx), "update.state",
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	)
	ev := Event{
		UpdateID: out.ID,
		Locator:  out.Locator,
		From:     from,
		To:       to,
		At:       time.Now(),
		Operator: operator,
		Error:    out.ErrorMessage(),
	}
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, fn := range c.listeners {
		fn(ev)
	}
}

// Last returns the most recent terminal outcome.
func (c *Coordinator) Last() (Outcome, bool) {
	p := c.last.Load()
	if p == nil {
		return Outcome{}, false
	}
	return *p, true
}

// Stats returns the request counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Requests: c.requests.Load(),
		Done:     c.done.Load(),
		Failed:   c.failed.Load(),
		InFlight: c.inFlight.Load(),
	}
}
