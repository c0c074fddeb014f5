// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package driver generates synthetic scoring traffic against a registry.
//
// # Description
//
// A Driver runs a fixed number of workers. Each worker issues rounds of
// read, compute, release against whatever module is current, so module
// swaps happen underneath live callers. Script drives the swaps on a
// timetable. Both feed a shared Stats.
package driver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/hotswap/services/hotswap/module"
	"github.com/AleutianAI/hotswap/services/hotswap/operator"
)

// Reader hands out references to the current module.
// *registry.Registry implements it.
type Reader interface {
	Read() *module.Ref
}

// Observation describes one completed call.
type Observation struct {
	Worker   int
	Round    int
	Operator string
	Score    float64
	Latency  time.Duration
}

// Observer is called after every completed call, from the worker goroutine.
type Observer func(Observation)

// Config sizes the workload.
type Config struct {
	// Workers is the number of concurrent callers. Default: 4.
	Workers int

	// Rounds per worker. Zero runs until the context is cancelled.
	Rounds int

	// Interval is the pause between one worker's rounds. Zero means no pause.
	Interval time.Duration

	// Rate caps calls per second across all workers. Zero is unlimited.
	Rate float64

	// Observer, if set, sees every completed call.
	Observer Observer

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Driver runs scoring workers.
type Driver struct {
	reader Reader
	stats  *Stats
	cfg    Config
	shared *rate.Limiter
}

// New creates a Driver.
//
// # Inputs
//
//   - reader: Source of module references. Required.
//   - stats: Counters to update. nil allocates a fresh Stats.
//   - cfg: Workload shape.
//
// # Outputs
//
//   - *Driver: Ready to Run.
//   - error: Non-nil if reader is nil or cfg has negative values.
func New(reader Reader, stats *Stats, cfg Config) (*Driver, error) {
	if reader == nil {
		return nil, errors.New("driver: reader is required")
	}
	if cfg.Workers < 0 || cfg.Rounds < 0 || cfg.Interval < 0 || cfg.Rate < 0 {
		return nil, errors.New("driver: workers, rounds, interval and rate must not be negative")
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}
	d := &Driver{reader: reader, stats: stats, cfg: cfg}
	if cfg.Rate > 0 {
		d.shared = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Workers)
	}
	return d, nil
}

// Stats returns the counters this driver updates.
func (d *Driver) Stats() *Stats { return d.stats }

// FeatureFor is the input worker sends in round.
func FeatureFor(worker, round int) operator.Feature {
	return operator.Feature{
		UserID:      worker,
		ItemID:      round,
		UserFeature: float64(worker)*0.1 + float64(round)*0.05,
		ItemFeature: float64(worker)*0.2 + float64(round)*0.1,
	}
}

// Run starts the workers and blocks until they finish all rounds or ctx
// is cancelled. Cancellation is a normal stop and returns nil.
func (d *Driver) Run(ctx context.Context) error {
	d.cfg.Logger.Info("driver starting",
		"workers", d.cfg.Workers,
		"rounds", d.cfg.Rounds,
		"interval", d.cfg.Interval)

	g, gCtx := errgroup.WithContext(ctx)
	for w := 0; w < d.cfg.Workers; w++ {
		g.Go(func() error {
			return d.worker(gCtx, w)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	d.cfg.Logger.Info("driver stopped", "total_requests", d.stats.Snapshot().Total)
	return err
}

func (d *Driver) worker(ctx context.Context, id int) error {
	var pace *rate.Limiter
	if d.cfg.Interval > 0 {
		pace = rate.NewLimiter(rate.Every(d.cfg.Interval), 1)
	}

	for round := 0; d.cfg.Rounds == 0 || round < d.cfg.Rounds; round++ {
		// Wait fails only when ctx is done or its deadline comes first.
		if pace != nil {
			if err := pace.Wait(ctx); err != nil {
				return nil
			}
		}
		if d.shared != nil {
			if err := d.shared.Wait(ctx); err != nil {
				return nil
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		d.call(id, round)
	}
	return nil
}

// call runs one read, compute, release cycle.
func (d *Driver) call(worker, round int) {
	ref := d.reader.Read()
	if ref == nil {
		d.stats.RecordEmpty()
		d.cfg.Logger.Debug("no operator published", "worker", worker, "round", round)
		return
	}
	defer ref.Release()

	op := ref.Operator()
	start := time.Now()
	score := op.Compute(FeatureFor(worker, round))
	latency := time.Since(start)
	name := op.Name()

	d.stats.RecordRequest(name)
	if d.cfg.Observer != nil {
		d.cfg.Observer(Observation{
			Worker:   worker,
			Round:    round,
			Operator: name,
			Score:    score,
			Latency:  latency,
		})
	}
}
