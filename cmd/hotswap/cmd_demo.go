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
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/hotswap/pkg/logging"
	"github.com/AleutianAI/hotswap/pkg/ux"
	"github.com/AleutianAI/hotswap/services/hotswap/config"
	"github.com/AleutianAI/hotswap/services/hotswap/driver"
)

func runDemoCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	logger, _, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return demo(ctx, cmd.OutOrStdout(), cfg, logger, demoOptions{
		v1:         demoV1,
		workers:    demoWorkers,
		rounds:     demoRounds,
		interval:   demoInterval,
		statsEvery: demoStatsInterval,
		verbose:    !demoQuiet,
		steps:      driver.DefaultScript(demoV1, demoV2),
	})
}

// demoOptions size one demo run.
type demoOptions struct {
	v1         string
	workers    int
	rounds     int
	interval   time.Duration
	statsEvery time.Duration
	verbose    bool
	steps      []driver.Step
}

// demo loads v1, then runs the scoring workers and the swap script side by
// side, printing statistics every statsEvery and once more at the end.
//
// Description:
//
//	The workers stop after their rounds (or on cancellation); the script
//	stops after its last step. A failed script step does not stop the
//	workers. The returned error is the script's, unless ctx is done.
func demo(ctx context.Context, out io.Writer, cfg config.Config, logger *logging.Logger, opts demoOptions) error {
	// The demo never restores or records history.
	rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	w := ux.New(out)
	stats := driver.NewStats()

	first, err := rt.coordinator.Request(ctx, opts.v1)
	if err != nil {
		return fmt.Errorf("load %s: %w", opts.v1, err)
	}
	stats.RecordHotUpdate()
	w.Success(fmt.Sprintf("loaded %s from %s", first.Operator, first.Locator))

	dcfg := driver.Config{
		Workers:  opts.workers,
		Rounds:   opts.rounds,
		Interval: opts.interval,
		Logger:   logger.Slog().With("component", "driver"),
	}
	if opts.verbose {
		dcfg.Observer = func(o driver.Observation) { w.Muted(formatObservation(o)) }
	}
	drv, err := driver.New(rt.registry, stats, dcfg)
	if err != nil {
		return err
	}

	script := &driver.Script{
		Steps:   opts.steps,
		Updater: rt.coordinator,
		Stats:   stats,
		Logger:  logger.Slog().With("component", "script"),
		Report:  func(r driver.StepReport) { printStep(w, r) },
	}

	var g errgroup.Group
	var scriptErr error
	g.Go(func() error { return drv.Run(ctx) })
	g.Go(func() error {
		scriptErr = script.Run(ctx)
		return nil
	})

	stopStats := make(chan struct{})
	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		if opts.statsEvery <= 0 {
			return
		}
		ticker := time.NewTicker(opts.statsEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Box("statistics", stats.Snapshot().Lines())
			case <-stopStats:
				return
			}
		}
	}()

	err = g.Wait()
	close(stopStats)
	<-statsDone
	w.Box("statistics", stats.Snapshot().Lines())

	if err != nil {
		return err
	}
	if scriptErr != nil && ctx.Err() == nil {
		return scriptErr
	}
	return nil
}

// formatObservation renders one scoring call.
func formatObservation(o driver.Observation) string {
	return fmt.Sprintf("[worker %d] round %d: operator=%s score=%.6f latency=%s",
		o.Worker, o.Round, o.Operator, o.Score, o.Latency.Round(time.Microsecond))
}

// printStep reports one script step, flagged by whether it took effect.
func printStep(w *ux.Output, r driver.StepReport) {
	if r.Err != nil {
		w.Failure(formatStep(r))
		return
	}
	w.Success(formatStep(r))
}

// formatStep renders one script step.
func formatStep(r driver.StepReport) string {
	if r.Err != nil {
		return fmt.Sprintf(">>> hot update %d to %s failed (%s): %v",
			r.Index+1, r.Step.Locator, r.Outcome.ErrorKind, r.Err)
	}
	return fmt.Sprintf(">>> hot update %d: %s -> %s (generation %d)",
		r.Index+1, r.Outcome.Previous, r.Outcome.Operator, r.Outcome.Generation)
}
