// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/hotswap/services/hotswap/coordinator"
)

// Updater runs one update request. *coordinator.Coordinator implements it.
type Updater interface {
	Request(ctx context.Context, locator string) (coordinator.Outcome, error)
}

// Step waits Delay, then requests an update to Locator.
type Step struct {
	Delay   time.Duration `json:"delay" yaml:"delay"`
	Locator string        `json:"locator" yaml:"locator"`
}

// StepReport is passed to the script's report callback after each step.
type StepReport struct {
	Index   int
	Step    Step
	Outcome coordinator.Outcome
	Err     error
}

// DefaultScript swaps to v2 after 2s, back to v1 after 3s more, and to v2
// again after another 3s.
func DefaultScript(v1, v2 string) []Step {
	return []Step{
		{Delay: 2 * time.Second, Locator: v2},
		{Delay: 3 * time.Second, Locator: v1},
		{Delay: 3 * time.Second, Locator: v2},
	}
}

// Script runs a timetable of updates.
type Script struct {
	Steps   []Step
	Updater Updater
	Stats   *Stats
	Logger  *slog.Logger

	// Report, if set, is called after every step.
	Report func(StepReport)
}

// Run executes the steps in order.
//
// # Description
//
// A failed step is reported and the script carries on with the next one,
// since the registry is unchanged by a failed update. Cancellation stops
// the script between or during steps.
//
// # Outputs
//
//   - error: ctx.Err() if cancelled, otherwise the joined step failures.
func (s *Script) Run(ctx context.Context) error {
	if s.Updater == nil {
		return errors.New("script: updater is required")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var failures []error
	for i, step := range s.Steps {
		timer := time.NewTimer(step.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		logger.Info("script step", "step", i+1, "of", len(s.Steps), "locator", step.Locator)
		out, err := s.Updater.Request(ctx, step.Locator)
		if err == nil && s.Stats != nil {
			s.Stats.RecordHotUpdate()
		}
		if s.Report != nil {
			s.Report(StepReport{Index: i, Step: step, Outcome: out, Err: err})
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures = append(failures, fmt.Errorf("step %d (%s): %w", i+1, step.Locator, err))
		}
	}
	return errors.Join(failures...)
}
