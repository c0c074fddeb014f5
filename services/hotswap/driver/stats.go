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
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats aggregates what the workers and the script observed.
//
// Thread Safety: Safe for concurrent use. All counters are monotonic.
type Stats struct {
	start time.Time

	total      atomic.Uint64
	empty      atomic.Uint64
	hotUpdates atomic.Uint64
	byOperator sync.Map // name -> *atomic.Uint64
}

// Snapshot is an immutable copy of Stats.
type Snapshot struct {
	Uptime     time.Duration     `json:"uptime"`
	Total      uint64            `json:"total_requests"`
	Empty      uint64            `json:"empty_reads"`
	HotUpdates uint64            `json:"hot_updates"`
	ByOperator map[string]uint64 `json:"by_operator"`
}

// NewStats starts the uptime clock.
func NewStats() *Stats {
	return &Stats{start: time.Now()}
}

// RecordRequest counts one successful call to the named operator.
func (s *Stats) RecordRequest(operator string) {
	s.total.Add(1)
	c, ok := s.byOperator.Load(operator)
	if !ok {
		c, _ = s.byOperator.LoadOrStore(operator, new(atomic.Uint64))
	}
	c.(*atomic.Uint64).Add(1)
}

// RecordEmpty counts a read that found nothing published.
func (s *Stats) RecordEmpty() { s.empty.Add(1) }

// RecordHotUpdate counts a completed swap.
func (s *Stats) RecordHotUpdate() { s.hotUpdates.Add(1) }

// Snapshot copies the counters.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Uptime:     time.Since(s.start),
		Total:      s.total.Load(),
		Empty:      s.empty.Load(),
		HotUpdates: s.hotUpdates.Load(),
		ByOperator: make(map[string]uint64),
	}
	s.byOperator.Range(func(k, v any) bool {
		snap.ByOperator[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return snap
}

// Lines renders the snapshot body, one counter per line. Operators are
// listed by name.
func (s Snapshot) Lines() []string {
	lines := []string{
		fmt.Sprintf("uptime:          %d ms", s.Uptime.Milliseconds()),
		fmt.Sprintf("total requests:  %d", s.Total),
	}

	names := make([]string, 0, len(s.ByOperator))
	for name := range s.ByOperator {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("  %-20s %d", name+":", s.ByOperator[name]))
	}

	return append(lines,
		fmt.Sprintf("empty reads:     %d", s.Empty),
		fmt.Sprintf("hot updates:     %d", s.HotUpdates),
	)
}
