// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry holds the single current module handle.
//
// # Description
//
// The Registry is a one-slot cell. Readers take a reference to whatever the
// slot holds without locking; writers replace the slot atomically and get
// the previous occupant back. The slot itself owns one reference on the
// handle it holds.
//
// # Read Protocol
//
// A read loads the slot pointer and tries to add a reference. That fails
// only when the handle's count already reached zero, which can only happen
// after a writer swapped it out and every other holder let go. The slot
// then already holds a newer handle, so the read retries. Reads never wait
// on writers.
//
// # Visibility
//
// Publishes are totally ordered by the writer mutex and land in a single
// atomic pointer, so once a reader has observed a publish no later read on
// any goroutine returns a handle that was replaced before it.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/hotswap/services/hotswap/module"
	"github.com/AleutianAI/hotswap/services/hotswap/operator"
)

// ErrEmpty is returned by Compute before anything was published.
var ErrEmpty = errors.New("no operator published")

// Stats are the registry's monotonic counters.
type Stats struct {
	// Reads counts reads that returned a handle.
	Reads uint64 `json:"reads"`

	// EmptyReads counts reads that found the slot empty.
	EmptyReads uint64 `json:"empty_reads"`

	// Retries counts reads that raced with a teardown and retried.
	Retries uint64 `json:"retries"`

	// Invocations counts successful Compute calls.
	Invocations uint64 `json:"invocations"`

	// Publishes counts completed publishes.
	Publishes uint64 `json:"publishes"`

	// ByOperator counts Compute calls per operator name.
	ByOperator map[string]uint64 `json:"by_operator"`
}

// Registry is the single-slot holder of the current handle.
//
// # Thread Safety
//
// Read, Compute and Current are lock-free. Publish, Clear and Close are
// serialized among themselves and never block readers.
type Registry struct {
	slot   atomic.Pointer[module.Handle]
	mu     sync.Mutex
	logger *slog.Logger

	reads       atomic.Uint64
	emptyReads  atomic.Uint64
	retries     atomic.Uint64
	invocations atomic.Uint64
	publishes   atomic.Uint64
	byOperator  sync.Map // name -> *atomic.Uint64
}

// New creates an empty Registry. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Read returns a reference to the current handle, or nil when nothing has
// been published. The caller must Release the reference after one use.
func (r *Registry) Read() *module.Ref {
	for {
		h := r.slot.Load()
		if h == nil {
			r.emptyReads.Add(1)
			return nil
		}
		if h.TryAcquire() {
			r.reads.Add(1)
			return module.NewRef(h)
		}
		r.retries.Add(1)
	}
}

// Publish makes h current and returns the previous slot reference.
//
// # Description
//
// The reference h carries (normally the one from Loader.Load) moves into
// the slot. The previous occupant's slot reference moves to the caller,
// who must Release it once it no longer needs the old handle; the registry
// never tears it down itself. Returns nil on the first publish.
//
// # Inputs
//
//   - h: Handle to publish. nil empties the slot.
//
// # Outputs
//
//   - *module.Ref: The previous slot reference, or nil.
func (r *Registry) Publish(h *module.Handle) *module.Ref {
	r.mu.Lock()
	prev := r.slot.Swap(h)
	r.mu.Unlock()

	r.publishes.Add(1)
	if h != nil {
		r.logger.Debug("operator published",
			"operator", h.Name(),
			"locator", h.Locator(),
			"generation", h.Generation())
	}
	return module.NewRef(prev)
}

// Clear empties the slot and returns the previous reference.
func (r *Registry) Clear() *module.Ref {
	r.mu.Lock()
	prev := r.slot.Swap(nil)
	r.mu.Unlock()
	return module.NewRef(prev)
}

// Close empties the slot and drops its reference.
func (r *Registry) Close() {
	r.Clear().Release()
}

// Current returns the handle in the slot without taking a reference.
// Only its load-time metadata (Name, Locator, Generation) may be used;
// never call through its Operator.
func (r *Registry) Current() *module.Handle {
	return r.slot.Load()
}

// Compute runs one read-invoke-release cycle.
//
// # Outputs
//
//   - float64: The score.
//   - string: Name of the operator that computed it.
//   - error: ErrEmpty before the first publish.
func (r *Registry) Compute(f operator.Feature) (float64, string, error) {
	ref := r.Read()
	if ref == nil {
		return 0, "", ErrEmpty
	}
	defer ref.Release()

	op := ref.Operator()
	score := op.Compute(f)
	name := op.Name()
	r.invocations.Add(1)
	r.countOperator(name)
	return score, name, nil
}

func (r *Registry) countOperator(name string) {
	c, ok := r.byOperator.Load(name)
	if !ok {
		c, _ = r.byOperator.LoadOrStore(name, new(atomic.Uint64))
	}
	c.(*atomic.Uint64).Add(1)
}

// Stats returns a snapshot of the counters.
func (r *Registry) Stats() Stats {
	s := Stats{
		Reads:       r.reads.Load(),
		EmptyReads:  r.emptyReads.Load(),
		Retries:     r.retries.Load(),
		Invocations: r.invocations.Load(),
		Publishes:   r.publishes.Load(),
		ByOperator:  make(map[string]uint64),
	}
	r.byOperator.Range(func(k, v any) bool {
		s.ByOperator[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return s
}
