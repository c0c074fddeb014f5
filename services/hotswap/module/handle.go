// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package module

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/hotswap/services/hotswap/operator"
)

// Handle owns one opened Library and the Operator instance it produced.
//
// # Description
//
// A Handle is immutable after construction apart from its reference
// count. It starts with one reference, owned by whoever called
// Loader.Load. Every holder releases exactly the reference it took; the
// release that brings the count to zero tears the handle down:
//
//  1. the module's destructor runs on the instance
//  2. the library is closed
//
// in that order, exactly once. After the count reaches zero it can never
// be raised again: TryAcquire fails on a dying handle.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Handle struct {
	generation uint64
	locator    string
	name       string
	loadedAt   time.Time

	lib     Library
	op      operator.Operator
	destroy operator.Destructor

	refs atomic.Int64
	done chan struct{}

	// onTeardown observes the teardown result; set by the Loader.
	onTeardown func(h *Handle, err error)
}

// newHandle wraps freshly resolved resources with a count of one.
func newHandle(generation uint64, locator, name string, lib Library, op operator.Operator, destroy operator.Destructor) *Handle {
	h := &Handle{
		generation: generation,
		locator:    locator,
		name:       name,
		loadedAt:   time.Now(),
		lib:        lib,
		op:         op,
		destroy:    destroy,
		done:       make(chan struct{}),
	}
	h.refs.Store(1)
	return h
}

// Generation is the loader-assigned sequence number of this handle.
// Later loads always carry larger generations.
func (h *Handle) Generation() uint64 { return h.generation }

// Locator is the locator the handle was loaded from.
func (h *Handle) Locator() string { return h.locator }

// LoadedAt is when the handle finished loading.
func (h *Handle) LoadedAt() time.Time { return h.loadedAt }

// Operator returns the live instance. Only valid while the caller holds a
// reference.
func (h *Handle) Operator() operator.Operator { return h.op }

// Name is the operator's name as captured at load time. Unlike Operator it
// needs no reference and stays valid after teardown.
func (h *Handle) Name() string { return h.name }

// Refs returns the current reference count. Diagnostics only; the value is
// stale as soon as it is read.
func (h *Handle) Refs() int64 { return h.refs.Load() }

// Done is closed once teardown has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// TornDown reports whether teardown has finished.
func (h *Handle) TornDown() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// TryAcquire adds a reference unless the handle is already dying.
//
// Returns false when the count has reached zero; the caller must not use
// the handle in that case.
func (h *Handle) TryAcquire() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference and tears the handle down when it was the
// last one.
//
// Panics if called more times than references were taken; that is a
// lifetime bug in the caller and continuing would risk use-after-close.
func (h *Handle) Release() {
	n := h.refs.Add(-1)
	switch {
	case n == 0:
		h.teardown()
	case n < 0:
		panic(fmt.Sprintf("module: handle %q (gen %d) released with no references", h.locator, h.generation))
	}
}

// teardown runs the destructor then closes the library.
func (h *Handle) teardown() {
	var errs []error
	if err := h.runDestructor(); err != nil {
		errs = append(errs, err)
	}
	if err := h.lib.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close library: %w", err))
	}
	close(h.done)
	if h.onTeardown != nil {
		h.onTeardown(h, errors.Join(errs...))
	}
}

// runDestructor invokes the module destructor, converting a panic into an
// error so the library is still closed.
func (h *Handle) runDestructor() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("destructor panicked: %v", r)
		}
	}()
	h.destroy(h.op)
	return nil
}

// =============================================================================
// Ref
// =============================================================================

// Ref is one holder's share of a Handle.
//
// # Description
//
// Readers get a Ref from the registry, use it for a single invocation and
// release it. Release is idempotent per Ref, so a deferred Release next to
// an explicit one is harmless. A nil *Ref is the empty state: all methods
// are safe to call on it and Operator returns nil.
type Ref struct {
	h        *Handle
	released atomic.Bool
}

// NewRef wraps a reference the caller already owns on h.
func NewRef(h *Handle) *Ref {
	if h == nil {
		return nil
	}
	return &Ref{h: h}
}

// Handle returns the referenced handle, or nil for the empty state.
func (r *Ref) Handle() *Handle {
	if r == nil {
		return nil
	}
	return r.h
}

// Operator returns the referenced operator, or nil for the empty state.
func (r *Ref) Operator() operator.Operator {
	if r == nil {
		return nil
	}
	return r.h.op
}

// Release gives the reference back. Safe to call more than once.
func (r *Ref) Release() {
	if r == nil {
		return
	}
	if r.released.CompareAndSwap(false, true) {
		r.h.Release()
	}
}
