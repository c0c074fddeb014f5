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
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// BuiltinScheme prefixes locators conventionally served by a StaticOpener.
const BuiltinScheme = "builtin://"

// StaticOpener serves modules compiled into the host binary.
//
// # Description
//
// Each locator maps to a symbol table, registered up front. Opening a
// locator hands out a fresh Library over that table, so the loader goes
// through exactly the same export resolution as for a shared object.
// Opens and closes are counted so callers can verify nothing stays
// resident after failures or teardown.
//
// # Thread Safety
//
// Safe for concurrent use.
type StaticOpener struct {
	mu      sync.RWMutex
	modules map[string]map[string]Symbol

	opens  atomic.Int64
	closes atomic.Int64
}

// StaticStats reports the open/close balance.
type StaticStats struct {
	Opens    int64 `json:"opens"`
	Closes   int64 `json:"closes"`
	Resident int64 `json:"resident"`
}

// NewStaticOpener creates an empty StaticOpener.
func NewStaticOpener() *StaticOpener {
	return &StaticOpener{modules: make(map[string]map[string]Symbol)}
}

// Register makes symbols available under locator, replacing any previous
// table. The map is copied.
func (s *StaticOpener) Register(locator string, symbols map[string]Symbol) {
	table := make(map[string]Symbol, len(symbols))
	for k, v := range symbols {
		table[k] = v
	}
	s.mu.Lock()
	s.modules[locator] = table
	s.mu.Unlock()
}

// Locators lists registered locators in sorted order.
func (s *StaticOpener) Locators() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.modules))
	for k := range s.modules {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open implements Opener.
func (s *StaticOpener) Open(ctx context.Context, locator string) (Library, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	table, ok := s.modules[locator]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered", ErrModuleNotFound, locator)
	}
	s.opens.Add(1)
	return &staticLibrary{owner: s, locator: locator, symbols: table}, nil
}

// Stats returns the open/close counters.
func (s *StaticOpener) Stats() StaticStats {
	opens, closes := s.opens.Load(), s.closes.Load()
	return StaticStats{Opens: opens, Closes: closes, Resident: opens - closes}
}

type staticLibrary struct {
	owner   *StaticOpener
	locator string
	symbols map[string]Symbol
	closed  atomic.Bool
}

func (l *staticLibrary) Lookup(name string) (Symbol, error) {
	if l.closed.Load() {
		return nil, ErrLibraryClosed
	}
	sym, ok := l.symbols[name]
	if !ok {
		return nil, fmt.Errorf("symbol %q not exported by %q", name, l.locator)
	}
	return sym, nil
}

func (l *staticLibrary) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("%q: %w", l.locator, ErrLibraryClosed)
	}
	l.owner.closes.Add(1)
	return nil
}
