// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build cgo && (linux || darwin || freebsd)

package module

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"plugin"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// PluginOpener opens shared objects built with -buildmode=plugin.
//
// # Limitations
//
// The Go runtime never unmaps a plugin and caches plugin.Open by path.
// Close therefore only fences the library: later lookups fail and the
// handle's teardown ordering still holds, but the code stays mapped.
// Ship each module version under its own file name.
type PluginOpener struct{}

// NewPluginOpener creates a PluginOpener.
func NewPluginOpener() *PluginOpener { return &PluginOpener{} }

// Open implements Opener.
func (o *PluginOpener) Open(ctx context.Context, locator string) (Library, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := filepath.Abs(locator)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", locator, err)
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrModuleNotFound, path)
	}

	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	return &pluginLibrary{path: path, p: p}, nil
}

type pluginLibrary struct {
	path   string
	p      *plugin.Plugin
	closed atomic.Bool
}

func (l *pluginLibrary) Lookup(name string) (Symbol, error) {
	if l.closed.Load() {
		return nil, ErrLibraryClosed
	}
	sym, err := l.p.Lookup(name)
	if err != nil {
		return nil, err
	}
	return sym, nil
}

func (l *pluginLibrary) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", l.path, ErrLibraryClosed)
	}
	return nil
}
