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
	"strings"
)

// Symbol is an exported value resolved from a Library.
type Symbol = any

// Library is one opened module.
//
// Implementations must make Close idempotent-safe for a single caller; the
// Handle guarantees it calls Close at most once.
type Library interface {
	// Lookup resolves an exported symbol by name.
	Lookup(name string) (Symbol, error)

	// Close releases the module mapping. No code from the library may run
	// after Close returns.
	Close() error
}

// Opener resolves a locator into an opened Library.
//
// A locator that does not resolve must produce an error wrapping
// ErrModuleNotFound.
type Opener interface {
	Open(ctx context.Context, locator string) (Library, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, locator string) (Library, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, locator string) (Library, error) {
	return f(ctx, locator)
}

// ChainOpener dispatches on the locator's prefix.
//
// Routes are tried in order; the first prefix that matches wins. A locator
// that matches no route goes to Fallback.
type ChainOpener struct {
	Routes   []Route
	Fallback Opener
}

// Route binds a locator prefix (e.g. "builtin:" or "gs://") to an Opener.
type Route struct {
	Prefix string
	Opener Opener
}

// Open implements Opener.
func (c *ChainOpener) Open(ctx context.Context, locator string) (Library, error) {
	for _, r := range c.Routes {
		if strings.HasPrefix(locator, r.Prefix) {
			return r.Opener.Open(ctx, locator)
		}
	}
	if c.Fallback == nil {
		return nil, fmt.Errorf("%w: no opener for %q", ErrModuleNotFound, locator)
	}
	return c.Fallback.Open(ctx, locator)
}
