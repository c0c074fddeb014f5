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
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrModuleNotFound indicates the locator does not resolve to a loadable module.
	ErrModuleNotFound = errors.New("module not found")

	// ErrSymbolMissing indicates a required export is absent from the module.
	ErrSymbolMissing = errors.New("required symbol missing")

	// ErrSymbolInvalid indicates a required export has the wrong type.
	ErrSymbolInvalid = errors.New("required symbol has wrong type")

	// ErrFactoryFailed indicates the factory panicked or returned nil, or the
	// new instance could not report its name.
	ErrFactoryFailed = errors.New("module factory failed")

	// ErrLibraryClosed is returned by Lookup on a closed library.
	ErrLibraryClosed = errors.New("library closed")

	// ErrEmptyLocator indicates an empty locator string.
	ErrEmptyLocator = errors.New("locator must not be empty")
)

// =============================================================================
// LoadError
// =============================================================================

// Kind classifies a load failure.
type Kind int

const (
	// KindModuleNotFound means the locator could not be resolved or opened.
	KindModuleNotFound Kind = iota

	// KindSymbolMissing means one of the two required exports is absent.
	KindSymbolMissing

	// KindSymbolInvalid means an export exists but has the wrong type.
	KindSymbolInvalid

	// KindFactoryFailed means the factory panicked or produced nil.
	KindFactoryFailed
)

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindModuleNotFound:
		return "module_not_found"
	case KindSymbolMissing:
		return "symbol_missing"
	case KindSymbolInvalid:
		return "symbol_invalid"
	case KindFactoryFailed:
		return "factory_failed"
	default:
		return "unknown"
	}
}

// sentinel maps a kind to the error errors.Is matches against.
func (k Kind) sentinel() error {
	switch k {
	case KindModuleNotFound:
		return ErrModuleNotFound
	case KindSymbolMissing:
		return ErrSymbolMissing
	case KindSymbolInvalid:
		return ErrSymbolInvalid
	case KindFactoryFailed:
		return ErrFactoryFailed
	default:
		return nil
	}
}

// LoadError describes why a locator could not be turned into a Handle.
//
// # Description
//
// Returned by Loader.Load. When a LoadError is returned no library opened
// during the attempt remains open. Supports errors.Is against the
// sentinel matching its Kind, and errors.As for the details.
//
// # Example
//
//	h, err := loader.Load(ctx, "modules/score_op_v3.so")
//	var lerr *module.LoadError
//	if errors.As(err, &lerr) && lerr.Kind == module.KindSymbolMissing {
//	    log.Printf("module lacks %s", lerr.Symbol)
//	}
type LoadError struct {
	// Kind classifies the failure.
	Kind Kind

	// Locator is the locator that failed.
	Locator string

	// Symbol names the offending export for symbol failures.
	Symbol string

	// Err is the underlying cause (may be nil).
	Err error
}

// Error returns a formatted message.
func (e *LoadError) Error() string {
	msg := fmt.Sprintf("load %q: %s", e.Locator, e.Kind)
	if e.Symbol != "" {
		msg += fmt.Sprintf(" (%s)", e.Symbol)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *LoadError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

var _ error = (*LoadError)(nil)

// KindOf extracts the Kind from err.
//
// Returns false when err is not (and does not wrap) a LoadError.
func KindOf(err error) (Kind, bool) {
	var lerr *LoadError
	if errors.As(err, &lerr) {
		return lerr.Kind, true
	}
	return 0, false
}
