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
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/AleutianAI/hotswap/services/hotswap/operator"
)

// generations orders every handle created in the process.
var generations atomic.Uint64

// Acquire opens locator with opener and builds a Handle holding one
// reference.
//
// # Description
//
// Resolves NewOperator and DestroyOperator, checks their types, and
// invokes the factory once. The instance's name is read here, once, so
// that Handle.Name never calls into the module afterwards. All-or-nothing: on any failure the library is
// closed again before the error is returned.
//
// A teardown failure of a handle created here panics. Use a Loader to
// install a different handler or to collect statistics.
//
// # Outputs
//
//   - *Handle: The handle with one reference, owned by the caller.
//   - error: A *LoadError.
func Acquire(ctx context.Context, opener Opener, locator string) (*Handle, error) {
	h, err := acquire(ctx, opener, locator)
	if err != nil {
		return nil, err
	}
	h.onTeardown = func(h *Handle, err error) {
		if err != nil {
			PanicOnTeardownFailure(h.locator, err)
		}
	}
	return h, nil
}

func acquire(ctx context.Context, opener Opener, locator string) (*Handle, error) {
	if locator == "" {
		return nil, &LoadError{Kind: KindModuleNotFound, Err: ErrEmptyLocator}
	}

	lib, err := opener.Open(ctx, locator)
	if err != nil {
		return nil, &LoadError{Kind: KindModuleNotFound, Locator: locator, Err: err}
	}

	factory, destroy, lerr := resolveExports(lib, locator)
	if lerr != nil {
		return nil, closeAfterFailure(lib, lerr)
	}

	op, err := construct(factory)
	if err != nil {
		lerr = &LoadError{Kind: KindFactoryFailed, Locator: locator, Symbol: operator.FactorySymbol, Err: err}
		return nil, closeAfterFailure(lib, lerr)
	}

	name, err := describe(op)
	if err != nil {
		err = errors.Join(err, discard(destroy, op))
		lerr = &LoadError{Kind: KindFactoryFailed, Locator: locator, Symbol: operator.FactorySymbol, Err: err}
		return nil, closeAfterFailure(lib, lerr)
	}

	return newHandle(generations.Add(1), locator, name, lib, op, destroy), nil
}

// closeAfterFailure closes lib on a failed load and folds a close error
// into the load error.
func closeAfterFailure(lib Library, lerr *LoadError) *LoadError {
	if err := lib.Close(); err != nil {
		lerr.Err = errors.Join(lerr.Err, fmt.Errorf("close after failed load: %w", err))
	}
	return lerr
}

// resolveExports looks up and type-checks both required exports.
func resolveExports(lib Library, locator string) (operator.Factory, operator.Destructor, *LoadError) {
	factorySym, err := lib.Lookup(operator.FactorySymbol)
	if err != nil {
		return nil, nil, &LoadError{Kind: KindSymbolMissing, Locator: locator, Symbol: operator.FactorySymbol, Err: err}
	}
	destroySym, err := lib.Lookup(operator.DestructorSymbol)
	if err != nil {
		return nil, nil, &LoadError{Kind: KindSymbolMissing, Locator: locator, Symbol: operator.DestructorSymbol, Err: err}
	}

	factory, ok := asFactory(factorySym)
	if !ok {
		return nil, nil, &LoadError{
			Kind: KindSymbolInvalid, Locator: locator, Symbol: operator.FactorySymbol,
			Err: fmt.Errorf("got %T, want func() operator.Operator", factorySym),
		}
	}
	destroy, ok := asDestructor(destroySym)
	if !ok {
		return nil, nil, &LoadError{
			Kind: KindSymbolInvalid, Locator: locator, Symbol: operator.DestructorSymbol,
			Err: fmt.Errorf("got %T, want func(operator.Operator)", destroySym),
		}
	}
	return factory, destroy, nil
}

// asFactory accepts an exported function or an exported variable holding one.
func asFactory(sym Symbol) (operator.Factory, bool) {
	switch f := sym.(type) {
	case func() operator.Operator:
		return f, f != nil
	case *func() operator.Operator:
		if f == nil || *f == nil {
			return nil, false
		}
		return *f, true
	}
	return nil, false
}

// asDestructor accepts an exported function or an exported variable holding one.
func asDestructor(sym Symbol) (operator.Destructor, bool) {
	switch f := sym.(type) {
	case func(operator.Operator):
		return f, f != nil
	case *func(operator.Operator):
		if f == nil || *f == nil {
			return nil, false
		}
		return *f, true
	}
	return nil, false
}

// construct invokes the factory once, turning a panic or nil into an error.
func construct(factory operator.Factory) (op operator.Operator, err error) {
	defer func() {
		if r := recover(); r != nil {
			op, err = nil, fmt.Errorf("factory panicked: %v", r)
		}
	}()
	op = factory()
	if op == nil {
		return nil, fmt.Errorf("factory returned nil")
	}
	return op, nil
}

// describe reads the instance's name once, turning a panic into an error.
func describe(op operator.Operator) (name string, err error) {
	defer func() {
		if r := recover(); r != nil {
			name, err = "", fmt.Errorf("operator name panicked: %v", r)
		}
	}()
	return op.Name(), nil
}

// discard runs the destructor on an instance that never made it into a
// handle.
func discard(destroy operator.Destructor, op operator.Operator) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("destructor panicked: %v", r)
		}
	}()
	destroy(op)
	return nil
}
