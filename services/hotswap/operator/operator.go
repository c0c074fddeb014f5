// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package operator defines the contract every hot-swappable scoring module
// implements, plus the export convention the loader resolves.
//
// # Export Convention
//
// A module exposes exactly two symbols under fixed names:
//
//   - NewOperator: func() Operator. Constructs one instance with no
//     external configuration. Ownership passes to the caller.
//   - DestroyOperator: func(Operator). Releases an instance produced by
//     the same module's NewOperator.
//
// The host never keeps a table of known implementations; everything it
// learns about a module comes from these two symbols.
//
// # Thread Safety
//
// Implementations must be safe for concurrent Compute calls and must not
// keep mutable state across calls.
package operator

// Symbol names resolved by the loader.
const (
	// FactorySymbol is the exported zero-argument constructor.
	FactorySymbol = "NewOperator"

	// DestructorSymbol is the exported one-argument destructor.
	DestructorSymbol = "DestroyOperator"
)

// Feature is the scoring input for one user/item pair.
type Feature struct {
	UserID      int     `json:"user_id"`
	ItemID      int     `json:"item_id"`
	UserFeature float64 `json:"user_feature"`
	ItemFeature float64 `json:"item_feature"`
}

// Operator is the capability a loaded module provides.
type Operator interface {
	// Compute returns the score for a feature. Pure and non-blocking.
	Compute(f Feature) float64

	// Name identifies the implementation, e.g. "ScoreOperatorV1".
	Name() string
}

// Factory is the type of the NewOperator export.
type Factory = func() Operator

// Destructor is the type of the DestroyOperator export.
type Destructor = func(Operator)
