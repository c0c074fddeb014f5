// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scoreop holds the reference scoring formulas shipped as modules.
//
// The plugins under plugins/ and the builtin static modules both export
// these through the operator export convention; nothing in the host
// refers to the concrete types directly.
package scoreop

import (
	"math"

	"github.com/AleutianAI/hotswap/services/hotswap/operator"
)

// Operator names reported by Name().
const (
	NameV1 = "ScoreOperatorV1"
	NameV2 = "ScoreOperatorV2"
)

// V1 is a plain linear blend of user and item features.
type V1 struct{}

// Compute returns 0.7*user + 0.3*item.
func (V1) Compute(f operator.Feature) float64 {
	return f.UserFeature*0.7 + f.ItemFeature*0.3
}

// Name implements operator.Operator.
func (V1) Name() string { return NameV1 }

// V2 reweights the blend, modulates it by user id and adds a bias.
type V2 struct{}

// Compute returns (0.4*user + 0.6*item) * (1 + 0.1*sin(0.1*user_id)) + 2.
func (V2) Compute(f operator.Feature) float64 {
	base := f.UserFeature*0.4 + f.ItemFeature*0.6
	return base*(1.0+0.1*math.Sin(float64(f.UserID)*0.1)) + 2.0
}

// Name implements operator.Operator.
func (V2) Name() string { return NameV2 }

// Exports returns the symbol table a module built around newOp exposes.
//
// Both exports are typed exactly as operator.Factory and
// operator.Destructor so the loader's type checks accept them.
func Exports(newOp func() operator.Operator) map[string]any {
	var factory operator.Factory = newOp
	var destructor operator.Destructor = func(operator.Operator) {}
	return map[string]any{
		operator.FactorySymbol:    factory,
		operator.DestructorSymbol: destructor,
	}
}

// NewV1 constructs a V1 instance.
func NewV1() operator.Operator { return &V1{} }

// NewV2 constructs a V2 instance.
func NewV2() operator.Operator { return &V2{} }

// Locators under which the host registers the builtin modules.
const (
	LocatorV1 = "builtin://score_op_v1"
	LocatorV2 = "builtin://score_op_v2"
)

// Builtins maps each builtin locator to its export table.
func Builtins() map[string]map[string]any {
	return map[string]map[string]any{
		LocatorV1: Exports(NewV1),
		LocatorV2: Exports(NewV2),
	}
}
