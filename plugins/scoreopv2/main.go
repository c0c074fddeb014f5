// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command scoreopv2 is the V2 scoring module.
//
// Build it as a shared object and hand the path to the loader:
//
//	go build -buildmode=plugin -o modules/score_op_v2.0.0.so ./plugins/scoreopv2
package main

import (
	"github.com/AleutianAI/hotswap/services/hotswap/operator"
	"github.com/AleutianAI/hotswap/services/hotswap/operator/scoreop"
)

// NewOperator is the module factory export.
func NewOperator() operator.Operator {
	return scoreop.NewV2()
}

// DestroyOperator is the module destructor export. The V2 operator holds
// no resources, so there is nothing to release.
func DestroyOperator(op operator.Operator) {
	_ = op
}

func main() {}
