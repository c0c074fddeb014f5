// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !cgo || !(linux || darwin || freebsd)

package module

import (
	"context"
	"errors"
	"fmt"
)

// errPluginsUnsupported is wrapped when shared-object plugins are unavailable.
var errPluginsUnsupported = errors.New("plugins require cgo on linux, darwin or freebsd")

// PluginOpener is unavailable on this platform; every Open fails.
type PluginOpener struct{}

// NewPluginOpener creates a PluginOpener.
func NewPluginOpener() *PluginOpener { return &PluginOpener{} }

// Open implements Opener.
func (o *PluginOpener) Open(_ context.Context, locator string) (Library, error) {
	return nil, fmt.Errorf("%w: %s: %w", ErrModuleNotFound, locator, errPluginsUnsupported)
}
