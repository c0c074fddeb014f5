// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
)

// MapCarrier implements propagation.TextMapCarrier for map[string]string.
//
// Update events and journal records carry their trace context this way, so
// a websocket client or a later history lookup can join the originating
// trace.
type MapCarrier map[string]string

// Get returns the value for a key.
func (c MapCarrier) Get(key string) string {
	return c[key]
}

// Set sets a key-value pair.
func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

// Keys returns all keys in the carrier.
func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// ExtractFromMap extracts trace context from a string map.
//
// Description:
//
//	Uses the global propagator set by Init. Returns ctx unchanged when
//	carrier holds no trace context.
//
// Inputs:
//
//	ctx - Base context to extend.
//	carrier - Map containing trace context keys.
//
// Outputs:
//
//	context.Context - Context with the remote span context attached.
//
// Thread Safety: Safe for concurrent use.
func ExtractFromMap(ctx context.Context, carrier map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, MapCarrier(carrier))
}

// InjectToMap injects trace context into carrier, allocating it when nil.
// Returns nil when ctx carries nothing to inject and carrier was nil.
func InjectToMap(ctx context.Context, carrier map[string]string) map[string]string {
	out := carrier
	if out == nil {
		out = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, MapCarrier(out))
	if carrier == nil && len(out) == 0 {
		return nil
	}
	return out
}
