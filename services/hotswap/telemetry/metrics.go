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
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the OTel instruments of the hot-swap service.
//
// Description:
//
//	Instruments cover update requests (outcome and duration), module
//	loads, the drain phase, and the admin API. All names carry the
//	"hotswap_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Update Metrics ---

	// UpdatesTotal counts update requests by terminal state.
	UpdatesTotal metric.Int64Counter

	// UpdateDuration records request-to-terminal-state time in seconds.
	UpdateDuration metric.Float64Histogram

	// LoadErrorsTotal counts failed loads by error kind.
	LoadErrorsTotal metric.Int64Counter

	// LoadDuration records module load time in seconds.
	LoadDuration metric.Float64Histogram

	// DrainDuration records the time from publish to dropping the previous
	// slot reference, in seconds.
	DrainDuration metric.Float64Histogram

	// UpdatesInFlight tracks update requests not yet terminal.
	UpdatesInFlight metric.Int64UpDownCounter

	// --- HTTP Metrics ---

	// HTTPRequestsTotal counts admin API requests by method, route, and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records admin API request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics creates all instruments on meter.
//
// Description:
//
//	Registers every instrument with the provided meter. Returns an error
//	if any registration fails.
//
// Inputs:
//
//	meter - The OTel meter to register with.
//
// Outputs:
//
//	*Metrics - The instruments.
//	error - Non-nil if registration fails.
//
// Example:
//
//	metrics, err := telemetry.NewMetrics(otel.Meter("hotswap"))
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.RecordUpdate(ctx, "done", 0.012)
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Update Metrics ---
	m.UpdatesTotal, err = meter.Int64Counter(
		"hotswap_updates_total",
		metric.WithDescription("Update requests by terminal state"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create updates_total: %w", err)
	}

	m.UpdateDuration, err = meter.Float64Histogram(
		"hotswap_update_duration_seconds",
		metric.WithDescription("Update request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create update_duration: %w", err)
	}

	m.LoadErrorsTotal, err = meter.Int64Counter(
		"hotswap_load_errors_total",
		metric.WithDescription("Failed module loads by kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create load_errors_total: %w", err)
	}

	m.LoadDuration, err = meter.Float64Histogram(
		"hotswap_load_duration_seconds",
		metric.WithDescription("Module load duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create load_duration: %w", err)
	}

	m.DrainDuration, err = meter.Float64Histogram(
		"hotswap_drain_duration_seconds",
		metric.WithDescription("Drain phase duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 2, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create drain_duration: %w", err)
	}

	m.UpdatesInFlight, err = meter.Int64UpDownCounter(
		"hotswap_updates_in_flight",
		metric.WithDescription("Update requests not yet terminal"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create updates_in_flight: %w", err)
	}

	// --- HTTP Metrics ---
	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"hotswap_http_requests_total",
		metric.WithDescription("Total admin API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"hotswap_http_request_duration_seconds",
		metric.WithDescription("Admin API request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	return m, nil
}

// RecordUpdate records one terminal update.
func (m *Metrics) RecordUpdate(ctx context.Context, state string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", state))
	m.UpdatesTotal.Add(ctx, 1, attrs)
	m.UpdateDuration.Record(ctx, seconds, attrs)
}

// RecordLoad records one load attempt. kind is empty on success.
func (m *Metrics) RecordLoad(ctx context.Context, kind string, seconds float64) {
	if m == nil {
		return
	}
	m.LoadDuration.Record(ctx, seconds)
	if kind != "" {
		m.LoadErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordDrain records one drain phase.
func (m *Metrics) RecordDrain(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.DrainDuration.Record(ctx, seconds)
}

// TrackInFlight adjusts the in-flight gauge by delta.
func (m *Metrics) TrackInFlight(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.UpdatesInFlight.Add(ctx, delta)
}

// RecordHTTP records one admin API request.
func (m *Metrics) RecordHTTP(ctx context.Context, method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, seconds, attrs)
}
