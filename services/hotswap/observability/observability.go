// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability exposes the hotswap core's counters to Prometheus.
//
// The core keeps plain atomic counters and never imports a metrics
// library. This package reads them at scrape time through CounterFunc and
// GaugeFunc collectors, so a scrape always reflects the live values.
package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/hotswap/services/hotswap/coordinator"
	"github.com/AleutianAI/hotswap/services/hotswap/module"
	"github.com/AleutianAI/hotswap/services/hotswap/registry"
)

const namespace = "hotswap"

// RegistryStats is implemented by *registry.Registry.
type RegistryStats interface {
	Stats() registry.Stats
}

// LoaderStats is implemented by *module.Loader.
type LoaderStats interface {
	Stats() module.LoaderStats
}

// OpenerStats is implemented by *module.StaticOpener.
type OpenerStats interface {
	Stats() module.StaticStats
}

// CoordinatorStats is implemented by *coordinator.Coordinator.
type CoordinatorStats interface {
	Stats() coordinator.Stats
}

// Sources are the components to export. Nil sources are skipped, except
// Registry which is required.
type Sources struct {
	Registry    RegistryStats
	Loader      LoaderStats
	Opener      OpenerStats
	Coordinator CoordinatorStats
}

// Register installs collectors for src on reg.
//
// # Inputs
//
//   - reg: Target registerer, usually prometheus.DefaultRegisterer.
//   - src: Counter sources. src.Registry must not be nil.
//
// # Outputs
//
//   - error: Non-nil if src.Registry is nil. Duplicate registration panics,
//     matching promauto.
func Register(reg prometheus.Registerer, src Sources) error {
	if src.Registry == nil {
		return errors.New("observability: registry source is required")
	}
	f := promauto.With(reg)

	counter := func(subsystem, name, help string, fn func() float64) {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, fn)
	}
	gauge := func(subsystem, name, help string, fn func() float64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, fn)
	}

	rs := src.Registry
	counter("registry", "reads_total", "Reads that returned a module handle",
		func() float64 { return float64(rs.Stats().Reads) })
	counter("registry", "empty_reads_total", "Reads that found no module published",
		func() float64 { return float64(rs.Stats().EmptyReads) })
	counter("registry", "read_retries_total", "Reads that raced with a teardown and retried",
		func() float64 { return float64(rs.Stats().Retries) })
	counter("registry", "publishes_total", "Handles published into the registry",
		func() float64 { return float64(rs.Stats().Publishes) })
	reg.MustRegister(&invocationCollector{src: rs})

	if ls := src.Loader; ls != nil {
		counter("loader", "loads_total", "Successful module loads",
			func() float64 { return float64(ls.Stats().Loads) })
		counter("loader", "failures_total", "Failed module loads",
			func() float64 { return float64(ls.Stats().Failures) })
		counter("loader", "teardowns_total", "Handles torn down",
			func() float64 { return float64(ls.Stats().TornDown) })
		gauge("loader", "live_handles", "Handles loaded and not yet torn down",
			func() float64 { return float64(ls.Stats().Live) })
	}

	if ops := src.Opener; ops != nil {
		counter("opener", "opens_total", "Libraries opened",
			func() float64 { return float64(ops.Stats().Opens) })
		counter("opener", "closes_total", "Libraries closed",
			func() float64 { return float64(ops.Stats().Closes) })
		gauge("opener", "resident_libraries", "Libraries open right now",
			func() float64 { return float64(ops.Stats().Resident) })
	}

	if cs := src.Coordinator; cs != nil {
		counter("coordinator", "requests_total", "Update requests received",
			func() float64 { return float64(cs.Stats().Requests) })
		reg.MustRegister(&outcomeCollector{src: cs})
		gauge("coordinator", "in_flight", "Update requests currently running",
			func() float64 { return float64(cs.Stats().InFlight) })
	}
	return nil
}

// invocationCollector exports per-operator invocation counts. Operator
// names are only known at scrape time, so the metric is built per Collect.
type invocationCollector struct {
	src RegistryStats
}

var invocationsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "registry", "invocations_total"),
	"Successful Compute calls by operator name",
	[]string{"operator"}, nil,
)

func (c *invocationCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- invocationsDesc
}

func (c *invocationCollector) Collect(ch chan<- prometheus.Metric) {
	for name, n := range c.src.Stats().ByOperator {
		ch <- prometheus.MustNewConstMetric(invocationsDesc, prometheus.CounterValue, float64(n), name)
	}
}

// outcomeCollector exports terminal update outcomes under one state label.
type outcomeCollector struct {
	src CoordinatorStats
}

var outcomesDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "coordinator", "updates_total"),
	"Update requests by terminal state",
	[]string{"state"}, nil,
)

func (c *outcomeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- outcomesDesc
}

func (c *outcomeCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(outcomesDesc, prometheus.CounterValue, float64(s.Done), coordinator.StateDone.String())
	ch <- prometheus.MustNewConstMetric(outcomesDesc, prometheus.CounterValue, float64(s.Failed), coordinator.StateFailed.String())
}
