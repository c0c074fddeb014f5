// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hotswap/services/hotswap/coordinator"
	"github.com/AleutianAI/hotswap/services/hotswap/module"
	"github.com/AleutianAI/hotswap/services/hotswap/operator"
	"github.com/AleutianAI/hotswap/services/hotswap/registry"
)

type fakeRegistry struct{ s registry.Stats }

func (f *fakeRegistry) Stats() registry.Stats { return f.s }

type fakeLoader struct{ s module.LoaderStats }

func (f *fakeLoader) Stats() module.LoaderStats { return f.s }

type fakeOpener struct{ s module.StaticStats }

func (f *fakeOpener) Stats() module.StaticStats { return f.s }

type fakeCoordinator struct{ s coordinator.Stats }

func (f *fakeCoordinator) Stats() coordinator.Stats { return f.s }

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func valueOf(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	}
	return 0
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestRegister_AllSources(t *testing.T) {
	rs := &fakeRegistry{s: registry.Stats{
		Reads: 10, EmptyReads: 2, Retries: 1, Invocations: 9, Publishes: 3,
		ByOperator: map[string]uint64{"ScoreOperatorV1": 5, "ScoreOperatorV2": 4},
	}}
	ls := &fakeLoader{s: module.LoaderStats{Loads: 3, Failures: 1, TornDown: 2, Live: 1}}
	ops := &fakeOpener{s: module.StaticStats{Opens: 4, Closes: 3, Resident: 1}}
	cs := &fakeCoordinator{s: coordinator.Stats{Requests: 4, Done: 3, Failed: 1}}

	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg, Sources{Registry: rs, Loader: ls, Opener: ops, Coordinator: cs}))

	got := gather(t, reg)
	single := map[string]float64{
		"hotswap_registry_reads_total":        10,
		"hotswap_registry_empty_reads_total":  2,
		"hotswap_registry_read_retries_total": 1,
		"hotswap_registry_publishes_total":    3,
		"hotswap_loader_loads_total":          3,
		"hotswap_loader_failures_total":       1,
		"hotswap_loader_teardowns_total":      2,
		"hotswap_loader_live_handles":         1,
		"hotswap_opener_opens_total":          4,
		"hotswap_opener_closes_total":         3,
		"hotswap_opener_resident_libraries":   1,
		"hotswap_coordinator_requests_total":  4,
		"hotswap_coordinator_in_flight":       0,
	}
	for name, want := range single {
		mf, ok := got[name]
		require.True(t, ok, "missing metric %s", name)
		require.Len(t, mf.GetMetric(), 1, name)
		assert.Equal(t, want, valueOf(mf.GetMetric()[0]), name)
	}

	byOp := map[string]float64{}
	for _, m := range got["hotswap_registry_invocations_total"].GetMetric() {
		byOp[labelValue(m, "operator")] = valueOf(m)
	}
	assert.Equal(t, map[string]float64{"ScoreOperatorV1": 5, "ScoreOperatorV2": 4}, byOp)

	byState := map[string]float64{}
	for _, m := range got["hotswap_coordinator_updates_total"].GetMetric() {
		byState[labelValue(m, "state")] = valueOf(m)
	}
	assert.Equal(t, map[string]float64{"done": 3, "failed": 1}, byState)
}

func TestRegister_ReadsLiveValues(t *testing.T) {
	rs := &fakeRegistry{}
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg, Sources{Registry: rs}))

	rs.s.Reads = 41
	got := gather(t, reg)
	assert.Equal(t, 41.0, valueOf(got["hotswap_registry_reads_total"].GetMetric()[0]))

	rs.s.Reads = 42
	got = gather(t, reg)
	assert.Equal(t, 42.0, valueOf(got["hotswap_registry_reads_total"].GetMetric()[0]))
}

func TestRegister_OptionalSourcesSkipped(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg, Sources{Registry: &fakeRegistry{}}))

	got := gather(t, reg)
	for name := range got {
		assert.NotContains(t, name, "loader", "loader metrics registered without a loader")
		assert.NotContains(t, name, "coordinator", "coordinator metrics registered without a coordinator")
	}
}

func TestRegister_RequiresRegistry(t *testing.T) {
	err := Register(prometheus.NewRegistry(), Sources{})
	assert.Error(t, err)
}

func TestRegister_WithRealRegistry(t *testing.T) {
	r := registry.New(nil)
	defer r.Close()

	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg, Sources{Registry: r}))

	_, _, err := r.Compute(operator.Feature{UserID: 1})
	assert.ErrorIs(t, err, registry.ErrEmpty)

	got := gather(t, reg)
	assert.Equal(t, 1.0, valueOf(got["hotswap_registry_empty_reads_total"].GetMetric()[0]))
}
