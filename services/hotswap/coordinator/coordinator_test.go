// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hotswap/services/hotswap/module"
	"github.com/AleutianAI/hotswap/services/hotswap/operator"
	"github.com/AleutianAI/hotswap/services/hotswap/operator/scoreop"
	"github.com/AleutianAI/hotswap/services/hotswap/registry"
)

const (
	locV1 = "builtin://score_op_v1"
	locV2 = "builtin://score_op_v2"
)

type memRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *memRecorder) RecordOutcome(_ context.Context, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *memRecorder) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

type harness struct {
	opener   *module.StaticOpener
	loader   *module.Loader
	registry *registry.Registry
	recorder *memRecorder
	coord    *Coordinator
}

func newHarness(t *testing.T, grace, drainTimeout time.Duration) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	opener := module.NewStaticOpener()
	opener.Register(locV1, scoreop.Exports(scoreop.NewV1))
	opener.Register(locV2, scoreop.Exports(scoreop.NewV2))

	loader, err := module.NewLoader(module.LoaderConfig{Opener: opener, Logger: logger})
	require.NoError(t, err)

	reg := registry.New(logger)
	rec := &memRecorder{}
	coord, err := New(Config{
		Loader:       loader,
		Registry:     reg,
		Grace:        grace,
		DrainTimeout: drainTimeout,
		Logger:       logger,
		Recorder:     rec,
	})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	return &harness{opener: opener, loader: loader, registry: reg, recorder: rec, coord: coord}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	loader, err := module.NewLoader(module.LoaderConfig{Opener: module.NewStaticOpener()})
	require.NoError(t, err)
	_, err = New(Config{Loader: loader})
	assert.Error(t, err)
}

func TestRequest_FirstUpdate(t *testing.T) {
	h := newHarness(t, -1, 0)

	var mu sync.Mutex
	var events []Event
	unsubscribe := h.coord.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer unsubscribe()

	out, err := h.coord.Request(context.Background(), locV1)
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, scoreop.NameV1, out.Operator)
	assert.Empty(t, out.Previous)
	assert.True(t, out.Drained)
	assert.NotEmpty(t, out.ID)

	score, name, err := h.registry.Compute(operator.Feature{UserFeature: 1, ItemFeature: 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)
	assert.Equal(t, scoreop.NameV1, name)

	mu.Lock()
	defer mu.Unlock()
	var path []State
	for _, ev := range events {
		assert.Equal(t, out.ID, ev.UpdateID)
		path = append(path, ev.To)
	}
	assert.Equal(t, []State{StateLoading, StatePublishing, StateDraining, StateDone}, path)
}

func TestRequest_SwapDrainsPrevious(t *testing.T) {
	h := newHarness(t, -1, time.Second)

	first, err := h.coord.Request(context.Background(), locV1)
	require.NoError(t, err)
	out, err := h.coord.Request(context.Background(), locV2)
	require.NoError(t, err)

	assert.Equal(t, scoreop.NameV1, out.Previous)
	assert.Equal(t, scoreop.NameV2, out.Operator)
	assert.True(t, out.Drained)
	assert.Greater(t, out.Generation, first.Generation)
	assert.Equal(t, int64(1), h.opener.Stats().Resident)
	assert.Equal(t, int64(1), h.loader.Stats().Live)
}

func TestRequest_FailedLoadLeavesRegistryUnchanged(t *testing.T) {
	h := newHarness(t, -1, 0)
	_, err := h.coord.Request(context.Background(), locV1)
	require.NoError(t, err)
	before := h.registry.Current()

	out, err := h.coord.Request(context.Background(), "builtin://does_not_exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, module.ErrModuleNotFound)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, "module_not_found", out.ErrorKind)
	assert.False(t, out.Succeeded())

	assert.Same(t, before, h.registry.Current())
	_, name, err := h.registry.Compute(operator.Feature{})
	require.NoError(t, err)
	assert.Equal(t, scoreop.NameV1, name)
	assert.Equal(t, int64(1), h.opener.Stats().Resident)

	stats := h.coord.Stats()
	assert.Equal(t, uint64(2), stats.Requests)
	assert.Equal(t, uint64(1), stats.Done)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.InFlight)
}

func TestRequest_MissingSymbol(t *testing.T) {
	h := newHarness(t, -1, 0)
	h.opener.Register("builtin://half", map[string]module.Symbol{
		operator.FactorySymbol: operator.Factory(scoreop.NewV1),
	})

	out, err := h.coord.Request(context.Background(), "builtin://half")
	require.Error(t, err)
	assert.ErrorIs(t, err, module.ErrSymbolMissing)
	assert.Equal(t, "symbol_missing", out.ErrorKind)
	assert.Nil(t, h.registry.Current())
	assert.Equal(t, int64(0), h.opener.Stats().Resident)
}

func TestRequest_InvalidInput(t *testing.T) {
	h := newHarness(t, -1, 0)

	//nolint:staticcheck // nil context is the case under test
	_, err := h.coord.Request(nil, locV1)
	assert.ErrorIs(t, err, ErrNilContext)

	out, err := h.coord.Request(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyLocator)
	assert.Equal(t, StateFailed, out.State)
	assert.Nil(t, h.registry.Current())
}

func TestRequest_RecordsEveryOutcome(t *testing.T) {
	h := newHarness(t, -1, 0)

	_, _ = h.coord.Request(context.Background(), locV1)
	_, _ = h.coord.Request(context.Background(), "builtin://nope")
	_, _ = h.coord.Request(context.Background(), locV2)

	got := h.recorder.all()
	require.Len(t, got, 3)
	assert.Equal(t, StateDone, got[0].State)
	assert.Equal(t, StateFailed, got[1].State)
	assert.Equal(t, StateDone, got[2].State)

	last, ok := h.coord.Last()
	require.True(t, ok)
	assert.Equal(t, got[2].ID, last.ID)
}

func TestRequest_ReaderOutlivesGrace(t *testing.T) {
	h := newHarness(t, 5*time.Millisecond, 20*time.Millisecond)
	_, err := h.coord.Request(context.Background(), locV1)
	require.NoError(t, err)

	held := h.registry.Read()
	require.NotNil(t, held)
	old := held.Handle()

	out, err := h.coord.Request(context.Background(), locV2)
	require.NoError(t, err)
	assert.False(t, out.Drained, "a reader still holds the previous handle")
	assert.False(t, old.TornDown())
	assert.Equal(t, scoreop.NameV1, held.Operator().Name())

	held.Release()
	assert.True(t, old.TornDown())
	assert.Equal(t, int64(1), h.opener.Stats().Resident)
}

func TestRequest_CancelShortensGrace(t *testing.T) {
	h := newHarness(t, time.Hour, 0)
	_, err := h.coord.Request(context.Background(), locV1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	out, err := h.coord.Request(ctx, locV2)
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRequest_ConcurrentRequests(t *testing.T) {
	h := newHarness(t, -1, 0)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				loc := locV1
				if (g+i)%2 == 1 {
					loc = locV2
				}
				out, err := h.coord.Request(context.Background(), loc)
				assert.NoError(t, err)
				assert.True(t, out.State.Terminal())
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, uint64(100), h.coord.Stats().Done)
	assert.Equal(t, int64(1), h.loader.Stats().Live)
	assert.Equal(t, int64(1), h.opener.Stats().Resident)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	h := newHarness(t, -1, 0)
	var n int
	var mu sync.Mutex
	unsubscribe := h.coord.Subscribe(func(Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	unsubscribe()
	unsubscribe()

	_, err := h.coord.Request(context.Background(), locV1)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, n)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "draining", StateDraining.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StatePublishing.Terminal())
	text, err := StateDone.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "done", string(text))
}

func TestState_UnmarshalText(t *testing.T) {
	var s State
	require.NoError(t, s.UnmarshalText([]byte("publishing")))
	assert.Equal(t, StatePublishing, s)
	assert.Error(t, s.UnmarshalText([]byte("paused")))
}
