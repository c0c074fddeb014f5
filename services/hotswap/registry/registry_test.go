// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hotswap/services/hotswap/module"
	"github.com/AleutianAI/hotswap/services/hotswap/operator"
	"github.com/AleutianAI/hotswap/services/hotswap/operator/scoreop"
)

// =============================================================================
// Fixtures
// =============================================================================

// trackedOp is an operator that notices being called after its destructor ran.
type trackedOp struct {
	name       string
	alive      atomic.Bool
	violations *atomic.Int64
}

func (p *trackedOp) Compute(f operator.Feature) float64 {
	if !p.alive.Load() {
		p.violations.Add(1)
	}
	return f.UserFeature
}

func (p *trackedOp) Name() string {
	if !p.alive.Load() {
		p.violations.Add(1)
	}
	return p.name
}

type fixture struct {
	opener     *module.StaticOpener
	loader     *module.Loader
	violations atomic.Int64
	destroyed  atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{opener: module.NewStaticOpener()}
	for _, name := range []string{"A", "B"} {
		fx.opener.Register("tracked://"+name, map[string]module.Symbol{
			operator.FactorySymbol: operator.Factory(func() operator.Operator {
				p := &trackedOp{name: name, violations: &fx.violations}
				p.alive.Store(true)
				return p
			}),
			operator.DestructorSymbol: operator.Destructor(func(op operator.Operator) {
				op.(*trackedOp).alive.Store(false)
				fx.destroyed.Add(1)
			}),
		})
	}
	fx.opener.Register("builtin://v1", scoreop.Exports(scoreop.NewV1))
	fx.opener.Register("builtin://v2", scoreop.Exports(scoreop.NewV2))

	l, err := module.NewLoader(module.LoaderConfig{
		Opener: fx.opener,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	fx.loader = l
	return fx
}

func (fx *fixture) load(t *testing.T, locator string) *module.Handle {
	t.Helper()
	h, err := fx.loader.Load(context.Background(), locator)
	require.NoError(t, err)
	return h
}

// swap publishes locator and drops the previous slot reference.
func (fx *fixture) swap(t *testing.T, reg *Registry, locator string) {
	t.Helper()
	reg.Publish(fx.load(t, locator)).Release()
}

func newRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// =============================================================================
// Tests
// =============================================================================

func TestRead_EmptyState(t *testing.T) {
	reg := newRegistry()

	ref := reg.Read()
	assert.Nil(t, ref)
	assert.Nil(t, ref.Operator())
	ref.Release()

	_, _, err := reg.Compute(operator.Feature{})
	assert.ErrorIs(t, err, ErrEmpty)
	assert.Equal(t, uint64(2), reg.Stats().EmptyReads)
	assert.Nil(t, reg.Current())
}

func TestPublish_ReturnsPrevious(t *testing.T) {
	fx := newFixture(t)
	reg := newRegistry()

	a := fx.load(t, "tracked://A")
	assert.Nil(t, reg.Publish(a), "first publish has no previous handle")

	b := fx.load(t, "tracked://B")
	prev := reg.Publish(b)
	require.NotNil(t, prev)
	assert.Same(t, a, prev.Handle())
	assert.False(t, a.TornDown(), "registry must not tear down the previous handle itself")

	prev.Release()
	assert.True(t, a.TornDown())
	assert.Same(t, b, reg.Current())

	reg.Close()
	assert.True(t, b.TornDown())
	assert.Equal(t, int64(0), fx.opener.Stats().Resident)
	assert.Equal(t, uint64(2), reg.Stats().Publishes)
}

func TestEndToEnd_V1ThenV2(t *testing.T) {
	fx := newFixture(t)
	reg := newRegistry()
	defer reg.Close()

	fx.swap(t, reg, "builtin://v1")
	score, name, err := reg.Compute(operator.Feature{UserFeature: 1.0, ItemFeature: 1.0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)
	assert.Equal(t, scoreop.NameV1, name)

	var published atomic.Bool
	var wrong, failed atomic.Int64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				after := published.Load()
				_, name, err := reg.Compute(operator.Feature{UserID: w, ItemID: i, UserFeature: 1, ItemFeature: 1})
				if err != nil {
					failed.Add(1)
					continue
				}
				if after && name != scoreop.NameV2 {
					wrong.Add(1)
				}
			}
		}(w)
	}

	time.Sleep(10 * time.Millisecond)
	fx.swap(t, reg, "builtin://v2")
	published.Store(true)
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Zero(t, failed.Load())
	assert.Zero(t, wrong.Load())
	_, name, err = reg.Compute(operator.Feature{})
	require.NoError(t, err)
	assert.Equal(t, scoreop.NameV2, name)
	assert.Positive(t, reg.Stats().ByOperator[scoreop.NameV2])
}

func TestFailedLoad_LeavesRegistryUnchanged(t *testing.T) {
	fx := newFixture(t)
	reg := newRegistry()
	defer reg.Close()

	fx.swap(t, reg, "tracked://A")
	before := reg.Current()

	_, err := fx.loader.Load(context.Background(), "tracked://missing")
	require.ErrorIs(t, err, module.ErrModuleNotFound)

	ref := reg.Read()
	require.NotNil(t, ref)
	defer ref.Release()
	assert.Same(t, before, ref.Handle())
	assert.Equal(t, "A", ref.Operator().Name())
}

func TestTeardown_WaitsForReaders(t *testing.T) {
	fx := newFixture(t)
	reg := newRegistry()
	defer reg.Close()

	fx.swap(t, reg, "tracked://A")
	held := reg.Read()
	require.NotNil(t, held)
	a := held.Handle()

	fx.swap(t, reg, "tracked://B")
	assert.False(t, a.TornDown(), "a reader still holds A")
	assert.Equal(t, "A", held.Operator().Name())
	held.Operator().Compute(operator.Feature{})

	held.Release()
	assert.True(t, a.TornDown())
	assert.Zero(t, fx.violations.Load())
	assert.Equal(t, int64(1), fx.destroyed.Load())
}

func TestCurrentName_AfterSwap(t *testing.T) {
	fx := newFixture(t)
	reg := newRegistry()
	defer reg.Close()

	fx.swap(t, reg, "tracked://A")
	a := reg.Current()
	require.NotNil(t, a)

	fx.swap(t, reg, "tracked://B")
	require.True(t, a.TornDown())

	assert.Equal(t, "A", a.Name())
	assert.Equal(t, "B", reg.Current().Name())
	assert.Zero(t, fx.violations.Load(), "Name must not reach a destroyed instance")
}

func TestStress_CurrentNameDuringSwaps(t *testing.T) {
	fx := newFixture(t)
	reg := newRegistry()
	defer reg.Close()
	fx.swap(t, reg, "tracked://A")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if h := reg.Current(); h != nil {
					_ = h.Name()
				}
			}
		}()
	}

	for i := 0; i < 300; i++ {
		if i%2 == 0 {
			fx.swap(t, reg, "tracked://B")
		} else {
			fx.swap(t, reg, "tracked://A")
		}
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, fx.violations.Load())
	assert.Equal(t, int64(300), fx.destroyed.Load())
}

func TestStress_NoReaderSeesTornHandle(t *testing.T) {
	fx := newFixture(t)
	reg := newRegistry()

	const (
		readers    = 8
		publishers = 3
		swaps      = 200
	)

	stop := make(chan struct{})
	var readersWG, publishersWG sync.WaitGroup
	var torn atomic.Int64

	for i := 0; i < readers; i++ {
		readersWG.Add(1)
		go func() {
			defer readersWG.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ref := reg.Read()
				if ref == nil {
					continue
				}
				if ref.Handle().TornDown() {
					torn.Add(1)
				}
				ref.Operator().Compute(operator.Feature{UserFeature: 1})
				ref.Release()
			}
		}()
	}

	for p := 0; p < publishers; p++ {
		publishersWG.Add(1)
		go func(p int) {
			defer publishersWG.Done()
			locs := []string{"tracked://A", "tracked://B"}
			for i := 0; i < swaps; i++ {
				h, err := fx.loader.Load(context.Background(), locs[(i+p)%2])
				if err != nil {
					t.Error(err)
					return
				}
				reg.Publish(h).Release()
			}
		}(p)
	}

	publishersWG.Wait()
	close(stop)
	readersWG.Wait()

	assert.Zero(t, torn.Load())
	assert.Zero(t, fx.violations.Load())
	assert.Equal(t, int64(1), fx.loader.Stats().Live)

	reg.Close()
	assert.Equal(t, int64(0), fx.loader.Stats().Live)
	assert.Equal(t, int64(0), fx.opener.Stats().Resident)
	assert.Equal(t, int64(publishers*swaps), fx.destroyed.Load())
}

func TestMonotonicVisibility(t *testing.T) {
	fx := newFixture(t)
	reg := newRegistry()
	defer reg.Close()

	fx.swap(t, reg, "tracked://A")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var regressions atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				ref := reg.Read()
				gen := ref.Handle().Generation()
				ref.Release()
				if gen < last {
					regressions.Add(1)
				}
				last = gen
			}
		}()
	}

	// A single publisher publishes in load order, so generations follow
	// publish order.
	for i := 0; i < 300; i++ {
		if i%2 == 0 {
			fx.swap(t, reg, "tracked://B")
		} else {
			fx.swap(t, reg, "tracked://A")
		}
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, regressions.Load())
}

func TestRepeatedSwap_OneLiveHandle(t *testing.T) {
	fx := newFixture(t)
	reg := newRegistry()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; ; j++ {
				select {
				case <-stop:
					return
				default:
				}
				_, _, _ = reg.Compute(operator.Feature{UserID: i, ItemID: j, UserFeature: 1, ItemFeature: 1})
			}
		}(i)
	}

	for i := 0; i < 1000; i++ {
		if i%2 == 0 {
			fx.swap(t, reg, "builtin://v1")
		} else {
			fx.swap(t, reg, "builtin://v2")
		}
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(1), fx.loader.Stats().Live)
	assert.Equal(t, int64(1), fx.opener.Stats().Resident)
	require.NotNil(t, reg.Current())
	assert.Equal(t, int64(1), reg.Current().Refs())
	assert.Equal(t, scoreop.NameV2, reg.Current().Name())

	reg.Close()
	assert.Equal(t, int64(0), fx.opener.Stats().Resident)
}
