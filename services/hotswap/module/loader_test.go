// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package module

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hotswap/services/hotswap/operator"
	"github.com/AleutianAI/hotswap/services/hotswap/operator/scoreop"
)

const (
	locV1 = "builtin://score_op_v1"
	locV2 = "builtin://score_op_v2"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOpener() *StaticOpener {
	o := NewStaticOpener()
	o.Register(locV1, scoreop.Exports(scoreop.NewV1))
	o.Register(locV2, scoreop.Exports(scoreop.NewV2))
	return o
}

func newTestLoader(t *testing.T, opener Opener) *Loader {
	t.Helper()
	l, err := NewLoader(LoaderConfig{Opener: opener, Logger: quietLogger()})
	require.NoError(t, err)
	return l
}

func TestNewLoader_RequiresOpener(t *testing.T) {
	_, err := NewLoader(LoaderConfig{})
	assert.Error(t, err)
}

func TestLoad_Success(t *testing.T) {
	opener := newTestOpener()
	l := newTestLoader(t, opener)

	h, err := l.Load(context.Background(), locV1)
	require.NoError(t, err)
	require.NotNil(t, h)

	assert.Equal(t, scoreop.NameV1, h.Name())
	assert.Equal(t, locV1, h.Locator())
	assert.Equal(t, int64(1), h.Refs())
	assert.False(t, h.TornDown())
	assert.InDelta(t, 1.0, h.Operator().Compute(operator.Feature{UserFeature: 1, ItemFeature: 1}), 1e-9)

	stats := l.Stats()
	assert.Equal(t, uint64(1), stats.Loads)
	assert.Equal(t, int64(1), stats.Live)
	assert.Equal(t, int64(1), opener.Stats().Resident)

	h.Release()
	assert.True(t, h.TornDown())
	assert.Equal(t, int64(0), opener.Stats().Resident)
	assert.Equal(t, int64(0), l.Stats().Live)
	assert.Equal(t, uint64(1), l.Stats().TornDown)
}

func TestLoad_GenerationsIncrease(t *testing.T) {
	l := newTestLoader(t, newTestOpener())
	a, err := l.Load(context.Background(), locV1)
	require.NoError(t, err)
	b, err := l.Load(context.Background(), locV2)
	require.NoError(t, err)
	defer a.Release()
	defer b.Release()

	assert.Less(t, a.Generation(), b.Generation())
}

func TestLoad_Failures(t *testing.T) {
	noDestructor := map[string]Symbol{
		operator.FactorySymbol: operator.Factory(scoreop.NewV1),
	}
	noFactory := map[string]Symbol{
		operator.DestructorSymbol: operator.Destructor(func(operator.Operator) {}),
	}
	wrongType := map[string]Symbol{
		operator.FactorySymbol:    func() int { return 1 },
		operator.DestructorSymbol: operator.Destructor(func(operator.Operator) {}),
	}
	panicking := map[string]Symbol{
		operator.FactorySymbol:    operator.Factory(func() operator.Operator { panic("boom") }),
		operator.DestructorSymbol: operator.Destructor(func(operator.Operator) {}),
	}
	nilResult := map[string]Symbol{
		operator.FactorySymbol:    operator.Factory(func() operator.Operator { return nil }),
		operator.DestructorSymbol: operator.Destructor(func(operator.Operator) {}),
	}

	tests := []struct {
		name     string
		locator  string
		symbols  map[string]Symbol
		kind     Kind
		sentinel error
		symbol   string
	}{
		{"not registered", "builtin://nope", nil, KindModuleNotFound, ErrModuleNotFound, ""},
		{"empty locator", "", nil, KindModuleNotFound, ErrModuleNotFound, ""},
		{"missing destructor", "m://no-destructor", noDestructor, KindSymbolMissing, ErrSymbolMissing, operator.DestructorSymbol},
		{"missing factory", "m://no-factory", noFactory, KindSymbolMissing, ErrSymbolMissing, operator.FactorySymbol},
		{"wrong factory type", "m://wrong-type", wrongType, KindSymbolInvalid, ErrSymbolInvalid, operator.FactorySymbol},
		{"factory panics", "m://panics", panicking, KindFactoryFailed, ErrFactoryFailed, operator.FactorySymbol},
		{"factory returns nil", "m://nil", nilResult, KindFactoryFailed, ErrFactoryFailed, operator.FactorySymbol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener := NewStaticOpener()
			if tt.symbols != nil {
				opener.Register(tt.locator, tt.symbols)
			}
			l := newTestLoader(t, opener)

			h, err := l.Load(context.Background(), tt.locator)
			require.Error(t, err)
			assert.Nil(t, h)

			var lerr *LoadError
			require.True(t, errors.As(err, &lerr))
			assert.Equal(t, tt.kind, lerr.Kind)
			assert.Equal(t, tt.symbol, lerr.Symbol)
			assert.ErrorIs(t, err, tt.sentinel)

			kind, ok := KindOf(err)
			assert.True(t, ok)
			assert.Equal(t, tt.kind, kind)

			assert.Equal(t, int64(0), opener.Stats().Resident, "nothing may stay open after a failed load")
			assert.Equal(t, uint64(1), l.Stats().Failures)
			assert.Equal(t, int64(0), l.Stats().Live)
			assert.NotEmpty(t, l.Stats().LastError)
		})
	}
}

func TestLoad_AcceptsPointerExports(t *testing.T) {
	factory := operator.Factory(scoreop.NewV2)
	destructor := operator.Destructor(func(operator.Operator) {})
	opener := NewStaticOpener()
	opener.Register("m://vars", map[string]Symbol{
		operator.FactorySymbol:    &factory,
		operator.DestructorSymbol: &destructor,
	})
	l := newTestLoader(t, opener)

	h, err := l.Load(context.Background(), "m://vars")
	require.NoError(t, err)
	assert.Equal(t, scoreop.NameV2, h.Name())
	h.Release()
}

func TestLoad_CancelledContext(t *testing.T) {
	l := newTestLoader(t, newTestOpener())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Load(ctx, locV1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestTeardownFailure_Reported(t *testing.T) {
	opener := NewStaticOpener()
	opener.Register("m://bad-destructor", map[string]Symbol{
		operator.FactorySymbol:    operator.Factory(scoreop.NewV1),
		operator.DestructorSymbol: operator.Destructor(func(operator.Operator) { panic("dtor") }),
	})

	var mu sync.Mutex
	var reported []error
	l, err := NewLoader(LoaderConfig{
		Opener: opener,
		Logger: quietLogger(),
		OnTeardownFailure: func(locator string, err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	h, err := l.Load(context.Background(), "m://bad-destructor")
	require.NoError(t, err)
	h.Release()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0].Error(), "destructor panicked")
	assert.Equal(t, int64(0), opener.Stats().Resident, "library is closed even when the destructor fails")
}

func TestTeardownFailure_PanicsByDefault(t *testing.T) {
	opener := NewStaticOpener()
	opener.Register("m://bad-destructor", map[string]Symbol{
		operator.FactorySymbol:    operator.Factory(scoreop.NewV1),
		operator.DestructorSymbol: operator.Destructor(func(operator.Operator) { panic("dtor") }),
	})
	l := newTestLoader(t, opener)

	h, err := l.Load(context.Background(), "m://bad-destructor")
	require.NoError(t, err)
	assert.Panics(t, h.Release)
}

func TestAcquire_WithoutLoader(t *testing.T) {
	opener := newTestOpener()

	h, err := Acquire(context.Background(), opener, locV2)
	require.NoError(t, err)
	assert.Equal(t, scoreop.NameV2, h.Name())
	h.Release()
	assert.Equal(t, int64(0), opener.Stats().Resident)

	_, err = Acquire(context.Background(), opener, "builtin://missing")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

// countingOp counts Name calls and can be told to panic on them.
type countingOp struct {
	names    atomic.Int64
	panicky  bool
	released atomic.Bool
}

func (c *countingOp) Compute(f operator.Feature) float64 { return f.UserFeature }

func (c *countingOp) Name() string {
	c.names.Add(1)
	if c.panicky {
		panic("name")
	}
	return "counting"
}

func registerCounting(opener *StaticOpener, locator string, op *countingOp) {
	opener.Register(locator, map[string]Symbol{
		operator.FactorySymbol: operator.Factory(func() operator.Operator { return op }),
		operator.DestructorSymbol: operator.Destructor(func(o operator.Operator) {
			o.(*countingOp).released.Store(true)
		}),
	})
}

func TestHandleName_CapturedAtLoad(t *testing.T) {
	op := &countingOp{}
	opener := NewStaticOpener()
	registerCounting(opener, "m://counting", op)
	l := newTestLoader(t, opener)

	h, err := l.Load(context.Background(), "m://counting")
	require.NoError(t, err)
	loadCalls := op.names.Load()

	assert.Equal(t, "counting", h.Name())
	h.Release()
	require.True(t, h.TornDown())

	assert.Equal(t, "counting", h.Name(), "name stays readable after teardown")
	assert.Equal(t, loadCalls, op.names.Load(), "Name must not call into the module after load")
}

func TestLoad_NamePanicIsFactoryFailure(t *testing.T) {
	op := &countingOp{panicky: true}
	opener := NewStaticOpener()
	registerCounting(opener, "m://bad-name", op)
	l := newTestLoader(t, opener)

	h, err := l.Load(context.Background(), "m://bad-name")
	require.Error(t, err)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrFactoryFailed)
	assert.Contains(t, err.Error(), "operator name panicked")
	assert.True(t, op.released.Load(), "the instance is destroyed before the library closes")
	assert.Equal(t, int64(0), opener.Stats().Resident)
}
