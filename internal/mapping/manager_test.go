package mapping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/e2b-dev/infra/packages/membacking/internal/cfg"
	"github.com/e2b-dev/infra/packages/membacking/internal/mapping/mappable"
	"github.com/e2b-dev/infra/packages/membacking/internal/testutils"
)

var (
	objA = mappable.Identity{Kind: mappable.KindAnonymous, Name: "a", Size: 0x4000}
	objB = mappable.Identity{Kind: mappable.KindAnonymous, Name: "b", Size: 0x4000}
)

func testConfig() cfg.MappingConfig {
	return cfg.MappingConfig{
		QuiesceTimeout:         100 * time.Millisecond,
		QuiesceInitialInterval: 100 * time.Microsecond,
		QuiesceMaxInterval:     2 * time.Millisecond,
		TLBEntries:             64,
		MaxVaMappers:           8,
	}
}

func newTestManager(t *testing.T, config cfg.MappingConfig) (*Manager, *testutils.FakeOpener) {
	t.Helper()

	opener := testutils.NewFakeOpener()

	m, err := NewManager(testutils.NewTestLogger(t), config, opener, noop.NewMeterProvider())
	require.NoError(t, err)

	t.Cleanup(func() {
		err := m.Close(context.Background())
		if err != nil && !errors.Is(err, ErrClosed) {
			t.Errorf("failed to close manager: %v", err)
		}
	})

	return m, opener
}

func TestNewManager_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*cfg.MappingConfig)
	}{
		{name: "zero tlb entries", modify: func(c *cfg.MappingConfig) { c.TLBEntries = 0 }},
		{name: "zero va mappers", modify: func(c *cfg.MappingConfig) { c.MaxVaMappers = 0 }},
		{name: "zero quiesce timeout", modify: func(c *cfg.MappingConfig) { c.QuiesceTimeout = 0 }},
		{name: "zero initial interval", modify: func(c *cfg.MappingConfig) { c.QuiesceInitialInterval = 0 }},
		{name: "negative max interval", modify: func(c *cfg.MappingConfig) { c.QuiesceMaxInterval = -time.Millisecond }},
		{name: "max interval below initial", modify: func(c *cfg.MappingConfig) { c.QuiesceMaxInterval = c.QuiesceInitialInterval / 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig()
			tt.modify(&config)

			_, err := NewManager(testutils.NewTestLogger(t), config, testutils.NewFakeOpener(), noop.NewMeterProvider())
			require.Error(t, err)
		})
	}
}

func TestManager_ConcreteScenario(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, testConfig())
	c := m.Client()

	first := GuestRange{Start: 0x1000, End: 0x2000}
	e, err := c.Insert(ctx, first, objA, 0)
	require.NoError(t, err)
	assert.Equal(t, first, e.Range)

	found, err := c.Lookup(0x1500)
	require.NoError(t, err)
	assert.Equal(t, e.HostVABase+0x500, found.Translate(0x1500))
	assert.Equal(t, objA, found.Identity)

	_, err = c.Insert(ctx, GuestRange{Start: 0x2000, End: 0x3000}, objB, 0)
	require.NoError(t, err)

	before := c.Entries()
	generation := c.Generation()

	_, err = c.Insert(ctx, GuestRange{Start: 0x1800, End: 0x2800}, objB, 0x1000)
	require.ErrorIs(t, err, ErrOverlapConflict)
	assert.Equal(t, before, c.Entries())
	assert.Equal(t, generation, c.Generation())

	require.NoError(t, c.Remove(ctx, first))

	_, err = c.Lookup(0x1500)
	require.ErrorIs(t, err, ErrNotMapped)

	_, err = c.Lookup(0x2500)
	require.NoError(t, err)

	assert.Equal(t, 1, opener.Closes(objA))
	assert.Equal(t, 1, opener.Live(objB))
}

func TestManager_InsertValidation(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, testConfig())
	c := m.Client()

	t.Run("empty range", func(t *testing.T) {
		_, err := c.Insert(ctx, GuestRange{Start: 0x1000, End: 0x1000}, objA, 0)
		require.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("offset past backing", func(t *testing.T) {
		_, err := c.Insert(ctx, NewGuestRange(0x1000, 0x2000), objA, 0x3000)
		require.ErrorIs(t, err, ErrInvalidRange)
		assert.Equal(t, 0, opener.Live(objA))
	})

	t.Run("offset overflow", func(t *testing.T) {
		_, err := c.Insert(ctx, NewGuestRange(0x1000, 0x1000), objA, ^uint64(0))
		require.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("backing unavailable", func(t *testing.T) {
		opener.FailOpen(objB, errors.New("no such device"))
		defer opener.ClearFailure(objB)

		_, err := c.Insert(ctx, NewGuestRange(0x1000, 0x1000), objB, 0)
		require.ErrorIs(t, err, ErrBackingUnavailable)
		assert.Empty(t, c.Entries())
	})

	t.Run("overlap is checked before the backing is opened", func(t *testing.T) {
		_, err := c.Insert(ctx, NewGuestRange(0x10000, 0x1000), objA, 0)
		require.NoError(t, err)

		_, err = c.Insert(ctx, NewGuestRange(0xf000, 0x2000), objB, 0)
		require.ErrorIs(t, err, ErrOverlapConflict)
		assert.Equal(t, 0, opener.Opens(objB))
	})

	assert.Len(t, c.Entries(), 1)
}

func TestManager_OverlapDetection(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig())
	c := m.Client()

	_, err := c.Insert(ctx, GuestRange{Start: 0x4000, End: 0x8000}, objA, 0)
	require.NoError(t, err)

	tests := []struct {
		name     string
		r        GuestRange
		conflict bool
	}{
		{name: "identical", r: GuestRange{Start: 0x4000, End: 0x8000}, conflict: true},
		{name: "inside", r: GuestRange{Start: 0x5000, End: 0x6000}, conflict: true},
		{name: "covering", r: GuestRange{Start: 0x1000, End: 0x9000}, conflict: true},
		{name: "tail", r: GuestRange{Start: 0x7fff, End: 0x9000}, conflict: true},
		{name: "head", r: GuestRange{Start: 0x3000, End: 0x4001}, conflict: true},
		{name: "adjacent below", r: GuestRange{Start: 0x3000, End: 0x4000}},
		{name: "adjacent above", r: GuestRange{Start: 0x8000, End: 0x9000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Insert(ctx, tt.r, objB, 0)
			if tt.conflict {
				require.ErrorIs(t, err, ErrOverlapConflict)

				return
			}

			require.NoError(t, err)
			require.NoError(t, c.Remove(ctx, tt.r))
		})
	}
}

func TestManager_AliasedWindowsShareBacking(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, testConfig())
	c := m.Client()

	low, err := c.Insert(ctx, NewGuestRange(0x0, 0x1000), objA, 0)
	require.NoError(t, err)

	high, err := c.Insert(ctx, NewGuestRange(0x100000, 0x1000), objA, 0x2000)
	require.NoError(t, err)

	assert.Equal(t, low.HostVABase+0x2000, high.HostVABase)
	assert.Equal(t, 1, opener.Opens(objA))
	assert.Equal(t, int64(2), m.cache.Refs(objA))

	require.NoError(t, c.Remove(ctx, low.Range))
	assert.Equal(t, 0, opener.Closes(objA))

	require.NoError(t, c.Remove(ctx, high.Range))
	assert.Equal(t, 1, opener.Closes(objA))
}

func TestManager_RemoveRequiresExactMatch(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig())
	c := m.Client()

	_, err := c.Insert(ctx, GuestRange{Start: 0x1000, End: 0x3000}, objA, 0)
	require.NoError(t, err)

	generation := c.Generation()

	require.ErrorIs(t, c.Remove(ctx, GuestRange{Start: 0x1000, End: 0x2000}), ErrNotMapped)
	require.ErrorIs(t, c.Remove(ctx, GuestRange{Start: 0x9000, End: 0xa000}), ErrNotMapped)
	assert.Equal(t, generation, c.Generation())

	require.NoError(t, c.Remove(ctx, GuestRange{Start: 0x1000, End: 0x3000}))
	require.ErrorIs(t, c.Remove(ctx, GuestRange{Start: 0x1000, End: 0x3000}), ErrNotMapped)
}

func TestManager_GenerationIsMonotonic(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig())
	c := m.Client()

	r := NewGuestRange(0x1000, 0x1000)
	generations := []uint64{c.Generation()}

	e, err := c.Insert(ctx, r, objA, 0)
	require.NoError(t, err)
	generations = append(generations, e.Generation)

	e, err = c.Replace(ctx, r, objB, 0)
	require.NoError(t, err)
	generations = append(generations, e.Generation)

	require.NoError(t, c.Remove(ctx, r))
	generations = append(generations, c.Generation())

	for i := 1; i < len(generations); i++ {
		assert.Greater(t, generations[i], generations[i-1])
	}
}

func TestManager_Replace(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, testConfig())
	c := m.Client()

	r := NewGuestRange(0x1000, 0x1000)

	_, err := c.Replace(ctx, r, objB, 0)
	require.ErrorIs(t, err, ErrNotMapped)
	assert.Equal(t, 0, opener.Opens(objB))

	_, err = c.Insert(ctx, r, objA, 0)
	require.NoError(t, err)

	opener.FailOpen(objB, errors.New("gone"))
	_, err = c.Replace(ctx, r, objB, 0)
	require.ErrorIs(t, err, ErrBackingUnavailable)
	opener.ClearFailure(objB)

	still, err := c.Lookup(r.Start)
	require.NoError(t, err)
	assert.Equal(t, objA, still.Identity)

	e, err := c.Replace(ctx, r, objB, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, objB, e.Identity)
	assert.Equal(t, uint64(0x1000), e.ObjectOffset)

	found, err := c.Lookup(r.Start)
	require.NoError(t, err)
	assert.Equal(t, e.HostVABase, found.HostVABase)

	assert.Equal(t, 1, opener.Closes(objA))
	assert.Equal(t, 1, opener.Live(objB))
}

func TestManager_RemoveWithin(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, testConfig())
	c := m.Client()

	for i, start := range []uint64{0x1000, 0x2000, 0x3000, 0x8000} {
		id := objA
		id.Name = string(rune('p' + i))

		_, err := c.Insert(ctx, NewGuestRange(start, 0x1000), id, 0)
		require.NoError(t, err)
	}

	generation := c.Generation()

	// [0x3000, 0x4000) only partially lies inside and survives.
	n, err := c.RemoveWithin(ctx, GuestRange{Start: 0x0, End: 0x3800})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, generation+1, c.Generation())

	entries := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(0x3000), entries[0].Range.Start)
	assert.Equal(t, uint64(0x8000), entries[1].Range.Start)

	for _, name := range []string{"p", "q"} {
		id := objA
		id.Name = name
		assert.Equal(t, 0, opener.Live(id))
	}

	n, err = c.RemoveWithin(ctx, GuestRange{Start: 0x10000, End: 0x20000})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_RemoveTimesOutWhilePinned(t *testing.T) {
	ctx := context.Background()
	config := testConfig()
	config.QuiesceTimeout = 20 * time.Millisecond

	m, opener := newTestManager(t, config)
	c := m.Client()

	r := NewGuestRange(0x1000, 0x1000)
	_, err := c.Insert(ctx, r, objA, 0)
	require.NoError(t, err)

	v, err := c.NewVaMapper()
	require.NoError(t, err)
	defer v.Close()

	_, err = v.Translate(0x1800)
	require.NoError(t, err)
	require.True(t, v.Pinned())

	generation := c.Generation()

	err = c.Remove(ctx, r)
	require.ErrorIs(t, err, ErrRemovalTimedOut)

	// The range is Mapped again and nothing was released.
	e, err := c.Lookup(0x1800)
	require.NoError(t, err)
	assert.Equal(t, r, e.Range)
	assert.Equal(t, 0, opener.Closes(objA))
	assert.Greater(t, c.Generation(), generation)

	v.Quiesce()

	require.NoError(t, c.Remove(ctx, r))
	assert.Equal(t, 1, opener.Closes(objA))

	_, err = v.Translate(0x1800)
	require.ErrorIs(t, err, ErrNotMapped)
}

func TestManager_RemoveHonoursContext(t *testing.T) {
	config := testConfig()
	config.QuiesceTimeout = time.Minute

	l, logs := testutils.NewObservedLogger(t)

	m, err := NewManager(l, config, testutils.NewFakeOpener(), noop.NewMeterProvider())
	require.NoError(t, err)
	c := m.Client()

	r := NewGuestRange(0x1000, 0x1000)
	_, err = c.Insert(context.Background(), r, objA, 0)
	require.NoError(t, err)

	v, err := c.NewVaMapper()
	require.NoError(t, err)

	_, err = v.Translate(r.Start)
	require.NoError(t, err)

	const deadline = 50 * time.Millisecond

	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	err = c.Remove(ctx, r)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrRemovalTimedOut)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, elapsed, deadline)
	assert.Less(t, elapsed, 10*time.Second)

	failures := logs.FilterMessage("failed to remove guest range, translators did not quiesce").All()
	require.Len(t, failures, 1)
	assert.Equal(t, r.String(), failures[0].ContextMap()["guest.range"])

	_, err = c.Lookup(r.Start)
	require.NoError(t, err)

	v.Close()
	require.NoError(t, m.Close(context.Background()))
}

func TestManager_ReplaceTimeoutRollsBack(t *testing.T) {
	ctx := context.Background()
	config := testConfig()
	config.QuiesceTimeout = 20 * time.Millisecond

	m, opener := newTestManager(t, config)
	c := m.Client()

	r := NewGuestRange(0x1000, 0x1000)
	mappedA, err := c.Insert(ctx, r, objA, 0)
	require.NoError(t, err)

	v, err := c.NewVaMapper()
	require.NoError(t, err)
	defer v.Close()

	_, err = v.Translate(r.Start)
	require.NoError(t, err)

	_, err = c.Replace(ctx, r, objB, 0)
	require.ErrorIs(t, err, ErrRemovalTimedOut)

	e, err := c.Lookup(r.Start)
	require.NoError(t, err)
	assert.Equal(t, objA, e.Identity)
	assert.Equal(t, mappedA.HostVABase, e.HostVABase)

	// B stays mapped while the mapper may still hold a translation into it.
	assert.Equal(t, 1, opener.Live(objB))
	assert.Equal(t, 1, c.Reclaim())
	assert.Equal(t, 1, opener.Live(objB))

	hva, err := v.Translate(r.Start)
	require.NoError(t, err)
	assert.Equal(t, mappedA.HostVABase, hva)

	v.Quiesce()

	assert.Equal(t, 0, c.Reclaim())
	assert.Equal(t, 0, opener.Live(objB))
	assert.Equal(t, 1, opener.Live(objA))
}

func TestManager_Close(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, testConfig())
	c := m.Client()

	_, err := c.Insert(ctx, NewGuestRange(0x1000, 0x1000), objA, 0)
	require.NoError(t, err)

	_, err = c.Insert(ctx, NewGuestRange(0x2000, 0x1000), objB, 0)
	require.NoError(t, err)

	v, err := c.NewVaMapper()
	require.NoError(t, err)

	_, err = v.Translate(0x1000)
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, m.Close(closeCtx), ErrRemovalTimedOut)
	_, err = c.Lookup(0x1000)
	require.NoError(t, err)

	v.Close()

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 0, opener.Live(objA))
	assert.Equal(t, 0, opener.Live(objB))

	_, err = c.Lookup(0x1000)
	require.ErrorIs(t, err, ErrClosed)

	_, err = c.Insert(ctx, NewGuestRange(0x1000, 0x1000), objA, 0)
	require.ErrorIs(t, err, ErrClosed)

	_, err = c.NewVaMapper()
	require.ErrorIs(t, err, ErrClosed)

	require.ErrorIs(t, m.Close(ctx), ErrClosed)
}
