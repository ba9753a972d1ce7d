// Package objectcache shares open backing objects between every guest range
// that references the same host resource.
package objectcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/membacking/internal/logger"
	"github.com/e2b-dev/infra/packages/membacking/internal/mapping/mappable"
	"github.com/e2b-dev/infra/packages/membacking/internal/telemetry"
)

var ErrHandleReleased = errors.New("handle already released")

// Handle is a reference to an open Mappable. Every successful Acquire must be
// paired with exactly one Release.
type Handle struct {
	identity mappable.Identity
	key      string
	refs     atomic.Int64

	// ready is closed once the open finished; mappable and err are immutable after.
	ready    chan struct{}
	mappable mappable.Mappable
	err      error
}

func newHandle(identity mappable.Identity) *Handle {
	return &Handle{
		identity: identity,
		key:      identity.Key(),
		ready:    make(chan struct{}),
	}
}

func (h *Handle) Identity() mappable.Identity {
	return h.identity
}

func (h *Handle) Mappable() mappable.Mappable {
	return h.mappable
}

func (h *Handle) Refs() int64 {
	return h.refs.Load()
}

type Cache struct {
	logger  *zap.Logger
	opener  mappable.Opener
	entries cmap.ConcurrentMap[string, *Handle]

	opens  metric.Int64Counter
	closes metric.Int64Counter
}

func New(logger *zap.Logger, opener mappable.Opener, meterProvider metric.MeterProvider) (*Cache, error) {
	meter := meterProvider.Meter("internal.mapping.objectcache")

	opens, err := telemetry.GetCounter(meter, telemetry.ObjectCacheOpensCounterName)
	if err != nil {
		return nil, fmt.Errorf("failed to get opens metric: %w", err)
	}

	closes, err := telemetry.GetCounter(meter, telemetry.ObjectCacheClosesCounterName)
	if err != nil {
		return nil, fmt.Errorf("failed to get closes metric: %w", err)
	}

	c := &Cache{
		logger:  logger,
		opener:  opener,
		entries: cmap.New[*Handle](),
		opens:   opens,
		closes:  closes,
	}

	_, err = telemetry.GetObservableUpDownCounter(meter, telemetry.ObjectCacheOpenObjectsName, func(_ context.Context, o metric.Int64Observer) error {
		o.Observe(int64(c.entries.Count()))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get open objects metric: %w", err)
	}

	return c, nil
}

// Acquire returns the open handle for id, opening the backing object if no
// handle exists. Callers racing on the same identity share a single open,
// which is not cancelled when any one of them gives up waiting.
func (c *Cache) Acquire(ctx context.Context, id mappable.Identity) (*Handle, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	created := false

	h := c.entries.Upsert(id.Key(), nil, func(exists bool, current, _ *Handle) *Handle {
		if exists {
			current.refs.Add(1)

			return current
		}

		created = true

		n := newHandle(id)
		n.refs.Store(1)

		return n
	})

	if created {
		go c.open(context.WithoutCancel(ctx), h)
	}

	if err := c.wait(ctx, h); err != nil {
		go c.abandon(h)

		return nil, fmt.Errorf("%w: %s: %w", mappable.ErrBackingUnavailable, id, err)
	}

	if h.err != nil {
		return nil, h.err
	}

	return h, nil
}

// wait returns once h finished opening, or with the context error if ctx is
// done first. A finished open wins over a done context.
func (c *Cache) wait(ctx context.Context, h *Handle) error {
	select {
	case <-h.ready:
		return nil
	default:
	}

	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abandon gives back the reference of an acquirer that stopped waiting.
func (c *Cache) abandon(h *Handle) {
	<-h.ready

	if h.err != nil {
		return
	}

	if err := c.Release(h); err != nil {
		c.logger.Error("failed to release abandoned handle", logger.WithIdentity(h.key), zap.Error(err))
	}
}

func (c *Cache) open(ctx context.Context, h *Handle) {
	defer close(h.ready)

	m, err := c.opener.Open(ctx, h.identity)
	if err != nil {
		h.err = err

		// Drop the placeholder so the cache looks as if the open never happened.
		c.entries.RemoveCb(h.key, func(_ string, current *Handle, exists bool) bool {
			return exists && current == h
		})

		c.logger.Warn("failed to open backing object", logger.WithIdentity(h.key), zap.Error(err))
		c.opens.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))

		return
	}

	h.mappable = m
	c.opens.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "success")))
}

// Release drops one reference. The last reference unmaps the backing object
// while still holding the shard lock, so a concurrent Acquire of the same
// identity either keeps the handle alive or opens a new one after the unmap.
func (c *Cache) Release(h *Handle) error {
	var (
		found    bool
		last     bool
		unmapErr error
	)

	c.entries.RemoveCb(h.key, func(_ string, current *Handle, exists bool) bool {
		if !exists || current != h {
			return false
		}

		found = true

		if h.refs.Add(-1) > 0 {
			return false
		}

		last = true
		unmapErr = h.mappable.Unmap()

		return true
	})

	if !found {
		return fmt.Errorf("%w: %s", ErrHandleReleased, h.key)
	}

	if !last {
		return nil
	}

	c.closes.Add(context.Background(), 1)

	if unmapErr != nil {
		c.logger.Error("failed to unmap backing object", logger.WithIdentity(h.key), zap.Error(unmapErr))

		return unmapErr
	}

	c.logger.Debug("closed backing object", logger.WithIdentity(h.key))

	return nil
}

// Len returns the number of open (or opening) backing objects.
func (c *Cache) Len() int {
	return c.entries.Count()
}

// Refs returns the reference count of the handle open for id, or 0.
func (c *Cache) Refs(id mappable.Identity) int64 {
	h, ok := c.entries.Get(id.Key())
	if !ok {
		return 0
	}

	return h.Refs()
}
