// Package mapping keeps the authoritative table of guest physical ranges and
// the host memory backing them, and hands out translations to the goroutines
// running virtual processors.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/btree"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/membacking/internal/cfg"
	"github.com/e2b-dev/infra/packages/membacking/internal/logger"
	"github.com/e2b-dev/infra/packages/membacking/internal/mapping/mappable"
	"github.com/e2b-dev/infra/packages/membacking/internal/mapping/objectcache"
)

var tracer = otel.Tracer("github.com/e2b-dev/infra/packages/membacking/internal/mapping")

const btreeDegree = 16

// deferredRelease is a backing reference retired by a rolled back replace. It
// is released once no reader is pinned at a generation before retiredAt.
type deferredRelease struct {
	handle    *objectcache.Handle
	retiredAt uint64
}

type Manager struct {
	id     string
	logger *zap.Logger
	config cfg.MappingConfig
	cache  *objectcache.Cache

	// mutationMu serializes structural changes including their quiesce wait.
	mutationMu sync.Mutex
	deferred   []deferredRelease

	// tableMu guards table and is held only for short edits and lookups.
	tableMu    sync.RWMutex
	table      *btree.BTreeG[*tableEntry]
	generation atomic.Uint64
	closed     atomic.Bool

	readers       *readers
	deferredCount atomic.Int64
	metrics       *metrics
}

func NewManager(l *zap.Logger, config cfg.MappingConfig, opener mappable.Opener, meterProvider metric.MeterProvider) (*Manager, error) {
	if config.TLBEntries <= 0 {
		return nil, fmt.Errorf("tlb entries must be positive, got %d", config.TLBEntries)
	}

	if config.MaxVaMappers == 0 {
		return nil, errors.New("max va mappers must be positive")
	}

	if config.QuiesceTimeout <= 0 {
		return nil, fmt.Errorf("quiesce timeout must be positive, got %s", config.QuiesceTimeout)
	}

	if config.QuiesceInitialInterval <= 0 || config.QuiesceMaxInterval <= 0 {
		return nil, fmt.Errorf("quiesce intervals must be positive, got %s and %s", config.QuiesceInitialInterval, config.QuiesceMaxInterval)
	}

	if config.QuiesceMaxInterval < config.QuiesceInitialInterval {
		return nil, fmt.Errorf("quiesce max interval %s is below the initial interval %s", config.QuiesceMaxInterval, config.QuiesceInitialInterval)
	}

	cache, err := objectcache.New(l, opener, meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create object cache: %w", err)
	}

	id := uuid.NewString()

	m := &Manager{
		id:      id,
		logger:  l.With(logger.WithManagerID(id)),
		config:  config,
		cache:   cache,
		table:   btree.NewG[*tableEntry](btreeDegree, lessByStart),
		readers: newReaders(config.MaxVaMappers),
	}
	m.generation.Store(1)

	m.metrics, err = newMetrics(meterProvider, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create mapping metrics: %w", err)
	}

	return m, nil
}

func (m *Manager) ID() string {
	return m.id
}

// Client returns the handle through which callers mutate and query the table.
func (m *Manager) Client() Client {
	return Client{manager: m}
}

func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

func (m *Manager) len() int {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()

	return m.table.Len()
}

// find returns the entry covering addr. Callers hold tableMu.
func (m *Manager) find(addr uint64) (*tableEntry, bool) {
	var found *tableEntry

	m.table.DescendLessOrEqual(pivot(addr), func(e *tableEntry) bool {
		found = e

		return false
	})

	if found == nil || !found.rng.Contains(addr) {
		return nil, false
	}

	return found, true
}

// exact returns the entry registered for exactly r. Callers hold tableMu.
func (m *Manager) exact(r GuestRange) (*tableEntry, bool) {
	e, ok := m.table.Get(pivot(r.Start))
	if !ok || e.rng != r {
		return nil, false
	}

	return e, true
}

// overlapping returns the entries intersecting r in ascending order. Callers hold tableMu.
func (m *Manager) overlapping(r GuestRange) []*tableEntry {
	var res []*tableEntry

	if e, ok := m.find(r.Start); ok {
		res = append(res, e)
	}

	m.table.AscendRange(pivot(r.Start+1), pivot(r.End), func(e *tableEntry) bool {
		res = append(res, e)

		return true
	})

	return res
}

// retire marks entries as retired at the next generation and publishes it.
// The retirement marks are stored before the generation so a reader that
// observes the new generation also observes the marks. Callers hold both locks.
func (m *Manager) retire(entries ...*tableEntry) uint64 {
	next := m.generation.Load() + 1
	for _, e := range entries {
		e.retired.Store(next)
	}

	m.generation.Store(next)

	return next
}

func (m *Manager) quiesce(ctx context.Context, retiredAt uint64) error {
	ctx, span := tracer.Start(ctx, "quiesce-readers", trace.WithAttributes(
		attribute.Int64("generation", int64(retiredAt)),
	))
	defer span.End()

	start := time.Now()
	err := m.readers.waitQuiesced(ctx, retiredAt-1, m.config)
	m.metrics.recordQuiesce(ctx, time.Since(start), err)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

func (m *Manager) release(h *objectcache.Handle) error {
	if err := m.cache.Release(h); err != nil {
		return fmt.Errorf("failed to release backing %s: %w", h.Identity(), err)
	}

	return nil
}

func (m *Manager) insert(ctx context.Context, r GuestRange, id mappable.Identity, offset uint64) (e Entry, err error) {
	ctx, span := tracer.Start(ctx, "insert-guest-range", trace.WithAttributes(
		attribute.String("range", r.String()),
		attribute.String("identity", id.Key()),
	))
	defer span.End()

	defer func() {
		m.metrics.recordMutation(ctx, operationInsert, err)
	}()

	if err := r.Validate(); err != nil {
		return Entry{}, err
	}

	if offset+r.Len() < offset {
		return Entry{}, fmt.Errorf("%w: object offset %#x overflows for %s", ErrInvalidRange, offset, r)
	}

	m.mutationMu.Lock()
	defer m.mutationMu.Unlock()

	if m.closed.Load() {
		return Entry{}, ErrClosed
	}

	m.tableMu.RLock()
	conflicts := m.overlapping(r)
	m.tableMu.RUnlock()

	if len(conflicts) > 0 {
		return Entry{}, fmt.Errorf("%w: %s intersects %s", ErrOverlapConflict, r, conflicts[0].rng)
	}

	h, err := m.acquire(ctx, r, id, offset)
	if err != nil {
		return Entry{}, err
	}

	te := newTableEntry(r, h, offset)

	m.tableMu.Lock()
	m.table.ReplaceOrInsert(te)
	generation := m.generation.Add(1)
	m.tableMu.Unlock()

	m.logger.Debug("inserted guest range",
		logger.WithGuestRange(r.Start, r.End),
		logger.WithIdentity(id.Key()),
		logger.WithSize("size", r.Len()),
		logger.WithGeneration(generation),
	)

	m.reclaimLocked()

	return te.snapshot(generation), nil
}

// acquire opens the backing for id and checks that it covers offset+len(r).
func (m *Manager) acquire(ctx context.Context, r GuestRange, id mappable.Identity, offset uint64) (*objectcache.Handle, error) {
	h, err := m.cache.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}

	if size := h.Mappable().Len(); offset+r.Len() > size {
		if releaseErr := m.release(h); releaseErr != nil {
			m.logger.Error("failed to release rejected backing", logger.WithIdentity(id.Key()), zap.Error(releaseErr))
		}

		return nil, fmt.Errorf("%w: %s at object offset %#x exceeds the %s backing of %s", ErrInvalidRange, r, offset, humanize.IBytes(size), id)
	}

	return h, nil
}

func (m *Manager) remove(ctx context.Context, r GuestRange) (err error) {
	ctx, span := tracer.Start(ctx, "remove-guest-range", trace.WithAttributes(
		attribute.String("range", r.String()),
	))
	defer span.End()

	defer func() {
		m.metrics.recordMutation(ctx, operationRemove, err)
	}()

	if err := r.Validate(); err != nil {
		return err
	}

	m.mutationMu.Lock()
	defer m.mutationMu.Unlock()

	if m.closed.Load() {
		return ErrClosed
	}

	m.tableMu.Lock()
	te, ok := m.exact(r)
	if !ok {
		m.tableMu.Unlock()

		return fmt.Errorf("%w: no mapping registered for %s", ErrNotMapped, r)
	}

	retiredAt := m.retire(te)
	m.tableMu.Unlock()

	if err := m.quiesce(ctx, retiredAt); err != nil {
		m.tableMu.Lock()
		te.retired.Store(0)
		m.tableMu.Unlock()

		m.logger.Error("failed to remove guest range, translators did not quiesce",
			logger.WithGuestRange(r.Start, r.End),
			logger.WithGeneration(retiredAt),
			zap.Error(err),
		)

		return err
	}

	m.tableMu.Lock()
	m.table.Delete(te)
	m.tableMu.Unlock()

	m.logger.Debug("removed guest range",
		logger.WithGuestRange(r.Start, r.End),
		logger.WithIdentity(te.handle.Identity().Key()),
		logger.WithGeneration(retiredAt),
	)

	err = m.release(te.handle)

	m.reclaimLocked()

	return err
}

func (m *Manager) replace(ctx context.Context, r GuestRange, id mappable.Identity, offset uint64) (e Entry, err error) {
	ctx, span := tracer.Start(ctx, "replace-guest-range", trace.WithAttributes(
		attribute.String("range", r.String()),
		attribute.String("identity", id.Key()),
	))
	defer span.End()

	defer func() {
		m.metrics.recordMutation(ctx, operationReplace, err)
	}()

	if err := r.Validate(); err != nil {
		return Entry{}, err
	}

	if offset+r.Len() < offset {
		return Entry{}, fmt.Errorf("%w: object offset %#x overflows for %s", ErrInvalidRange, offset, r)
	}

	m.mutationMu.Lock()
	defer m.mutationMu.Unlock()

	if m.closed.Load() {
		return Entry{}, ErrClosed
	}

	m.tableMu.RLock()
	old, ok := m.exact(r)
	m.tableMu.RUnlock()

	if !ok {
		return Entry{}, fmt.Errorf("%w: no mapping registered for %s", ErrNotMapped, r)
	}

	h, err := m.acquire(ctx, r, id, offset)
	if err != nil {
		return Entry{}, err
	}

	te := newTableEntry(r, h, offset)

	// Lookups see either the old or the new entry, never a gap.
	m.tableMu.Lock()
	retiredAt := m.retire(old)
	m.table.ReplaceOrInsert(te)
	m.tableMu.Unlock()

	if err := m.quiesce(ctx, retiredAt); err != nil {
		m.tableMu.Lock()
		rolledBackAt := m.retire(te)
		old.retired.Store(0)
		m.table.ReplaceOrInsert(old)
		m.tableMu.Unlock()

		// Readers may have translated through the new entry, so its backing
		// stays mapped until they pass a reclamation point.
		m.deferred = append(m.deferred, deferredRelease{handle: h, retiredAt: rolledBackAt})
		m.deferredCount.Store(int64(len(m.deferred)))

		m.logger.Error("failed to replace guest range, translators did not quiesce",
			logger.WithGuestRange(r.Start, r.End),
			logger.WithIdentity(id.Key()),
			logger.WithGeneration(rolledBackAt),
			zap.Error(err),
		)

		return Entry{}, err
	}

	m.logger.Debug("replaced guest range",
		logger.WithGuestRange(r.Start, r.End),
		zap.String("from", old.handle.Identity().Key()),
		zap.String("to", id.Key()),
		logger.WithGeneration(retiredAt),
	)

	err = m.release(old.handle)

	m.reclaimLocked()

	return te.snapshot(retiredAt), err
}

// removeWithin removes every entry lying entirely inside r with a single
// generation bump and a single quiesce.
func (m *Manager) removeWithin(ctx context.Context, r GuestRange) (n int, err error) {
	ctx, span := tracer.Start(ctx, "remove-guest-ranges-within", trace.WithAttributes(
		attribute.String("range", r.String()),
	))
	defer span.End()

	defer func() {
		m.metrics.recordMutation(ctx, operationRemoveAll, err)
	}()

	if err := r.Validate(); err != nil {
		return 0, err
	}

	m.mutationMu.Lock()
	defer m.mutationMu.Unlock()

	if m.closed.Load() {
		return 0, ErrClosed
	}

	m.tableMu.Lock()
	var victims []*tableEntry
	for _, e := range m.overlapping(r) {
		if r.ContainsRange(e.rng) {
			victims = append(victims, e)
		}
	}

	if len(victims) == 0 {
		m.tableMu.Unlock()

		return 0, nil
	}

	retiredAt := m.retire(victims...)
	m.tableMu.Unlock()

	if err := m.quiesce(ctx, retiredAt); err != nil {
		m.tableMu.Lock()
		for _, e := range victims {
			e.retired.Store(0)
		}
		m.tableMu.Unlock()

		m.logger.Error("failed to remove guest ranges, translators did not quiesce",
			logger.WithGuestRange(r.Start, r.End),
			zap.Int("ranges", len(victims)),
			logger.WithGeneration(retiredAt),
			zap.Error(err),
		)

		return 0, err
	}

	m.tableMu.Lock()
	for _, e := range victims {
		m.table.Delete(e)
	}
	m.tableMu.Unlock()

	var errs []error
	for _, e := range victims {
		errs = append(errs, m.release(e.handle))
	}

	m.logger.Debug("removed guest ranges",
		logger.WithGuestRange(r.Start, r.End),
		zap.Int("ranges", len(victims)),
		logger.WithGeneration(retiredAt),
	)

	m.reclaimLocked()

	return len(victims), errors.Join(errs...)
}

// lookup returns the live entry covering addr together with the current generation.
func (m *Manager) lookup(addr uint64) (*tableEntry, uint64, error) {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()

	if m.closed.Load() {
		return nil, 0, ErrClosed
	}

	generation := m.generation.Load()

	e, ok := m.find(addr)
	if !ok {
		return nil, generation, fmt.Errorf("%w: %#x", ErrNotMapped, addr)
	}

	if !e.live() {
		return nil, generation, fmt.Errorf("%w: %#x lies in %s which is being removed", ErrNotMapped, addr, e.rng)
	}

	return e, generation, nil
}

// entries returns a snapshot of the live entries ordered by guest address.
func (m *Manager) entries() []Entry {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()

	generation := m.generation.Load()
	res := make([]Entry, 0, m.table.Len())

	m.table.Ascend(func(e *tableEntry) bool {
		if e.live() {
			res = append(res, e.snapshot(generation))
		}

		return true
	})

	return res
}

func (m *Manager) reclaim() int {
	m.mutationMu.Lock()
	defer m.mutationMu.Unlock()

	return m.reclaimLocked()
}

// reclaimLocked releases deferred backings no reader can still observe and
// returns how many remain. Callers hold mutationMu.
func (m *Manager) reclaimLocked() int {
	if len(m.deferred) == 0 {
		return 0
	}

	kept := m.deferred[:0]
	for _, d := range m.deferred {
		if m.readers.stale(d.retiredAt-1) > 0 {
			kept = append(kept, d)

			continue
		}

		if err := m.release(d.handle); err != nil {
			m.logger.Error("failed to release deferred backing", logger.WithIdentity(d.handle.Identity().Key()), zap.Error(err))

			continue
		}

		m.logger.Debug("released deferred backing",
			logger.WithIdentity(d.handle.Identity().Key()),
			logger.WithGeneration(d.retiredAt),
		)
	}

	clear(m.deferred[len(kept):])
	m.deferred = kept
	m.deferredCount.Store(int64(len(kept)))

	return len(kept)
}

// Close retires every entry, waits for the translators to quiesce and releases
// all backings. If the translators do not quiesce in time the manager stays
// open and Close can be retried.
func (m *Manager) Close(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "close-mapping-manager")
	defer span.End()

	defer func() {
		m.metrics.recordMutation(ctx, operationClose, err)
	}()

	m.mutationMu.Lock()
	defer m.mutationMu.Unlock()

	if m.closed.Load() {
		return ErrClosed
	}

	m.tableMu.Lock()
	var victims []*tableEntry
	m.table.Ascend(func(e *tableEntry) bool {
		victims = append(victims, e)

		return true
	})

	retiredAt := m.retire(victims...)
	m.closed.Store(true)
	m.tableMu.Unlock()

	if err := m.quiesce(ctx, retiredAt); err != nil {
		m.tableMu.Lock()
		for _, e := range victims {
			e.retired.Store(0)
		}
		m.closed.Store(false)
		m.tableMu.Unlock()

		m.logger.Error("failed to close mapping manager, translators did not quiesce", zap.Error(err))

		return err
	}

	m.tableMu.Lock()
	m.table.Clear(false)
	m.tableMu.Unlock()

	var errs []error
	for _, e := range victims {
		errs = append(errs, m.release(e.handle))
	}

	for _, d := range m.deferred {
		errs = append(errs, m.release(d.handle))
	}

	m.deferred = nil
	m.deferredCount.Store(0)

	m.logger.Info("closed mapping manager",
		zap.Int("ranges", len(victims)),
		logger.WithGeneration(retiredAt),
	)

	return errors.Join(errs...)
}
