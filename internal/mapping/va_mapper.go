package mapping

import (
	"context"
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/membacking/internal/logger"
)

// guestPageShift sets the granularity of the translation cache.
const guestPageShift = 12

type TranslationStats struct {
	Hits   uint64
	Misses uint64
	Faults uint64
}

type cachedTranslation struct {
	entry      *tableEntry
	generation uint64
}

func (t cachedTranslation) valid(gpa uint64) bool {
	return t.entry != nil && t.entry.rng.Contains(gpa) && t.entry.live()
}

// VaMapper translates guest physical addresses for one virtual processor.
//
// Translations are cached locally and stay usable until the next call to
// Quiesce. Removals of a range wait until every VaMapper that may hold a
// translation into it has passed Quiesce, so VP loops call it whenever they
// stop touching guest memory (on exit to the monitor, before blocking).
//
// A VaMapper is not safe for concurrent use.
type VaMapper struct {
	manager *Manager
	logger  *zap.Logger
	slotIdx uint
	slot    *readerSlot

	pinned   bool
	purgedAt uint64
	last     cachedTranslation
	tlb      *simplelru.LRU[uint64, cachedTranslation]

	stats   TranslationStats
	flushed TranslationStats
	closed  bool
}

func newVaMapper(m *Manager) (*VaMapper, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	tlb, err := simplelru.NewLRU[uint64, cachedTranslation](m.config.TLBEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create translation cache: %w", err)
	}

	idx, slot, err := m.readers.register()
	if err != nil {
		return nil, err
	}

	v := &VaMapper{
		manager:  m,
		logger:   m.logger.With(logger.WithMapperID(int(idx))),
		slotIdx:  idx,
		slot:     slot,
		purgedAt: m.generation.Load(),
		tlb:      tlb,
	}

	v.logger.Debug("registered va mapper")

	return v, nil
}

// Translate returns the host virtual address backing gpa. Unbacked addresses
// yield a *FaultError wrapping ErrNotMapped.
func (v *VaMapper) Translate(gpa uint64) (uintptr, error) {
	t, err := v.resolve(gpa)
	if err != nil {
		return 0, err
	}

	return t.entry.hostBase + uintptr(gpa-t.entry.rng.Start), nil
}

// Slice returns the n bytes of host memory backing [gpa, gpa+n). The access
// must not cross the end of the range containing gpa.
func (v *VaMapper) Slice(gpa, n uint64) ([]byte, error) {
	t, err := v.resolve(gpa)
	if err != nil {
		return nil, err
	}

	if end := gpa + n; end < gpa || end > t.entry.rng.End {
		return nil, newFault(t.entry.rng.End, fmt.Errorf("%w: %d bytes at %#x cross the end of %s", ErrNotMapped, n, gpa, t.entry.rng))
	}

	return t.entry.bytes(gpa, n), nil
}

func (v *VaMapper) resolve(gpa uint64) (cachedTranslation, error) {
	if v.closed {
		return cachedTranslation{}, newFault(gpa, ErrClosed)
	}

	v.pin()

	if v.last.valid(gpa) {
		v.stats.Hits++

		return v.last, nil
	}

	page := gpa >> guestPageShift

	if t, ok := v.tlb.Get(page); ok {
		if t.valid(gpa) {
			v.last = t
			v.stats.Hits++

			return t, nil
		}

		if !t.entry.live() {
			v.tlb.Remove(page)
		}
	}

	e, generation, err := v.manager.lookup(gpa)
	if err != nil {
		v.stats.Faults++

		return cachedTranslation{}, newFault(gpa, err)
	}

	t := cachedTranslation{entry: e, generation: generation}
	v.tlb.Add(page, t)
	v.last = t
	v.stats.Misses++

	return t, nil
}

// pin publishes the generation this mapper translates at until the next Quiesce.
func (v *VaMapper) pin() {
	if v.pinned {
		return
	}

	v.slot.pinned.Store(v.manager.generation.Load())
	v.pinned = true
}

// Quiesce is a reclamation point: host addresses returned before it must not
// be used after it. It drops cached translations of retired ranges when the
// table changed since the previous call.
func (v *VaMapper) Quiesce() {
	if v.closed {
		return
	}

	v.slot.pinned.Store(0)
	v.pinned = false

	if generation := v.manager.generation.Load(); generation != v.purgedAt {
		v.purge()
		v.purgedAt = generation
	}

	v.flushStats()
}

func (v *VaMapper) purge() {
	for _, page := range v.tlb.Keys() {
		if t, ok := v.tlb.Peek(page); ok && !t.entry.live() {
			v.tlb.Remove(page)
		}
	}

	if v.last.entry != nil && !v.last.entry.live() {
		v.last = cachedTranslation{}
	}
}

// Flush drops every cached translation.
func (v *VaMapper) Flush() {
	v.tlb.Purge()
	v.last = cachedTranslation{}
}

func (v *VaMapper) Pinned() bool {
	return v.pinned
}

// Cached returns the number of pages in the translation cache.
func (v *VaMapper) Cached() int {
	return v.tlb.Len()
}

func (v *VaMapper) Stats() TranslationStats {
	return v.stats
}

func (v *VaMapper) flushStats() {
	delta := TranslationStats{
		Hits:   v.stats.Hits - v.flushed.Hits,
		Misses: v.stats.Misses - v.flushed.Misses,
		Faults: v.stats.Faults - v.flushed.Faults,
	}
	if delta == (TranslationStats{}) {
		return
	}

	v.manager.metrics.recordTranslations(context.Background(), delta)
	v.flushed = v.stats
}

// Close passes a final reclamation point and frees the reader slot.
func (v *VaMapper) Close() {
	if v.closed {
		return
	}

	v.Quiesce()
	v.Flush()
	v.manager.readers.unregister(v.slotIdx)
	v.closed = true

	v.logger.Debug("closed va mapper",
		zap.Uint64("hits", v.stats.Hits),
		zap.Uint64("misses", v.stats.Misses),
		zap.Uint64("faults", v.stats.Faults),
	)
}
