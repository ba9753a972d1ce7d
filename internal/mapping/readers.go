package mapping

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/cenkalti/backoff/v4"

	"github.com/e2b-dev/infra/packages/membacking/internal/cfg"
)

const cacheLineSize = 64

type readerSlot struct {
	// pinned is 0 while the owning VA mapper is past a reclamation point,
	// otherwise the generation it observed when it started translating.
	pinned atomic.Uint64
	_      [cacheLineSize - 8]byte
}

// readers tracks the pin state of every VA mapper. A removal that retired
// entries at generation G+1 may release their memory once no slot is pinned
// at a generation <= G.
type readers struct {
	mu    sync.Mutex
	used  *bitset.BitSet
	slots []readerSlot
}

func newReaders(capacity uint) *readers {
	return &readers{
		used:  bitset.New(capacity),
		slots: make([]readerSlot, capacity),
	}
}

func (r *readers) register() (uint, *readerSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.used.NextClear(0)
	if !ok || idx >= uint(len(r.slots)) {
		return 0, nil, fmt.Errorf("%w: all %d slots in use", ErrTooManyMappers, len(r.slots))
	}

	r.used.Set(idx)

	slot := &r.slots[idx]
	slot.pinned.Store(0)

	return idx, slot, nil
}

func (r *readers) unregister(idx uint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.slots[idx].pinned.Store(0)
	r.used.Clear(idx)
}

func (r *readers) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return int(r.used.Count())
}

// stale returns the number of slots pinned at or before generation.
func (r *readers) stale(generation uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for i, ok := r.used.NextSet(0); ok; i, ok = r.used.NextSet(i + 1) {
		pinned := r.slots[i].pinned.Load()
		if pinned != 0 && pinned <= generation {
			n++
		}
	}

	return n
}

// waitQuiesced blocks until no slot is pinned at or before generation.
func (r *readers) waitQuiesced(ctx context.Context, generation uint64, config cfg.MappingConfig) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.QuiesceInitialInterval
	b.MaxInterval = config.QuiesceMaxInterval
	b.MaxElapsedTime = config.QuiesceTimeout

	op := func() error {
		if n := r.stale(generation); n > 0 {
			return fmt.Errorf("%d va mappers still pinned at or before generation %d", n, generation)
		}

		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}

	// Retry returns the context error alone once the caller gives up.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w: %d va mappers still pinned at or before generation %d", ErrRemovalTimedOut, ctxErr, r.stale(generation), generation)
	}

	return fmt.Errorf("%w: %w", ErrRemovalTimedOut, err)
}
