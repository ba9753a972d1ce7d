package testutils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/e2b-dev/infra/packages/membacking/internal/mapping/mappable"
)

// PoisonByte is written over the memory of a fake mapping when it is unmapped,
// so readers holding a stale translation observe it.
const PoisonByte = 0xdd

// FakeOpener serves mappings from Go heap memory and counts opens and closes
// per identity key.
type FakeOpener struct {
	// OpenDelay widens the window in which concurrent acquirers race on one open.
	OpenDelay time.Duration

	mu     sync.Mutex
	opens  map[string]int
	closes map[string]int
	failAt map[string]error
}

var _ mappable.Opener = (*FakeOpener)(nil)

func NewFakeOpener() *FakeOpener {
	return &FakeOpener{
		opens:  make(map[string]int),
		closes: make(map[string]int),
		failAt: make(map[string]error),
	}
}

// FailOpen makes every following open of id fail with err.
func (o *FakeOpener) FailOpen(id mappable.Identity, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.failAt[id.Key()] = err
}

// ClearFailure undoes FailOpen.
func (o *FakeOpener) ClearFailure(id mappable.Identity) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.failAt, id.Key())
}

func (o *FakeOpener) Open(ctx context.Context, id mappable.Identity) (mappable.Mappable, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	if o.OpenDelay > 0 {
		select {
		case <-time.After(o.OpenDelay):
		case <-ctx.Done():
			return nil, errors.Join(mappable.ErrBackingUnavailable, ctx.Err())
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err, ok := o.failAt[id.Key()]; ok {
		return nil, errors.Join(mappable.ErrBackingUnavailable, err)
	}

	o.opens[id.Key()]++

	return &fakeMappable{
		identity: id,
		data:     make([]byte, id.Size),
		opener:   o,
	}, nil
}

func (o *FakeOpener) Opens(id mappable.Identity) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.opens[id.Key()]
}

func (o *FakeOpener) Closes(id mappable.Identity) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.closes[id.Key()]
}

// Live returns the number of mappings currently open for id.
func (o *FakeOpener) Live(id mappable.Identity) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.opens[id.Key()] - o.closes[id.Key()]
}

type fakeMappable struct {
	identity mappable.Identity
	data     []byte
	opener   *FakeOpener
	closed   atomic.Bool
}

func (m *fakeMappable) Identity() mappable.Identity {
	return m.identity
}

func (m *fakeMappable) Base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
}

func (m *fakeMappable) Len() uint64 {
	return uint64(len(m.data))
}

func (m *fakeMappable) Bytes() []byte {
	return m.data
}

func (m *fakeMappable) Unmap() error {
	if !m.closed.CompareAndSwap(false, true) {
		return mappable.NewErrUnmapped(m.identity)
	}

	for i := range m.data {
		m.data[i] = PoisonByte
	}

	m.opener.mu.Lock()
	m.opener.closes[m.identity.Key()]++
	m.opener.mu.Unlock()

	return nil
}
