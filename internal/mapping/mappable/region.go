package mappable

import (
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"
)

type UnmappedError struct {
	identity Identity
}

func (e *UnmappedError) Error() string {
	return fmt.Sprintf("backing object %s already unmapped", e.identity)
}

func NewErrUnmapped(identity Identity) *UnmappedError {
	return &UnmappedError{
		identity: identity,
	}
}

// region is a Mappable over memory that was mapped by one of the host openers.
type region struct {
	identity Identity
	data     []byte
	unmap    func() error
	closed   atomic.Bool
}

var _ Mappable = (*region)(nil)

func newRegion(identity Identity, data []byte, unmap func() error) *region {
	return &region{
		identity: identity,
		data:     data,
		unmap:    unmap,
	}
}

func (r *region) Identity() Identity {
	return r.identity
}

func (r *region) Base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.data)))
}

func (r *region) Len() uint64 {
	return uint64(len(r.data))
}

func (r *region) Bytes() []byte {
	return r.data
}

func (r *region) Unmap() error {
	if !r.closed.CompareAndSwap(false, true) {
		return NewErrUnmapped(r.identity)
	}

	err := r.unmap()
	if err != nil {
		return fmt.Errorf("error unmapping %s: %w", r.identity, err)
	}

	return nil
}

func mappingLength(size uint64) (int, error) {
	if size > math.MaxInt {
		return 0, fmt.Errorf("size too big: %d > %d", size, math.MaxInt)
	}

	return int(size), nil
}
