package mapping

import (
	"sync/atomic"

	"github.com/e2b-dev/infra/packages/membacking/internal/mapping/mappable"
	"github.com/e2b-dev/infra/packages/membacking/internal/mapping/objectcache"
)

// Entry is a snapshot of a committed backing assignment.
type Entry struct {
	Range        GuestRange
	Identity     mappable.Identity
	ObjectOffset uint64
	// HostVABase is the host virtual address backing Range.Start.
	HostVABase uintptr
	// Generation is the table generation the snapshot was taken at.
	Generation uint64
}

// Translate returns the host virtual address of gpa. gpa must lie in e.Range.
func (e Entry) Translate(gpa uint64) uintptr {
	return e.HostVABase + uintptr(gpa-e.Range.Start)
}

// tableEntry is owned by the range table. All fields but retired are
// immutable after the entry is published.
type tableEntry struct {
	rng      GuestRange
	handle   *objectcache.Handle
	offset   uint64
	hostBase uintptr

	// retired is the generation that retired the entry, 0 while it is live.
	// It is written under the table lock and read lock-free by VA mappers.
	retired atomic.Uint64
}

func newTableEntry(rng GuestRange, handle *objectcache.Handle, offset uint64) *tableEntry {
	return &tableEntry{
		rng:      rng,
		handle:   handle,
		offset:   offset,
		hostBase: handle.Mappable().Base() + uintptr(offset),
	}
}

func (e *tableEntry) live() bool {
	return e.retired.Load() == 0
}

func (e *tableEntry) snapshot(generation uint64) Entry {
	return Entry{
		Range:        e.rng,
		Identity:     e.handle.Identity(),
		ObjectOffset: e.offset,
		HostVABase:   e.hostBase,
		Generation:   generation,
	}
}

// bytes returns the host memory backing [gpa, gpa+n). The caller checks bounds.
func (e *tableEntry) bytes(gpa, n uint64) []byte {
	off := e.offset + (gpa - e.rng.Start)

	return e.handle.Mappable().Bytes()[off : off+n : off+n]
}

func lessByStart(a, b *tableEntry) bool {
	return a.rng.Start < b.rng.Start
}

func pivot(addr uint64) *tableEntry {
	return &tableEntry{rng: GuestRange{Start: addr}}
}
