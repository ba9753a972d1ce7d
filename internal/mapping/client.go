package mapping

import (
	"context"

	"github.com/e2b-dev/infra/packages/membacking/internal/mapping/mappable"
)

// Client is the handle given to device backends, hot-plug and balloon logic.
// Copies are cheap and share the same manager.
type Client struct {
	manager *Manager
}

// Insert backs r with the bytes of the object described by id starting at
// offset. r must not intersect any registered range.
func (c Client) Insert(ctx context.Context, r GuestRange, id mappable.Identity, offset uint64) (Entry, error) {
	return c.manager.insert(ctx, r, id, offset)
}

// Remove unregisters the range exactly matching r. It returns once no
// translator can still use the old translation, or fails with
// ErrRemovalTimedOut and leaves the range mapped.
func (c Client) Remove(ctx context.Context, r GuestRange) error {
	return c.manager.remove(ctx, r)
}

// Replace atomically swaps the backing of the range exactly matching r.
func (c Client) Replace(ctx context.Context, r GuestRange, id mappable.Identity, offset uint64) (Entry, error) {
	return c.manager.replace(ctx, r, id, offset)
}

// RemoveWithin removes every range lying entirely inside r and returns how many were removed.
func (c Client) RemoveWithin(ctx context.Context, r GuestRange) (int, error) {
	return c.manager.removeWithin(ctx, r)
}

func (c Client) Lookup(addr uint64) (Entry, error) {
	e, generation, err := c.manager.lookup(addr)
	if err != nil {
		return Entry{}, err
	}

	return e.snapshot(generation), nil
}

func (c Client) Entries() []Entry {
	return c.manager.entries()
}

func (c Client) Generation() uint64 {
	return c.manager.Generation()
}

// Reclaim releases backings left behind by rolled back replaces once no
// translator can observe them, and returns how many are still pending.
func (c Client) Reclaim() int {
	return c.manager.reclaim()
}

func (c Client) NewVaMapper() (*VaMapper, error) {
	return newVaMapper(c.manager)
}
