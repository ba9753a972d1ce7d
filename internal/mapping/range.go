package mapping

import "fmt"

// GuestRange is a half-open interval [Start, End) of guest physical addresses.
type GuestRange struct {
	Start uint64
	End   uint64
}

func NewGuestRange(start, size uint64) GuestRange {
	return GuestRange{Start: start, End: start + size}
}

func (r GuestRange) Len() uint64 {
	return r.End - r.Start
}

func (r GuestRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// ContainsRange reports whether o lies entirely within r.
func (r GuestRange) ContainsRange(o GuestRange) bool {
	return o.Start >= r.Start && o.End <= r.End
}

func (r GuestRange) Overlaps(o GuestRange) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r GuestRange) Validate() error {
	if r.End <= r.Start {
		return fmt.Errorf("%w: %s is empty or inverted", ErrInvalidRange, r)
	}

	return nil
}

func (r GuestRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}
