package mapping

import (
	"errors"
	"fmt"

	"github.com/e2b-dev/infra/packages/membacking/internal/mapping/mappable"
)

var (
	ErrOverlapConflict = errors.New("guest range overlaps an existing mapping")
	ErrNotMapped       = errors.New("guest range is not mapped")
	// ErrRemovalTimedOut is returned when translators did not pass a reclamation
	// point in time. The table is left as it was before the request.
	ErrRemovalTimedOut    = errors.New("timed out waiting for translators to quiesce")
	ErrInvalidRange       = errors.New("invalid guest range")
	ErrClosed             = errors.New("mapping manager closed")
	ErrTooManyMappers     = errors.New("no free va mapper slot")
	ErrBackingUnavailable = mappable.ErrBackingUnavailable
)

// FaultError is the result of translating an address that is not backed by
// host memory. It is not a failure of the manager: callers route it to
// emulation or inject a fault into the guest.
type FaultError struct {
	GPA uint64
	Err error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("translation fault at %#x: %v", e.GPA, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

func newFault(gpa uint64, err error) *FaultError {
	return &FaultError{
		GPA: gpa,
		Err: err,
	}
}
