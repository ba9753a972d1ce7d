// Package mappable maps host memory backing objects into the process address
// space. It knows nothing about guest ranges; callers decide where a mapping is
// exposed to the guest.
package mappable

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBackingUnavailable is returned when the host resource cannot be opened
	// or mapped. It is never retried here, retry policy belongs to the caller.
	ErrBackingUnavailable = errors.New("backing object unavailable")
	ErrInvalidIdentity    = errors.New("invalid backing identity")
)

type Kind string

const (
	KindAnonymous    Kind = "anonymous"
	KindFile         Kind = "file"
	KindSharedMemory Kind = "shm"
)

// Identity names a window of a host backing object.
// Identities with equal keys share one host mapping.
type Identity struct {
	Kind Kind
	// Name is the label of anonymous memory, the path of a file
	// or the name of a shared memory segment.
	Name     string
	Offset   uint64
	Size     uint64
	ReadOnly bool
}

func (i Identity) Key() string {
	access := "rw"
	if i.ReadOnly {
		access = "ro"
	}

	return fmt.Sprintf("%s:%s@%#x+%#x:%s", i.Kind, i.Name, i.Offset, i.Size, access)
}

func (i Identity) String() string {
	return i.Key()
}

func (i Identity) Validate() error {
	if i.Size == 0 {
		return fmt.Errorf("%w: %s has zero size", ErrInvalidIdentity, i)
	}

	if i.Name == "" {
		return fmt.Errorf("%w: %s has no name", ErrInvalidIdentity, i)
	}

	if i.Offset+i.Size < i.Offset {
		return fmt.Errorf("%w: %s overflows", ErrInvalidIdentity, i)
	}

	switch i.Kind {
	case KindAnonymous:
		if i.Offset != 0 {
			return fmt.Errorf("%w: anonymous memory %s cannot have an offset", ErrInvalidIdentity, i)
		}
	case KindFile, KindSharedMemory:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidIdentity, i.Kind)
	}

	return nil
}

// Mappable is a backing object mapped into the process address space.
type Mappable interface {
	Identity() Identity
	// Base is the host virtual address of the first mapped byte.
	Base() uintptr
	Len() uint64
	// Bytes exposes the mapped memory. The slice must not be used after Unmap.
	Bytes() []byte
	// Unmap releases the host virtual address reservation.
	Unmap() error
}

type Opener interface {
	Open(ctx context.Context, id Identity) (Mappable, error)
}
