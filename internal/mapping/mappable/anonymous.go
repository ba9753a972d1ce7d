//go:build linux

package mappable

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func (o *HostOpener) openAnonymous(id Identity) (Mappable, error) {
	length, err := mappingLength(id.Size)
	if err != nil {
		return nil, err
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	if id.ReadOnly {
		prot = unix.PROT_READ
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE
	if o.config.AnonymousHugePages {
		flags |= unix.MAP_HUGETLB | unix.MAP_HUGE_2MB
	}

	data, err := unix.Mmap(-1, 0, length, prot, flags)
	if err != nil {
		return nil, fmt.Errorf("error mapping anonymous memory: %w", err)
	}

	return newRegion(id, data, func() error {
		return unix.Munmap(data)
	}), nil
}
