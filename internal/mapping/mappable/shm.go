//go:build linux

package mappable

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// openSharedMemory backs the window with a fresh memfd. The segment lives for
// as long as the mapping does, sharing happens through the object cache.
func (o *HostOpener) openSharedMemory(id Identity) (Mappable, error) {
	length, err := mappingLength(id.Size)
	if err != nil {
		return nil, err
	}

	fd, err := unix.MemfdCreate(fmt.Sprintf("%s-%s", o.config.MemfdPrefix, id.Name), unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("error creating memfd: %w", err)
	}

	f := os.NewFile(uintptr(fd), id.Name)
	defer f.Close()

	err = f.Truncate(int64(id.Offset + id.Size))
	if err != nil {
		return nil, fmt.Errorf("error sizing memfd: %w", err)
	}

	prot := mmap.RDWR
	if id.ReadOnly {
		prot = mmap.RDONLY
	}

	mm, err := mmap.MapRegion(f, length, prot, 0, int64(id.Offset))
	if err != nil {
		return nil, fmt.Errorf("error mapping memfd: %w", err)
	}

	return newRegion(id, mm, mm.Unmap), nil
}
