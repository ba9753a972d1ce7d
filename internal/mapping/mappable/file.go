package mappable

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

func (o *HostOpener) openFile(id Identity) (Mappable, error) {
	length, err := mappingLength(id.Size)
	if err != nil {
		return nil, err
	}

	flag, prot := os.O_RDWR, mmap.RDWR
	if id.ReadOnly {
		flag, prot = os.O_RDONLY, mmap.RDONLY
	}

	f, err := os.OpenFile(id.Name, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}

	// The mapping keeps its own reference to the file.
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("error getting file info: %w", err)
	}

	if uint64(info.Size()) < id.Offset+id.Size {
		return nil, fmt.Errorf("file %s is %d bytes, window ends at %d", id.Name, info.Size(), id.Offset+id.Size)
	}

	mm, err := mmap.MapRegion(f, length, prot, 0, int64(id.Offset))
	if err != nil {
		return nil, fmt.Errorf("error mapping file: %w", err)
	}

	return newRegion(id, mm, mm.Unmap), nil
}
