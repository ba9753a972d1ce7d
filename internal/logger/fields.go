package logger

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

func WithManagerID(id string) zap.Field {
	return zap.String("mapping_manager.id", id)
}

func WithMapperID(id int) zap.Field {
	return zap.Int("va_mapper.slot", id)
}

func WithGeneration(generation uint64) zap.Field {
	return zap.Uint64("mapping.generation", generation)
}

func WithGuestRange(start, end uint64) zap.Field {
	return zap.String("guest.range", fmt.Sprintf("[%#x, %#x)", start, end))
}

func WithIdentity(key string) zap.Field {
	return zap.String("backing.identity", key)
}

// WithSize logs a byte count in human readable IEC units.
func WithSize(key string, size uint64) zap.Field {
	return zap.String(key, humanize.IBytes(size))
}
