package mappable

import (
	"context"
	"fmt"

	"github.com/tklauser/go-sysconf"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/membacking/internal/cfg"
	"github.com/e2b-dev/infra/packages/membacking/internal/logger"
)

// HostOpener maps anonymous memory, files and shared memory segments
// with the host mmap primitives.
type HostOpener struct {
	logger   *zap.Logger
	config   cfg.BackingConfig
	pageSize uint64
}

var _ Opener = (*HostOpener)(nil)

func NewHostOpener(logger *zap.Logger, config cfg.BackingConfig) (*HostOpener, error) {
	pageSize, err := sysconf.Sysconf(sysconf.SC_PAGESIZE)
	if err != nil {
		return nil, fmt.Errorf("failed to get host page size: %w", err)
	}

	return &HostOpener{
		logger:   logger,
		config:   config,
		pageSize: uint64(pageSize),
	}, nil
}

func (o *HostOpener) PageSize() uint64 {
	return o.pageSize
}

func (o *HostOpener) Open(ctx context.Context, id Identity) (Mappable, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	if id.Offset%o.pageSize != 0 {
		return nil, fmt.Errorf("%w: offset of %s is not aligned to the %d byte page size", ErrInvalidIdentity, id, o.pageSize)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBackingUnavailable, id, err)
	}

	var (
		m   Mappable
		err error
	)

	switch id.Kind {
	case KindAnonymous:
		m, err = o.openAnonymous(id)
	case KindFile:
		m, err = o.openFile(id)
	case KindSharedMemory:
		m, err = o.openSharedMemory(id)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBackingUnavailable, id, err)
	}

	o.logger.Debug("mapped backing object",
		logger.WithIdentity(id.Key()),
		logger.WithSize("size", m.Len()),
		zap.String("host.base", fmt.Sprintf("%#x", m.Base())),
	)

	return m, nil
}
