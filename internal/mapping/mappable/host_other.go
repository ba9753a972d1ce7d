//go:build !linux

package mappable

import (
	"errors"
	"runtime"
)

var errUnsupportedPlatform = errors.New("backing kind is not supported on " + runtime.GOOS)

func (o *HostOpener) openAnonymous(Identity) (Mappable, error) {
	return nil, errUnsupportedPlatform
}

func (o *HostOpener) openSharedMemory(Identity) (Mappable, error) {
	return nil, errUnsupportedPlatform
}
