//go:build !linux

package websocket

import (
	"errors"
	"syscall"
)

// errDeviceBindUnsupported reports that device binding needs SO_BINDTODEVICE,
// which only Linux provides.
var errDeviceBindUnsupported = errors.New("websocket: device binding not supported on this platform")

func bindToDeviceControl(string) func(network, address string, rc syscall.RawConn) error {
	return func(_, _ string, _ syscall.RawConn) error {
		return errDeviceBindUnsupported
	}
}
