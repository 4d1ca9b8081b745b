//go:build linux

package websocket

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// bindToDeviceControl returns a net.Dialer Control hook that binds the socket
// to the named network device (SO_BINDTODEVICE) before connecting.
func bindToDeviceControl(device string) func(network, address string, rc syscall.RawConn) error {
	return func(_, _ string, rc syscall.RawConn) error {
		var bindErr error
		if err := rc.Control(func(fd uintptr) {
			bindErr = unix.BindToDevice(int(fd), device)
		}); err != nil {
			return err
		}

		return bindErr
	}
}
