//go:build linux

package websocket

import "golang.org/x/sys/unix"

// sigpipeBit is SIGPIPE's position in the kernel sigset bitmap.
const sigpipeBit = uint(unix.SIGPIPE) - 1

// blockSigpipe blocks SIGPIPE for the calling thread and returns the function
// that restores the previous mask. The placeholder receiving the prior mask
// is the zero value of Sigset_t; pthread_sigmask fills it before it is ever
// consulted, and if the save itself fails the restore is a no-op rather than
// installing undefined state.
func blockSigpipe() func() {
	var prev unix.Sigset_t // zero-valued placeholder for the saved mask

	var mask unix.Sigset_t
	mask.Val[sigpipeBit/64] |= 1 << (sigpipeBit % 64)

	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &mask, &prev); err != nil {
		return func() {}
	}

	return func() {
		_ = unix.PthreadSigmask(unix.SIG_SETMASK, &prev, nil)
	}
}
