package websocket

import (
	"crypto/tls"
	"fmt"
	"net"
	"runtime"
)

// The transport is a net.Conn: plain TCP and *tls.Conn both satisfy it, so
// the endpoint holds one value and dispatches uniformly. dialEndpoint picks
// the variant from the URL scheme and configures SNI for wss.

// sigpipeConn wraps a connection so that every read and write runs with
// SIGPIPE blocked for the calling thread.
//
// Writing to a socket whose peer has gone away raises SIGPIPE on platforms
// that deliver it; with the signal blocked the write instead fails with EPIPE,
// which the endpoint turns into a CLOSED transition. The prior mask is
// captured in an explicitly zero-valued placeholder and restored on every
// exit path. The goroutine is pinned to its OS thread for the duration of
// the call so the mask manipulation and the I/O happen on the same thread.
type sigpipeConn struct {
	net.Conn
}

func (c sigpipeConn) Read(p []byte) (int, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	restore := blockSigpipe()
	defer restore()

	return c.Conn.Read(p)
}

func (c sigpipeConn) Write(p []byte) (int, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	restore := blockSigpipe()
	defer restore()

	return c.Conn.Write(p)
}

// dialEndpoint opens the TCP (and, for wss, TLS) connection for a parsed URL.
//
// localAddr, when non-empty, is the address of a local interface to bind the
// socket to before connecting. device, when non-empty, additionally binds the
// socket to that network device (SO_BINDTODEVICE on Linux).
//
// For wss the connection is wrapped in TLS with SNI set to the parsed host
// name, never the IP, so name-based virtual hosting works (RFC 6066).
func dialEndpoint(u *wsURL, localAddr, device string, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := &net.Dialer{}

	if localAddr != "" {
		ip := net.ParseIP(localAddr)
		if ip == nil {
			return nil, fmt.Errorf("bad local address %q", localAddr)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}

	if device != "" {
		dialer.Control = bindToDeviceControl(device)
	}

	conn, err := dialer.Dial("tcp", u.hostport())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.hostport(), err)
	}

	if !u.secure {
		return conn, nil
	}

	cfg := tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = u.host
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", u.host, err)
	}

	return tlsConn, nil
}
