package websocket

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
	"unicode/utf8"

	"github.com/eapache/queue"
)

// Default endpoint tuning.
const (
	// defaultBufferSize is the size of the outbound staging buffer and the
	// static inbound reassembly buffer.
	defaultBufferSize = 64 * 1024

	// defaultPingBacklog makes the endpoint answer every ping with a pong.
	defaultPingBacklog = 1

	// maxErrorLen bounds the stored last-error message.
	maxErrorLen = 256
)

// State is the connection state of an Endpoint.
type State int

const (
	// StateClosed means no transport is attached. Initial state; also entered
	// on clean close, close receipt, transport failure, or protocol violation.
	StateClosed State = iota

	// StateOpen means the opening handshake completed and frames may flow.
	StateOpen

	// StateClosing means this endpoint sent a close frame and is awaiting the
	// peer's close frame.
	StateClosing
)

// String returns string representation of the connection state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// SinkFunc receives payload bytes from the endpoint.
//
// payload is sliced to the n bytes of application data; size is the capacity
// of the buffer backing it (the static staging buffer size, or the size of
// the heap buffer grown for an oversized message). The buffer is reused after
// the sink returns, so the sink must copy anything it keeps.
//
// The return value is IGNORED by the endpoint. It exists so a sink body can
// short-circuit its own processing with an early return; it is not a control
// channel back into the connection.
type SinkFunc func(payload []byte, n, size int) int

// Options configures an Endpoint. The zero value gives a blocking endpoint
// with 64 KiB staging buffers that answers every ping.
type Options struct {
	// NonBlocking makes BasicRead return immediately, with no error and no
	// state change, when no frame data is ready. The default (blocking)
	// endpoint waits until a frame is available or the connection ends.
	NonBlocking bool

	// PingBacklog is the number of received pings that accumulate before the
	// endpoint sends a pong automatically. 1 (the default) answers every
	// ping; N answers every N pings.
	PingBacklog int

	// BufferSize is the size of the outbound staging buffer and the static
	// inbound reassembly buffer. Default: 64 KiB. Payloads exceeding
	// BufferSize minus the worst-case frame overhead are fragmented on send;
	// incoming messages exceeding it spill into a one-shot heap buffer.
	BufferSize int

	// TLSConfig overrides the TLS configuration used for wss URLs. The
	// ServerName is filled from the parsed host when empty, so SNI always
	// advertises the dialed name.
	TLSConfig *tls.Config
}

// Endpoint is one client-side WebSocket connection.
//
// An Endpoint starts closed; Connect drives it to open. It is single-
// threaded: no internal goroutines, no locks. The application must not call
// Send and BasicRead concurrently from different goroutines. Multiple
// endpoints in one process are independent.
type Endpoint struct {
	opts Options

	// conn is the transport, exclusively owned. nil exactly when the state
	// is StateClosed.
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	state     State
	failed    bool
	lastError string

	// Fragment reassembly state. readBuf is the fixed staging buffer;
	// growBuf is allocated per oversized message and released on delivery.
	readBuf    []byte
	growBuf    []byte
	assembled  int
	msgOpcode  byte
	assembling bool

	// pings holds the payloads of pings received since the last pong was
	// sent; its length is the received-ping counter for the backlog.
	pings *queue.Queue

	recvFn SinkFunc
	pongFn SinkFunc
}

// New creates a closed Endpoint. opts may be nil for defaults.
func New(opts *Options) *Endpoint {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.PingBacklog < 1 {
		o.PingBacklog = defaultPingBacklog
	}
	if o.BufferSize <= maxFrameOverhead {
		o.BufferSize = defaultBufferSize
	}

	return &Endpoint{
		opts:    o,
		state:   StateClosed,
		readBuf: make([]byte, o.BufferSize),
		pings:   queue.New(),
	}
}

// Connect parses rawURL (ws://host[:port] or wss://host[:port]), opens the
// transport, performs the opening handshake on path (default "/"), and moves
// the endpoint to StateOpen.
//
// A successful Connect resets the error flag and message. On failure the
// transport is released, the error is recorded, and the endpoint stays
// closed.
func (e *Endpoint) Connect(rawURL, path string) error {
	return e.connect(rawURL, path, "", "")
}

// ConnectInterface is Connect with the socket bound to a local interface
// address (and, when device is non-empty, to that network device) before
// connecting.
func (e *Endpoint) ConnectInterface(rawURL, path, localAddr, device string) error {
	return e.connect(rawURL, path, localAddr, device)
}

func (e *Endpoint) connect(rawURL, path, localAddr, device string) error {
	if e.state != StateClosed {
		e.teardown()
	}
	e.failed = false
	e.lastError = ""

	u, err := parseURL(rawURL)
	if err != nil {
		return e.record(err)
	}

	raw, err := dialEndpoint(u, localAddr, device, e.opts.TLSConfig)
	if err != nil {
		return e.record(fmt.Errorf("connect: %w", err))
	}
	conn := sigpipeConn{raw}

	key, err := generateChallengeKey()
	if err != nil {
		_ = raw.Close()
		return e.record(err)
	}

	if err := writeUpgradeRequest(conn, u.hostport(), path, key); err != nil {
		_ = raw.Close()
		return e.record(fmt.Errorf("handshake: %w", err))
	}

	br := bufio.NewReaderSize(conn, e.opts.BufferSize)
	if err := readUpgradeResponse(br, key); err != nil {
		_ = raw.Close()
		return e.record(fmt.Errorf("handshake: %w", err))
	}

	e.conn = conn
	e.br = br
	e.bw = bufio.NewWriterSize(conn, e.opts.BufferSize)
	e.state = StateOpen
	e.resetAssembly()
	e.drainPings()

	return nil
}

// Send sends a text message. Payloads larger than the staging buffer minus
// the worst-case frame overhead are fragmented: a text frame with FIN=0,
// continuation frames, and a final continuation frame with FIN=1. Every
// frame carries a fresh masking key.
//
// A transport failure during Send closes the endpoint and records the error;
// IsOpen distinguishes a connection dropped mid-send from one never opened.
func (e *Endpoint) Send(data []byte) error {
	return e.send(opcodeText, data)
}

// SendBinary sends a binary message, fragmenting like Send.
func (e *Endpoint) SendBinary(data []byte) error {
	return e.send(opcodeBinary, data)
}

// SendJSON marshals v and sends it as a text message.
func (e *Endpoint) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return e.record(fmt.Errorf("marshal: %w", err))
	}

	return e.send(opcodeText, data)
}

func (e *Endpoint) send(opcode byte, data []byte) error {
	// Fail fast without touching the transport.
	if e.state != StateOpen {
		return e.record(fmt.Errorf("%w: send in state %s", ErrClosed, e.state))
	}

	chunk := e.opts.BufferSize - maxFrameOverhead
	if len(data) <= chunk {
		return e.writeData(opcode, data, true)
	}

	// Fragment: first frame carries the data opcode, the rest are
	// continuations, the last one sets FIN (RFC 6455 Section 5.4).
	first := true
	for len(data) > 0 {
		n := min(chunk, len(data))
		part := data[:n]
		data = data[n:]

		op := byte(opcodeContinuation)
		if first {
			op = opcode
			first = false
		}

		if err := e.writeData(op, part, len(data) == 0); err != nil {
			return err
		}
	}

	return nil
}

func (e *Endpoint) writeData(opcode byte, payload []byte, fin bool) error {
	key, err := newMaskKey()
	if err != nil {
		return e.record(err)
	}

	f := &frame{fin: fin, opcode: opcode, masked: true, mask: key, payload: payload}
	if err := writeFrame(e.bw, f); err != nil {
		return e.abort(fmt.Errorf("send: %w", err))
	}

	return nil
}

// writeControl encodes and writes one control frame. Callers decide how to
// treat a failure (abort vs best-effort).
func (e *Endpoint) writeControl(opcode byte, payload []byte) error {
	key, err := newMaskKey()
	if err != nil {
		return err
	}

	f := &frame{fin: true, opcode: opcode, masked: true, mask: key, payload: payload}

	return writeFrame(e.bw, f)
}

// Ping sends a ping control frame with an empty payload.
func (e *Endpoint) Ping() error {
	if e.state != StateOpen {
		return e.record(fmt.Errorf("%w: ping in state %s", ErrClosed, e.state))
	}

	if err := e.writeControl(opcodePing, nil); err != nil {
		return e.abort(fmt.Errorf("ping: %w", err))
	}

	return nil
}

// Pong sends a pong control frame (unsolicited, or answering pings the
// application paces itself). Sending a pong resets the received-ping counter,
// so an application managing its own cadence never observes counter drift.
func (e *Endpoint) Pong(data []byte) error {
	if e.state != StateOpen {
		return e.record(fmt.Errorf("%w: pong in state %s", ErrClosed, e.state))
	}
	if len(data) > maxControlPayload {
		return e.record(ErrControlTooLarge)
	}

	if err := e.writeControl(opcodePong, data); err != nil {
		return e.abort(fmt.Errorf("pong: %w", err))
	}
	e.drainPings()

	return nil
}

// SetPingBacklog sets how many received pings accumulate before the endpoint
// answers with a pong. 1 answers every ping; values below 1 are clamped to 1.
func (e *Endpoint) SetPingBacklog(n int) {
	if n < 1 {
		n = 1
	}
	e.opts.PingBacklog = n
}

// SetReceiveFunc installs the sink that receives completed messages. The
// sink's return value is ignored (see SinkFunc).
func (e *Endpoint) SetReceiveFunc(fn SinkFunc) {
	e.recvFn = fn
}

// SetPongFunc installs the sink that receives pong payloads. The sink's
// return value is ignored (see SinkFunc).
func (e *Endpoint) SetPongFunc(fn SinkFunc) {
	e.pongFn = fn
}

// BasicRead drives one read cycle: it pulls frames until one complete
// application message is delivered to the receive sink, or returns without
// delivery after handling a control frame (ping, pong, or close).
//
// On a non-blocking endpoint, a would-block poll returns nil immediately
// with no state change; reassembly state persists across calls.
//
// Decode failures (masked inbound frame, reserved bits, fragmented or
// oversized control frame, unexpected continuation, unknown opcode) record
// the error, attempt a best-effort close frame with code 1002, and close
// the endpoint.
func (e *Endpoint) BasicRead() error {
	if e.state == StateClosed {
		return e.record(fmt.Errorf("%w: read in state %s", ErrClosed, e.state))
	}

	for {
		if e.opts.NonBlocking {
			ready, err := e.pollReadable()
			if err != nil {
				if e.state == StateClosing {
					e.teardown()
					return nil
				}
				return e.abort(fmt.Errorf("read: %w", err))
			}
			if !ready {
				return nil
			}
		}

		f, err := readFrame(e.br)
		if err != nil {
			if isProtocolViolation(err) {
				return e.protocolFail(err)
			}
			if e.state == StateClosing {
				// The peer is gone while its close is awaited; the
				// connection is finished either way.
				e.teardown()
				return nil
			}
			return e.abort(fmt.Errorf("read: %w", err))
		}

		// Control frames may arrive between fragments; they are handled
		// out of band and end the read cycle without delivery.
		switch f.opcode {
		case opcodePing:
			return e.handlePing(f.payload)
		case opcodePong:
			e.handlePong(f.payload)
			return nil
		case opcodeClose:
			e.handleClose(f.payload)
			return nil
		}

		done, err := e.handleData(f)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		// FIN=0 fragment accumulated; keep pulling frames.
	}
}

// pollReadable reports whether at least one byte of frame data is available,
// without committing to a blocking read. Once a frame header byte is seen,
// the frame is read to completion with no deadline.
func (e *Endpoint) pollReadable() (bool, error) {
	if e.br.Buffered() > 0 {
		return true, nil
	}

	if err := e.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false, err
	}
	_, err := e.br.Peek(1)
	_ = e.conn.SetReadDeadline(time.Time{})

	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false, nil
	}

	return false, err
}

// handlePing queues the ping payload; when the queue length reaches the
// backlog threshold, a pong echoing the newest ping's payload is sent and
// the queue is drained (the counter reads 0 afterwards).
func (e *Endpoint) handlePing(payload []byte) error {
	e.pings.Add(append([]byte(nil), payload...))

	if e.pings.Length() < e.opts.PingBacklog {
		return nil
	}

	var echo []byte
	for e.pings.Length() > 0 {
		echo = e.pings.Remove().([]byte)
	}

	if err := e.writeControl(opcodePong, echo); err != nil {
		return e.abort(fmt.Errorf("pong: %w", err))
	}

	return nil
}

func (e *Endpoint) handlePong(payload []byte) {
	if e.pongFn != nil {
		e.pongFn(payload, len(payload), cap(payload))
	}
}

// handleClose runs the receive side of the closing handshake. While open,
// the close is echoed best-effort before teardown; while closing, the peer's
// close completes our handshake. A partially reassembled message is
// discarded, not delivered.
func (e *Endpoint) handleClose(payload []byte) {
	if e.state == StateOpen {
		echo := payload
		if len(echo) > 2 {
			echo = echo[:2] // echo the status code only
		}
		_ = e.writeControl(opcodeClose, echo)
	}

	e.teardown()
}

// handleData feeds one data frame through reassembly. It returns done=true
// when a complete message was delivered to the sink.
func (e *Endpoint) handleData(f *frame) (bool, error) {
	switch f.opcode {
	case opcodeText, opcodeBinary:
		// While a fragmented message is in progress, the only legal data
		// frame is a continuation (RFC 6455 Section 5.4).
		if e.assembling {
			return false, e.protocolFail(ErrExpectedContinuation)
		}

		e.msgOpcode = f.opcode
		e.accumulate(f.payload)

		if f.fin {
			return true, e.deliver()
		}

		e.assembling = true
		return false, nil

	default: // opcodeContinuation
		if !e.assembling {
			return false, e.protocolFail(ErrUnexpectedContinuation)
		}

		e.accumulate(f.payload)

		if f.fin {
			return true, e.deliver()
		}

		return false, nil
	}
}

// accumulate appends frame payload to the message under reassembly. The
// static buffer is the fast path; the first time the accumulated size would
// exceed it, the message moves to a heap buffer sized for the bytes so far
// plus the incoming frame, and stays there until delivery.
func (e *Endpoint) accumulate(p []byte) {
	need := e.assembled + len(p)

	if e.growBuf == nil && need <= len(e.readBuf) {
		copy(e.readBuf[e.assembled:], p)
		e.assembled = need
		return
	}

	if e.growBuf == nil {
		e.growBuf = make([]byte, 0, need)
		e.growBuf = append(e.growBuf, e.readBuf[:e.assembled]...)
	}
	e.growBuf = append(e.growBuf, p...)
	e.assembled = need
}

// deliver hands the completed message to the receive sink with its true
// payload length and the actual capacity of the buffer holding it, then
// releases any heap reassembly buffer.
func (e *Endpoint) deliver() error {
	buf, size := e.readBuf, len(e.readBuf)
	if e.growBuf != nil {
		buf, size = e.growBuf, cap(e.growBuf)
	}

	// RFC 6455 Section 8.1: text messages must be valid UTF-8; failing
	// that, the connection is failed with status 1007.
	if e.msgOpcode == opcodeText && !utf8.Valid(buf[:e.assembled]) {
		_ = e.writeControl(opcodeClose, closePayload(CloseInvalidFramePayloadData, ""))
		return e.abort(ErrInvalidUTF8)
	}

	if e.recvFn != nil {
		e.recvFn(buf[:e.assembled], e.assembled, size)
	}

	e.resetAssembly()

	return nil
}

// Close initiates the closing handshake: it sends a close frame carrying the
// status code (0 means 1000, normal closure) and enters StateClosing.
//
// On a blocking endpoint, Close then reads until the peer's close frame
// arrives (discarding anything else) and tears the transport down. On a
// non-blocking endpoint, Close returns after sending; the peer's close frame
// is consumed by a later BasicRead.
func (e *Endpoint) Close(code CloseCode) error {
	if e.state != StateOpen {
		return e.record(fmt.Errorf("%w: close in state %s", ErrClosed, e.state))
	}
	if code == 0 {
		code = CloseNormalClosure
	}

	if err := e.writeControl(opcodeClose, closePayload(code, "")); err != nil {
		return e.abort(fmt.Errorf("close: %w", err))
	}
	e.state = StateClosing

	if e.opts.NonBlocking {
		return nil
	}

	// Await the peer's close frame. A transport error here means the peer
	// is gone; either way the connection is finished.
	for {
		f, err := readFrame(e.br)
		if err != nil || f.opcode == opcodeClose {
			e.teardown()
			return nil
		}
	}
}

// IsOpen reports whether the endpoint is open (handshake done, no teardown).
func (e *Endpoint) IsOpen() bool {
	return e.state == StateOpen
}

// ConnectionState returns the current connection state.
func (e *Endpoint) ConnectionState() State {
	return e.state
}

// Status reports the error flag. It stays false across a clean close.
func (e *Endpoint) Status() bool {
	return e.failed
}

// ErrorMessage returns the recorded last-error message, empty when none.
func (e *Endpoint) ErrorMessage() string {
	return e.lastError
}

// Clear resets the error flag and message, but only while the endpoint is
// open; a closed endpoint clears its error through the next successful
// Connect.
func (e *Endpoint) Clear() {
	if e.state == StateOpen {
		e.failed = false
		e.lastError = ""
	}
}

// record sets the error flag and the bounded last-error message, and passes
// err through.
func (e *Endpoint) record(err error) error {
	e.failed = true

	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	e.lastError = msg

	return err
}

// abort records err and tears the connection down.
func (e *Endpoint) abort(err error) error {
	e.teardown()
	return e.record(err)
}

// protocolFail handles a protocol violation: best-effort close frame with
// status 1002, then teardown with the error recorded.
func (e *Endpoint) protocolFail(err error) error {
	if e.bw != nil {
		_ = e.writeControl(opcodeClose, closePayload(CloseProtocolError, ""))
	}

	return e.abort(err)
}

// teardown releases the transport and resets to StateClosed. The error
// surface is left untouched; callers decide whether the teardown is clean.
func (e *Endpoint) teardown() {
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	e.br = nil
	e.bw = nil
	e.state = StateClosed
	e.resetAssembly()
}

func (e *Endpoint) resetAssembly() {
	e.growBuf = nil
	e.assembled = 0
	e.msgOpcode = 0
	e.assembling = false
}

func (e *Endpoint) drainPings() {
	for e.pings.Length() > 0 {
		e.pings.Remove()
	}
}
