package websocket

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

// TestComputeAcceptKey tests the RFC 6455 Section 1.3 sample vector.
func TestComputeAcceptKey(t *testing.T) {
	key := "dGhlIHNhbXBsZSBub25jZQ=="
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="

	if got := computeAcceptKey(key); got != want {
		t.Errorf("computeAcceptKey(%q) = %q, want %q", key, got, want)
	}
}

// TestGenerateChallengeKey tests that the challenge key decodes to 16 bytes.
// RFC 6455 Section 4.1: the nonce is 16 random bytes, base64-encoded.
func TestGenerateChallengeKey(t *testing.T) {
	key, err := generateChallengeKey()
	if err != nil {
		t.Fatalf("generateChallengeKey failed: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		t.Fatalf("key is not valid base64: %v", err)
	}
	if len(raw) != 16 {
		t.Errorf("nonce length = %d, want 16", len(raw))
	}

	other, err := generateChallengeKey()
	if err != nil {
		t.Fatalf("generateChallengeKey failed: %v", err)
	}
	if other == key {
		t.Error("two challenge keys are identical")
	}
}

// TestWriteUpgradeRequest tests the exact request line and header order.
func TestWriteUpgradeRequest(t *testing.T) {
	var buf bytes.Buffer
	key := "dGhlIHNhbXBsZSBub25jZQ=="

	if err := writeUpgradeRequest(&buf, "example.com:80", "/chat", key); err != nil {
		t.Fatalf("writeUpgradeRequest failed: %v", err)
	}

	want := "GET /chat HTTP/1.1\r\n" +
		"Host: example.com:80\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"

	if got := buf.String(); got != want {
		t.Errorf("request mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

// TestWriteUpgradeRequest_DefaultPath tests that an empty path becomes "/".
func TestWriteUpgradeRequest_DefaultPath(t *testing.T) {
	var buf bytes.Buffer

	if err := writeUpgradeRequest(&buf, "example.com:80", "", "k"); err != nil {
		t.Fatalf("writeUpgradeRequest failed: %v", err)
	}

	if !strings.HasPrefix(buf.String(), "GET / HTTP/1.1\r\n") {
		t.Errorf("expected GET / request line, got %q", buf.String())
	}
}

// response builds a handshake response with the given status line and headers.
func response(status string, headers ...string) *bufio.Reader {
	var buf bytes.Buffer
	buf.WriteString(status + "\r\n")
	for _, h := range headers {
		buf.WriteString(h + "\r\n")
	}
	buf.WriteString("\r\n")

	return bufio.NewReader(&buf)
}

// TestReadUpgradeResponse tests response validation.
// RFC 6455 Section 4.1: the client fails the connection unless the status is
// 101 and Sec-WebSocket-Accept matches base64(SHA-1(key + GUID)).
func TestReadUpgradeResponse(t *testing.T) {
	key := "dGhlIHNhbXBsZSBub25jZQ=="
	accept := computeAcceptKey(key)

	tests := []struct {
		name    string
		br      *bufio.Reader
		wantErr error
	}{
		{
			name: "valid response",
			br: response("HTTP/1.1 101 Switching Protocols",
				"Upgrade: websocket",
				"Connection: Upgrade",
				"Sec-WebSocket-Accept: "+accept),
		},
		{
			name: "non-101 status",
			br: response("HTTP/1.1 400 Bad Request",
				"Content-Length: 0"),
			wantErr: ErrBadHandshakeStatus,
		},
		{
			name: "missing accept header",
			br: response("HTTP/1.1 101 Switching Protocols",
				"Upgrade: websocket"),
			wantErr: ErrMissingAccept,
		},
		{
			name: "mismatched accept value",
			br: response("HTTP/1.1 101 Switching Protocols",
				"Sec-WebSocket-Accept: bm90IHRoZSByaWdodCBrZXk="),
			wantErr: ErrAcceptMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := readUpgradeResponse(tt.br, key)

			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("readUpgradeResponse failed: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// TestReadUpgradeResponse_HeaderCase tests case-insensitive matching of the
// entire Sec-WebSocket-Accept header name.
func TestReadUpgradeResponse_HeaderCase(t *testing.T) {
	key := "dGhlIHNhbXBsZSBub25jZQ=="
	accept := computeAcceptKey(key)

	variants := []string{
		"Sec-WebSocket-Accept",
		"sec-websocket-accept",
		"SEC-WEBSOCKET-ACCEPT",
		"sEc-WeBsOcKeT-aCcEpT",
		"Sec-Websocket-Accept",
	}

	for _, name := range variants {
		t.Run(name, func(t *testing.T) {
			br := response("HTTP/1.1 101 Switching Protocols", name+": "+accept)

			if err := readUpgradeResponse(br, key); err != nil {
				t.Errorf("header name %q not recognized: %v", name, err)
			}
		})
	}
}

// TestReadUpgradeResponse_LeavesFramesIntact tests that validation consumes
// exactly the response and leaves following frame bytes in the reader.
func TestReadUpgradeResponse_LeavesFramesIntact(t *testing.T) {
	key := "dGhlIHNhbXBsZSBub25jZQ=="
	accept := computeAcceptKey(key)

	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	buf.WriteString("Sec-WebSocket-Accept: " + accept + "\r\n")
	buf.WriteString("\r\n")
	buf.Write([]byte{0x81, 0x02, 'h', 'i'}) // first frame after the handshake

	br := bufio.NewReader(&buf)
	if err := readUpgradeResponse(br, key); err != nil {
		t.Fatalf("readUpgradeResponse failed: %v", err)
	}

	f, err := readFrame(br)
	if err != nil {
		t.Fatalf("readFrame after handshake failed: %v", err)
	}
	if string(f.payload) != "hi" {
		t.Errorf("expected frame payload 'hi', got %q", f.payload)
	}
}
