package wsproto

import (
	"errors"
	"net"
	"strings"
	"testing"
)

func TestAcceptKey(t *testing.T) {
	// https://datatracker.ietf.org/doc/html/rfc6455#section-1.3
	tests := []struct {
		key  string
		want string
	}{
		{key: "dGhlIHNhbXBsZSBub25jZQ==", want: "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="},
	}

	for _, tt := range tests {
		if got := AcceptKey(tt.key); got != tt.want {
			t.Errorf("AcceptKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

// pipeConn adapts net.Pipe's two ends so ReadHandshakeKey can be exercised
// without a real TCP listener, the same way the teacher prefers real local
// connections over hand-rolled mocks in its own HTTP server tests.
func newPipe(t *testing.T) (client, server net.Conn) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() {
		_ = c.Close()
		_ = s.Close()
	})
	return c, s
}

func TestReadHandshakeKey(t *testing.T) {
	tests := []struct {
		name    string
		request string
		wantKey string
		wantErr error
	}{
		{
			name: "happy_path",
			request: "GET / HTTP/1.1\r\n" +
				"Host: example.com\r\n" +
				"Upgrade: websocket\r\n" +
				"Connection: Upgrade\r\n" +
				"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
				"Sec-WebSocket-Version: 13\r\n\r\n",
			wantKey: "dGhlIHNhbXBsZSBub25jZQ==",
		},
		{
			name: "missing_key",
			request: "GET / HTTP/1.1\r\n" +
				"Host: example.com\r\n\r\n",
			wantErr: ErrNoKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := newPipe(t)

			go func() {
				_, _ = client.Write([]byte(tt.request))
			}()

			got, err := ReadHandshakeKey(server)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ReadHandshakeKey() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadHandshakeKey() unexpected error: %v", err)
			}
			if got != tt.wantKey {
				t.Errorf("ReadHandshakeKey() = %q, want %q", got, tt.wantKey)
			}
		})
	}
}

func TestWriteSwitchingProtocols(t *testing.T) {
	client, server := newPipe(t)

	done := make(chan []byte)
	go func() {
		buf := make([]byte, 4096)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()

	if err := WriteSwitchingProtocols(server, "dGhlIHNhbXBsZSBub25jZQ=="); err != nil {
		t.Fatalf("WriteSwitchingProtocols() error: %v", err)
	}

	got := string(<-done)
	if !strings.HasPrefix(got, "HTTP/1.1 101 Switching Protocols\r\n") {
		t.Errorf("WriteSwitchingProtocols() response = %q, missing status line", got)
	}
	if !strings.Contains(got, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n") {
		t.Errorf("WriteSwitchingProtocols() response = %q, missing accept header", got)
	}
}

func TestWriteUnauthorized(t *testing.T) {
	client, server := newPipe(t)

	done := make(chan []byte)
	go func() {
		buf := make([]byte, 4096)
		n, _ := client.Read(buf)
		done <- buf[:n]
	}()

	if err := WriteUnauthorized(server); err != nil {
		t.Fatalf("WriteUnauthorized() error: %v", err)
	}

	got := string(<-done)
	if !strings.HasPrefix(got, "HTTP/1.1 401 Unauthorized\r\n") {
		t.Errorf("WriteUnauthorized() response = %q, missing status line", got)
	}
}
