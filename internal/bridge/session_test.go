package bridge

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/tim-napoli/wsbridge/internal/registry"
	"github.com/tim-napoli/wsbridge/internal/wsclient"
)

// startEchoServer starts a bare TCP server that echoes back whatever it
// reads, standing in for "the bridged server" the session relays to.
func startEchoServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start echo server: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	return ln.Addr().String()
}

func TestSessionRelaysTextMessage(t *testing.T) {
	t.Chdir(t.TempDir())
	upstreamAddr := startEchoServer(t)
	client, _ := dialSession(t, upstreamAddr)

	if err := <-client.SendTextMessage([]byte("hello bridge")); err != nil {
		t.Fatalf("SendTextMessage() error = %v", err)
	}

	// Upstream->client frames carry a transmitted trailing NUL (spec.md
	// §9 quirk (a)): the echoed payload arrives one byte longer than what
	// was actually sent to upstream.
	want := "hello bridge\x00"
	select {
	case msg := <-client.IncomingMessages():
		if string(msg.Data) != want {
			t.Errorf("IncomingMessages() = %q, want %q", msg.Data, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}
}

func dialSession(t *testing.T, upstreamAddr string) (*wsclient.Conn, *registry.Registry) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start bridge listener: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	reg := &registry.Registry{}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		slot, ok := reg.Acquire()
		if !ok {
			conn.Close()
			return
		}
		New(ctx, conn, upstreamAddr, slot, "").Run(ctx)
	}()

	client, err := wsclient.Dial(t.Context(), ln.Addr().String())
	if err != nil {
		t.Fatalf("wsclient.Dial() error = %v", err)
	}
	t.Cleanup(func() { client.Close(wsclient.StatusNormalClosure) })

	return client, reg
}

// TestSessionClosesOnCloseFrame covers spec.md §8 scenario 4: after a
// successful handshake, a client-sent Close frame ends the session and its
// registry slot is released. The Close frame the bridge sends back is not
// checked here.
func TestSessionClosesOnCloseFrame(t *testing.T) {
	t.Chdir(t.TempDir())
	upstreamAddr := startEchoServer(t)
	client, reg := dialSession(t, upstreamAddr)

	client.Close(wsclient.StatusNormalClosure)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for session to release its slot")
		default:
		}
		if reg.InUse() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestSessionPingPong covers spec.md §8 scenario 5: a Ping frame produces
// no data message, and the session keeps relaying afterwards. The Pong
// itself is not checked: the test client discards incoming Pongs.
func TestSessionPingPong(t *testing.T) {
	t.Chdir(t.TempDir())
	upstreamAddr := startEchoServer(t)
	client, _ := dialSession(t, upstreamAddr)

	if err := <-client.SendPing(); err != nil {
		t.Fatalf("SendPing() error = %v", err)
	}

	select {
	case msg := <-client.IncomingMessages():
		t.Fatalf("unexpected data message during ping/pong: %+v", msg)
	case <-time.After(300 * time.Millisecond):
	}

	// The session must still be usable after the pong.
	if err := <-client.SendTextMessage([]byte("still alive")); err != nil {
		t.Fatalf("SendTextMessage() error = %v", err)
	}
	select {
	case msg := <-client.IncomingMessages():
		if string(msg.Data) != "still alive\x00" {
			t.Errorf("IncomingMessages() = %q, want %q", msg.Data, "still alive\x00")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echoed message after ping/pong")
	}
}

// startCapturingServer starts a bare TCP server that reads everything a
// single connection sends it and reports the accumulated bytes, standing
// in for an upstream server whose received bytes need verifying (as
// opposed to startEchoServer's round-trip verification).
func startCapturingServer(t *testing.T) (addr string, received <-chan []byte) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start capturing server: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	out := make(chan []byte, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		data, _ := io.ReadAll(conn)
		out <- data
	}()

	return ln.Addr().String(), out
}

// TestSessionOversizedFrame covers spec.md §8 scenario 6: a 70000-byte
// text frame (forcing the 64-bit length variant) is decoded and forwarded
// to upstream in full.
func TestSessionOversizedFrame(t *testing.T) {
	t.Chdir(t.TempDir())
	upstreamAddr, received := startCapturingServer(t)
	client, _ := dialSession(t, upstreamAddr)

	payload := make([]byte, 70000)
	for i := range payload {
		payload[i] = byte(i)
	}

	if err := <-client.SendTextMessage(payload); err != nil {
		t.Fatalf("SendTextMessage() error = %v", err)
	}

	// Closing the client connection makes the bridge close its upstream
	// connection too, which is what makes the capturing server's
	// io.ReadAll return.
	client.Close(wsclient.StatusNormalClosure)

	select {
	case got := <-received:
		if len(got) != len(payload) {
			t.Fatalf("upstream received %d bytes, want %d", len(got), len(payload))
		}
		for i := range payload {
			if got[i] != payload[i] {
				t.Fatalf("upstream payload differs at byte %d: got %x want %x", i, got[i], payload[i])
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for upstream to receive the oversized frame")
	}
}

func TestSessionRejectsMissingHandshakeKey(t *testing.T) {
	t.Chdir(t.TempDir())
	upstreamAddr := startEchoServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start bridge listener: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var reg registry.Registry
	done := make(chan struct{})

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		slot, _ := reg.Acquire()
		New(ctx, conn, upstreamAddr, slot, "").Run(ctx)
		close(done)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got := string(buf[:n]); !strings.Contains(got, "401") {
		t.Errorf("response = %q, want it to contain 401", got)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session never finished")
	}

	if reg.InUse() != 0 {
		t.Errorf("registry slot not released after rejected handshake")
	}
}
