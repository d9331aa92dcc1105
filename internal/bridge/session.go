// Package bridge implements the per-connection session that relays data
// between one WebSocket client and one upstream TCP server.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/tim-napoli/wsbridge/internal/logger"
	"github.com/tim-napoli/wsbridge/internal/metrics"
	"github.com/tim-napoli/wsbridge/internal/registry"
	"github.com/tim-napoli/wsbridge/pkg/wsproto"
)

// State is one stage of a [Session]'s lifecycle, grounded on the control
// flow of the original implementation's client_thread: handshake, dial
// the upstream server, relay until either side closes or errors, tear
// down gently.
type State int

const (
	StateInit State = iota
	StateHandshaking
	StateConnecting
	StateRelaying
	StateClosing
	StateDead
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshaking:
		return "handshaking"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// pollInterval bounds how long a read blocks before the session's loop
// re-checks for cancellation, mirroring the ~1ms cooperative poll of the
// original implementation's non-blocking-socket + sleep(1) loop (scaled
// up, since Go's deadline-driven goroutines don't need to busy-poll to
// stay responsive).
const pollInterval = 50 * time.Millisecond

// Session owns one client connection and its matching upstream
// connection for the session's whole lifetime.
type Session struct {
	clientConn   net.Conn
	upstreamAddr string
	upstreamConn net.Conn

	slot       *registry.Slot
	logger     zerolog.Logger
	metricsDir string

	state State

	bytesIn  int64
	bytesOut int64
}

// State returns the session's current lifecycle stage.
func (s *Session) State() State {
	return s.state
}

// New creates a [Session] for an already-accepted client connection. The
// upstream connection is not dialed until [Session.Run] reaches
// [StateConnecting]. metricsDir is the directory session-start/end CSV
// records are written under (the process's working directory if empty),
// set from the CLI's --metrics-dir flag.
func New(ctx context.Context, clientConn net.Conn, upstreamAddr string, slot *registry.Slot, metricsDir string) *Session {
	return &Session{
		clientConn:   clientConn,
		upstreamAddr: upstreamAddr,
		slot:         slot,
		logger:       logger.FromContext(ctx),
		metricsDir:   metricsDir,
		state:        StateInit,
	}
}

// Run drives the session through its full state machine until it
// reaches [StateDead], and releases its registry slot before returning.
// Run is meant to be called as the session's sole goroutine ("worker").
func (s *Session) Run(ctx context.Context) {
	start := time.Now()
	reason := "normal closure"

	defer func() {
		s.state = StateDead
		s.slot.MarkDead()
		s.slot.Release()
		metrics.RecordSessionEnd(s.logger, time.Now(), s.clientConn.RemoteAddr().String(), s.bytesIn, s.bytesOut, reason, s.metricsDir)
	}()

	metrics.RecordSessionStart(s.logger, start, s.clientConn.RemoteAddr().String(), s.metricsDir)

	s.state = StateHandshaking
	key, err := wsproto.ReadHandshakeKey(s.clientConn)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejecting client: handshake failed")
		_ = wsproto.WriteUnauthorized(s.clientConn)
		reason = "handshake failed"
		s.teardown()
		return
	}
	if err := wsproto.WriteSwitchingProtocols(s.clientConn, key); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send handshake response")
		reason = "handshake write failed"
		s.teardown()
		return
	}

	s.state = StateConnecting
	upstream, err := net.Dial("tcp", s.upstreamAddr)
	if err != nil {
		s.logger.Error().Err(err).Str("upstream", s.upstreamAddr).Msg("unable to connect to bridged server")
		_ = wsproto.WriteInternalError(s.clientConn)
		reason = "upstream connect failed"
		s.teardown()
		return
	}
	s.upstreamConn = upstream

	s.state = StateRelaying
	s.logger.Debug().Str("upstream", s.upstreamAddr).Msg("session relaying")
	reason = s.relay(ctx)

	s.state = StateClosing
	s.teardown()
}

// relay shuttles data in both directions until the context is canceled,
// either side closes, or a protocol error occurs. It returns a short
// human-readable teardown reason for the session-end metrics record.
func (s *Session) relay(ctx context.Context) string {
	// done tells the two reader goroutines below to stop trying to send
	// once this loop has returned, so neither blocks forever writing to
	// an unbuffered channel nobody is reading from anymore (e.g. the
	// client-side reader is still mid-decode when the upstream side is
	// what ends the session).
	done := make(chan struct{})
	defer close(done)

	clientFrames := make(chan clientFrame)
	go s.readClientFrames(clientFrames, done)

	upstreamData := make(chan []byte)
	upstreamErrs := make(chan error, 1)
	go s.readUpstream(upstreamData, upstreamErrs, done)

	for {
		select {
		case <-ctx.Done():
			return "shutdown requested"

		case f, ok := <-clientFrames:
			if !ok {
				return "client closed connection"
			}
			if f.err != nil {
				if errors.Is(f.err, wsproto.ErrNothing) {
					continue
				}
				s.logger.Warn().Err(f.err).Msg("closing session due to client frame error")
				return "client protocol error"
			}

			switch f.opcode {
			case wsproto.OpcodeClose:
				return "client sent close frame"
			case wsproto.OpcodePing:
				if err := wsproto.EncodeFrame(s.clientConn, wsproto.OpcodePong, nil); err != nil {
					s.logger.Warn().Err(err).Msg("failed to send pong")
					return "write error"
				}
			case wsproto.OpcodeText, wsproto.OpcodeBinary:
				if _, err := s.upstreamConn.Write(f.payload); err != nil {
					s.logger.Warn().Err(err).Msg("failed to write to upstream server")
					return "upstream write error"
				}
				s.bytesOut += int64(len(f.payload))
			}

		case data, ok := <-upstreamData:
			if !ok {
				return "upstream closed connection"
			}
			// Quirk worth preserving for compatibility: upstream->client
			// frames carry recv_len+1 bytes, with a trailing NUL transmitted
			// on the wire alongside the bytes actually read from upstream.
			framed := append(data, 0x00)
			if err := wsproto.EncodeFrame(s.clientConn, wsproto.OpcodeText, framed); err != nil {
				s.logger.Warn().Err(err).Msg("failed to write frame to client")
				return "client write error"
			}
			s.bytesIn += int64(len(data))

		case err := <-upstreamErrs:
			s.logger.Warn().Err(err).Msg("upstream read error")
			return "upstream read error"
		}
	}
}

type clientFrame struct {
	opcode  wsproto.Opcode
	payload []byte
	err     error
}

// readClientFrames runs as the session's dedicated client-reading
// goroutine, feeding decoded frames to the main relay loop. Ordering is
// preserved: this is the only goroutine reading from clientConn. done is
// closed once relay's select loop has returned, so a frame (or error)
// decoded after the loop has stopped draining out is dropped instead of
// blocking this goroutine forever.
func (s *Session) readClientFrames(out chan<- clientFrame, done <-chan struct{}) {
	defer close(out)

	for {
		_ = s.clientConn.SetReadDeadline(time.Now().Add(pollInterval))
		opcode, payload, err := wsproto.DecodeFrame(s.clientConn)
		if err != nil {
			select {
			case out <- clientFrame{err: err}:
			case <-done:
				return
			}
			if errors.Is(err, wsproto.ErrNothing) {
				continue
			}
			return
		}
		select {
		case out <- clientFrame{opcode: opcode, payload: payload}:
		case <-done:
			return
		}
	}
}

// readUpstream runs as the session's dedicated upstream-reading
// goroutine, forwarding whatever bytes arrive as one chunk per read.
// done is closed once relay's select loop has returned, so a chunk read
// after the loop has stopped draining out is dropped instead of
// blocking this goroutine forever.
func (s *Session) readUpstream(out chan<- []byte, errs chan<- error, done <-chan struct{}) {
	defer close(out)

	buf := make([]byte, 4096)
	for {
		_ = s.upstreamConn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := s.upstreamConn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-done:
				return
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case errs <- fmt.Errorf("upstream read: %w", err):
			case <-done:
			}
			return
		}
	}
}

// teardown sends a best-effort Close frame to the client, shuts down the
// client connection's read half, and closes both sockets. Inbound bytes
// still pending on either socket are not drained before closing, and the
// upstream connection is closed without a read-half shutdown first.
func (s *Session) teardown() {
	if s.clientConn != nil {
		_ = wsproto.EncodeFrame(s.clientConn, wsproto.OpcodeClose, nil)
		if tcp, ok := s.clientConn.(*net.TCPConn); ok {
			_ = tcp.CloseRead()
		}
		_ = s.clientConn.Close()
	}
	if s.upstreamConn != nil {
		_ = s.upstreamConn.Close()
	}
}
