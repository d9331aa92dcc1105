package wsproto

import "errors"

// Sentinel decode outcomes, modeled as comparable errors the same way the
// teacher's websocket client checks `errors.Is(err, io.EOF)` in
// message.go's readMessage, rather than as a typed exception hierarchy.
var (
	// ErrNothing means no data was available on the socket within the
	// read deadline. It is the only recoverable outcome: the caller
	// should simply try again on its next poll.
	ErrNothing = errors.New("wsproto: no data available")

	// ErrTruncated means a frame could not be read in full: reading its
	// first byte failed with EOF or any error other than a deadline
	// timeout, or any read failed (a timeout included) once the frame had
	// started. The underlying read error is not returned.
	ErrTruncated = errors.New("wsproto: truncated frame")

	// ErrProtocolError means a reserved bit was set, the opcode is not
	// one of the six this engine recognizes, or the frame was not masked.
	ErrProtocolError = errors.New("wsproto: protocol error")

	// ErrUnsupported means a fragmented frame (FIN=0), a continuation
	// frame, or a 64-bit length with its top bit set was received.
	ErrUnsupported = errors.New("wsproto: unsupported frame")
)
