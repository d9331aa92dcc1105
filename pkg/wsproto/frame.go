package wsproto

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
)

// Masks for the first two header bytes: FIN and the three RSV bits in the
// first, MASK and the 7-bit payload length in the second.
const (
	bitFIN  = 0x80
	bitsRSV = 0x70
	bitMask = 0x80
	bits7   = 0x7f

	len16bits = 126 // Extended payload length of up to 64 KiB follows.
	len64bits = 127 // Extended payload length of up to 16 EiB follows.
)

// DecodeFrame reads exactly one WebSocket frame from r, masked as required
// for a client→server frame, and returns its opcode and unmasked payload.
//
// It implements the base framing protocol in
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.2, narrowed per
// this system's spec: FIN=0 (fragmentation) and continuation frames are
// [ErrUnsupported], reserved bits and unknown/unmasked frames are
// [ErrProtocolError], and a short read at the very start of a frame (no
// data currently available on a non-blocking/deadlined socket) is
// [ErrNothing] rather than an error - the only outcome callers should
// retry on.
func DecodeFrame(r io.Reader) (Opcode, []byte, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		if isTimeout(err) {
			return 0, nil, ErrNothing
		}
		return 0, nil, ErrTruncated
	}

	fin := first[0]&bitFIN != 0
	rsv := first[0] & bitsRSV
	opcode := Opcode(first[0] & 0x0f)

	if rsv != 0 {
		return 0, nil, ErrProtocolError
	}
	if !opcode.isKnown() {
		return 0, nil, ErrProtocolError
	}
	if !fin {
		return 0, nil, ErrUnsupported
	}
	if opcode == OpcodeContinuation {
		return 0, nil, ErrUnsupported
	}

	var second [1]byte
	if err := readFull(r, second[:]); err != nil {
		return 0, nil, err
	}
	masked := second[0]&bitMask != 0
	length := uint64(second[0] & bits7)

	switch length {
	case len16bits:
		var ext [2]byte
		if err := readFull(r, ext[:]); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case len64bits:
		var ext [8]byte
		if err := readFull(r, ext[:]); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
		if length&(1<<63) != 0 {
			return 0, nil, ErrUnsupported
		}
	}

	// "All frames sent from client to server have this bit set to 1."
	if !masked {
		return 0, nil, ErrProtocolError
	}

	var maskKey [4]byte
	if err := readFull(r, maskKey[:]); err != nil {
		return 0, nil, err
	}

	if opcode.IsControl() {
		// Control-frame payloads are don't-care for this bridge: drain
		// and discard them rather than allocating and returning them.
		if length > 0 {
			if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
				return 0, nil, ErrTruncated
			}
		}
		return opcode, nil, nil
	}

	payload := make([]byte, length)
	if length > 0 {
		if err := readFull(r, payload); err != nil {
			return 0, nil, err
		}
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return opcode, payload, nil
}

// EncodeFrame writes one unmasked, single-frame (FIN=1) WebSocket frame to
// w, per https://datatracker.ietf.org/doc/html/rfc6455#section-5.2.
//
// Regardless of which data opcode the caller passes (Text or Binary), the
// frame is always emitted with opcode Text - this engine never emits
// Binary frames to the client, by design. Control frames (Close, Pong)
// are emitted as themselves, with an empty payload. Any other opcode
// (Ping, Continuation, or an unrecognized value) is [ErrUnsupported]:
// this engine never sends unsolicited pings or fragmented frames.
func EncodeFrame(w io.Writer, opcode Opcode, payload []byte) error {
	var wireOp Opcode
	switch opcode {
	case OpcodeText, OpcodeBinary:
		wireOp = OpcodeText
	case OpcodeClose, OpcodePong:
		wireOp = opcode
		payload = nil
	default:
		return ErrUnsupported
	}

	n := len(payload)
	header := make([]byte, 2, 10)
	header[0] = bitFIN | byte(wireOp)

	switch {
	case n < len16bits:
		header[1] = byte(n)
	case n <= 0xFFFF:
		header[1] = len16bits
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n)) //nolint:gosec // n<=0xFFFF, checked above
		header = append(header, ext[:]...)
	default:
		header[1] = len64bits
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		header = append(header, ext[:]...)
	}

	if _, err := w.Write(header); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	_, err := w.Write(payload)
	return err
}

// readFull reads exactly len(buf) bytes, reporting any short read
// (including a deadline timeout) as [ErrTruncated]. Unlike the very first
// byte of a frame (see [DecodeFrame]), a short read anywhere past that
// point is never "idle" - once a frame starts arriving, the rest of its
// header and payload are assumed to follow without delay.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return ErrTruncated
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
