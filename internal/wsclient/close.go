package wsclient

import (
	"encoding/binary"
	"strconv"
	"time"
	"unicode/utf8"
)

// StatusCode indicates a reason for the closure of
// an established WebSocket connection, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-7.4.
type StatusCode uint16

const (
	StatusNormalClosure StatusCode = iota + 1000
	StatusGoingAway
	StatusProtocolError
	StatusUnsupportedData
	_
	StatusNotReceived
	StatusClosedAbnormally
	StatusInvalidData
	StatusPolicyViolation
	StatusMessageTooBig
	StatusMandatoryExtension
	StatusInternalError
	StatusServiceRestart
	StatusTryAgainLater
	StatusBadGateway
	StatusTLSHandshake
)

// String returns the status code's name, or its number if it's unrecognized.
func (s StatusCode) String() string {
	switch s {
	case StatusNormalClosure:
		return "normal closure"
	case StatusGoingAway:
		return "going away"
	case StatusProtocolError:
		return "protocol error"
	case StatusUnsupportedData:
		return "unsupported data"
	case StatusNotReceived:
		return "status not received"
	case StatusClosedAbnormally:
		return "closed abnormally"
	case StatusInvalidData:
		return "invalid data"
	case StatusPolicyViolation:
		return "policy violation"
	case StatusMessageTooBig:
		return "message too big"
	case StatusMandatoryExtension:
		return "expected extension negotiation"
	case StatusInternalError:
		return "internal error"
	case StatusServiceRestart:
		return "service restart"
	case StatusTryAgainLater:
		return "try again later"
	case StatusBadGateway:
		return "bad gateway"
	case StatusTLSHandshake:
		return "TLS handshake"
	default:
		return strconv.Itoa(int(s))
	}
}

const maxCloseReason = maxControlPayload - 2

// parseClosePayload extracts the [StatusCode] and the optional
// UTF-8 reason from an incoming connection-close control frame.
func (c *Conn) parseClosePayload(payload []byte) (status StatusCode, reason string) {
	switch len(payload) {
	case 0:
		c.logger.Trace().Str("close_status", StatusNotReceived.String()).
			Msg("received WebSocket close control frame")
		status = StatusNormalClosure
		return
	case 1:
		status = StatusProtocolError
	default:
		status = StatusCode(binary.BigEndian.Uint16(payload))
	}

	if len(payload) > 2 {
		r := payload[2:]
		if !utf8.Valid(r) {
			status = StatusInvalidData
			r = payload[0:0]
		}
		reason = string(r)
	}

	c.logger.Trace().Str("close_status", status.String()).Str("close_reason", reason).
		Msg("received WebSocket close control frame")

	return
}

// checkClosePayload performs protocol sanity checks and corrections on the
// [StatusCode] and UTF-8 reason of an incoming connection-close control frame.
func checkClosePayload(status StatusCode, reason string) (StatusCode, string) {
	s := int(status)
	switch {
	case status < StatusNormalClosure || s == 1004:
		status = StatusProtocolError
	case status == StatusNotReceived || status == StatusClosedAbnormally:
		status = StatusProtocolError
	case status > StatusTLSHandshake && s < 3000:
		status = StatusProtocolError
	}

	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}

	return status, reason
}

// sendCloseControlFrame either initiates or responds to a WebSocket
// closing handshake. It is idempotent: calls after the initial one
// are no-ops.
func (c *Conn) sendCloseControlFrame(status StatusCode, reason string) {
	c.closeSentMu.Lock()
	defer c.closeSentMu.Unlock()

	if c.closeSent {
		return
	}

	time.Sleep(time.Millisecond)

	status, reason = checkClosePayload(status, reason)

	binary.BigEndian.PutUint16(c.closeBuf[:2], uint16(status))
	if len(reason) > 0 {
		copy(c.closeBuf[2:], reason)
	}

	n := 2 + len(reason)
	l := c.logger.With().Str("close_status", status.String()).Str("close_reason", reason).Logger()
	if err := <-c.sendControlFrame(opcodeClose, c.closeBuf[:n]); err != nil {
		l.Err(err).Msg("failed to send WebSocket close control frame")
	} else {
		l.Trace().Msg("sent WebSocket close control frame")
	}

	c.closeSent = true

	if c.closeReceived {
		_ = c.closer.Close()
		return
	}
}

func (c *Conn) isCloseSent() bool {
	c.closeSentMu.RLock()
	defer c.closeSentMu.RUnlock()

	return c.closeSent
}

func (c *Conn) isCloseReceived() bool {
	c.closeSentMu.RLock()
	defer c.closeSentMu.RUnlock()

	return c.closeReceived
}

// Close performs a WebSocket closing handshake to initiate the
// closure of an open connection.
func (c *Conn) Close(s StatusCode) {
	c.sendCloseControlFrame(s, "")
}

func (c *Conn) IsClosed() bool {
	return c.isCloseReceived() && c.isCloseSent()
}

func (c *Conn) IsClosing() bool {
	return c.isCloseReceived() || c.isCloseSent()
}
