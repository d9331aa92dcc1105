package wsclient

import (
	"bytes"
	"errors"
	"io"
	"unicode/utf8"
)

// readMessage reads incoming frames from the bridge, responds to control
// frames, and defragments data frames if needed. It handles errors and
// connection closures gracefully, and returns nil in such cases.
//
// Do not call this function directly, it is meant to be used
// exclusively (and continuously) by [Conn.readMessages].
func (c *Conn) readMessage() *internalMessage {
	var msg bytes.Buffer
	var op Opcode

	for {
		h, err := c.readFrameHeader()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Debug().Msg("WebSocket test connection closed")
				c.closeSentMu.Lock()
				c.closeReceived = true
				c.closeSent = true
				c.closeSentMu.Unlock()
				return nil
			}
			c.logger.Error().Err(err).Msg("failed to read WebSocket frame header")
			c.sendCloseControlFrame(StatusInternalError, "frame header reading error")
			return nil
		}

		c.logger.Debug().Bool("fin", h.fin).Str("opcode", h.opcode.String()).
			Uint64("length", h.payloadLength).Msg("received WebSocket frame")

		var data []byte
		if h.payloadLength > 0 {
			data = make([]byte, h.payloadLength)
			if _, err := io.ReadFull(c.bufio, data); err != nil {
				c.logger.Error().Err(err).Msg("failed to read WebSocket frame payload")
				c.sendCloseControlFrame(StatusInternalError, "frame payload reading error")
				return nil
			}
		}

		if reason, err := c.checkFrameHeader(h, op); err != nil {
			c.logger.Error().Err(err).Msg("protocol error due to invalid frame")
			c.sendCloseControlFrame(StatusProtocolError, reason)
			return nil
		}

		switch h.opcode {
		case opcodeContinuation, OpcodeText, OpcodeBinary:
			if h.opcode != opcodeContinuation {
				op = h.opcode
			}
			if h.payloadLength > 0 {
				if _, err := msg.Write(data); err != nil {
					c.logger.Error().Err(err).Msg("failed to store WebSocket data frame payload")
					c.sendCloseControlFrame(StatusInternalError, "data frame payload storing error")
					return nil
				}
			}

		case opcodeClose:
			c.closeSentMu.Lock()
			c.closeReceived = true
			c.closeSentMu.Unlock()
			status, reason := c.parseClosePayload(data)
			c.sendCloseControlFrame(status, reason)
			return nil // Not an error, but we no longer need to receive new frames.

		case opcodePing:
			if err := <-c.sendControlFrame(opcodePong, data); err != nil {
				c.logger.Error().Err(err).Bytes("payload", data).Msg("failed to send WebSocket pong control frame")
			}

		case opcodePong:
			// This test client doesn't send unsolicited pings, so nothing to match.
		}

		if h.fin && h.opcode <= OpcodeBinary {
			return c.finalizeMessage(op, msg.Bytes())
		}
	}
}

func (c *Conn) finalizeMessage(op Opcode, data []byte) *internalMessage {
	if data == nil {
		data = []byte{}
	}

	c.logger.Debug().Str("opcode", op.String()).Int("length", len(data)).
		Msg("finished receiving WebSocket data message")

	if op == OpcodeText && len(data) > 0 && !utf8.Valid(data) {
		c.logger.Error().Msg("protocol error due to invalid UTF-8 text")
		c.sendCloseControlFrame(StatusInvalidData, "invalid UTF-8 text")
		return nil
	}

	return &internalMessage{Opcode: op, Data: data}
}

// SendTextMessage sends a UTF-8 text message to the bridge. The returned
// channel reports whether the send succeeded.
func (c *Conn) SendTextMessage(data []byte) <-chan error {
	err := make(chan error)
	c.writer <- internalMessage{Opcode: OpcodeText, Data: data, err: err}
	return err
}

// SendBinaryMessage sends a binary message to the bridge. The returned
// channel reports whether the send succeeded.
func (c *Conn) SendBinaryMessage(data []byte) <-chan error {
	err := make(chan error)
	c.writer <- internalMessage{Opcode: OpcodeBinary, Data: data, err: err}
	return err
}

// SendPing sends a Ping control frame to the bridge. The returned channel
// reports whether the send succeeded.
func (c *Conn) SendPing() <-chan error {
	return c.sendControlFrame(opcodePing, nil)
}

// sendControlFrame sends a WebSocket control frame to the bridge.
// Use this function instead of calling [Conn.writeFrame] directly.
func (c *Conn) sendControlFrame(op Opcode, payload []byte) <-chan error {
	err := make(chan error)
	c.writer <- internalMessage{Opcode: op, Data: payload, err: err}
	return err
}
