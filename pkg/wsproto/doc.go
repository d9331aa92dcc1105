// Package wsproto implements the server side of a deliberately narrow
// subset of the WebSocket protocol (RFC 6455): the opening handshake and
// the base framing protocol, with no support for fragmentation, extensions,
// or subprotocol negotiation.
//
// It is the inverse of a typical WebSocket client library: frames decoded
// from the wire are expected to be masked (client→server), and frames
// encoded for the wire are never masked (server→client), per
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.3.
package wsproto
