// Package wsclient is a minimal WebSocket client used only by this
// module's own tests, to drive real handshake and frame exchanges
// against the bridge the way an actual browser or wscat session would.
//
// It is never imported by production code: the bridge only ever plays
// the server role (see [pkg/wsproto]), and this package only ever plays
// the client role, so the two naturally never need the same types.
//
// It supports a single connection at a time, with no reconnection
// logic: tests dial, exchange a handful of messages, and close.
package wsclient
