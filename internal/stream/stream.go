// Package stream defines the StreamHandle capability the core consumes to
// deliver packets to a peer, plus a concrete WebSocket-backed implementation.
package stream

import "relaymesh/node/internal/corerr"

// Handle is the capability set the core requires of a peer transport: send a
// packet, and close idempotently. The payment-acknowledgement operations
// (fulfillPacket/rejectPacket) are not part of it, and no package in this
// module models them.
type Handle interface {
	// SendPacket attempts delivery of payload. It fails with a
	// corerr.KindStreamClosed error if the transport is gone.
	SendPacket(payload []byte) error
	// Close tears down the transport. Calling Close twice has no additional
	// side effects.
	Close() error
}

// ErrStreamClosed is returned by SendPacket once the stream has been closed.
var ErrStreamClosed = corerr.ErrStreamClosed
