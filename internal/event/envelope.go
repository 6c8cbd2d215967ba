package event

import (
	"time"

	"relaymesh/node/internal/corerr"
)

// PeerID identifies a mesh peer by its hex-encoded public key, the same
// encoding used for Event.PubKey so the two compare and format identically.
type PeerID = string

// Envelope carries an event plus the propagation metadata the engine needs:
// which peer it arrived from (empty if locally originated), its remaining
// time-to-live, the hop count accumulated so far, and the local receive time.
type Envelope struct {
	Event      Event
	Sender     PeerID
	TTL        int
	HopCount   int
	ReceivedAt time.Time
}

// Local constructs the envelope for a locally published event: sender is
// empty, ttl is the node's configured default, hop count starts at zero.
func Local(e Event, defaultTTL int, now func() time.Time) Envelope {
	if now == nil {
		now = time.Now
	}
	return Envelope{Event: e, Sender: "", TTL: defaultTTL, HopCount: 0, ReceivedAt: now()}
}

// Received constructs the envelope for an event arriving from peer sender. It
// carries both ttl and hop count through unchanged: the sending peer already
// paid the per-hop decrement/increment in Forwarded, so this node's budget is
// exactly what arrived on the wire (ttl + hopCount == maxHops throughout, the
// same invariant Forwarded maintains). It rejects envelopes whose inbound ttl
// is negative or whose hop count is already over maxHops; either boundary
// landing exactly at zero/maxHops is still a valid, deliverable last hop,
// matching Forwarded's own boundary below.
func Received(e Event, sender PeerID, inboundTTL, inboundHops, maxHops int, now func() time.Time) (Envelope, error) {
	if inboundTTL < 0 {
		return Envelope{}, corerr.New(corerr.KindTtlExhausted, "inbound ttl already exhausted")
	}
	if inboundHops > maxHops {
		return Envelope{}, corerr.New(corerr.KindHopLimitExceeded, "inbound hop count over limit")
	}
	if now == nil {
		now = time.Now
	}
	return Envelope{
		Event:      e,
		Sender:     sender,
		TTL:        inboundTTL,
		HopCount:   inboundHops,
		ReceivedAt: now(),
	}, nil
}

// Forwarded derives the outbound envelope sent to the next peer: ttl
// decrements, hop count increments. The caller must check the returned ok
// before sending; ok is false once there is no ttl left to spend. A decrement
// that lands exactly on zero still goes out, since the receiving node's own
// gate treats a zero-ttl arrival as its last hop rather than dropping it.
func (env Envelope) Forwarded() (Envelope, bool) {
	if env.TTL <= 0 {
		return Envelope{}, false
	}
	return Envelope{
		Event:      env.Event,
		Sender:     env.Sender,
		TTL:        env.TTL - 1,
		HopCount:   env.HopCount + 1,
		ReceivedAt: env.ReceivedAt,
	}, true
}

// FrameTypeEvent is the wire frame type a peer's inbound reader switches on
// to recognise a propagated event, matching the /peer transport's frame type
// constants in main.go.
const FrameTypeEvent = "EVENT"

// EventFrame is the canonical JSON encoding of a forwarded envelope: ttl and
// hop count travel as top-level fields next to the event itself, the same
// flat shape the inbound frame parser expects for every frame type.
type EventFrame struct {
	Type     string `json:"type"`
	Event    Event  `json:"event"`
	TTL      int    `json:"ttl"`
	HopCount int    `json:"hop_count"`
}

// ToFrame converts the envelope into the wire frame sent to the next peer.
func (env Envelope) ToFrame() EventFrame {
	return EventFrame{
		Type:     FrameTypeEvent,
		Event:    env.Event,
		TTL:      env.TTL,
		HopCount: env.HopCount,
	}
}
