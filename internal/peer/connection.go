// Package peer implements the durable per-peer connection record, the
// connection state machine, exponential-backoff reconnection scheduling, and
// the priority calculator that orders reconnection attempts.
package peer

import (
	"time"

	"relaymesh/node/internal/event"
	"relaymesh/node/internal/stream"
)

// State is one of the six peer lifecycle states.
type State int

const (
	Discovering State = iota
	Connecting
	ChannelOpening
	Connected
	Disconnected
	Failed
)

func (s State) String() string {
	switch s {
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case ChannelOpening:
		return "channel_opening"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Connection is the durable record tracked per known peer.
type Connection struct {
	PubKey            event.PeerID
	State             State
	Priority          int
	ReconnectAttempts int
	LastContactAt     time.Time
	LastLatencyMs     int64
	SubscriberCount   int
	IsFollowed        bool
	Stream            stream.Handle `json:"-"`
}

// persisted is the JSON-serialisable projection of Connection; the live
// stream handle is never persisted.
type persisted struct {
	PubKey            event.PeerID `json:"pubkey"`
	State             string       `json:"state"`
	Priority          int          `json:"priority"`
	ReconnectAttempts int          `json:"reconnect_attempts"`
	LastContactAt     time.Time    `json:"last_contact_at"`
	LastLatencyMs     int64        `json:"last_latency_ms"`
	SubscriberCount   int          `json:"subscriber_count"`
	IsFollowed        bool         `json:"is_followed"`
}

func stateFromString(raw string) State {
	switch raw {
	case "connecting":
		return Connecting
	case "channel_opening":
		return ChannelOpening
	case "connected":
		return Connected
	case "disconnected":
		return Disconnected
	case "failed":
		return Failed
	default:
		return Discovering
	}
}
