// Package peertrack implements the per-peer bounded set of event ids already
// forwarded to that peer, so the propagation engine never sends the same
// event to the same peer twice within the tracking window.
package peertrack

import (
	"sync"

	"relaymesh/node/internal/dedup"
	"relaymesh/node/internal/event"
)

// DefaultCapacity is the per-peer tracker capacity absent configuration.
const DefaultCapacity = 10_000

// Tracker holds one bounded, FIFO-ordered set of forwarded event ids per
// peer. hasSent(P,e) true implies e was at least attempted to P since that
// entry was inserted; false does not rule out earlier delivery beyond the
// eviction horizon — the worst case is one extra duplicate attempt, which the
// receiver's own dedup cache absorbs.
type Tracker struct {
	mu       sync.Mutex
	capacity int
	peers    map[event.PeerID]*dedup.OrderedSet
}

// New constructs a tracker whose per-peer sets are bounded to capacity entries.
func New(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{capacity: capacity, peers: make(map[event.PeerID]*dedup.OrderedSet)}
}

// MarkSent records that event id was sent (or attempted) to peer.
func (t *Tracker) MarkSent(peer event.PeerID, id string) {
	if t == nil {
		return
	}
	t.setFor(peer).Insert(id)
}

// HasSent reports whether id was previously marked sent to peer.
func (t *Tracker) HasSent(peer event.PeerID, id string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	set, ok := t.peers[peer]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return set.Contains(id)
}

// ClearPeer discards the tracking set for peer, e.g. on disconnect.
func (t *Tracker) ClearPeer(peer event.PeerID) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peer)
}

func (t *Tracker) setFor(peer event.PeerID) *dedup.OrderedSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.peers[peer]
	if !ok {
		set = dedup.NewOrderedSet(t.capacity)
		t.peers[peer] = set
	}
	return set
}
