// Package ratelimit implements per-peer token-bucket admission control plus
// one unkeyed bucket for locally-originated traffic; no bucket caps the total
// ingress across all peers. Grounded on the teacher's BandwidthRegulator: lazy per-key bucket
// creation, floating-point token accounting, and an injectable clock.
package ratelimit

import (
	"sync"
	"time"

	"relaymesh/node/internal/event"
)

// DefaultCapacity and DefaultRefillPerSec seed a limiter when the caller
// supplies a non-positive value.
const (
	DefaultCapacity     = 200.0
	DefaultRefillPerSec = 50.0
)

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter is a token-bucket rate limiter keyed by peer, with one additional
// unkeyed bucket reserved for locally-originated (sender="") traffic.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[event.PeerID]*bucket
	local    *bucket
	capacity float64
	refill   float64
	now      func() time.Time
}

// New constructs a limiter with the given bucket capacity and refill rate in
// tokens per second.
func New(capacity, refillPerSec float64, clock func() time.Time) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if refillPerSec <= 0 {
		refillPerSec = DefaultRefillPerSec
	}
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		buckets:  make(map[event.PeerID]*bucket),
		capacity: capacity,
		refill:   refillPerSec,
		now:      clock,
	}
}

func (l *Limiter) replenish(b *bucket, now time.Time) {
	if now.Before(b.last) {
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		b.last = now
		return
	}
	b.tokens += elapsed * l.refill
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.last = now
}

// TryConsume attempts to deduct n tokens (default 1 if n<=0) from peer's
// bucket. An empty peer id addresses the local-publisher bucket. Returns true
// and deducts tokens only if sufficient tokens are available.
func (l *Limiter) TryConsume(peer event.PeerID, n float64) bool {
	if l == nil {
		return true
	}
	if n <= 0 {
		n = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketForLocked(peer)
	now := l.now()
	l.replenish(b, now)
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

func (l *Limiter) bucketForLocked(peer event.PeerID) *bucket {
	if peer == "" {
		if l.local == nil {
			l.local = &bucket{tokens: l.capacity, last: l.now()}
		}
		return l.local
	}
	b, ok := l.buckets[peer]
	if !ok {
		b = &bucket{tokens: l.capacity, last: l.now()}
		l.buckets[peer] = b
	}
	return b
}

// Forget removes the bucket for a peer that has disconnected.
func (l *Limiter) Forget(peer event.PeerID) {
	if l == nil || peer == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, peer)
}

// Available reports the current token balance for peer, for diagnostics.
func (l *Limiter) Available(peer event.PeerID) float64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketForLocked(peer)
	l.replenish(b, l.now())
	return b.tokens
}
