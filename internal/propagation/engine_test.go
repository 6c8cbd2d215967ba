package propagation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"relaymesh/node/internal/dedup"
	"relaymesh/node/internal/event"
	"relaymesh/node/internal/logging"
	"relaymesh/node/internal/metrics"
	"relaymesh/node/internal/peer"
	"relaymesh/node/internal/peertrack"
	"relaymesh/node/internal/ratelimit"
	"relaymesh/node/internal/repository"
	"relaymesh/node/internal/subscription"
)

type fakeStream struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closed  bool
}

func (f *fakeStream) SendPacket(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestEngine(t *testing.T) (*Engine, *subscription.Manager, *peer.Store) {
	t.Helper()
	subs := subscription.NewManager(subscription.WithLogger(logging.NewTestLogger()))
	store, err := peer.NewStore("", 0, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	cfg := Config{MaxHops: 5, DefaultTTL: 5}
	e := New(cfg, dedup.NewCache(100), peertrack.New(100), ratelimit.New(1000, 1000, time.Now),
		subs, repository.NewInMemoryRepository(), nil, store, metrics.New(), logging.NewTestLogger())
	return e, subs, store
}

func TestIngestDeliversToMatchingSubscriber(t *testing.T) {
	e, subs, store := newTestEngine(t)
	s := &fakeStream{}
	store.Upsert(peer.Connection{PubKey: "peer-2", State: peer.Connected})
	if err := subs.Add(&subscription.Subscription{
		ID:         "sub-1",
		Subscriber: "peer-2",
		Stream:     s,
		Filters:    []subscription.Filter{{}},
		ExpiresAt:  time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	env := e.LocalEnvelope(event.Event{ID: "evt-1", Kind: 1})
	if err := e.Ingest(context.Background(), env); err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for s.received() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.received() != 1 {
		t.Fatalf("expected one delivery, got %d", s.received())
	}
	var frame event.EventFrame
	if err := json.Unmarshal(s.sent[0], &frame); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if frame.Type != event.FrameTypeEvent {
		t.Fatalf("unexpected frame type: %q", frame.Type)
	}
	if frame.Event.ID != "evt-1" {
		t.Fatalf("unexpected delivered event id: %q", frame.Event.ID)
	}
}

func TestIngestSkipsEchoToOriginatingSender(t *testing.T) {
	e, subs, store := newTestEngine(t)
	s := &fakeStream{}
	store.Upsert(peer.Connection{PubKey: "peer-1", State: peer.Connected})
	subs.Add(&subscription.Subscription{
		ID: "sub-1", Subscriber: "peer-1", Stream: s,
		Filters: []subscription.Filter{{}}, ExpiresAt: time.Now().Add(time.Hour),
	})

	env, err := e.ReceivedEnvelope(event.Event{ID: "evt-1"}, "peer-1", 3, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Ingest(context.Background(), env); err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if s.received() != 0 {
		t.Fatalf("expected echo to be skipped, got %d deliveries", s.received())
	}
}

func TestIngestDropsDuplicateEvent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	env := e.LocalEnvelope(event.Event{ID: "evt-dup"})
	if err := e.Ingest(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Ingest(context.Background(), env); err != nil {
		t.Fatalf("unexpected error on duplicate ingest: %v", err)
	}
}

func TestIngestDropsNegativeTTL(t *testing.T) {
	e, _, _ := newTestEngine(t)
	env := event.Envelope{Event: event.Event{ID: "evt-1"}, TTL: -1}
	if err := e.Ingest(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// A ttl=0 envelope is the last hop this node can process: it is still
// accepted and recorded (so a retransmit of the same id is recognised as a
// duplicate), but it carries no budget left to forward onward.
func TestIngestAcceptsZeroTTLButDropsForwarding(t *testing.T) {
	e, subs, store := newTestEngine(t)
	s := &fakeStream{}
	store.Upsert(peer.Connection{PubKey: "peer-2", State: peer.Connected})
	if err := subs.Add(&subscription.Subscription{
		ID:         "sub-1",
		Subscriber: "peer-2",
		Stream:     s,
		Filters:    []subscription.Filter{{}},
		ExpiresAt:  time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	env := event.Envelope{Event: event.Event{ID: "evt-last-hop"}, TTL: 0}
	if err := e.Ingest(context.Background(), env); err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !e.dedupCache.HasSeen("evt-last-hop") {
		t.Fatal("expected a ttl=0 envelope to still be recorded as seen")
	}
	if s.received() != 0 {
		t.Fatalf("expected no onward send once ttl is exhausted, got %d", s.received())
	}
}

// relayStream wires one node's outbound fan-out directly into the next
// node's inbound path, the way a real peer connection would carry the wire
// frame, so a chain of engines can be exercised end-to-end in-process.
type relayStream struct {
	next     *Engine
	fromSelf event.PeerID
}

func (r *relayStream) SendPacket(payload []byte) error {
	var frame event.EventFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	if r.next == nil {
		return nil
	}
	env, err := r.next.ReceivedEnvelope(frame.Event, r.fromSelf, frame.TTL, frame.HopCount)
	if err != nil {
		return nil
	}
	return r.next.Ingest(context.Background(), env)
}

func (r *relayStream) Close() error { return nil }

func newChainEngine(t *testing.T, maxHops int) *Engine {
	t.Helper()
	subs := subscription.NewManager(subscription.WithLogger(logging.NewTestLogger()))
	store, err := peer.NewStore("", 0, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	cfg := Config{MaxHops: maxHops, DefaultTTL: maxHops}
	return New(cfg, dedup.NewCache(100), peertrack.New(100), ratelimit.New(1000, 1000, time.Now),
		subs, repository.NewInMemoryRepository(), nil, store, metrics.New(), logging.NewTestLogger())
}

func chainLink(t *testing.T, from *Engine, fromID, toID event.PeerID, to *Engine) {
	t.Helper()
	if err := from.Subscribe(&subscription.Subscription{
		ID:         fromID + "-to-" + toID,
		Subscriber: toID,
		Stream:     &relayStream{next: to, fromSelf: fromID},
		Filters:    []subscription.Filter{{}},
		ExpiresAt:  time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("unexpected subscribe error linking %s->%s: %v", fromID, toID, err)
	}
}

// A→B→C→D→E→F with maxTtl=3: B, C and D must each record the event in their
// own dedup cache (spec §8.3's "receive"); D's budget is exhausted by the
// time it would relay onward, so E and F never see it.
func TestTTLBudgetLimitsChainPropagation(t *testing.T) {
	const maxHops = 3
	a, b, c, d, e, f := newChainEngine(t, maxHops), newChainEngine(t, maxHops), newChainEngine(t, maxHops),
		newChainEngine(t, maxHops), newChainEngine(t, maxHops), newChainEngine(t, maxHops)

	chainLink(t, a, "A", "B", b)
	chainLink(t, b, "B", "C", c)
	chainLink(t, c, "C", "D", d)
	chainLink(t, d, "D", "E", e)
	chainLink(t, e, "E", "F", f)

	env := a.LocalEnvelope(event.Event{ID: "evt-chain", Kind: 1})
	if err := a.Ingest(context.Background(), env); err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !d.dedupCache.HasSeen("evt-chain") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	for name, eng := range map[string]*Engine{"B": b, "C": c, "D": d} {
		if !eng.dedupCache.HasSeen("evt-chain") {
			t.Fatalf("expected node %s to receive the event", name)
		}
	}
	time.Sleep(20 * time.Millisecond)
	for name, eng := range map[string]*Engine{"E": e, "F": f} {
		if eng.dedupCache.HasSeen("evt-chain") {
			t.Fatalf("expected node %s not to receive the event", name)
		}
	}
}

func TestShutdownClosesWorkersWithinDeadline(t *testing.T) {
	e, subs, store := newTestEngine(t)
	s := &fakeStream{}
	store.Upsert(peer.Connection{PubKey: "peer-2", State: peer.Connected})
	subs.Add(&subscription.Subscription{
		ID: "sub-1", Subscriber: "peer-2", Stream: s,
		Filters: []subscription.Filter{{}}, ExpiresAt: time.Now().Add(time.Hour),
	})
	env := e.LocalEnvelope(event.Event{ID: "evt-1"})
	if err := e.Ingest(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.Shutdown(time.Second)
}

func TestAnnouncePeerIsIdempotent(t *testing.T) {
	e, _, store := newTestEngine(t)
	e.AnnouncePeer("peer-1", 3, true)
	e.AnnouncePeer("peer-1", 9, false)
	conn, ok := store.Get("peer-1")
	if !ok {
		t.Fatal("expected peer-1 to be present")
	}
	if conn.Priority != 3 {
		t.Fatalf("expected first announce to stick, got priority %d", conn.Priority)
	}
}
