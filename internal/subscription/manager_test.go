package subscription

import (
	"context"
	"testing"
	"time"

	"relaymesh/node/internal/corerr"
	"relaymesh/node/internal/event"
	"relaymesh/node/internal/logging"
)

type fakeStream struct {
	closed bool
	closeErr error
	sent   [][]byte
}

func (f *fakeStream) SendPacket(payload []byte) error {
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeStream) Close() error {
	f.closed = true
	return f.closeErr
}

func TestManagerAddRejectsDuplicateID(t *testing.T) {
	m := NewManager()
	sub := &Subscription{ID: "sub-1", Filters: []Filter{{}}}
	if err := m.Add(sub); err != nil {
		t.Fatalf("unexpected error on first add: %v", err)
	}
	err := m.Add(&Subscription{ID: "sub-1", Filters: []Filter{{}}})
	if !corerr.Is(err, corerr.KindDuplicateSubscription) {
		t.Fatalf("expected duplicate subscription error, got %v", err)
	}
}

func TestManagerAddRejectsOversizedID(t *testing.T) {
	m := NewManager(WithMaxIDLen(4))
	err := m.Add(&Subscription{ID: "too-long-id", Filters: []Filter{{}}})
	if !corerr.Is(err, corerr.KindInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestManagerRemove(t *testing.T) {
	m := NewManager()
	m.Add(&Subscription{ID: "sub-1", Filters: []Filter{{}}})
	if !m.Remove("sub-1") {
		t.Fatal("expected remove to report true for existing subscription")
	}
	if m.Remove("sub-1") {
		t.Fatal("expected remove to report false for already-removed subscription")
	}
}

func TestManagerFindMatchingExcludesExpired(t *testing.T) {
	current := time.Unix(1000, 0)
	m := NewManager(WithClock(func() time.Time { return current }))
	m.Add(&Subscription{ID: "sub-1", Filters: []Filter{{}}, ExpiresAt: time.Unix(500, 0)})
	matches := m.FindMatching(event.Event{Kind: 1})
	if len(matches) != 0 {
		t.Fatalf("expected expired subscription to be excluded, got %d matches", len(matches))
	}
}

func TestManagerFindMatchingOrsAcrossFilters(t *testing.T) {
	current := time.Unix(0, 0)
	m := NewManager(WithClock(func() time.Time { return current }))
	m.Add(&Subscription{
		ID:        "sub-1",
		Filters:   []Filter{{Kinds: []int{1}}, {Authors: []string{"alice"}}},
		ExpiresAt: time.Unix(1000, 0),
	})
	matches := m.FindMatching(event.Event{PubKey: "alice", Kind: 99})
	if len(matches) != 1 {
		t.Fatalf("expected one match via the second filter, got %d", len(matches))
	}
}

func TestManagerReapExpiredClosesStreams(t *testing.T) {
	current := time.Unix(1000, 0)
	m := NewManager(WithClock(func() time.Time { return current }), WithLogger(logging.NewTestLogger()))
	stream := &fakeStream{}
	m.Add(&Subscription{ID: "sub-1", Stream: stream, Filters: []Filter{{}}, ExpiresAt: time.Unix(500, 0)})
	reaped := m.ReapExpired()
	if len(reaped) != 1 {
		t.Fatalf("expected one reaped subscription, got %d", len(reaped))
	}
	if m.Len() != 0 {
		t.Fatalf("expected manager to drop reaped subscription, len=%d", m.Len())
	}
}

func TestManagerSweepClosesStreamsAndNotifies(t *testing.T) {
	current := time.Unix(1000, 0)
	var notified []*Subscription
	m := NewManager(
		WithClock(func() time.Time { return current }),
		WithLogger(logging.NewTestLogger()),
		WithReapNotify(func(subs []*Subscription) { notified = subs }),
	)
	stream := &fakeStream{}
	m.Add(&Subscription{ID: "sub-1", Stream: stream, Filters: []Filter{{}}, ExpiresAt: time.Unix(500, 0)})
	m.sweep()
	if !stream.closed {
		t.Fatal("expected expiry sweep to close the subscription's stream")
	}
	if len(notified) != 1 {
		t.Fatalf("expected reap notification with one subscription, got %d", len(notified))
	}
}

func TestManagerRunStopsOnContextCancel(t *testing.T) {
	m := NewManager(WithExpiryTick(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
}

func TestManagerExpiringWithinReturnsSubsWithinWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(WithClock(func() time.Time { return now }))
	m.Add(&Subscription{ID: "soon", Filters: []Filter{{}}, ExpiresAt: now.Add(time.Minute)})
	m.Add(&Subscription{ID: "later", Filters: []Filter{{}}, ExpiresAt: now.Add(time.Hour)})

	got := m.ExpiringWithin(5 * time.Minute)
	if len(got) != 1 || got[0].ID != "soon" {
		t.Fatalf("expected only 'soon' within window, got %+v", got)
	}
}

func TestManagerExtendExpiryUpdatesSubscription(t *testing.T) {
	m := NewManager()
	m.Add(&Subscription{ID: "sub-1", Filters: []Filter{{}}})
	newExpiry := time.Now().Add(2 * time.Hour)
	if !m.ExtendExpiry("sub-1", newExpiry) {
		t.Fatal("expected extend to report success")
	}
	sub, _ := m.Get("sub-1")
	if !sub.ExpiresAt.Equal(newExpiry) {
		t.Fatalf("expected expiry updated to %v, got %v", newExpiry, sub.ExpiresAt)
	}
}

func TestManagerExtendExpiryReportsMissingSubscription(t *testing.T) {
	m := NewManager()
	if m.ExtendExpiry("missing", time.Now()) {
		t.Fatal("expected false for unknown subscription id")
	}
}
