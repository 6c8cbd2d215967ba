package event

import (
	"encoding/json"
	"testing"
	"time"

	"relaymesh/node/internal/corerr"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestLocalEnvelopeStartsAtZeroHops(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env := Local(Event{ID: "abc"}, 5, fixedClock(now))
	if env.Sender != "" || env.TTL != 5 || env.HopCount != 0 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if !env.ReceivedAt.Equal(now) {
		t.Fatalf("unexpected received at: %v", env.ReceivedAt)
	}
}

func TestReceivedRejectsExhaustedTTL(t *testing.T) {
	_, err := Received(Event{ID: "abc"}, "peer-1", -1, 0, 5, fixedClock(time.Now()))
	if !corerr.Is(err, corerr.KindTtlExhausted) {
		t.Fatalf("expected ttl exhausted error, got %v", err)
	}
}

func TestReceivedAcceptsZeroTTLAsLastHop(t *testing.T) {
	env, err := Received(Event{ID: "abc"}, "peer-1", 0, 1, 5, fixedClock(time.Now()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.TTL != 0 {
		t.Fatalf("expected zero ttl to be accepted as a last hop, got %d", env.TTL)
	}
}

func TestReceivedRejectsHopLimit(t *testing.T) {
	_, err := Received(Event{ID: "abc"}, "peer-1", 3, 6, 5, fixedClock(time.Now()))
	if !corerr.Is(err, corerr.KindHopLimitExceeded) {
		t.Fatalf("expected hop limit error, got %v", err)
	}
}

func TestReceivedAcceptsHopCountAtLimitAsLastHop(t *testing.T) {
	env, err := Received(Event{ID: "abc"}, "peer-1", 0, 5, 5, fixedClock(time.Now()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.HopCount != 5 {
		t.Fatalf("expected hop count at limit to be accepted as a last hop, got %d", env.HopCount)
	}
}

func TestReceivedCarriesTTLAndHopCountUnchanged(t *testing.T) {
	env, err := Received(Event{ID: "abc"}, "peer-1", 3, 1, 5, fixedClock(time.Now()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.TTL != 3 || env.HopCount != 1 || env.Sender != "peer-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestForwardedRejectsAtZeroTTL(t *testing.T) {
	env := Envelope{TTL: 0}
	_, ok := env.Forwarded()
	if ok {
		t.Fatal("expected forwarding to be rejected at ttl=0")
	}
}

func TestForwardedAllowsDecrementToLandOnZero(t *testing.T) {
	env := Envelope{TTL: 1, HopCount: 2}
	next, ok := env.Forwarded()
	if !ok {
		t.Fatal("expected forwarding from ttl=1 to succeed")
	}
	if next.TTL != 0 || next.HopCount != 3 {
		t.Fatalf("unexpected forwarded envelope: %+v", next)
	}
}

func TestForwardedDecrementsAndIncrements(t *testing.T) {
	env := Envelope{TTL: 3, HopCount: 1}
	next, ok := env.Forwarded()
	if !ok {
		t.Fatal("expected forwarding to succeed")
	}
	if next.TTL != 2 || next.HopCount != 2 {
		t.Fatalf("unexpected forwarded envelope: %+v", next)
	}
}

func TestToFrameEncodesFlatWireShape(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env := Envelope{Event: Event{ID: "abc"}, Sender: "peer-1", TTL: 4, HopCount: 1, ReceivedAt: now}
	frame := env.ToFrame()
	if frame.Type != FrameTypeEvent {
		t.Fatalf("unexpected frame type: %q", frame.Type)
	}
	if frame.Event.ID != "abc" || frame.TTL != 4 || frame.HopCount != 1 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestToFrameRoundTripsThroughInboundShape(t *testing.T) {
	env := Envelope{Event: Event{ID: "abc"}, TTL: 2, HopCount: 3}
	raw, err := json.Marshal(env.ToFrame())
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	var decoded struct {
		Type     string `json:"type"`
		Event    *Event `json:"event"`
		TTL      int    `json:"ttl"`
		HopCount int    `json:"hop_count"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if decoded.Type != "EVENT" || decoded.Event == nil || decoded.Event.ID != "abc" {
		t.Fatalf("unexpected decoded frame: %+v", decoded)
	}
	if decoded.TTL != 2 || decoded.HopCount != 3 {
		t.Fatalf("unexpected decoded ttl/hop: %+v", decoded)
	}
}
