package peertrack

import "testing"

func TestMarkSentAndHasSent(t *testing.T) {
	tr := New(10)
	if tr.HasSent("peer-1", "evt-1") {
		t.Fatal("expected not sent before MarkSent")
	}
	tr.MarkSent("peer-1", "evt-1")
	if !tr.HasSent("peer-1", "evt-1") {
		t.Fatal("expected sent after MarkSent")
	}
}

func TestTrackingIsPerPeer(t *testing.T) {
	tr := New(10)
	tr.MarkSent("peer-1", "evt-1")
	if tr.HasSent("peer-2", "evt-1") {
		t.Fatal("expected peer-2's tracker to be independent of peer-1's")
	}
}

func TestClearPeerDropsTrackingSet(t *testing.T) {
	tr := New(10)
	tr.MarkSent("peer-1", "evt-1")
	tr.ClearPeer("peer-1")
	if tr.HasSent("peer-1", "evt-1") {
		t.Fatal("expected tracking cleared for peer-1")
	}
}

func TestCapacityEvictsOldestPerPeer(t *testing.T) {
	tr := New(2)
	tr.MarkSent("peer-1", "evt-1")
	tr.MarkSent("peer-1", "evt-2")
	tr.MarkSent("peer-1", "evt-3")
	if tr.HasSent("peer-1", "evt-1") {
		t.Fatal("expected oldest event to have been evicted")
	}
	if !tr.HasSent("peer-1", "evt-2") || !tr.HasSent("peer-1", "evt-3") {
		t.Fatal("expected evt-2 and evt-3 to remain tracked")
	}
}
