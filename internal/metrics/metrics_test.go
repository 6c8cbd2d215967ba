package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecordDropIncrementsLabelledCounter(t *testing.T) {
	r := New()
	r.RecordDrop(DropDedup)
	r.RecordDrop(DropDedup)
	r.RecordDrop(DropTTL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()
	if !strings.Contains(body, `relaymesh_drops_total{reason="dedup"} 2`) {
		t.Fatalf("expected dedup drop count of 2 in output:\n%s", body)
	}
	if !strings.Contains(body, `relaymesh_drops_total{reason="ttl"} 1`) {
		t.Fatalf("expected ttl drop count of 1 in output:\n%s", body)
	}
}

func TestRecordIngestedAndGauges(t *testing.T) {
	r := New()
	r.RecordIngested()
	r.SetActiveSubscriptions(7)
	r.SetConnectedPeers(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()
	for _, want := range []string{
		"relaymesh_events_ingested_total 1",
		"relaymesh_active_subscriptions 7",
		"relaymesh_connected_peers 3",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in output:\n%s", want, body)
		}
	}
}

func TestNilRecorderMethodsAreNoOps(t *testing.T) {
	var r *Recorder
	r.RecordDrop(DropDedup)
	r.RecordIngested()
	r.ObserveMatch(0.1)
	r.ObserveFanout(1, 0.1)
	r.RecordSendFailure("peer-1")
	r.SetActiveSubscriptions(1)
	r.SetConnectedPeers(1)
}
