package subscription

import (
	"testing"

	"relaymesh/node/internal/event"
)

func TestFilterMatchesOnKindAndAuthor(t *testing.T) {
	f := Filter{Kinds: []int{1}, Authors: []string{"alice"}}
	e := event.Event{PubKey: "alice", Kind: 1}
	if !f.Matches(e) {
		t.Fatal("expected match")
	}
	e.Kind = 2
	if f.Matches(e) {
		t.Fatal("expected kind mismatch to reject")
	}
}

func TestFilterKeysAreConjunctive(t *testing.T) {
	f := Filter{Kinds: []int{1}, Authors: []string{"alice"}}
	e := event.Event{PubKey: "bob", Kind: 1}
	if f.Matches(e) {
		t.Fatal("expected author mismatch to reject even though kind matched")
	}
}

func TestFilterValuesWithinKeyAreDisjunctive(t *testing.T) {
	f := Filter{Authors: []string{"alice", "bob"}}
	if !f.Matches(event.Event{PubKey: "bob"}) {
		t.Fatal("expected bob to match one of the listed authors")
	}
}

func TestFilterSinceUntilBounds(t *testing.T) {
	since := int64(100)
	until := int64(200)
	f := Filter{Since: &since, Until: &until}
	if !f.Matches(event.Event{CreatedAt: 150}) {
		t.Fatal("expected event within bounds to match")
	}
	if f.Matches(event.Event{CreatedAt: 99}) {
		t.Fatal("expected event before since to reject")
	}
	if f.Matches(event.Event{CreatedAt: 201}) {
		t.Fatal("expected event after until to reject")
	}
}

func TestFilterTagMatching(t *testing.T) {
	f := Filter{Tags: map[string][]string{"e": {"event-1"}}}
	matching := event.Event{Tags: []event.Tag{{"e", "event-1"}}}
	if !f.Matches(matching) {
		t.Fatal("expected tag match")
	}
	nonMatching := event.Event{Tags: []event.Tag{{"e", "event-2"}}}
	if f.Matches(nonMatching) {
		t.Fatal("expected no match for different tag value")
	}
}

func TestFilterEmptyIsWildcard(t *testing.T) {
	f := Filter{}
	if !f.IsWildcard() {
		t.Fatal("expected empty filter to be a wildcard")
	}
	if !f.Matches(event.Event{Kind: 42, PubKey: "anyone"}) {
		t.Fatal("expected wildcard filter to match anything")
	}
}

func TestFilterWithKindIsNotWildcard(t *testing.T) {
	f := Filter{Kinds: []int{1}}
	if f.IsWildcard() {
		t.Fatal("expected filter with a kind constraint not to be a wildcard")
	}
}
