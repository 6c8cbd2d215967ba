// Package subscription implements the inverted subscription index, the
// filter predicate, and the manager owning active subscriptions with
// time-based expiry.
package subscription

import "relaymesh/node/internal/event"

// Filter is a predicate over events. Every present key narrows the match
// (conjunction across keys); within a multi-valued key any one value
// satisfies it (disjunction); an absent key or an empty array is a wildcard.
// Tag constraints use the single-letter tag name as the map key, translated
// from the wire's "#X" keys at the transport boundary — the core never sees
// raw "#"-prefixed strings.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   int
	Tags    map[string][]string
}

// Matches reports whether event e satisfies filter f.
func (f Filter) Matches(e event.Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !anyTagValueMatches(e, name, values) {
			return false
		}
	}
	return true
}

func anyTagValueMatches(e event.Event, name string, wanted []string) bool {
	for _, tag := range e.Tags {
		if tag.Name() != name {
			continue
		}
		for _, v := range tag.Values() {
			if containsString(wanted, v) {
				return true
			}
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// IsWildcard reports whether f carries none of the indexable keys (kind,
// author, tag values) and therefore matches on index membership alone.
func (f Filter) IsWildcard() bool {
	if len(f.Kinds) > 0 || len(f.Authors) > 0 {
		return false
	}
	for _, values := range f.Tags {
		if len(values) > 0 {
			return false
		}
	}
	return true
}
