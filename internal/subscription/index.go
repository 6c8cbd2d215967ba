package subscription

import (
	"sync"

	"relaymesh/node/internal/event"
)

// Index maintains inverted postings from filter-key features to candidate
// subscription ids: kind, author, and "tagName:tagValue", plus a separate
// wildcard set for subscriptions whose filters carry none of those keys.
// findCandidates(event) returns a superset of true matches; the manager
// confirms each candidate against the full filter predicate.
type Index struct {
	mu        sync.RWMutex
	byKind    map[int]map[string]struct{}
	byAuthor  map[string]map[string]struct{}
	byTag     map[string]map[string]struct{} // key: name+"\x00"+value
	wildcards map[string]struct{}
}

// NewIndex constructs an empty index.
func NewIndex() *Index {
	return &Index{
		byKind:    make(map[int]map[string]struct{}),
		byAuthor:  make(map[string]map[string]struct{}),
		byTag:     make(map[string]map[string]struct{}),
		wildcards: make(map[string]struct{}),
	}
}

func tagKey(name, value string) string { return name + "\x00" + value }

// Add indexes subId under every feature named by filters, atomically.
func (idx *Index) Add(subID string, filters []Filter) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, f := range filters {
		if f.IsWildcard() {
			idx.wildcards[subID] = struct{}{}
			continue
		}
		for _, k := range f.Kinds {
			addPosting(idx.byKind, k, subID)
		}
		for _, a := range f.Authors {
			addPosting(idx.byAuthor, a, subID)
		}
		for name, values := range f.Tags {
			for _, v := range values {
				addPosting(idx.byTag, tagKey(name, v), subID)
			}
		}
	}
}

func addPosting[K comparable](m map[K]map[string]struct{}, key K, subID string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[subID] = struct{}{}
}

// Remove drops every posting for subID across all postings lists.
func (idx *Index) Remove(subID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.wildcards, subID)
	for _, set := range idx.byKind {
		delete(set, subID)
	}
	for _, set := range idx.byAuthor {
		delete(set, subID)
	}
	for _, set := range idx.byTag {
		delete(set, subID)
	}
}

// FindCandidates returns the union of postings matching e's kind, author,
// every (tagName, tagValue) pair on e, and the wildcard set.
func (idx *Index) FindCandidates(e event.Event) map[string]struct{} {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[string]struct{})
	for id := range idx.wildcards {
		out[id] = struct{}{}
	}
	if set, ok := idx.byKind[e.Kind]; ok {
		for id := range set {
			out[id] = struct{}{}
		}
	}
	if set, ok := idx.byAuthor[e.PubKey]; ok {
		for id := range set {
			out[id] = struct{}{}
		}
	}
	for _, tag := range e.Tags {
		name := tag.Name()
		if name == "" {
			continue
		}
		for _, v := range tag.Values() {
			if set, ok := idx.byTag[tagKey(name, v)]; ok {
				for id := range set {
					out[id] = struct{}{}
				}
			}
		}
	}
	return out
}
