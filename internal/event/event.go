// Package event defines the immutable content event and the propagation
// envelope that wraps it as it moves through the core.
package event

// Tag is a single ordered tuple attached to an event; the first element is a
// single-letter name, the remainder are values.
type Tag []string

// Name returns the tag's single-letter name, or "" if the tag is empty.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Values returns the tag's values, excluding the name.
func (t Tag) Values() []string {
	if len(t) <= 1 {
		return nil
	}
	return t[1:]
}

// Event is the immutable signed content record propagated by the mesh.
//
// Invariant: Id is the content hash of the canonical encoding of the
// remaining fields, and Sig verifies against Id and PubKey; both are assumed
// validated by the caller before the event reaches the core.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// TagValues returns the union of the values of every tag named name.
func (e Event) TagValues(name string) []string {
	var values []string
	for _, tag := range e.Tags {
		if tag.Name() == name {
			values = append(values, tag.Values()...)
		}
	}
	return values
}
