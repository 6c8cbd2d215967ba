package subscription

import (
	"context"
	"sync"
	"time"

	"relaymesh/node/internal/corerr"
	"relaymesh/node/internal/event"
	"relaymesh/node/internal/logging"
	"relaymesh/node/internal/stream"
)

// DefaultExpiryTick is the cadence of the background expiry sweep.
const DefaultExpiryTick = 60 * time.Second

// DefaultMaxIDLen is the maximum accepted subscription id length.
const DefaultMaxIDLen = 64

// Subscription is a peer's standing interest in matching events.
type Subscription struct {
	ID         string
	Subscriber event.PeerID
	Stream     stream.Handle
	Filters    []Filter
	ExpiresAt  time.Time
	Active     bool
}

// Manager owns the set of active subscriptions, their filters, expiry, and
// the index used to accelerate matching. It exposes findMatching as a
// read-mostly operation and add/remove as exclusive writers.
type Manager struct {
	mu            sync.RWMutex
	subs          map[string]*Subscription
	index         *Index
	maxIDLen      int
	now           func() time.Time
	log           *logging.Logger
	expiryTick    time.Duration
	reapNotify    func([]*Subscription)
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithClock overrides the manager's time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger attaches a structured logger to the manager.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.log = logger
		}
	}
}

// WithMaxIDLen overrides the maximum accepted subscription id length.
func WithMaxIDLen(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxIDLen = n
		}
	}
}

// WithExpiryTick overrides the background sweep cadence.
func WithExpiryTick(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.expiryTick = d
		}
	}
}

// WithReapNotify registers a callback invoked with every subscription reaped
// by the expiry sweep, after its best-effort CLOSE has been attempted.
func WithReapNotify(fn func([]*Subscription)) Option {
	return func(m *Manager) {
		m.reapNotify = fn
	}
}

// NewManager constructs an empty subscription manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		subs:       make(map[string]*Subscription),
		index:      NewIndex(),
		maxIDLen:   DefaultMaxIDLen,
		now:        time.Now,
		log:        logging.L(),
		expiryTick: DefaultExpiryTick,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Add registers sub, failing with KindDuplicateSubscription if its id is
// already present or KindInvalid if the id exceeds the configured length.
func (m *Manager) Add(sub *Subscription) error {
	if sub == nil {
		return corerr.New(corerr.KindInvalid, "nil subscription")
	}
	if len(sub.ID) == 0 || len(sub.ID) > m.maxIDLen {
		return corerr.New(corerr.KindInvalid, "subscription id length out of bounds")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[sub.ID]; exists {
		return corerr.ErrDuplicateSubscription
	}
	sub.Active = true
	m.subs[sub.ID] = sub
	m.index.Add(sub.ID, sub.Filters)
	return nil
}

// Remove deletes subID from both the map and the index, returning false if
// it was not present.
func (m *Manager) Remove(subID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[subID]; !ok {
		return false
	}
	delete(m.subs, subID)
	m.index.Remove(subID)
	return true
}

// Get returns the subscription registered under subID, if any.
func (m *Manager) Get(subID string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[subID]
	return sub, ok
}

// FindMatching returns every active, non-expired subscription with at least
// one filter matching e. Per §9's open question, filters within a
// subscription are OR'd; keys within one filter are AND'd.
func (m *Manager) FindMatching(e event.Event) []*Subscription {
	now := m.now()
	m.mu.RLock()
	candidates := m.index.FindCandidates(e)
	matches := make([]*Subscription, 0, len(candidates))
	for id := range candidates {
		sub, ok := m.subs[id]
		if !ok || !sub.Active || now.After(sub.ExpiresAt) || now.Equal(sub.ExpiresAt) {
			continue
		}
		for _, f := range sub.Filters {
			if f.Matches(e) {
				matches = append(matches, sub)
				break
			}
		}
	}
	m.mu.RUnlock()
	return matches
}

// ReapExpired marks every subscription whose expiry has passed inactive,
// removes it from the map and index, and returns the reaped set for
// cleanup. Best-effort CLOSE notification is the caller's responsibility via
// WithReapNotify or direct iteration.
func (m *Manager) ReapExpired() []*Subscription {
	now := m.now()
	m.mu.Lock()
	var reaped []*Subscription
	for id, sub := range m.subs {
		if !now.Before(sub.ExpiresAt) {
			sub.Active = false
			reaped = append(reaped, sub)
			delete(m.subs, id)
			m.index.Remove(id)
		}
	}
	m.mu.Unlock()
	return reaped
}

// Run drives the 60-second expiry sweep until ctx is cancelled: it reaps
// expired subscriptions, issues a best-effort CLOSE over each one's stream,
// and removes the entry regardless of whether the CLOSE send succeeded.
func (m *Manager) Run(ctx context.Context) {
	if m == nil || ctx == nil {
		return
	}
	ticker := time.NewTicker(m.expiryTick)
	defer ticker.Stop()
	m.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	reaped := m.ReapExpired()
	for _, sub := range reaped {
		if sub.Stream != nil {
			if err := sub.Stream.Close(); err != nil {
				m.log.Warn("subscription expiry close failed",
					logging.String("subscription_id", sub.ID), logging.Error(err))
			}
		}
	}
	if len(reaped) > 0 && m.reapNotify != nil {
		m.reapNotify(reaped)
	}
}

// Len reports the number of currently registered subscriptions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// ExpiringWithin returns every active subscription whose expiry falls within
// window of now, for the renewal sweep (internal/renewal's Lister).
func (m *Manager) ExpiringWithin(window time.Duration) []*Subscription {
	now := m.now()
	cutoff := now.Add(window)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.Active && sub.ExpiresAt.Before(cutoff) {
			out = append(out, sub)
		}
	}
	return out
}

// ExtendExpiry advances subID's expiry to newExpiry, reporting whether the
// subscription was found.
func (m *Manager) ExtendExpiry(subID string, newExpiry time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subID]
	if !ok {
		return false
	}
	sub.ExpiresAt = newExpiry
	return true
}
