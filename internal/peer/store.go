package peer

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relaymesh/node/internal/event"
	"relaymesh/node/internal/logging"
)

// Store is the durable key-value record of every known peer, keyed by
// pubkey. Every operation is atomic per-key; persistence to disk mirrors the
// teacher's periodic JSON snapshot pattern (dirty-flag, debounced flush
// channel, ticker-driven background loop, flush-on-close).
type Store struct {
	mu       sync.RWMutex
	conns    map[event.PeerID]*Connection
	path     string
	interval time.Duration
	log      *logging.Logger
	now      func() time.Time

	dirty   bool
	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewStore constructs a connection store. If path is empty, persistence is
// disabled and the store is purely in-memory.
func NewStore(path string, interval time.Duration, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.L()
	}
	s := &Store{
		conns:   make(map[event.PeerID]*Connection),
		path:    path,
		now:     time.Now,
		log:     logger,
		flushCh: make(chan struct{}, 1),
	}
	if path == "" {
		return s, nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.interval = interval
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	if err := s.load(); err != nil {
		return nil, err
	}
	go s.loop()
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var records []persisted
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.conns[r.PubKey] = &Connection{
			PubKey:            r.PubKey,
			State:             stateFromString(r.State),
			Priority:          r.Priority,
			ReconnectAttempts: r.ReconnectAttempts,
			LastContactAt:     r.LastContactAt,
			LastLatencyMs:     r.LastLatencyMs,
			SubscriberCount:   r.SubscriberCount,
			IsFollowed:        r.IsFollowed,
		}
	}
	return nil
}

func (s *Store) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.doneCh)
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.flushCh:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

func (s *Store) flush() {
	if err := s.Flush(); err != nil {
		s.log.Error("failed to persist connection store", logging.Error(err))
	}
}

// Flush immediately persists the current connection set to disk.
func (s *Store) Flush() error {
	if s == nil || s.path == "" {
		return nil
	}
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	records := make([]persisted, 0, len(s.conns))
	for _, c := range s.conns {
		records = append(records, persisted{
			PubKey:            c.PubKey,
			State:             c.State.String(),
			Priority:          c.Priority,
			ReconnectAttempts: c.ReconnectAttempts,
			LastContactAt:     c.LastContactAt,
			LastLatencyMs:     c.LastLatencyMs,
			SubscriberCount:   c.SubscriberCount,
			IsFollowed:        c.IsFollowed,
		})
	}
	s.dirty = false
	s.mu.Unlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, data, 0o644)
}

// Close stops the persistence goroutine, flushing pending state first.
func (s *Store) Close() error {
	if s == nil || s.stopCh == nil {
		return nil
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

func (s *Store) markDirty() {
	s.dirty = true
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Get returns the connection record for pubkey, if any.
func (s *Store) Get(pubkey event.PeerID) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[pubkey]
	if !ok {
		return nil, false
	}
	clone := *c
	return &clone, true
}

// Upsert inserts or replaces the connection record for conn.PubKey.
func (s *Store) Upsert(conn Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := conn
	s.conns[conn.PubKey] = &clone
	s.markDirty()
}

// UpdateState transitions pubkey's record to newState, resetting
// reconnectAttempts to zero when newState is Connected.
func (s *Store) UpdateState(pubkey event.PeerID, newState State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[pubkey]
	if !ok {
		return
	}
	c.State = newState
	c.LastContactAt = s.now()
	if newState == Connected {
		c.ReconnectAttempts = 0
	}
	s.markDirty()
}

// IncrementReconnect increments pubkey's reconnect counter and returns the
// new value.
func (s *Store) IncrementReconnect(pubkey event.PeerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[pubkey]
	if !ok {
		return 0
	}
	c.ReconnectAttempts++
	s.markDirty()
	return c.ReconnectAttempts
}

// UpdatePriority sets pubkey's priority tier.
func (s *Store) UpdatePriority(pubkey event.PeerID, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[pubkey]
	if !ok {
		return
	}
	c.Priority = priority
	s.markDirty()
}

// ListByState returns every connection currently in state, ordered by
// ascending priority.
func (s *Store) ListByState(state State) []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Connection
	for _, c := range s.conns {
		if c.State == state {
			clone := *c
			out = append(out, &clone)
		}
	}
	sortByPriority(out)
	return out
}

// ListAll returns every known connection, ordered by ascending priority.
func (s *Store) ListAll() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		clone := *c
		out = append(out, &clone)
	}
	sortByPriority(out)
	return out
}
