package peer

import (
	"sync"
	"time"

	"relaymesh/node/internal/event"
	"relaymesh/node/internal/logging"
)

// Defaults for the exponential-backoff reconnection schedule.
const (
	DefaultBaseMs      = 1000
	DefaultMaxMs       = 300_000
	DefaultMaxAttempts = 10
)

// Dialer attempts to (re-)establish the transport connection to a peer. It is
// invoked by the scheduler once a retry's backoff has elapsed; the dialer is
// expected to drive the lifecycle onward from Discovering itself.
type Dialer interface {
	Dial(pubkey event.PeerID)
}

// SchedulerConfig configures backoff timing.
type SchedulerConfig struct {
	BaseMs        int64
	MaxMs         int64
	MaxAttempts   int
	AutoOnStartup bool
}

// Scheduler decides when to retry a disconnected peer: exponential backoff,
// capped attempts, priority-ordered bulk reconnection, and a cancellable
// per-peer task registry so an externally-observed reconnect (e.g. an
// inbound dial) can cancel pending retries, grounded on the teacher's
// ticker/context scheduling idiom and its reconcile-under-lock pattern for
// bulk operations.
type Scheduler struct {
	mu     sync.Mutex
	timers map[event.PeerID]*time.Timer
	cfg    SchedulerConfig
	store  *Store
	life   func(event.PeerID) *Lifecycle
	dialer Dialer
	log    *logging.Logger
	after  func(time.Duration, func()) *time.Timer
}

// NewScheduler constructs a reconnection scheduler. lifecycleFor resolves the
// Lifecycle owning pubkey, allowing the scheduler to drive state transitions
// without owning the lifecycle registry itself.
func NewScheduler(cfg SchedulerConfig, store *Store, lifecycleFor func(event.PeerID) *Lifecycle, dialer Dialer, logger *logging.Logger) *Scheduler {
	if cfg.BaseMs <= 0 {
		cfg.BaseMs = DefaultBaseMs
	}
	if cfg.MaxMs <= 0 {
		cfg.MaxMs = DefaultMaxMs
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Scheduler{
		timers: make(map[event.PeerID]*time.Timer),
		cfg:    cfg,
		store:  store,
		life:   lifecycleFor,
		dialer: dialer,
		log:    logger,
		after:  time.AfterFunc,
	}
}

// BackoffDelay returns the delay before the (attempts+1)-th retry:
// min(2^attempts * base, max).
func (s *Scheduler) BackoffDelay(attempts int) time.Duration {
	base := s.cfg.BaseMs
	ceiling := s.cfg.MaxMs
	delay := base
	for i := 0; i < attempts && delay < ceiling; i++ {
		delay *= 2
		if delay > ceiling {
			delay = ceiling
			break
		}
	}
	if delay > ceiling {
		delay = ceiling
	}
	return time.Duration(delay) * time.Millisecond
}

// NotifyDisconnected implements Reconnector: it schedules a single retry for
// pubkey after the backoff delay implied by attempts, the count of retries
// already fired so far (pre-increment; fire bumps the stored counter once the
// retry actually runs, so the delay always reflects completed attempts).
func (s *Scheduler) NotifyDisconnected(pubkey event.PeerID, attempts int) {
	if attempts >= s.cfg.MaxAttempts {
		if life := s.life(pubkey); life != nil {
			_ = life.Transition(Failed)
		}
		s.Cancel(pubkey)
		return
	}
	delay := s.BackoffDelay(attempts)
	s.schedule(pubkey, delay)
}

func (s *Scheduler) schedule(pubkey event.PeerID, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[pubkey]; ok {
		existing.Stop()
	}
	s.timers[pubkey] = s.after(delay, func() { s.fire(pubkey) })
}

// fire runs a scheduled retry: it bumps the attempt counter (the one
// BackoffDelay was computed against before the counter moved) and only then
// drives the lifecycle back to Discovering and dials.
func (s *Scheduler) fire(pubkey event.PeerID) {
	s.mu.Lock()
	delete(s.timers, pubkey)
	s.mu.Unlock()

	if _, ok := s.store.Get(pubkey); !ok {
		return
	}
	attempts := s.store.IncrementReconnect(pubkey)
	if attempts > s.cfg.MaxAttempts {
		if life := s.life(pubkey); life != nil {
			_ = life.Transition(Failed)
		}
		return
	}
	life := s.life(pubkey)
	if life == nil {
		return
	}
	if err := life.Transition(Discovering); err != nil {
		s.log.Warn("reconnect transition to discovering failed",
			logging.String("peer", pubkey), logging.Error(err))
		return
	}
	if s.dialer != nil {
		s.dialer.Dial(pubkey)
	}
}

// Cancel stops any pending retry task for pubkey; used when the peer becomes
// connected through another path (e.g. an inbound dial).
func (s *Scheduler) Cancel(pubkey event.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[pubkey]; ok {
		t.Stop()
		delete(s.timers, pubkey)
	}
}

// ReconcileStartup re-reads the store, marks every peer that was Connected,
// Connecting, or ChannelOpening as Disconnected, and schedules them for
// reconnection in ascending priority order, subject to AutoOnStartup.
func (s *Scheduler) ReconcileStartup() {
	if !s.cfg.AutoOnStartup {
		return
	}
	var stale []*Connection
	for _, st := range []State{Connected, Connecting, ChannelOpening} {
		stale = append(stale, s.store.ListByState(st)...)
	}
	sortByPriority(stale)
	for _, conn := range stale {
		life := s.life(conn.PubKey)
		if life == nil {
			continue
		}
		_ = life.Transition(Disconnected)
	}
}
