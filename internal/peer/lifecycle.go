package peer

import (
	"sync"

	"relaymesh/node/internal/corerr"
	"relaymesh/node/internal/event"
	"relaymesh/node/internal/logging"
	"relaymesh/node/internal/stream"
)

// allowedTransitions enumerates every legal from->to edge in the six-state
// peer lifecycle graph. Any transition not listed here is rejected with a
// classified Conflict error rather than silently applied.
var allowedTransitions = map[State]map[State]bool{
	Discovering:    {Connecting: true, Disconnected: true},
	Connecting:     {ChannelOpening: true, Disconnected: true},
	ChannelOpening: {Connected: true, Disconnected: true},
	Connected:      {Disconnected: true},
	Disconnected:   {Discovering: true, Failed: true},
	Failed:         {Discovering: true},
}

// Reconnector is notified whenever a peer enters Disconnected, so the
// scheduler can decide when to retry.
type Reconnector interface {
	NotifyDisconnected(pubkey event.PeerID, attempts int)
	Cancel(pubkey event.PeerID)
}

// Lifecycle drives one peer through the state graph. It owns the peer's
// stream handle for the span it is connected: closing the stream is
// guaranteed, exactly once, on every path leaving Connected, grounded on the
// teacher's subscriber-cancel sync.Once idiom.
type Lifecycle struct {
	mu          sync.Mutex
	pubkey      event.PeerID
	store       *Store
	reconnector Reconnector
	log         *logging.Logger

	stream    stream.Handle
	closeOnce sync.Once
}

// NewLifecycle constructs a lifecycle for pubkey backed by store.
func NewLifecycle(pubkey event.PeerID, store *Store, reconnector Reconnector, logger *logging.Logger) *Lifecycle {
	if logger == nil {
		logger = logging.L()
	}
	return &Lifecycle{pubkey: pubkey, store: store, reconnector: reconnector, log: logger}
}

// Transition attempts to move the peer from its current stored state to to.
// An illegal transition returns a KindConflict error and leaves state
// unchanged.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	conn, ok := l.store.Get(l.pubkey)
	if !ok {
		return corerr.ErrNotConnected
	}
	if !allowedTransitions[conn.State][to] {
		return corerr.New(corerr.KindConflict,
			"illegal transition "+conn.State.String()+" -> "+to.String())
	}
	l.store.UpdateState(l.pubkey, to)

	switch to {
	case Connected:
		l.closeOnce = sync.Once{}
		if l.reconnector != nil {
			l.reconnector.Cancel(l.pubkey)
		}
	case Disconnected:
		l.closeStreamLocked()
		if l.reconnector != nil {
			l.reconnector.NotifyDisconnected(l.pubkey, conn.ReconnectAttempts)
		}
	case Failed:
		l.closeStreamLocked()
	}
	return nil
}

// AttachStream records the stream handle the lifecycle now owns, typically
// right before transitioning into Connected.
func (l *Lifecycle) AttachStream(s stream.Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stream = s
}

func (l *Lifecycle) closeStreamLocked() {
	if l.stream == nil {
		return
	}
	s := l.stream
	l.closeOnce.Do(func() {
		if err := s.Close(); err != nil {
			l.log.Warn("peer stream close failed",
				logging.String("peer", l.pubkey), logging.Error(err))
		}
	})
}

// OnHeartbeatLoss transitions the peer to Disconnected. From Disconnected or
// Failed the transition is illegal: it returns the Conflict error Transition
// reports and leaves the state unchanged.
func (l *Lifecycle) OnHeartbeatLoss() error {
	return l.Transition(Disconnected)
}
