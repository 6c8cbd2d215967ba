// Package renewal implements the background task that renews subscriptions
// approaching expiry, provided the subscriber's payment channel can cover
// the cost.
package renewal

import (
	"context"
	"sync"
	"time"

	"relaymesh/node/internal/event"
	"relaymesh/node/internal/logging"
)

// Defaults for the renewal schedule.
const (
	DefaultCheckInterval = time.Hour
	DefaultWindow        = 6 * time.Hour
)

// Renewable is the minimal view of a subscription the renewer needs.
type Renewable struct {
	ID         string
	Subscriber event.PeerID
	ExpiresAt  time.Time
}

// Outcome classifies the result of attempting to renew one subscription.
type Outcome int

const (
	OutcomeRenewed Outcome = iota
	OutcomeSkippedInsufficientBalance
	OutcomeFailed
)

// ChannelBalance resolves a subscriber's available payment channel balance,
// the external collaborator left open by the source's own TODO on this
// lookup (peer address -> channel identifier is not specified upstream).
type ChannelBalance interface {
	Balance(ctx context.Context, subscriber event.PeerID) (amount int64, ok bool)
}

// Lister enumerates subscriptions whose expiry falls within the look-ahead
// window.
type Lister interface {
	ExpiringWithin(window time.Duration) []Renewable
}

// Sender issues the renewal request over a subscription's stream and, on
// success, advances its expiry.
type Sender interface {
	SendRenewal(ctx context.Context, sub Renewable, amount int64) error
	ExtendExpiry(subID string, newExpiry time.Time) error
}

// Renewer periodically renews subscriptions nearing expiry. Overlapping
// ticks are coalesced via a re-armable single-flight guard generalised from
// the teacher's one-shot sync.Once idiom, since renewal recurs every tick
// rather than firing once.
type Renewer struct {
	lister   Lister
	sender   Sender
	balances ChannelBalance
	log      *logging.Logger
	now      func() time.Time

	checkInterval time.Duration
	window        time.Duration
	extendBy      time.Duration

	mu      sync.Mutex
	running bool
}

// New constructs a renewer. extendBy is how far expiresAt advances on a
// successful renewal (defaults to window if non-positive).
func New(lister Lister, sender Sender, balances ChannelBalance, checkInterval, window, extendBy time.Duration, logger *logging.Logger) *Renewer {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if extendBy <= 0 {
		extendBy = window
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Renewer{
		lister:        lister,
		sender:        sender,
		balances:      balances,
		log:           logger,
		now:           time.Now,
		checkInterval: checkInterval,
		window:        window,
		extendBy:      extendBy,
	}
}

// Run drives the renewal ticker until ctx is cancelled.
func (r *Renewer) Run(ctx context.Context) {
	if r == nil || ctx == nil {
		return
	}
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one renewal pass, coalescing with any pass already in flight.
func (r *Renewer) Tick(ctx context.Context) []Outcome {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	candidates := r.lister.ExpiringWithin(r.window)
	outcomes := make([]Outcome, 0, len(candidates))
	for _, sub := range candidates {
		outcomes = append(outcomes, r.renewOne(ctx, sub))
	}
	return outcomes
}

func (r *Renewer) renewOne(ctx context.Context, sub Renewable) Outcome {
	amount, ok := r.balances.Balance(ctx, sub.Subscriber)
	if !ok || amount <= 0 {
		r.log.Info("subscription renewal skipped: insufficient balance",
			logging.String("subscription_id", sub.ID), logging.String("subscriber", sub.Subscriber))
		return OutcomeSkippedInsufficientBalance
	}
	if err := r.sender.SendRenewal(ctx, sub, amount); err != nil {
		r.log.Warn("subscription renewal request failed",
			logging.String("subscription_id", sub.ID), logging.Error(err))
		return OutcomeFailed
	}
	newExpiry := r.now().Add(r.extendBy)
	if err := r.sender.ExtendExpiry(sub.ID, newExpiry); err != nil {
		r.log.Warn("subscription renewal succeeded but expiry extension failed",
			logging.String("subscription_id", sub.ID), logging.Error(err))
		return OutcomeFailed
	}
	return OutcomeRenewed
}
