// Package propagation implements the top-level orchestrator: ingest an
// envelope, dedup it, rate-limit it, persist it, match it against active
// subscriptions, and fan it out to every qualifying peer connection.
package propagation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"relaymesh/node/internal/corerr"
	"relaymesh/node/internal/dedup"
	"relaymesh/node/internal/event"
	"relaymesh/node/internal/logging"
	"relaymesh/node/internal/metrics"
	"relaymesh/node/internal/peer"
	"relaymesh/node/internal/peertrack"
	"relaymesh/node/internal/ratelimit"
	"relaymesh/node/internal/repository"
	"relaymesh/node/internal/subscription"
)

// Config tunes the hot path's structural limits.
type Config struct {
	MaxHops      int
	DefaultTTL   int
	FanoutBuffer int
}

const defaultFanoutBuffer = 64

// Engine is the propagation core: C13 consuming C1 (Envelope), C2 (DedupCache),
// C3 (PeerEventTracker), C4 (RateLimiter), and C6 (SubscriptionManager, which
// itself uses C5 and C7).
type Engine struct {
	cfg Config

	dedupCache *dedup.Cache
	tracker    *peertrack.Tracker
	limiter    *ratelimit.Limiter
	subs       *subscription.Manager
	repo       repository.EventRepository
	cache      repository.EventCache
	store      *peer.Store
	metrics    *metrics.Recorder
	log        *logging.Logger
	now        func() time.Time

	mu      sync.Mutex
	workers map[event.PeerID]chan fanoutJob
}

type fanoutJob struct {
	sub      *subscription.Subscription
	envelope event.Envelope
}

// New constructs a propagation engine from its subsidiary components.
func New(cfg Config, dedupCache *dedup.Cache, tracker *peertrack.Tracker, limiter *ratelimit.Limiter, subs *subscription.Manager, repo repository.EventRepository, cache repository.EventCache, store *peer.Store, rec *metrics.Recorder, logger *logging.Logger) *Engine {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 5
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = cfg.MaxHops
	}
	if cfg.FanoutBuffer <= 0 {
		cfg.FanoutBuffer = defaultFanoutBuffer
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Engine{
		cfg:        cfg,
		dedupCache: dedupCache,
		tracker:    tracker,
		limiter:    limiter,
		subs:       subs,
		repo:       repo,
		cache:      cache,
		store:      store,
		metrics:    rec,
		log:        logger,
		now:        time.Now,
		workers:    make(map[event.PeerID]chan fanoutJob),
	}
}

// Ingest is the hot path entry point (spec §4.13). Steps and their ordering
// are contractual: dedup gate, TTL gate, rate gate, persist, match, fan-out.
// Only repository (Storage) failures surface to the caller; every other drop
// is a normal steady-state outcome counted by metrics.
func (e *Engine) Ingest(ctx context.Context, env event.Envelope) error {
	id := env.Event.ID

	//1.- Dedup gate: an event is processed by the engine at most once per node.
	if !e.dedupCache.MarkSeen(id) {
		e.recordDrop(metrics.DropDedup)
		return nil
	}

	//2.- TTL gate. A ttl of exactly zero is still a deliverable last hop (it
	// simply won't survive Forwarded); only a negative ttl or a hop count at
	// the limit is dropped here.
	if env.TTL < 0 || env.HopCount >= e.cfg.MaxHops {
		e.recordDrop(metrics.DropTTL)
		return nil
	}

	//3.- Rate gate: an empty sender consults the local-publisher bucket.
	if !e.limiter.TryConsume(env.Sender, 1) {
		e.recordDrop(metrics.DropRate)
		return nil
	}

	//4.- Persist; failures here are fatal to the envelope since dedup across
	// restarts depends on it.
	if err := e.repo.SaveEvent(env.Event); err != nil {
		e.log.Error("event persistence failed", logging.String("event_id", id), logging.Error(err))
		return corerr.Wrap(corerr.KindStorage, err, "saving event")
	}
	if e.cache != nil {
		e.cache.Put(env.Event)
	}
	if e.metrics != nil {
		e.metrics.RecordIngested()
	}

	//5.- Match.
	matchStart := e.now()
	matches := e.subs.FindMatching(env.Event)
	if e.metrics != nil {
		e.metrics.ObserveMatch(e.now().Sub(matchStart).Seconds())
	}

	//6.- Fan-out: independent across peers, serialised per (peer, event).
	fanoutStart := e.now()
	var wg sync.WaitGroup
	for _, sub := range matches {
		if sub.Subscriber == env.Sender {
			//6a.- Source filter: echo prevention.
			e.recordDrop(metrics.DropEcho)
			continue
		}
		wg.Add(1)
		job := fanoutJob{sub: sub, envelope: env}
		queue := e.queueFor(sub.Subscriber)
		go func() {
			defer wg.Done()
			select {
			case queue <- job:
			case <-ctx.Done():
			}
		}()
	}
	wg.Wait()
	if e.metrics != nil {
		e.metrics.ObserveFanout(len(matches), e.now().Sub(fanoutStart).Seconds())
	}
	return nil
}

// queueFor returns (creating if necessary) the buffered job channel and
// worker goroutine dedicated to peer, so steps b through f stay serialised
// for a given destination.
func (e *Engine) queueFor(peerID event.PeerID) chan fanoutJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	queue, ok := e.workers[peerID]
	if ok {
		return queue
	}
	queue = make(chan fanoutJob, e.cfg.FanoutBuffer)
	e.workers[peerID] = queue
	go e.runWorker(peerID, queue)
	return queue
}

func (e *Engine) runWorker(peerID event.PeerID, queue chan fanoutJob) {
	for job := range queue {
		e.deliverOne(peerID, job)
	}
}

func (e *Engine) deliverOne(peerID event.PeerID, job fanoutJob) {
	//6b.- Per-peer dedup.
	if e.tracker.HasSent(peerID, job.envelope.Event.ID) {
		return
	}
	//6c.- Outbound rate.
	if !e.limiter.TryConsume(peerID, 1) {
		e.recordDrop(metrics.DropPeerRate)
		return
	}
	//6d.- TTL decrement for forwarding.
	outbound, ok := job.envelope.Forwarded()
	if !ok {
		e.recordDrop(metrics.DropTTL)
		return
	}
	payload, err := json.Marshal(outbound.ToFrame())
	if err != nil {
		e.log.Error("envelope marshal failed", logging.Error(err))
		return
	}
	//6e.- Best-effort send; fire-and-forget per the wire contract.
	if err := job.sub.Stream.SendPacket(payload); err != nil {
		e.recordDrop(metrics.DropStreamClosed)
		if e.metrics != nil {
			e.metrics.RecordSendFailure(peerID)
		}
		e.onStreamClosed(peerID, job.sub)
		return
	}
	//6f.- Success.
	e.tracker.MarkSent(peerID, job.envelope.Event.ID)
}

func (e *Engine) onStreamClosed(peerID event.PeerID, sub *subscription.Subscription) {
	if e.store != nil {
		e.store.UpdateState(peerID, peer.Disconnected)
	}
	e.subs.Remove(sub.ID)
}

func (e *Engine) recordDrop(reason metrics.DropReason) {
	if e.metrics != nil {
		e.metrics.RecordDrop(reason)
	}
}

// LocalEnvelope builds the envelope for a locally-published event using the
// engine's configured default ttl.
func (e *Engine) LocalEnvelope(ev event.Event) event.Envelope {
	return event.Local(ev, e.cfg.DefaultTTL, e.now)
}

// ReceivedEnvelope builds the envelope for an event arriving from sender,
// applying the engine's configured hop limit.
func (e *Engine) ReceivedEnvelope(ev event.Event, sender event.PeerID, inboundTTL, inboundHops int) (event.Envelope, error) {
	return event.Received(ev, sender, inboundTTL, inboundHops, e.cfg.MaxHops, e.now)
}

// Subscribe registers a new subscription under its own ID, returning any
// error the subscription manager reports.
func (e *Engine) Subscribe(sub *subscription.Subscription) error {
	return e.subs.Add(sub)
}

// Unsubscribe removes subID, reporting whether it was present.
func (e *Engine) Unsubscribe(subID string) bool {
	return e.subs.Remove(subID)
}

// AnnouncePeer seeds the connection store with a newly discovered peer; the
// lifecycle takes it from there.
func (e *Engine) AnnouncePeer(pubkey event.PeerID, priority int, isFollowed bool) {
	if _, exists := e.store.Get(pubkey); exists {
		return
	}
	e.store.Upsert(peer.Connection{
		PubKey:     pubkey,
		State:      peer.Discovering,
		Priority:   priority,
		IsFollowed: isFollowed,
	})
}

// Shutdown closes every per-peer worker queue and forgets the workers. Each
// worker still delivers the jobs already in its queue before it exits, but
// Shutdown does not wait for those deliveries: deadline bounds only the
// closing of the queues, and a warning is logged if that takes longer.
func (e *Engine) Shutdown(deadline time.Duration) {
	e.mu.Lock()
	queues := make([]chan fanoutJob, 0, len(e.workers))
	for _, q := range e.workers {
		queues = append(queues, q)
	}
	e.workers = make(map[event.PeerID]chan fanoutJob)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, q := range queues {
			close(q)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		e.log.Warn("propagation shutdown deadline exceeded, forcing close")
	}
}
