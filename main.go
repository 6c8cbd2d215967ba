package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"relaymesh/node/internal/auth"
	"relaymesh/node/internal/config"
	"relaymesh/node/internal/corerr"
	"relaymesh/node/internal/dedup"
	"relaymesh/node/internal/event"
	"relaymesh/node/internal/httpapi"
	"relaymesh/node/internal/logging"
	"relaymesh/node/internal/metrics"
	"relaymesh/node/internal/peer"
	"relaymesh/node/internal/peertrack"
	"relaymesh/node/internal/propagation"
	"relaymesh/node/internal/ratelimit"
	"relaymesh/node/internal/renewal"
	"relaymesh/node/internal/repository"
	"relaymesh/node/internal/stream"
	"relaymesh/node/internal/subscription"
)

// Configured in main() once the allowed-origin list is known.
var upgrader = websocket.Upgrader{}

// Always allow localhost for dev convenience.
var localHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

const (
	handshakeLeeway     = 30 * time.Second
	reconnectRateWindow = time.Minute
	reconnectRateLimit  = 30
	shutdownDrainWindow = 5 * time.Second
	httpShutdownWindow  = 10 * time.Second
)

// Frame types exchanged over the /peer transport.
const (
	frameTypeEvent = "EVENT"
	frameTypeReq   = "REQ"
	frameTypeClose = "CLOSE"
	frameTypeRenew = "RENEW"
)

// inboundFrame is the wire envelope a connected peer sends: a published
// event, a subscription request, or a subscription close. Only the fields
// relevant to Type are populated.
type inboundFrame struct {
	Type     string                `json:"type"`
	ID       string                `json:"id,omitempty"`
	Event    *event.Event          `json:"event,omitempty"`
	TTL      *int                  `json:"ttl,omitempty"`
	HopCount int                   `json:"hop_count,omitempty"`
	Filters  []subscription.Filter `json:"filters,omitempty"`
}

// renewalFrame is pushed to a subscriber to request a renewal payment ahead
// of its subscription's expiry.
type renewalFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

// Node wires every subsidiary component into one running propagation node,
// following the teacher's broker-struct shape: one long-lived value built
// once in main() and handed to every handler and background task.
type Node struct {
	cfg       *config.Config
	log       *logging.Logger
	startedAt time.Time

	metrics  *metrics.Recorder
	repo     *repository.InMemoryRepository
	store    *peer.Store
	subs     *subscription.Manager
	engine   *propagation.Engine
	sched    *peer.Scheduler
	renewer  *renewal.Renewer
	verifier *auth.HMACTokenVerifier

	mu         sync.Mutex
	lifecycles map[event.PeerID]*peer.Lifecycle
	addresses  map[event.PeerID]string

	stateMu    sync.RWMutex
	startupErr error
}

// newNode constructs every subsidiary component (store, subscriptions,
// engine, reconnection scheduler, renewal) and wires them together.
func newNode(cfg *config.Config, startedAt time.Time, logger *logging.Logger) (*Node, error) {
	n := &Node{
		cfg:        cfg,
		log:        logger,
		startedAt:  startedAt,
		metrics:    metrics.New(),
		repo:       repository.NewInMemoryRepository(),
		lifecycles: make(map[event.PeerID]*peer.Lifecycle),
		addresses:  make(map[event.PeerID]string),
	}

	store, err := peer.NewStore(cfg.ConnectionStatePath, cfg.ConnectionStateInterval,
		logger.With(logging.String("component", "peer_store")))
	if err != nil {
		return nil, fmt.Errorf("opening connection store: %w", err)
	}
	n.store = store

	n.subs = subscription.NewManager(
		subscription.WithLogger(logger.With(logging.String("component", "subscriptions"))),
		subscription.WithMaxIDLen(cfg.SubscriptionMaxIDLen),
		subscription.WithExpiryTick(cfg.ExpiryTickInterval),
		subscription.WithReapNotify(n.onSubscriptionsReaped),
	)

	dedupCache := dedup.NewCache(cfg.DedupCapacity)
	tracker := peertrack.New(cfg.PeerTrackerCapacity)
	// The local-publisher bucket and every per-peer bucket share one limiter
	// instance; GlobalRateLimit is reserved for a future limiter revision
	// that separates the two (see DESIGN.md).
	limiter := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSec, nil)

	n.engine = propagation.New(
		propagation.Config{MaxHops: cfg.MaxHops, DefaultTTL: cfg.MaxTTL},
		dedupCache, tracker, limiter, n.subs, n.repo, n.repo, n.store, n.metrics,
		logger.With(logging.String("component", "propagation")),
	)

	n.sched = peer.NewScheduler(peer.SchedulerConfig{
		BaseMs:        cfg.Reconnect.BaseMs,
		MaxMs:         cfg.Reconnect.MaxMs,
		MaxAttempts:   cfg.Reconnect.MaxAttempts,
		AutoOnStartup: cfg.Reconnect.AutoOnStartup,
	}, n.store, n.lifecycleFor, n, logger.With(logging.String("component", "reconnect_scheduler")))

	if cfg.Renewal.Enabled {
		n.renewer = renewal.New(
			subscriptionLister{n.subs}, &subscriptionRenewalSender{n.subs}, unresolvedChannelBalance{},
			cfg.Renewal.CheckInterval, cfg.Renewal.Window, cfg.Renewal.Window,
			logger.With(logging.String("component", "renewal")),
		)
	}

	if cfg.PeerHandshakeSecret != "" {
		verifier, err := auth.NewHMACTokenVerifier(cfg.PeerHandshakeSecret, handshakeLeeway)
		if err != nil {
			return nil, fmt.Errorf("configuring peer handshake verifier: %w", err)
		}
		n.verifier = verifier
		logger.Info("peer handshake HMAC authentication enabled")
	} else {
		logger.Warn("peer handshake authentication disabled; trusting the pubkey claimed by the query string")
	}

	return n, nil
}

// onSubscriptionsReaped is the expiry sweep's best-effort notification hook;
// it just keeps the connected-peer/active-subscription gauges current.
func (n *Node) onSubscriptionsReaped(reaped []*subscription.Subscription) {
	n.metrics.SetActiveSubscriptions(n.subs.Len())
	n.log.Debug("subscription expiry sweep reaped entries", logging.Int("count", len(reaped)))
}

// lifecycleFor returns (creating if necessary) the Lifecycle owning pubkey.
func (n *Node) lifecycleFor(pubkey event.PeerID) *peer.Lifecycle {
	n.mu.Lock()
	defer n.mu.Unlock()
	if life, ok := n.lifecycles[pubkey]; ok {
		return life
	}
	life := peer.NewLifecycle(pubkey, n.store, n.sched, n.log.With(logging.String("peer", pubkey)))
	n.lifecycles[pubkey] = life
	return life
}

// Dial implements peer.Dialer: it is invoked by the reconnection scheduler
// once a retry's backoff has elapsed. Outbound address discovery for a peer
// this node has never dialed before is an external collaborator (the
// bootstrap/peer-exchange layer is out of scope); Dial only succeeds for
// peers whose listen address was previously learned from an inbound
// handshake.
func (n *Node) Dial(pubkey event.PeerID) {
	n.mu.Lock()
	addr, ok := n.addresses[pubkey]
	n.mu.Unlock()
	if !ok {
		n.log.Warn("no known address for reconnect target; external discovery required",
			logging.String("peer", pubkey))
		_ = n.lifecycleFor(pubkey).Transition(peer.Disconnected)
		return
	}
	go n.dialPeer(pubkey, addr)
}

func (n *Node) dialPeer(pubkey event.PeerID, addr string) {
	logger := n.log.With(logging.String("peer", pubkey), logging.String("address", addr))
	life := n.lifecycleFor(pubkey)
	if err := life.Transition(peer.Connecting); err != nil {
		logger.Warn("reconnect transition to connecting failed", logging.Error(err))
		return
	}
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		logger.Warn("outbound reconnect dial failed", logging.Error(err))
		_ = life.Transition(peer.Disconnected)
		return
	}
	if err := life.Transition(peer.ChannelOpening); err != nil {
		logger.Warn("reconnect transition to channel_opening failed", logging.Error(err))
		_ = conn.Close()
		return
	}
	wsStream := stream.NewWebSocketStream(conn, logger, 0, stream.CompressionNone)
	life.AttachStream(wsStream)
	if err := life.Transition(peer.Connected); err != nil {
		logger.Warn("reconnect transition to connected failed", logging.Error(err))
		_ = wsStream.Close()
		return
	}
	logger.Info("peer reconnected")
	n.metrics.SetConnectedPeers(len(n.store.ListByState(peer.Connected)))
	n.runPeerReader(pubkey, life, wsStream, logger)
}

// Reconnect implements httpapi.Reconnector: the admin-triggered equivalent
// of a scheduler-fired retry, bypassing the backoff delay.
func (n *Node) Reconnect(pubkey event.PeerID) error {
	conn, ok := n.store.Get(pubkey)
	if !ok {
		return corerr.New(corerr.KindInvalid, "unknown peer")
	}
	if conn.State != peer.Disconnected && conn.State != peer.Failed {
		return corerr.New(corerr.KindConflict, "peer not eligible for reconnect in state "+conn.State.String())
	}
	life := n.lifecycleFor(pubkey)
	if err := life.Transition(peer.Discovering); err != nil {
		return err
	}
	n.sched.Cancel(pubkey)
	go n.Dial(pubkey)
	return nil
}

// servePeer accepts an inbound peer connection over /peer: it authenticates
// the handshake, upgrades to WebSocket, drives the lifecycle to Connected,
// and hands off to the per-connection reader loop. Grounded on the teacher's
// serveWS shape (trace-scoped logger, capacity/auth checks before upgrade,
// reader/writer split delegated here to WebSocketStream's writer goroutine).
func (n *Node) servePeer(w http.ResponseWriter, r *http.Request) {
	_, baseLogger, _ := logging.WithTrace(r.Context(), n.log, r.Header.Get(logging.TraceIDHeader))
	reqLogger := baseLogger.With(logging.String("remote_addr", r.RemoteAddr))

	pubkey, ok := n.authenticate(r)
	if !ok {
		reqLogger.Warn("rejecting peer connection: handshake authentication failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	reqLogger = reqLogger.With(logging.String("peer", pubkey))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		reqLogger.Error("websocket upgrade failed", logging.Error(err))
		return
	}

	if advertised := strings.TrimSpace(r.URL.Query().Get("listen_addr")); advertised != "" {
		n.mu.Lock()
		n.addresses[pubkey] = advertised
		n.mu.Unlock()
	}

	n.engine.AnnouncePeer(pubkey, peer.Priority(peer.PriorityContext{}), false)
	life := n.lifecycleFor(pubkey)
	wsStream := stream.NewWebSocketStream(conn, reqLogger, 0, stream.CompressionNone)
	life.AttachStream(wsStream)

	for _, to := range []peer.State{peer.Connecting, peer.ChannelOpening, peer.Connected} {
		if err := life.Transition(to); err != nil {
			reqLogger.Warn("inbound peer transition failed",
				logging.String("to", to.String()), logging.Error(err))
			_ = wsStream.Close()
			return
		}
	}
	reqLogger.Info("peer connected")
	n.metrics.SetConnectedPeers(len(n.store.ListByState(peer.Connected)))
	n.runPeerReader(pubkey, life, wsStream, reqLogger)
}

// authenticate resolves the connecting peer's identity. With a handshake
// secret configured, the bearer token must verify; otherwise the pubkey is
// trusted as claimed, matching the teacher's allow-all fallback when no
// websocket authenticator is configured.
func (n *Node) authenticate(r *http.Request) (event.PeerID, bool) {
	if n.verifier == nil {
		pubkey := strings.TrimSpace(r.URL.Query().Get("pubkey"))
		return pubkey, pubkey != ""
	}
	token := bearerToken(r)
	if token == "" {
		return "", false
	}
	claims, err := n.verifier.Verify(token)
	if err != nil {
		return "", false
	}
	return claims.Subject, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// runPeerReader owns the connection's reader side until it fails or the
// stream is closed, at which point it drives the lifecycle to Disconnected.
func (n *Node) runPeerReader(pubkey event.PeerID, life *peer.Lifecycle, s *stream.WebSocketStream, logger *logging.Logger) {
	defer func() {
		_ = life.OnHeartbeatLoss()
		n.metrics.SetConnectedPeers(len(n.store.ListByState(peer.Connected)))
	}()
	for {
		payload, err := s.ReadMessage()
		if err != nil {
			logger.Warn("peer read error", logging.Error(err))
			return
		}
		if payload == nil {
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			logger.Debug("dropping invalid peer frame", logging.Error(err))
			continue
		}
		n.handleFrame(pubkey, s, frame, logger)
	}
}

func (n *Node) handleFrame(pubkey event.PeerID, s *stream.WebSocketStream, frame inboundFrame, logger *logging.Logger) {
	switch frame.Type {
	case frameTypeEvent:
		if frame.Event == nil {
			logger.Debug("dropping EVENT frame with no event body")
			return
		}
		// A bare client publish omits ttl entirely and gets the node's
		// default budget; a forwarded envelope always carries its own ttl,
		// including a legitimate zero on its last allowed hop.
		ttl := n.cfg.MaxTTL
		if frame.TTL != nil {
			ttl = *frame.TTL
		}
		env, err := n.engine.ReceivedEnvelope(*frame.Event, pubkey, ttl, frame.HopCount)
		if err != nil {
			n.recordEnvelopeRejection(err, logger)
			return
		}
		if err := n.engine.Ingest(context.Background(), env); err != nil {
			logger.Error("event ingest failed", logging.String("event_id", frame.Event.ID), logging.Error(err))
		}
	case frameTypeReq:
		if frame.ID == "" {
			logger.Debug("dropping REQ frame with no subscription id")
			return
		}
		sub := &subscription.Subscription{
			ID:         frame.ID,
			Subscriber: pubkey,
			Stream:     s,
			Filters:    frame.Filters,
			ExpiresAt:  time.Now().Add(n.cfg.Renewal.Window),
		}
		if err := n.engine.Subscribe(sub); err != nil {
			logger.Warn("subscription request rejected",
				logging.String("subscription_id", frame.ID), logging.Error(err))
			return
		}
		n.metrics.SetActiveSubscriptions(n.subs.Len())
	case frameTypeClose:
		if frame.ID == "" {
			return
		}
		n.engine.Unsubscribe(frame.ID)
		n.metrics.SetActiveSubscriptions(n.subs.Len())
	default:
		logger.Debug("dropping frame with unknown type", logging.String("type", frame.Type))
	}
}

func (n *Node) recordEnvelopeRejection(err error, logger *logging.Logger) {
	switch {
	case corerr.Is(err, corerr.KindTtlExhausted), corerr.Is(err, corerr.KindHopLimitExceeded):
		n.metrics.RecordDrop(metrics.DropTTL)
	}
	logger.Debug("dropping inbound event", logging.Error(err))
}

// ConnectedPeers implements httpapi.StatsProvider.
func (n *Node) ConnectedPeers() int { return len(n.store.ListByState(peer.Connected)) }

// ActiveSubscriptions implements httpapi.StatsProvider.
func (n *Node) ActiveSubscriptions() int { return n.subs.Len() }

// Uptime implements httpapi.StatsProvider.
func (n *Node) Uptime() time.Duration { return time.Since(n.startedAt) }

// StartupError implements httpapi.StatsProvider.
func (n *Node) StartupError() error {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.startupErr
}

func (n *Node) setStartupError(err error) {
	n.stateMu.Lock()
	n.startupErr = err
	n.stateMu.Unlock()
}

// shutdown closes the engine's fan-out queues (Engine.Shutdown, which does not
// wait for queued deliveries to finish) and closes the connection store, which
// flushes it. Background schedulers are cancelled by main before this runs;
// peer streams are not closed here. This is the
// supplemented graceful-shutdown sequencing this node adds beyond the
// teacher's blocking-ListenAndServe-only main().
func (n *Node) shutdown() {
	n.engine.Shutdown(shutdownDrainWindow)
	if err := n.store.Close(); err != nil {
		n.log.Warn("connection store close failed", logging.Error(err))
	}
}

// subscriptionLister adapts *subscription.Manager to renewal.Lister.
type subscriptionLister struct{ subs *subscription.Manager }

func (l subscriptionLister) ExpiringWithin(window time.Duration) []renewal.Renewable {
	subs := l.subs.ExpiringWithin(window)
	out := make([]renewal.Renewable, 0, len(subs))
	for _, sub := range subs {
		out = append(out, renewal.Renewable{ID: sub.ID, Subscriber: sub.Subscriber, ExpiresAt: sub.ExpiresAt})
	}
	return out
}

// subscriptionRenewalSender adapts *subscription.Manager to renewal.Sender,
// pushing the renewal request over the subscription's own stream.
type subscriptionRenewalSender struct{ subs *subscription.Manager }

func (s *subscriptionRenewalSender) SendRenewal(ctx context.Context, sub renewal.Renewable, amount int64) error {
	registered, ok := s.subs.Get(sub.ID)
	if !ok || registered.Stream == nil {
		return corerr.ErrSubscriptionNotFound
	}
	payload, err := json.Marshal(renewalFrame{Type: frameTypeRenew, ID: sub.ID, Amount: amount})
	if err != nil {
		return err
	}
	return registered.Stream.SendPacket(payload)
}

func (s *subscriptionRenewalSender) ExtendExpiry(subID string, newExpiry time.Time) error {
	if !s.subs.ExtendExpiry(subID, newExpiry) {
		return corerr.ErrSubscriptionNotFound
	}
	return nil
}

// unresolvedChannelBalance is the renewal package's ChannelBalance
// collaborator left open by the upstream TODO mapping peer address to
// settlement channel identifier (see internal/renewal's doc comment); every
// lookup reports no balance until a settlement-layer adapter is wired in.
type unresolvedChannelBalance struct{}

func (unresolvedChannelBalance) Balance(_ context.Context, _ event.PeerID) (int64, bool) {
	return 0, false
}

// buildOriginChecker returns the WebSocket upgrader's origin policy: always
// allow local development origins, otherwise require an exact scheme+host
// match against the configured allowlist.
func buildOriginChecker(logger *logging.Logger, allowlist []string) func(*http.Request) bool {
	if logger == nil {
		logger = logging.L()
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("ignoring invalid allowed origin", logging.String("origin", origin), logging.Error(err))
			continue
		}
		key := strings.ToLower(u.Scheme + "://" + u.Host)
		allowed[key] = struct{}{}
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			// No Origin usually means a non-browser client; reject by default.
			return false
		}

		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			logger.Warn("rejecting request with invalid origin", logging.String("origin", originHeader), logging.Error(err))
			return false
		}

		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}

		key := strings.ToLower(originURL.Scheme + "://" + originURL.Host)
		if _, ok := allowed[key]; ok {
			return true
		}

		logger.Warn("rejecting request from disallowed origin", logging.String("origin", originHeader))
		return false
	}
}

// buildHandler wires the peer transport endpoint alongside the admin/debug
// HTTP surface behind the trace middleware, mirroring the teacher's
// buildHandler(b, cfg) shape.
func buildHandler(n *Node, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/peer", n.servePeer)

	reconnectLimiter := httpapi.NewSlidingWindowLimiter(reconnectRateWindow, reconnectRateLimit, nil)
	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      n.log,
		Stats:       n,
		Metrics:     n.metrics,
		AdminToken:  cfg.AdminToken,
		RateLimiter: reconnectLimiter,
		Reconnector: n,
	})
	opsHandlers.Register(mux)

	return logging.HTTPTraceMiddleware(n.log)(mux)
}

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	upgrader.CheckOrigin = buildOriginChecker(logger.With(logging.String("component", "origin-check")), cfg.AllowedOrigins)
	if len(cfg.AllowedOrigins) > 0 {
		logger.Info("allowing peer origins", logging.Strings("origins", cfg.AllowedOrigins))
	} else {
		logger.Info("no allowed origins configured; permitting only local development origins")
	}

	node, err := newNode(cfg, startedAt, logger)
	if err != nil {
		logger.Fatal("failed to initialise node", logging.Error(err))
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	node.sched.ReconcileStartup()
	go node.subs.Run(runCtx)
	if node.renewer != nil {
		go node.renewer.Run(runCtx)
	}

	handler := buildHandler(node, cfg)
	certProvided := cfg.TLSCertPath != ""
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("node listening", logging.String("address", listenerURL(cfg.HTTPAddr, certProvided)), logging.Bool("tls", certProvided))
		if certProvided {
			serverErr <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		serverErr <- server.ListenAndServe()
	}()

	select {
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", logging.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server terminated unexpectedly", logging.Error(err))
		}
	}

	//1.- Stop accepting new inbound work: cancel schedulers, then the HTTP listener.
	cancelRun()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), httpShutdownWindow)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", logging.Error(err))
	}

	//2.- Close the outbound fan-out queues, then flush the connection store.
	node.shutdown()
	logger.Info("node stopped")
}
