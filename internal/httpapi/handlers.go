// Package httpapi is the node's admin/debug HTTP surface: liveness,
// readiness/statistics, Prometheus metrics, and an authenticated peer
// reconnect trigger, following the teacher's handler-set shape.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"crypto/subtle"

	"relaymesh/node/internal/event"
	"relaymesh/node/internal/logging"
)

// StatsProvider exposes node statistics for the /statsz endpoint.
type StatsProvider interface {
	ConnectedPeers() int
	ActiveSubscriptions() int
	Uptime() time.Duration
	StartupError() error
}

// RateLimiter gates how frequently sensitive admin operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Reconnector triggers a reconnect attempt for a given peer.
type Reconnector interface {
	Reconnect(pubkey event.PeerID) error
}

// MetricsHandler supplies the Prometheus exposition handler for /metrics.
type MetricsHandler interface {
	Handler() http.Handler
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Stats       StatsProvider
	Metrics     MetricsHandler
	AdminToken  string
	RateLimiter RateLimiter
	Reconnector Reconnector
	TimeSource  func() time.Time
}

// HandlerSet bundles the node's admin/debug handlers.
type HandlerSet struct {
	logger      *logging.Logger
	stats       StatsProvider
	metrics     MetricsHandler
	adminToken  string
	rateLimiter RateLimiter
	reconnector Reconnector
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		stats:       opts.Stats,
		metrics:     opts.Metrics,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		reconnector: opts.Reconnector,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/healthz", h.HealthHandler())
	mux.HandleFunc("/statsz", h.StatsHandler())
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}
	if h.reconnector != nil {
		mux.HandleFunc("/admin/peer/reconnect", h.ReconnectHandler())
	}
}

// HealthHandler reports that the HTTP server is reachable.
func (h *HandlerSet) HealthHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// StatsHandler reports node readiness alongside peer/subscription counts.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	type response struct {
		Status              string  `json:"status"`
		Message             string  `json:"message,omitempty"`
		UptimeSeconds       float64 `json:"uptime_seconds"`
		ConnectedPeers      int     `json:"connected_peers"`
		ActiveSubscriptions int     `json:"active_subscriptions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.stats != nil {
			resp.ConnectedPeers = h.stats.ConnectedPeers()
			resp.ActiveSubscriptions = h.stats.ActiveSubscriptions()
			resp.UptimeSeconds = h.stats.Uptime().Seconds()
			if err := h.stats.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// ReconnectHandler authorises and triggers a reconnect attempt for a peer
// named by the "pubkey" query parameter, mirroring the teacher's
// admin-trigger auth/rate-limit/invoke shape.
func (h *HandlerSet) ReconnectHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
		PubKey string `json:"pubkey"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "peer_reconnect"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("reconnect denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("reconnect denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("reconnect denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		pubkey := strings.TrimSpace(r.URL.Query().Get("pubkey"))
		if pubkey == "" {
			http.Error(w, "missing pubkey", http.StatusBadRequest)
			return
		}
		if err := h.reconnector.Reconnect(pubkey); err != nil {
			reqLogger.Error("reconnect trigger failed", logging.Error(err))
			http.Error(w, "failed to trigger reconnect", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("reconnect triggered", logging.String("pubkey", pubkey))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", PubKey: pubkey})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
