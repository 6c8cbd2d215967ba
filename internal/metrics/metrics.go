// Package metrics exposes the structured counters and histograms the core's
// Logger/Metrics collaborator (spec §6) requires: one counter per drop
// reason, and histograms for match and fan-out timing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DropReason enumerates the steady-state drop outcomes named in spec §4.13/§7.
type DropReason string

const (
	DropDedup        DropReason = "dedup"
	DropTTL          DropReason = "ttl"
	DropRate         DropReason = "rate"
	DropEcho         DropReason = "echo"
	DropStreamClosed DropReason = "stream_closed"
	DropPeerRate     DropReason = "peer_rate"
)

// Recorder wires the core's drop counters and latency histograms to a
// prometheus registry, grounded on the control-plane metrics wiring used
// elsewhere in the example pack for service observability.
type Recorder struct {
	registry *prometheus.Registry

	drops           *prometheus.CounterVec
	eventsIngested  prometheus.Counter
	matchDuration   prometheus.Histogram
	fanoutSize      prometheus.Histogram
	fanoutDuration  prometheus.Histogram
	sendFailures    *prometheus.CounterVec
	activeSubs      prometheus.Gauge
	connectedPeers  prometheus.Gauge
}

// New constructs a Recorder backed by a fresh registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		drops: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymesh",
			Name:      "drops_total",
			Help:      "Total envelopes dropped, labelled by reason.",
		}, []string{"reason"}),
		eventsIngested: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: "relaymesh",
			Name:      "events_ingested_total",
			Help:      "Total envelopes accepted past the dedup/ttl/rate gates.",
		}),
		matchDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaymesh",
			Name:      "match_duration_seconds",
			Help:      "Time spent matching one event against the subscription index.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		fanoutSize: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaymesh",
			Name:      "fanout_subscriptions",
			Help:      "Number of subscriptions an event fanned out to.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		fanoutDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaymesh",
			Name:      "fanout_duration_seconds",
			Help:      "Wall time to complete fan-out for one envelope.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		sendFailures: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaymesh",
			Name:      "send_failures_total",
			Help:      "Stream send failures, labelled by peer.",
		}, []string{"peer"}),
		activeSubs: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: "relaymesh",
			Name:      "active_subscriptions",
			Help:      "Currently active, non-expired subscriptions.",
		}),
		connectedPeers: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: "relaymesh",
			Name:      "connected_peers",
			Help:      "Peers currently in the Connected state.",
		}),
	}
	return r
}

// RecordDrop increments the counter for the given drop reason.
func (r *Recorder) RecordDrop(reason DropReason) {
	if r == nil {
		return
	}
	r.drops.WithLabelValues(string(reason)).Inc()
}

// RecordIngested increments the accepted-envelope counter.
func (r *Recorder) RecordIngested() {
	if r == nil {
		return
	}
	r.eventsIngested.Inc()
}

// ObserveMatch records how long matching took, in seconds.
func (r *Recorder) ObserveMatch(seconds float64) {
	if r == nil {
		return
	}
	r.matchDuration.Observe(seconds)
}

// ObserveFanout records fan-out size and duration together.
func (r *Recorder) ObserveFanout(subscriberCount int, seconds float64) {
	if r == nil {
		return
	}
	r.fanoutSize.Observe(float64(subscriberCount))
	r.fanoutDuration.Observe(seconds)
}

// RecordSendFailure increments the send-failure counter for peer.
func (r *Recorder) RecordSendFailure(peer string) {
	if r == nil {
		return
	}
	r.sendFailures.WithLabelValues(peer).Inc()
}

// SetActiveSubscriptions updates the active-subscription gauge.
func (r *Recorder) SetActiveSubscriptions(n int) {
	if r == nil {
		return
	}
	r.activeSubs.Set(float64(n))
}

// SetConnectedPeers updates the connected-peer gauge.
func (r *Recorder) SetConnectedPeers(n int) {
	if r == nil {
		return
	}
	r.connectedPeers.Set(float64(n))
}

// Handler returns the HTTP handler serving this recorder's metrics in the
// Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
