package lib

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/* This file implements dev-ops telemetry for the peer in the form of prometheus metrics */

const metricsPattern = "/metrics"

// Metrics represents a server that exposes Prometheus metrics
type Metrics struct {
	server   *http.Server         // the http prometheus server
	config   MetricsConfig        // the configuration
	registry *prometheus.Registry // isolated registry, one per peer
	log      LoggerI              // the logger

	EnvelopeMetrics // inbound pipeline telemetry
	GossipMetrics   // dissemination telemetry
	RoundMetrics    // round tracker telemetry
	SyncMetrics     // move chain telemetry
	LedgerMetrics   // outcome emitter telemetry
}

// EnvelopeMetrics represents the telemetry of the decode and dedup stages
type EnvelopeMetrics struct {
	Verdicts     *prometheus.CounterVec // admitted, duplicate or expired envelopes
	FormatErrors prometheus.Counter     // envelopes dropped as malformed
}

// GossipMetrics represents the telemetry of the disseminator
type GossipMetrics struct {
	Forwarded prometheus.Counter // envelopes forwarded to a peer
	Peers     prometheus.Gauge   // connected peers
}

// RoundMetrics represents the telemetry of the round tracker
type RoundMetrics struct {
	OpenRounds    prometheus.Gauge       // rounds currently open
	Closed        *prometheus.CounterVec // finalized rounds by kind and status
	LateConflicts prometheus.Counter     // contributions received after close
	Halted        prometheus.Counter     // subjects halted by an invariant violation
}

// SyncMetrics represents the telemetry of the move chain resolver
type SyncMetrics struct {
	Forks         prometheus.Counter // forks observed
	Orphans       prometheus.Counter // moves buffered for an unknown parent
	OrphansPruned prometheus.Counter // orphans dropped after the buffering window
	Checkpoints   prometheus.Counter // checkpoints produced
}

// LedgerMetrics represents the telemetry of ledger submissions
type LedgerMetrics struct {
	Submissions   *prometheus.CounterVec // submissions by result
	SubmitLatency prometheus.Histogram   // time from finalization to confirmation
}

// NewMetricsServer() creates a new telemetry server with its own registry
func NewMetricsServer(config MetricsConfig, log LoggerI) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	mux := http.NewServeMux()
	mux.Handle(metricsPattern, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &Metrics{
		server:   &http.Server{Addr: config.PrometheusAddress, Handler: mux},
		config:   config,
		registry: registry,
		log:      log,
		EnvelopeMetrics: EnvelopeMetrics{
			Verdicts: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "accord_envelope_verdicts",
				Help: "Envelopes by dedup verdict",
			}, []string{"verdict"}),
			FormatErrors: factory.NewCounter(prometheus.CounterOpts{
				Name: "accord_envelope_format_errors",
				Help: "Envelopes dropped as malformed",
			}),
		},
		GossipMetrics: GossipMetrics{
			Forwarded: factory.NewCounter(prometheus.CounterOpts{
				Name: "accord_gossip_forwarded",
				Help: "Envelopes forwarded to a peer",
			}),
			Peers: factory.NewGauge(prometheus.GaugeOpts{
				Name: "accord_gossip_peers",
				Help: "Connected peers",
			}),
		},
		RoundMetrics: RoundMetrics{
			OpenRounds: factory.NewGauge(prometheus.GaugeOpts{
				Name: "accord_round_open",
				Help: "Rounds currently open",
			}),
			Closed: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "accord_round_closed",
				Help: "Finalized rounds by kind and status",
			}, []string{"kind", "status"}),
			LateConflicts: factory.NewCounter(prometheus.CounterOpts{
				Name: "accord_round_late_conflicts",
				Help: "Contributions received after the round closed",
			}),
			Halted: factory.NewCounter(prometheus.CounterOpts{
				Name: "accord_round_halted",
				Help: "Subjects halted by an invariant violation",
			}),
		},
		SyncMetrics: SyncMetrics{
			Forks: factory.NewCounter(prometheus.CounterOpts{
				Name: "accord_sync_forks",
				Help: "Move chain forks observed",
			}),
			Orphans: factory.NewCounter(prometheus.CounterOpts{
				Name: "accord_sync_orphans",
				Help: "Moves buffered for an unknown parent",
			}),
			OrphansPruned: factory.NewCounter(prometheus.CounterOpts{
				Name: "accord_sync_orphans_pruned",
				Help: "Orphan moves dropped after the buffering window",
			}),
			Checkpoints: factory.NewCounter(prometheus.CounterOpts{
				Name: "accord_sync_checkpoints",
				Help: "Checkpoints produced",
			}),
		},
		LedgerMetrics: LedgerMetrics{
			Submissions: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "accord_ledger_submissions",
				Help: "Ledger submissions by result",
			}, []string{"result"}),
			SubmitLatency: factory.NewHistogram(prometheus.HistogramOpts{
				Name: "accord_ledger_submit_seconds",
				Help: "Time from finalization to ledger confirmation in seconds",
			}),
		},
	}
}

// Registry() exposes the underlying registry for tests and embedding
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Start() starts the telemetry server
func (m *Metrics) Start() {
	// exit if empty
	if m == nil {
		return
	}
	// if the metrics server is enabled
	if m.config.Enabled {
		go func() {
			m.log.Infof("Starting metrics server on %s", m.config.PrometheusAddress)
			// run the server
			if err := m.server.ListenAndServe(); err != nil {
				if err != http.ErrServerClosed {
					m.log.Errorf("Metrics server failed with err: %s", err.Error())
				}
			}
		}()
	}
}

// Stop() gracefully stops the telemetry server
func (m *Metrics) Stop() {
	// exit if empty
	if m == nil {
		return
	}
	// if the metrics server isn't enabled
	if m.config.Enabled {
		// shutdown the server
		if err := m.server.Shutdown(context.Background()); err != nil {
			m.log.Error(err.Error())
		}
	}
}

// ObserveVerdict() counts a dedup verdict
func (m *Metrics) ObserveVerdict(verdict string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(verdict).Inc()
}

// ObserveFormatError() counts a malformed envelope
func (m *Metrics) ObserveFormatError() {
	if m == nil {
		return
	}
	m.FormatErrors.Inc()
}

// ObserveForward() counts a gossip forward
func (m *Metrics) ObserveForward() {
	if m == nil {
		return
	}
	m.Forwarded.Inc()
}

// UpdatePeers() sets the number of connected peers
func (m *Metrics) UpdatePeers(n int) {
	if m == nil {
		return
	}
	m.Peers.Set(float64(n))
}

// ObserveRoundOpened() tracks an opened round
func (m *Metrics) ObserveRoundOpened() {
	if m == nil {
		return
	}
	m.OpenRounds.Inc()
}

// ObserveRoundClosed() tracks a finalized round
func (m *Metrics) ObserveRoundClosed(o *Outcome) {
	if m == nil {
		return
	}
	m.OpenRounds.Dec()
	m.Closed.WithLabelValues(o.Kind.String(), o.Status.String()).Inc()
	if o.Status == StatusHalted {
		m.Halted.Inc()
	}
}

// ObserveLateConflict() counts a contribution received after close
func (m *Metrics) ObserveLateConflict() {
	if m == nil {
		return
	}
	m.LateConflicts.Inc()
}

// ObserveFork() counts a move chain fork
func (m *Metrics) ObserveFork() {
	if m == nil {
		return
	}
	m.Forks.Inc()
}

// ObserveOrphans() counts buffered and pruned orphan moves
func (m *Metrics) ObserveOrphans(buffered, pruned int) {
	if m == nil {
		return
	}
	m.Orphans.Add(float64(buffered))
	m.OrphansPruned.Add(float64(pruned))
}

// ObserveCheckpoint() counts a produced checkpoint
func (m *Metrics) ObserveCheckpoint() {
	if m == nil {
		return
	}
	m.Checkpoints.Inc()
}

// ObserveSubmission() counts a ledger submission result and its latency
func (m *Metrics) ObserveSubmission(result string, since time.Duration) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(result).Inc()
	m.SubmitLatency.Observe(since.Seconds())
}
