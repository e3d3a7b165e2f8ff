// Package metrics exposes candlexpr's Prometheus metrics plus a /healthz
// liveness endpoint, mirroring the shape of a typical market-data engine's
// metrics server: one Metrics bundle registered at startup, one HealthStatus
// updated by long-running components, one HTTP server serving both.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the evaluator engine.
type Metrics struct {
	SubscriptionsTotal    prometheus.Counter
	ActiveUpstreamsGauge  prometheus.Gauge
	UpstreamConnectsTotal prometheus.Counter
	CandlesRelayedTotal   prometheus.Counter

	ActiveSessionsGauge  prometheus.Gauge
	ResultsEmittedTotal  prometheus.Counter
	EvaluatorLifetimeDur prometheus.Histogram

	SessionErrorsTotal *prometheus.CounterVec // labels: kind (apperr taxonomy)
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		SubscriptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlexpr_subscriptions_total",
			Help: "Total operand subscriptions handed out by the registry",
		}),
		ActiveUpstreamsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlexpr_active_upstreams",
			Help: "Number of live deduplicated upstream connections",
		}),
		UpstreamConnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlexpr_upstream_connects_total",
			Help: "Total upstream WebSocket connections opened",
		}),
		CandlesRelayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlexpr_candles_relayed_total",
			Help: "Total upstream candles parsed and fanned out to subscribers",
		}),

		ActiveSessionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlexpr_active_sessions",
			Help: "Number of currently connected client sessions",
		}),
		ResultsEmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlexpr_results_emitted_total",
			Help: "Total ResultMessages written back to clients",
		}),
		EvaluatorLifetimeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlexpr_evaluator_lifetime_seconds",
			Help:    "Wall-clock duration an evaluator ran before terminating",
			Buckets: prometheus.DefBuckets,
		}),

		SessionErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candlexpr_session_errors_total",
			Help: "Session-terminating errors, labeled by apperr taxonomy kind",
		}, []string{"kind"}),
	}

	prometheus.MustRegister(
		m.SubscriptionsTotal,
		m.ActiveUpstreamsGauge,
		m.UpstreamConnectsTotal,
		m.CandlesRelayedTotal,
		m.ActiveSessionsGauge,
		m.ResultsEmittedTotal,
		m.EvaluatorLifetimeDur,
		m.SessionErrorsTotal,
	)

	return m
}

// HealthStatus represents the system health surfaced at /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	UpstreamReachable bool      `json:"upstream_reachable"`
	LastCandleAt      time.Time `json:"last_candle_at"`
	ActiveSessions    int       `json:"active_sessions"`
	ActiveUpstreams   int       `json:"active_upstreams"`
	StartedAt         time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetUpstreamReachable(v bool) {
	h.mu.Lock()
	h.UpstreamReachable = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCandleAt(t time.Time) {
	h.mu.Lock()
	h.LastCandleAt = t
	h.mu.Unlock()
}

// IncActiveSessions/DecActiveSessions and IncActiveUpstreams/DecActiveUpstreams
// track each count independently, mirroring the Inc/Dec calls already made
// against the parallel Prometheus gauges at the same call sites in
// internal/session and internal/registry.
func (h *HealthStatus) IncActiveSessions() {
	h.mu.Lock()
	h.ActiveSessions++
	h.mu.Unlock()
}

func (h *HealthStatus) DecActiveSessions() {
	h.mu.Lock()
	h.ActiveSessions--
	h.mu.Unlock()
}

func (h *HealthStatus) IncActiveUpstreams() {
	h.mu.Lock()
	h.ActiveUpstreams++
	h.mu.Unlock()
}

func (h *HealthStatus) DecActiveUpstreams() {
	h.mu.Lock()
	h.ActiveUpstreams--
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	httpCode := http.StatusOK
	if h.ActiveUpstreams > 0 && !h.UpstreamReachable {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	candleAge := ""
	if !h.LastCandleAt.IsZero() {
		candleAge = time.Since(h.LastCandleAt).Round(time.Millisecond).String()
	}

	out := struct {
		Status          string `json:"status"`
		Uptime          string `json:"uptime"`
		ActiveSessions  int    `json:"active_sessions"`
		ActiveUpstreams int    `json:"active_upstreams"`
		LastCandleAge   string `json:"last_candle_age"`
	}{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		ActiveSessions:  h.ActiveSessions,
		ActiveUpstreams: h.ActiveUpstreams,
		LastCandleAge:   candleAge,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(out)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv:    &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
