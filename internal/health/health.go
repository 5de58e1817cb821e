// Package health exposes the /healthz and /metrics endpoints of spec.md
// §4.9/§6.6 and implements the Metrics interfaces internal/shipper and
// internal/listener declare structurally, so neither of those packages
// ever imports this one.
//
// The HTTP surface (http.ServeMux, JSON health doc, request logging
// wrapper) is grounded on control-plane/internal/api/api.go's Server.
// /healthz builds its document from the supervisor's task table on
// every request; nothing is cached between requests. /metrics
// itself is handed off to github.com/prometheus/client_golang/prometheus/promhttp
// rather than the teacher's hand-rolled formatBytes/formatInt helpers,
// since this codebase wires a real metrics library instead.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/breaker"
	"github.com/iLodeStar/AIOps-EdgeBot-poc/internal/supervisor"
)

// Status values for the /healthz "status" field.
const (
	StatusHealthy      = "healthy"
	StatusDegraded     = "degraded"
	StatusStarting     = "starting"
	StatusShuttingDown = "shutting_down"
)

// Registry owns every Prometheus collector this process exports and
// implements shipper.Metrics and listener.Metrics.
type Registry struct {
	eventsIngested *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	batchesSent    *prometheus.CounterVec
	eventsSent     *prometheus.CounterVec
	batchesFailed  *prometheus.CounterVec
	retries        *prometheus.CounterVec
	bytesSent      *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	sendDuration   *prometheus.HistogramVec
	batchSize      *prometheus.HistogramVec
	up             prometheus.Gauge
	componentOK    *prometheus.GaugeVec
	spoolPending   prometheus.Gauge
	spoolInflight  prometheus.Gauge
	spoolBytes     prometheus.Gauge

	mu       sync.Mutex
	degraded bool
}

// NewRegistry creates and registers every collector in reg (pass
// prometheus.NewRegistry() for an isolated registry, or nil for the
// default global one).
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	r := &Registry{
		eventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebot_events_ingested_total",
			Help: "Events accepted into the spool, by source.",
		}, []string{"source"}),
		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebot_events_dropped_total",
			Help: "Events dropped before or during spooling, by source and reason.",
		}, []string{"source", "reason"}),
		batchesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebot_batches_sent_total",
			Help: "Batches successfully written to a sink.",
		}, []string{"sink"}),
		eventsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebot_events_sent_total",
			Help: "Events successfully written to a sink.",
		}, []string{"sink"}),
		batchesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebot_batches_failed_total",
			Help: "Batches that failed to write, by sink and failure kind.",
		}, []string{"sink", "kind"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebot_retries_total",
			Help: "Send retries attempted, by sink.",
		}, []string{"sink"}),
		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edgebot_bytes_sent_total",
			Help: "Bytes successfully written to a sink.",
		}, []string{"sink"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgebot_breaker_state",
			Help: "Circuit breaker state per sink: 0=closed, 1=half_open, 2=open.",
		}, []string{"sink"}),
		sendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgebot_send_duration_seconds",
			Help:    "Time spent in a single sink.Write call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		batchSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgebot_batch_size_events",
			Help:    "Events per batch written to a sink.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"sink"}),
		up: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edgebot_up",
			Help: "1 if the process is running.",
		}),
		componentOK: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edgebot_component_healthy",
			Help: "1 if the named component reports healthy, else 0.",
		}, []string{"name"}),
		spoolPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edgebot_spool_pending",
			Help: "Events in the spool awaiting a shipper claim.",
		}),
		spoolInflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edgebot_spool_inflight",
			Help: "Events currently claimed by a shipper send attempt.",
		}),
		spoolBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edgebot_spool_bytes",
			Help: "Total bytes occupied by events currently held in the spool.",
		}),
	}
	r.up.Set(1)
	return r
}

// SetSpoolStats feeds the current spool occupancy into the
// edgebot_spool_* gauges (spec.md §6.6). Callers poll spool.Stats on an
// interval and report it here; Registry never reaches into the spool
// itself so internal/health keeps no dependency on internal/spool.
func (r *Registry) SetSpoolStats(pending, inflight int, bytes int64) {
	r.spoolPending.Set(float64(pending))
	r.spoolInflight.Set(float64(inflight))
	r.spoolBytes.Set(float64(bytes))
}

// --- shipper.Metrics ---

func (r *Registry) EventsSent(sinkName string, n int) {
	r.eventsSent.WithLabelValues(sinkName).Add(float64(n))
}

func (r *Registry) BytesSent(sinkName string, n int64) {
	r.bytesSent.WithLabelValues(sinkName).Add(float64(n))
}

func (r *Registry) BatchSent(sinkName string) {
	r.batchesSent.WithLabelValues(sinkName).Inc()
}

func (r *Registry) BatchFailed(sinkName, kind string) {
	r.batchesFailed.WithLabelValues(sinkName, kind).Inc()
}

func (r *Registry) Retries(sinkName string, n int) {
	r.retries.WithLabelValues(sinkName).Add(float64(n))
}

func (r *Registry) BreakerState(sinkName string, state breaker.State) {
	var v float64
	switch state {
	case breaker.StateClosed:
		v = 0
	case breaker.StateHalfOpen:
		v = 1
	case breaker.StateOpen:
		v = 2
	}
	r.breakerState.WithLabelValues(sinkName).Set(v)
}

// --- listener.Metrics ---

func (r *Registry) EventIngested(source string) {
	r.eventsIngested.WithLabelValues(source).Inc()
}

func (r *Registry) EventDropped(source, reason string) {
	r.eventsDropped.WithLabelValues(source, reason).Inc()
}

// --- extra instrumentation points not required by either interface ---

// ObserveSend records one sink.Write call's duration and batch size.
func (r *Registry) ObserveSend(sinkName string, d time.Duration, batchSize int) {
	r.sendDuration.WithLabelValues(sinkName).Observe(d.Seconds())
	r.batchSize.WithLabelValues(sinkName).Observe(float64(batchSize))
}

// SetComponentHealthy records a single component's health for the
// component_healthy gauge, independent of the richer /healthz doc.
func (r *Registry) SetComponentHealthy(name string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	r.componentOK.WithLabelValues(name).Set(v)
}

// healthDoc is the JSON shape returned by GET /healthz.
type healthDoc struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]serviceInfo `json:"services"`
}

type serviceInfo struct {
	Healthy   bool    `json:"healthy"`
	LastError string  `json:"last_error,omitempty"`
	UptimeSec float64 `json:"uptime_sec,omitempty"`
}

// Server serves /healthz and /metrics on a single HTTP listener.
type Server struct {
	registry   *Registry
	supervisor *supervisor.Supervisor
	logger     *slog.Logger
	mux        *http.ServeMux

	mu          sync.RWMutex
	overallMode string
}

// NewServer builds the health/metrics HTTP handler. sup is polled on
// every /healthz request for the current task table.
func NewServer(registry *Registry, sup *supervisor.Supervisor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:    registry,
		supervisor:  sup,
		logger:      logger,
		mux:         http.NewServeMux(),
		overallMode: StatusStarting,
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
}

// SetMode overrides the reported top-level status, used by main to flip
// into "shutting_down" once the supervisor begins Shutdown.
func (s *Server) SetMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overallMode = mode
}

func (s *Server) mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overallMode
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	doc := healthDoc{
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]serviceInfo),
	}

	anyCriticalDegraded := false
	if s.supervisor != nil {
		for _, st := range s.supervisor.Statuses() {
			doc.Services[st.Name] = serviceInfo{
				Healthy:   st.Healthy,
				LastError: st.LastError,
				UptimeSec: st.UptimeSec,
			}
			s.registry.SetComponentHealthy(st.Name, st.Healthy)
			if st.Critical && st.Status == supervisor.TaskDegraded {
				anyCriticalDegraded = true
			}
		}
	}

	mode := s.mode()
	switch {
	case mode == StatusShuttingDown:
		doc.Status = StatusShuttingDown
	case mode == StatusStarting:
		doc.Status = StatusStarting
	case anyCriticalDegraded:
		doc.Status = StatusDegraded
	default:
		doc.Status = StatusHealthy
	}

	code := http.StatusOK
	if doc.Status == StatusDegraded {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, doc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
