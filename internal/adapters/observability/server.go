// Package observability serves the worker's operational surface: health
// and readiness probes, a JSON metrics snapshot, a prometheus scrape
// endpoint, and optional pprof handlers.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/xjson"
)

// HealthReporter is implemented by the engine: Healthy when the worker can
// serve, Ready when it has finished starting.
type HealthReporter interface {
	Healthy() bool
	Ready() bool
}

// MetricsSource supplies the JSON metrics snapshot.
type MetricsSource interface {
	Snapshot() domain.EngineMetrics
}

type Server struct {
	config   domain.ObservabilityConfig
	server   *http.Server
	logger   *slog.Logger
	health   HealthReporter
	metrics  MetricsSource
	registry *prometheus.Registry

	startTime time.Time
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

type metricsResponse struct {
	Timestamp   time.Time            `json:"timestamp"`
	Runtime     runtimeMetrics       `json:"runtime"`
	Application domain.EngineMetrics `json:"application"`
}

type runtimeMetrics struct {
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
	HeapAlloc    uint64 `json:"heap_alloc_bytes"`
	NumGC        uint32 `json:"gc_cycles"`
}

func NewServer(config domain.ObservabilityConfig, health HealthReporter, metrics MetricsSource, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:   config,
		logger:   logger.With("component", "observability"),
		health:   health,
		metrics:  metrics,
		registry: registry,
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/live", s.handleLive)
	mux.HandleFunc("/ready", s.handleReady)

	if s.config.EnableMetrics {
		mux.HandleFunc("/metrics", s.handleMetrics)
		if s.registry != nil {
			mux.Handle("/metrics/prometheus", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		}
	}

	if s.config.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      mux,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.startTime = time.Now()

	go func() {
		s.logger.Info("observability server listening", "addr", s.config.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("observability server failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.health == nil || s.health.Healthy()
	status := http.StatusOK
	label := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "unhealthy"
	}
	s.writeJSON(w, status, healthResponse{
		Status:    label,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health != nil && !s.health.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ready")
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var app domain.EngineMetrics
	if s.metrics != nil {
		app = s.metrics.Snapshot()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.writeJSON(w, http.StatusOK, metricsResponse{
		Timestamp: time.Now(),
		Runtime: runtimeMetrics{
			GoVersion:    runtime.Version(),
			NumCPU:       runtime.NumCPU(),
			NumGoroutine: runtime.NumGoroutine(),
			HeapAlloc:    mem.HeapAlloc,
			NumGC:        mem.NumGC,
		},
		Application: app,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	payload, err := xjson.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}
