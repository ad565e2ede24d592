// Package gateway serves the operational HTTP surface: liveness,
// readiness, a JSON status summary, and prometheus metrics. It is
// bind-local by default and never exposed to chat platforms.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kea-bot/kea/internal/config"
	"github.com/kea-bot/kea/internal/telemetry"
	"github.com/kea-bot/kea/pkg/statusapi"
)

// Transport is the slice of a platform channel the status surface
// reports on. The channel adapters satisfy it.
type Transport interface {
	Name() string
	Running() bool
}

// Server is the status HTTP server.
type Server struct {
	cfg        config.GatewayConfig
	version    string
	startedAt  time.Time
	metrics    *telemetry.Metrics
	gatherer   prometheus.Gatherer
	transports []Transport

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a status server. The gatherer is the registry the
// metrics recorder was registered on; nil falls back to the default.
func NewServer(cfg config.GatewayConfig, version string, m *telemetry.Metrics, g prometheus.Gatherer) *Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		metrics:   m,
		gatherer:  g,
	}
}

// AddTransport registers a platform channel for readiness and status
// reporting. Call before Start.
func (s *Server) AddTransport(t Transport) {
	s.transports = append(s.transports, t)
}

// BuildMux creates and caches the mux with all routes registered.
// Call this before Start if the same routes need to be served on an
// additional listener (e.g. Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("status server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusapi.HealthResponse{
		Status:  "ok",
		Version: s.version,
	})
}

// handleReadyz reports 503 until every registered transport is
// connected, so process supervisors hold traffic during startup and
// reconnect windows.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ready := true
	channels := make([]statusapi.ChannelStatus, 0, len(s.transports))
	for _, t := range s.transports {
		running := t.Running()
		ready = ready && running
		channels = append(channels, statusapi.ChannelStatus{Name: t.Name(), Running: running})
	}

	code := http.StatusOK
	status := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"channels": channels,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	channels := make([]statusapi.ChannelStatus, 0, len(s.transports))
	for _, t := range s.transports {
		channels = append(channels, statusapi.ChannelStatus{Name: t.Name(), Running: t.Running()})
	}

	var counters statusapi.Counters
	if s.metrics != nil {
		snap := s.metrics.Snapshot()
		var limited int64
		for _, n := range snap.RateLimited {
			limited += n
		}
		counters = statusapi.Counters{
			Processed:      snap.Processed,
			LockContention: snap.LockContention,
			RateLimited:    limited,
			APICalls:       snap.APICalls,
			APIErrors:      snap.APIErrors,
		}
	}

	writeJSON(w, http.StatusOK, statusapi.StatusResponse{
		Status:    "ok",
		Version:   s.version,
		StartedAt: s.startedAt,
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
		Channels:  channels,
		Counters:  counters,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("status response encode failed", "error", err)
	}
}
