package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProvider answers the handful of questions /status needs about
// a running peer, kept as an interface here so this package never
// imports peer (peer already imports metrics for instrumentation).
type StatusProvider interface {
	ID() uint64
	Role() string
	Epoch() uint64
}

// Server exposes Prometheus scraping plus a small JSON status surface
// for ops to poll a node's role and epoch without parsing logs.
type Server struct {
	httpServer *http.Server
}

// NewServer builds the HTTP server for addr. status may be nil, in
// which case /status reports 503 rather than panicking — useful
// during the brief window before New finishes wiring the peer.
func NewServer(addr string, status StatusProvider) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if status == nil {
			http.Error(w, "peer not ready", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			ID    uint64 `json:"id"`
			Role  string `json:"role"`
			Epoch uint64 `json:"epoch"`
		}{ID: status.ID(), Role: status.Role(), Epoch: status.Epoch()})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *Server) Start() error {
	slog.Info("metrics server starting", "addr", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown error", "error", err)
	}
	slog.Info("metrics server stopped")
}
