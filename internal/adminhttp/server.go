// Package adminhttp exposes VSTP's operational surface: health, readiness,
// Prometheus scraping, and a read-only view of live sessions and circuit
// breaker states, over a gorilla/mux router.
package adminhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vishurizz/vstp/internal/resilience"
	"github.com/vishurizz/vstp/internal/streamconn"
)

// Server is the admin HTTP surface.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// Dependencies the admin surface reports on. Any may be nil, in which case
// the corresponding endpoint reports an empty/zero view.
type Dependencies struct {
	StreamSessions *streamconn.Manager
	Breakers       *resilience.PeerBreakers
}

// NewServer builds the admin router bound to addr. Start with Serve.
func NewServer(addr string, deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", handleReadyz(deps)).Methods(http.MethodGet)
	r.HandleFunc("/debug/sessions", handleSessions(deps)).Methods(http.MethodGet)
	r.HandleFunc("/debug/breakers", handleBreakers(deps)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Serve runs the admin HTTP server until ctx is canceled, then shuts it
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("adminhttp: listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func handleReadyz(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"status": "ready"})
	}
}

func handleSessions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count := 0
		if deps.StreamSessions != nil {
			count = deps.StreamSessions.Count()
		}
		json.NewEncoder(w).Encode(map[string]any{"active_stream_sessions": count})
	}
}

func handleBreakers(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Breakers == nil {
			json.NewEncoder(w).Encode(map[string]string{})
			return
		}
		snapshot := deps.Breakers.Snapshot()
		out := make(map[string]string, len(snapshot))
		for peer, state := range snapshot {
			out[peer] = state.String()
		}
		json.NewEncoder(w).Encode(out)
	}
}
