package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/lucid-vigil/shellguard/pkg/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Provider is the read-only view of the engine the API serves.
type Provider interface {
	Stats() monitor.Stats
	Status(username string) monitor.UserStatus
}

// Server exposes health, metrics and status endpoints.
type Server struct {
	srv *http.Server
}

// NewServer builds the HTTP handler tree for p listening on addr.
func NewServer(addr string, p Provider) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           NewHandler(p),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// NewHandler returns the routes: /healthz, /metrics, /stats and /status.
func NewHandler(p Provider) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(p))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Stats())
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		if user == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user parameter"})
			return
		}
		writeJSON(w, http.StatusOK, p.Status(user))
	})
	return mux
}

// Start serves in a goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().Msgf("API server starting on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server failed")
		}
	}()
}

// Shutdown stops the listener, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode API response")
	}
}
