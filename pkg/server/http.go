package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPHandler returns the admin router: /healthz, /metrics, and /ws when a
// WebSocket gateway is given. It reads only atomic counters and never
// touches the reactor's connections.
func (s *Server) HTTPHandler(ws http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.HealthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	if ws != nil {
		r.Handle("/ws", ws)
	}

	return r
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := struct {
		Status string `json:"status"`
		Stats
		MaxConnections int `json:"max_connections"`
	}{
		Status:         "healthy",
		Stats:          s.Stats(),
		MaxConnections: s.config.MaxConnections,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}
