// Package server assembles the gateway's HTTP surface: one WebSocket
// endpoint plus health/readiness probes, wrapped in the usual middleware.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/podlabs/pod-gateway/internal/config"
	"github.com/podlabs/pod-gateway/internal/ws"
)

// Dependencies holds all service dependencies for the server
type Dependencies struct {
	Pool      *pgxpool.Pool
	WSHandler *ws.Handler
	Logger    *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	mux := http.NewServeMux()

	registerRoutes(mux, deps)

	handler := chainMiddleware(mux,
		requestIDMiddleware,
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)

	return &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: handler,
		// No global read/write timeouts: WebSocket connections are
		// long-lived and manage their own deadlines.
		IdleTimeout: 60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	// Health check - essential for docker, k8s, load balancers
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Ready check - verifies directory connectivity
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.Pool == nil || deps.Pool.Ping(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready","error":"directory unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// The realtime endpoint
	mux.Handle("GET /ws/chats/home", deps.WSHandler)
}
