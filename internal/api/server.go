// Package api provides the HTTP API for operating a namesys daemon.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spacedatanetwork/sdn-namesys/internal/config"
	"github.com/spacedatanetwork/sdn-namesys/internal/node"
)

var log = logging.Logger("namesys-api")

// Server is the daemon's HTTP front end.
type Server struct {
	config     *config.Config
	node       *node.Node
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer creates an HTTP server for a running node.
func NewServer(cfg *config.Config, n *node.Node) *Server {
	s := &Server{
		config: cfg,
		node:   n,
		mux:    http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	h := NewNameHandler(
		s.node.Keystore(),
		s.node.Store(),
		s.node.Tracker(),
		s.node.Publisher(),
		s.node.Resolver(),
	)
	h.RegisterRoutes(s.mux)

	s.mux.HandleFunc("/health", s.handleHealth)

	if s.config.API.EnableMetrics {
		s.mux.Handle("/metrics", promhttp.Handler())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"peer_id": s.node.PeerID().String(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Start begins serving. It returns immediately; errors from the listener
// are logged.
func (s *Server) Start(ctx context.Context) error {
	// Timeouts guard against slow-client connection exhaustion.
	s.httpServer = &http.Server{
		Addr:              s.config.API.Listen,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Infof("HTTP API listening on %s", s.config.API.Listen)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP API server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down HTTP API: %w", err)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
		},
	})
}
