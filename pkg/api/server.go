// Package api serves the orchestrator's read-only HTTP surface and the
// dashboard WebSocket feed. It owns no pipeline state; everything it returns
// is a snapshot taken through the orchestrator's accessors.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/logger"
	"github.com/loomhq/loom/pkg/pipeline"
)

// Server is the HTTP API server for the orchestration dashboard.
type Server struct {
	cfg       *config.Config
	orch      *pipeline.Orchestrator
	wsHub     *WSHub
	startTime time.Time
	server    *http.Server
}

// NewServer creates the API server and its websocket hub.
func NewServer(cfg *config.Config, orch *pipeline.Orchestrator) *Server {
	s := &Server{
		cfg:       cfg,
		orch:      orch,
		startTime: time.Now(),
	}
	s.wsHub = NewWSHub(s)
	return s
}

// Hub exposes the dashboard fan-out so it can be attached to the
// orchestrator as its Broadcaster.
func (s *Server) Hub() *WSHub { return s.wsHub }

// Start runs the hub loop and the HTTP listener until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	go s.wsHub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/liveness", s.handleLiveness)
	mux.HandleFunc("/health/readiness", s.handleReadiness)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/pipelines", s.handlePipelines)
	mux.HandleFunc("/pipelines/", s.handlePipeline)
	mux.HandleFunc("/ws", s.wsHub.HandleWebSocket)

	s.server = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.InfoCF("api", "Dashboard API listening", map[string]interface{}{
		"addr": s.cfg.ListenAddr,
	})
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                "healthy",
		"service":               "loom-orchestrator",
		"is_running":            s.orch.IsRunning(),
		"subscribe_topics":      s.cfg.SubscribeTopics,
		"publish_topic":         s.cfg.EventsTopic,
		"active_pipelines":      s.orch.ActivePipelines(),
		"websocket_connections": s.wsHub.ClientCount(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.orch.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":        "loom-orchestrator",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"topics": map[string]interface{}{
			"subscribe": s.cfg.SubscribeTopics,
			"publish":   s.cfg.EventsTopic,
		},
		"orchestrator": s.orch.Status(),
		"websockets": map[string]interface{}{
			"active_connections": s.wsHub.ClientCount(),
		},
	})
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	pipelines := s.orch.Pipelines()
	byID := make(map[string]pipeline.Pipeline, len(pipelines))
	for _, p := range pipelines {
		byID[p.PipelineID] = p
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_pipelines": byID,
		"recent_messages":  s.orch.RecentMessages(50),
	})
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/pipelines/")
	if id == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "pipeline not found"})
		return
	}

	p, ok := s.orch.Pipeline(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "pipeline not found"})
		return
	}

	var related []pipeline.HistoryEntry
	for _, entry := range s.orch.RecentMessages(0) {
		if entry.PipelineID == id {
			related = append(related, entry)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pipeline": p,
		"messages": related,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.ErrorCF("api", "Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
