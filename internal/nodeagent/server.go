package nodeagent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wakegate/wakegate/internal/config"
	"github.com/wakegate/wakegate/internal/model"
	"github.com/wakegate/wakegate/internal/orchestrator"
)

// Engine is the orchestrator surface the RPC server fronts.
// *orchestrator.Orchestrator satisfies it; tests substitute a fake.
type Engine interface {
	Deploy(ctx context.Context, spec orchestrator.DeploySpec) (*orchestrator.Bundle, error)
	Wake(ctx context.Context, gameContainerID string) error
	Hibernate(ctx context.Context, gameContainerID string) error
	Delete(ctx context.Context, serverID int64, bundle orchestrator.Bundle) error
	Stats(ctx context.Context, containerID string) (*orchestrator.Stats, error)
	Logs(ctx context.Context, containerID string, tail int) (string, error)
}

// Server serves the node-agent RPC endpoints.
type Server struct {
	cfg    config.NodeAgent
	engine Engine
}

// NewServer creates the RPC server over an engine.
func NewServer(cfg config.NodeAgent, engine Engine) *Server {
	return &Server{cfg: cfg, engine: engine}
}

// Handler builds the route table with auth and request-id logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /deploy", s.auth(s.handleDeploy))
	mux.HandleFunc("POST /servers/{id}/wake", s.auth(s.handleWake))
	mux.HandleFunc("POST /servers/{id}/hibernate", s.auth(s.handleHibernate))
	mux.HandleFunc("DELETE /servers/{id}", s.auth(s.handleDelete))
	mux.HandleFunc("GET /servers/{id}/stats", s.auth(s.handleStats))
	mux.HandleFunc("GET /servers/{id}/logs", s.auth(s.handleLogs))
	return requestLog(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("node agent listening", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("node agent server: %w", err)
	}
	return nil
}

// auth rejects requests whose X-Node-Secret header does not match the
// shared secret. Constant-time compare, 403 on mismatch.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Node-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.NodeSecret)) != 1 {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "invalid node secret"})
			return
		}
		next(w, r)
	}
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := uuid.NewString()
		next.ServeHTTP(w, r)
		slog.Info("request",
			"id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	protocol, err := model.ParseProtocol(req.Protocol)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	bundle, err := s.engine.Deploy(r.Context(), orchestrator.DeploySpec{
		ServerID:     req.ServerID,
		ImageRef:     req.Image,
		InternalPort: req.Port,
		Protocol:     protocol,
		EnvVars:      req.EnvVars,
		MinRAM:       req.MinRAM,
		MinCPU:       req.MinCPU,
		Webhook: orchestrator.WebhookConfig{
			Enabled: req.Webhook.Enabled,
			URL:     req.Webhook.URL,
			Token:   req.Webhook.Token,
		},
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrBundleExists) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	containerID := r.URL.Query().Get("container")
	if containerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing container parameter"})
		return
	}
	if err := s.engine.Wake(r.Context(), containerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleHibernate(w http.ResponseWriter, r *http.Request) {
	containerID := r.URL.Query().Get("container")
	if containerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing container parameter"})
		return
	}
	if err := s.engine.Hibernate(r.Context(), containerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	serverID, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	q := r.URL.Query()
	bundle := orchestrator.Bundle{
		GameContainerID:  q.Get("game"),
		ProxyContainerID: q.Get("proxy"),
		NetworkName:      q.Get("network"),
	}
	if err := s.engine.Delete(r.Context(), serverID, bundle); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	containerID := r.URL.Query().Get("container")
	if containerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing container parameter"})
		return
	}
	stats, err := s.engine.Stats(r.Context(), containerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	containerID := r.URL.Query().Get("container")
	if containerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing container parameter"})
		return
	}
	tail := 100
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid tail parameter"})
			return
		}
		tail = n
	}
	logs, err := s.engine.Logs(r.Context(), containerID, tail)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{Logs: logs})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid server id %q", r.PathValue("id"))
	}
	return id, nil
}

func writeError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}
