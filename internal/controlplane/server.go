// Package controlplane serves the control plane's HTTP surface: the wake
// webhook the proxy sidecars call and a health probe.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/wakegate/wakegate/internal/config"
)

// Waker authorises and executes webhook-driven wakes.
// *lifecycle.Controller satisfies it.
type Waker interface {
	WakeOnWebhook(ctx context.Context, serverID int64, token string) bool
}

type wakeRequest struct {
	ServerID int64  `json:"server_id"`
	Token    string `json:"token"`
}

type wakeResponse struct {
	Success bool `json:"success"`
}

// Server is the control plane HTTP server.
type Server struct {
	cfg   config.ControlPlane
	waker Waker
}

// NewServer creates the HTTP server over a waker.
func NewServer(cfg config.ControlPlane, waker Waker) *Server {
	return &Server{cfg: cfg, waker: waker}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/webhook/wake", s.handleWake)
	return mux
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

	slog.Info("control plane listening", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control plane server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleWake accepts the proxy sidecar's wake request. Any rejection, from a
// bad token to an unfunded owner, is a plain 400; the proxy only needs to
// know whether to keep holding the connection.
func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	var req wakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wakeResponse{Success: false})
		return
	}
	if !s.waker.WakeOnWebhook(r.Context(), req.ServerID, req.Token) {
		writeJSON(w, http.StatusBadRequest, wakeResponse{Success: false})
		return
	}
	writeJSON(w, http.StatusOK, wakeResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}
