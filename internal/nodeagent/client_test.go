package nodeagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wakegate/wakegate/internal/orchestrator"
)

func TestClient_SendsSecretHeader(t *testing.T) {
	var gotSecret atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret.Store(r.Header.Get("X-Node-Secret"))
		json.NewEncoder(w).Encode(successResponse{Success: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret")
	require.NoError(t, c.Wake(context.Background(), 1, "game-ctr"))
	require.Equal(t, "s3cret", gotSecret.Load())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":"transient"}`, http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(successResponse{Success: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s")
	require.NoError(t, c.Wake(context.Background(), 1, "game-ctr"))
	require.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bundle exists"}`, http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s")
	_, err := c.Deploy(context.Background(), DeployRequest{ServerID: 1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "bundle exists")
	require.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestClient_DeployDecodesBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/deploy", r.URL.Path)
		var req DeployRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, int64(5), req.ServerID)
		json.NewEncoder(w).Encode(orchestrator.Bundle{
			ProxyContainerID: "p",
			GameContainerID:  "g",
			NetworkName:      "net-5",
			PublicPort:       31005,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s")
	bundle, err := c.Deploy(context.Background(), DeployRequest{ServerID: 5})
	require.NoError(t, err)
	require.Equal(t, "g", bundle.GameContainerID)
	require.Equal(t, 31005, bundle.PublicPort)
}

func TestClient_StatsAndLogsPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/servers/2/stats":
			require.Equal(t, "game-ctr", r.URL.Query().Get("container"))
			json.NewEncoder(w).Encode(orchestrator.Stats{CPUPercent: 1.5, Status: "running"})
		case "/servers/2/logs":
			require.Equal(t, "50", r.URL.Query().Get("tail"))
			json.NewEncoder(w).Encode(logsResponse{Logs: "hello\n"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s")

	stats, err := c.Stats(context.Background(), 2, "game-ctr")
	require.NoError(t, err)
	require.Equal(t, 1.5, stats.CPUPercent)

	logs, err := c.Logs(context.Background(), 2, "game-ctr", 50)
	require.NoError(t, err)
	require.Equal(t, "hello\n", logs)
}
