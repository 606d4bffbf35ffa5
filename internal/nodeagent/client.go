package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/wakegate/wakegate/internal/orchestrator"
)

const (
	clientTimeout = 30 * time.Second
	retryBase     = 500 * time.Millisecond
	maxRetries    = 2
)

// Client calls a node agent from the control plane. All wrapped operations
// are idempotent on the node side, so transient failures and 5xx responses
// are retried with backoff.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewClient creates a client for the node agent at baseURL.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: clientTimeout},
	}
}

// Deploy provisions a server bundle on the node.
func (c *Client) Deploy(ctx context.Context, req DeployRequest) (*orchestrator.Bundle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding deploy request: %w", err)
	}
	var bundle orchestrator.Bundle
	if err := c.do(ctx, http.MethodPost, "/deploy", body, &bundle); err != nil {
		return nil, fmt.Errorf("deploying server %d: %w", req.ServerID, err)
	}
	return &bundle, nil
}

// Wake starts the game container for a server.
func (c *Client) Wake(ctx context.Context, serverID int64, gameContainerID string) error {
	path := fmt.Sprintf("/servers/%d/wake?container=%s", serverID, url.QueryEscape(gameContainerID))
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("waking server %d: %w", serverID, err)
	}
	return nil
}

// Hibernate stops the game container for a server.
func (c *Client) Hibernate(ctx context.Context, serverID int64, gameContainerID string) error {
	path := fmt.Sprintf("/servers/%d/hibernate?container=%s", serverID, url.QueryEscape(gameContainerID))
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("hibernating server %d: %w", serverID, err)
	}
	return nil
}

// Delete tears down the server bundle on the node.
func (c *Client) Delete(ctx context.Context, serverID int64, bundle orchestrator.Bundle) error {
	q := url.Values{}
	q.Set("game", bundle.GameContainerID)
	q.Set("proxy", bundle.ProxyContainerID)
	q.Set("network", bundle.NetworkName)
	path := fmt.Sprintf("/servers/%d?%s", serverID, q.Encode())
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("deleting server %d: %w", serverID, err)
	}
	return nil
}

// Stats samples the game container's resource usage.
func (c *Client) Stats(ctx context.Context, serverID int64, gameContainerID string) (*orchestrator.Stats, error) {
	path := fmt.Sprintf("/servers/%d/stats?container=%s", serverID, url.QueryEscape(gameContainerID))
	var stats orchestrator.Stats
	if err := c.do(ctx, http.MethodGet, path, nil, &stats); err != nil {
		return nil, fmt.Errorf("fetching stats for server %d: %w", serverID, err)
	}
	return &stats, nil
}

// Logs fetches the last tail lines of the game container's output.
func (c *Client) Logs(ctx context.Context, serverID int64, gameContainerID string, tail int) (string, error) {
	path := fmt.Sprintf("/servers/%d/logs?container=%s&tail=%s",
		serverID, url.QueryEscape(gameContainerID), strconv.Itoa(tail))
	var resp logsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("fetching logs for server %d: %w", serverID, err)
	}
	return resp.Logs, nil
}

// do performs one authenticated request with retries on network errors and
// 5xx responses. 4xx responses are terminal.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	backoff := retry.WithMaxRetries(maxRetries, retry.NewFibonacci(retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Node-Secret", c.secret)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			return nil
		case resp.StatusCode >= 500:
			return retry.RetryableError(apiError(resp))
		default:
			return apiError(resp)
		}
	})
}

func apiError(resp *http.Response) error {
	var e errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("node agent returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("node agent returned %d", resp.StatusCode)
}
