package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const webhookTimeout = 10 * time.Second

// Waker signals the control plane that a player is waiting on a sleeping
// server. The webhook is advisory: the proxy never blocks a session on the
// HTTP response, target reachability is the readiness signal.
type Waker interface {
	Notify(ctx context.Context) error
}

// WebhookWaker POSTs the wake request to the control plane webhook.
type WebhookWaker struct {
	url      string
	serverID int64
	token    string
	client   *http.Client
}

// NewWebhookWaker creates a waker for the given webhook endpoint.
func NewWebhookWaker(url string, serverID int64, token string) *WebhookWaker {
	return &WebhookWaker{
		url:      url,
		serverID: serverID,
		token:    token,
		client:   &http.Client{Timeout: webhookTimeout},
	}
}

type wakeRequest struct {
	ServerID int64  `json:"server_id"`
	Token    string `json:"token"`
}

// Notify sends the wake signal. A non-200 response is an error; the caller
// logs it and relies on its own hold loop.
func (w *WebhookWaker) Notify(ctx context.Context) error {
	body, err := json.Marshal(wakeRequest{ServerID: w.serverID, Token: w.token})
	if err != nil {
		return fmt.Errorf("encoding wake request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building wake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending wake signal for server %d: %w", w.serverID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wake signal for server %d rejected: status %d", w.serverID, resp.StatusCode)
	}
	return nil
}
