package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Proxy holds the wake-on-connect sidecar configuration. The sidecar is
// configured exclusively through environment variables because it runs as
// a container with no mounted config.
type Proxy struct {
	TargetHost string
	TargetPort int
	ListenPort int
	Protocol   string // "tcp" or "udp"

	WebhookURL   string
	ServerID     int64
	WebhookToken string

	HoldTimeout   time.Duration
	RetryInterval time.Duration
}

// ProxyFromEnv builds the proxy config from the process environment.
// TARGET_HOST, BACKEND_WEBHOOK_URL, SERVER_ID and WEBHOOK_TOKEN are
// required; the sidecar refuses to start without them.
func ProxyFromEnv() (Proxy, error) {
	cfg := Proxy{
		TargetHost:    os.Getenv("TARGET_HOST"),
		TargetPort:    envInt("TARGET_PORT", 25565),
		ListenPort:    envInt("LISTEN_PORT", 25565),
		Protocol:      strings.ToLower(envString("PROTOCOL", "tcp")),
		WebhookURL:    os.Getenv("BACKEND_WEBHOOK_URL"),
		WebhookToken:  os.Getenv("WEBHOOK_TOKEN"),
		HoldTimeout:   time.Duration(envInt("HOLD_TIMEOUT", 60)) * time.Second,
		RetryInterval: time.Duration(envInt("RETRY_INTERVAL", 2)) * time.Second,
	}

	if raw := os.Getenv("SERVER_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("parsing SERVER_ID %q: %w", raw, err)
		}
		cfg.ServerID = id
	}

	var missing []string
	if cfg.TargetHost == "" {
		missing = append(missing, "TARGET_HOST")
	}
	if cfg.WebhookURL == "" {
		missing = append(missing, "BACKEND_WEBHOOK_URL")
	}
	if cfg.ServerID == 0 {
		missing = append(missing, "SERVER_ID")
	}
	if cfg.WebhookToken == "" {
		missing = append(missing, "WEBHOOK_TOKEN")
	}
	if len(missing) > 0 {
		return cfg, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if cfg.Protocol != "tcp" && cfg.Protocol != "udp" {
		return cfg, fmt.Errorf("unknown PROTOCOL %q", cfg.Protocol)
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
