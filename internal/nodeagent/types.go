// Package nodeagent is the authenticated HTTP surface by which the control
// plane drives the container orchestrator on a node, plus the client the
// control plane uses to call it.
package nodeagent

// DeployRequest is the wire form of a deploy call.
type DeployRequest struct {
	ServerID int64             `json:"server_id"`
	Image    string            `json:"image"`
	Port     int               `json:"port"`
	Protocol string            `json:"protocol"`
	EnvVars  map[string]string `json:"env_vars"`
	MinRAM   string            `json:"min_ram"`
	MinCPU   string            `json:"min_cpu"`
	Webhook  WebhookConfig     `json:"webhook_config"`
}

// WebhookConfig is the wake-webhook wiring handed to the proxy sidecar.
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"backend_url"`
	Token   string `json:"webhook_secret"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type logsResponse struct {
	Logs string `json:"logs"`
}
