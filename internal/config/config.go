package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ControlPlane holds all configuration for the control plane process.
type ControlPlane struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	// Database
	Database DatabaseConfig `yaml:"database"`

	// Node agent
	NodeAgentURL string `yaml:"node_agent_url"`
	NodeSecret   string `yaml:"node_secret"`

	// Lifecycle controller
	TickInterval     time.Duration `yaml:"tick_interval"`
	IdleCPUThreshold float64       `yaml:"idle_cpu_threshold"`
	IdleAfter        time.Duration `yaml:"idle_after"`
	CreditsPerMinute string        `yaml:"credits_per_minute"`

	LogLevel string `yaml:"log_level"`
}

// NodeAgent holds all configuration for the node agent process.
type NodeAgent struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	NodeSecret  string `yaml:"node_secret"`

	// Proxy sidecar image and the webhook it reports to.
	ProxyImage string `yaml:"proxy_image"`
	WebhookURL string `yaml:"webhook_url"`

	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// DefaultControlPlane returns ControlPlane config with sensible defaults.
func DefaultControlPlane() ControlPlane {
	return ControlPlane{
		BindAddress:      "0.0.0.0",
		Port:             8000,
		NodeAgentURL:     "http://127.0.0.1:8001",
		NodeSecret:       "dev_secret",
		TickInterval:     5 * time.Minute,
		IdleCPUThreshold: 5.0,
		IdleAfter:        15 * time.Minute,
		CreditsPerMinute: "0.1",
		LogLevel:         "info",
		Database: DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "wakegate",
			Password: "wakegate",
			DBName:   "wakegate",
			SSLMode:  "disable",
		},
	}
}

// DefaultNodeAgent returns NodeAgent config with sensible defaults.
func DefaultNodeAgent() NodeAgent {
	return NodeAgent{
		BindAddress: "0.0.0.0",
		Port:        8001,
		NodeSecret:  "dev_secret",
		ProxyImage:  "wakegate/wake-proxy:latest",
		WebhookURL:  "http://127.0.0.1:8000/api/webhook/wake",
		LogLevel:    "info",
	}
}

// LoadControlPlane loads control plane config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadControlPlane(path string) (ControlPlane, error) {
	cfg := DefaultControlPlane()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadNodeAgent loads node agent config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadNodeAgent(path string) (NodeAgent, error) {
	cfg := DefaultNodeAgent()
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}
