package model

import (
	"fmt"
	"time"
)

// ServerState is the lifecycle state of a game server.
type ServerState string

const (
	StateRunning  ServerState = "RUNNING"
	StateSleeping ServerState = "SLEEPING"
	StateStarting ServerState = "STARTING"
	StateStopping ServerState = "STOPPING"
)

// Valid reports whether s is a known state.
func (s ServerState) Valid() bool {
	switch s {
	case StateRunning, StateSleeping, StateStarting, StateStopping:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving from s to next.
// STARTING and STOPPING may roll back to their origin state when the
// orchestrator call fails.
func (s ServerState) CanTransition(next ServerState) bool {
	switch s {
	case StateSleeping:
		return next == StateStarting
	case StateStarting:
		return next == StateRunning || next == StateSleeping
	case StateRunning:
		return next == StateStopping
	case StateStopping:
		return next == StateSleeping || next == StateRunning
	}
	return false
}

// Protocol is the wire protocol a game image speaks on its internal port.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ParseProtocol normalises and validates a protocol string.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolTCP, ProtocolUDP:
		return Protocol(s), nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// Server is one hosted game server and its container bundle.
// The bundle fields (ProxyContainerID, GameContainerID, NetworkName,
// PublicPort) are either all set after a successful deploy or all empty.
type Server struct {
	ID          int64
	UserID      int64
	GameImageID int64

	FriendlyName string
	EnvVars      map[string]string

	ProxyContainerID string
	GameContainerID  string
	PublicPort       int
	NetworkName      string

	State           ServerState
	AutoSleep       bool
	CreatedAt       time.Time
	LastStateChange time.Time
}

// Deployed reports whether the server has an allocated container bundle.
func (s *Server) Deployed() bool {
	return s.GameContainerID != ""
}

// VolumeName derives the data volume name for the server.
func (s *Server) VolumeName() string {
	return fmt.Sprintf("game-data-%d", s.ID)
}
