// Package gamequery probes live game servers for player counts through
// per-game adapters. The lifecycle controller only needs CPU to decide
// idleness; player counts are for operators and dashboards.
package gamequery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wakegate/wakegate/internal/model"
)

// PlayerInfo is a point-in-time population sample of one server.
type PlayerInfo struct {
	Online  bool     `json:"online"`
	Current int      `json:"current"`
	Max     int      `json:"max"`
	Players []string `json:"players,omitempty"`
}

// GameSpec is the static description of a supported game.
type GameSpec struct {
	DockerImage string         `json:"docker_image"`
	DefaultPort int            `json:"default_port"`
	MinRAM      string         `json:"min_ram"`
	MinCPU      string         `json:"min_cpu"`
	Protocol    model.Protocol `json:"protocol"`
	Description string         `json:"description,omitempty"`
}

// Adapter knows how to describe and query one game family.
type Adapter interface {
	// ID is the stable registry key, e.g. "minecraft-java".
	ID() string
	// Spec returns the static deployment description.
	Spec() GameSpec
	// Players samples the population of a live server.
	Players(ctx context.Context, host string, port int) (*PlayerInfo, error)
	// SelfTest verifies the adapter can operate in this environment.
	SelfTest(ctx context.Context) error
}

// Registry holds the installed adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register installs an adapter. Re-registering an ID is a programming error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.ID()]; ok {
		return fmt.Errorf("adapter %q already registered", a.ID())
	}
	r.adapters[a.ID()] = a
	return nil
}

// Lookup returns the adapter for an ID.
func (r *Registry) Lookup(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for %q", id)
	}
	return a, nil
}

// IDs lists the registered adapter IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
