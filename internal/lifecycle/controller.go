// Package lifecycle hosts the reconciler that hibernates idle servers,
// meters running ones against user credit balances and authorises
// webhook-driven wakes.
package lifecycle

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakegate/wakegate/internal/db"
	"github.com/wakegate/wakegate/internal/model"
	"github.com/wakegate/wakegate/internal/orchestrator"
)

// ServerStore is the server persistence surface the controller needs.
type ServerStore interface {
	GetByID(ctx context.Context, id int64) (*model.Server, error)
	ListByState(ctx context.Context, state model.ServerState) ([]model.Server, error)
	UpdateStateCAS(ctx context.Context, id int64, from, to model.ServerState) (bool, error)
}

// UserStore is the user/ledger persistence surface the controller needs.
type UserStore interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
	Debit(ctx context.Context, userID int64, amount decimal.Decimal, description string) error
	AddCredits(ctx context.Context, userID int64, amount decimal.Decimal, description string) error
}

// NodeClient drives the orchestrator on the node hosting the containers.
type NodeClient interface {
	Wake(ctx context.Context, serverID int64, gameContainerID string) error
	Hibernate(ctx context.Context, serverID int64, gameContainerID string) error
	Stats(ctx context.Context, serverID int64, gameContainerID string) (*orchestrator.Stats, error)
}

// Config tunes the controller.
type Config struct {
	TickInterval     time.Duration
	IdleCPUThreshold float64
	IdleAfter        time.Duration
	ChargePerTick    decimal.Decimal
	NodeSecret       string
}

// ChargePerTick derives the per-tick charge from a per-minute rate.
func ChargePerTick(creditsPerMinute decimal.Decimal, tick time.Duration) decimal.Decimal {
	return creditsPerMinute.Mul(decimal.NewFromFloat(tick.Minutes()))
}

// Controller is the single long-lived reconciler. One instance runs per
// control plane; per-server updates use CAS on the state column so a
// concurrent user action simply wins and the controller drops its write.
type Controller struct {
	servers ServerStore
	users   UserStore
	node    NodeClient
	cfg     Config
}

// New wires a controller.
func New(servers ServerStore, users UserStore, node NodeClient, cfg Config) *Controller {
	return &Controller{servers: servers, users: users, node: node, cfg: cfg}
}

// Run reconciles on a fixed tick until ctx is cancelled. Sweep errors are
// logged and the controller moves on to the next tick.
func (c *Controller) Run(ctx context.Context) error {
	slog.Info("lifecycle controller started", "tick", c.cfg.TickInterval)
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("lifecycle controller stopped")
			return nil
		case <-ticker.C:
		}
		c.Tick(ctx)
	}
}

// Tick runs one reconcile pass: the idle sweep, then the billing sweep.
// The two are never interleaved.
func (c *Controller) Tick(ctx context.Context) {
	if err := c.idleSweep(ctx); err != nil {
		slog.Error("idle sweep failed", "error", err)
	}
	if err := c.billingSweep(ctx); err != nil {
		slog.Error("billing sweep failed", "error", err)
	}
}

// idleSweep hibernates RUNNING auto-sleep servers whose CPU has been below
// the threshold for the full idle window.
func (c *Controller) idleSweep(ctx context.Context) error {
	running, err := c.servers.ListByState(ctx, model.StateRunning)
	if err != nil {
		return fmt.Errorf("listing running servers: %w", err)
	}

	for _, srv := range running {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !srv.AutoSleep || !srv.Deployed() {
			continue
		}

		stats, err := c.node.Stats(ctx, srv.ID, srv.GameContainerID)
		if err != nil {
			slog.Error("stats query failed", "server_id", srv.ID, "error", err)
			continue
		}
		if stats.CPUPercent >= c.cfg.IdleCPUThreshold {
			continue
		}
		if time.Since(srv.LastStateChange) < c.cfg.IdleAfter {
			continue
		}

		slog.Info("server idle, hibernating",
			"server_id", srv.ID, "cpu_percent", stats.CPUPercent)
		c.hibernate(ctx, &srv)
	}
	return nil
}

// billingSweep charges every RUNNING server's owner for the elapsed tick.
// Owners who cannot cover the charge get the server hibernated instead of
// a debit.
func (c *Controller) billingSweep(ctx context.Context) error {
	running, err := c.servers.ListByState(ctx, model.StateRunning)
	if err != nil {
		return fmt.Errorf("listing running servers: %w", err)
	}

	for _, srv := range running {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		user, err := c.users.GetByID(ctx, srv.UserID)
		if err != nil {
			slog.Error("loading owner failed", "server_id", srv.ID, "user_id", srv.UserID, "error", err)
			continue
		}
		if user == nil {
			slog.Error("server has no owner", "server_id", srv.ID, "user_id", srv.UserID)
			continue
		}

		if !user.CanAfford(c.cfg.ChargePerTick) {
			slog.Warn("insufficient credits, hibernating server",
				"server_id", srv.ID, "user_id", user.ID, "credits", user.Credits)
			c.hibernate(ctx, &srv)
			continue
		}

		desc := fmt.Sprintf("Server %s (%d) usage charge", srv.FriendlyName, srv.ID)
		err = c.users.Debit(ctx, user.ID, c.cfg.ChargePerTick, desc)
		if errors.Is(err, db.ErrInsufficientCredits) {
			// Balance moved between the read and the debit; treat it the
			// same as an unfunded owner.
			c.hibernate(ctx, &srv)
			continue
		}
		if err != nil {
			slog.Error("debit failed", "server_id", srv.ID, "user_id", user.ID, "error", err)
		}
	}
	return nil
}

// hibernate moves a server RUNNING→STOPPING→SLEEPING around the node call.
// A lost CAS means a concurrent writer changed the state first; the update
// is dropped without error.
func (c *Controller) hibernate(ctx context.Context, srv *model.Server) {
	ok, err := c.servers.UpdateStateCAS(ctx, srv.ID, model.StateRunning, model.StateStopping)
	if err != nil {
		slog.Error("state update failed", "server_id", srv.ID, "error", err)
		return
	}
	if !ok {
		slog.Info("state changed concurrently, skipping hibernate", "server_id", srv.ID)
		return
	}

	if err := c.node.Hibernate(ctx, srv.ID, srv.GameContainerID); err != nil {
		slog.Error("hibernate failed, reverting state", "server_id", srv.ID, "error", err)
		if _, err := c.servers.UpdateStateCAS(ctx, srv.ID, model.StateStopping, model.StateRunning); err != nil {
			slog.Error("state revert failed", "server_id", srv.ID, "error", err)
		}
		return
	}

	if _, err := c.servers.UpdateStateCAS(ctx, srv.ID, model.StateStopping, model.StateSleeping); err != nil {
		slog.Error("state update failed", "server_id", srv.ID, "error", err)
	}
}

// WakeOnWebhook authorises and executes a proxy-initiated wake. Returns
// true only when the server ends up awake on behalf of this (or a
// concurrent, equivalent) request. Rejections mutate nothing.
func (c *Controller) WakeOnWebhook(ctx context.Context, serverID int64, token string) bool {
	if subtle.ConstantTimeCompare([]byte(token), []byte(c.cfg.NodeSecret)) != 1 {
		slog.Warn("invalid webhook token", "server_id", serverID)
		return false
	}

	srv, err := c.servers.GetByID(ctx, serverID)
	if err != nil || srv == nil {
		slog.Warn("webhook for unknown server", "server_id", serverID, "error", err)
		return false
	}
	if !srv.Deployed() {
		slog.Warn("webhook for undeployed server", "server_id", serverID)
		return false
	}

	user, err := c.users.GetByID(ctx, srv.UserID)
	if err != nil || user == nil {
		slog.Error("loading owner failed", "server_id", serverID, "error", err)
		return false
	}
	if !user.Credits.IsPositive() {
		slog.Warn("wake denied, no credits", "server_id", serverID, "user_id", user.ID)
		return false
	}

	ok, err := c.servers.UpdateStateCAS(ctx, serverID, model.StateSleeping, model.StateStarting)
	if err != nil {
		slog.Error("state update failed", "server_id", serverID, "error", err)
		return false
	}
	if !ok {
		// Someone else is waking (or woke) it. Concurrent wakes converge:
		// report success if the server is on its way up.
		current, err := c.servers.GetByID(ctx, serverID)
		if err != nil || current == nil {
			return false
		}
		return current.State == model.StateStarting || current.State == model.StateRunning
	}

	slog.Info("webhook wake", "server_id", serverID)
	if err := c.node.Wake(ctx, serverID, srv.GameContainerID); err != nil {
		slog.Error("wake failed, reverting state", "server_id", serverID, "error", err)
		if _, err := c.servers.UpdateStateCAS(ctx, serverID, model.StateStarting, model.StateSleeping); err != nil {
			slog.Error("state revert failed", "server_id", serverID, "error", err)
		}
		return false
	}

	if _, err := c.servers.UpdateStateCAS(ctx, serverID, model.StateStarting, model.StateRunning); err != nil {
		slog.Error("state update failed", "server_id", serverID, "error", err)
	}
	return true
}

// AddCredits deposits onto a user's balance and records the ledger entry.
func (c *Controller) AddCredits(ctx context.Context, userID int64, amount decimal.Decimal, description string) error {
	if description == "" {
		description = "Deposit"
	}
	if err := c.users.AddCredits(ctx, userID, amount, description); err != nil {
		return fmt.Errorf("adding credits to user %d: %w", userID, err)
	}
	slog.Info("credits added", "user_id", userID, "amount", amount)
	return nil
}
