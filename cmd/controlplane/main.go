package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/wakegate/wakegate/internal/config"
	"github.com/wakegate/wakegate/internal/controlplane"
	"github.com/wakegate/wakegate/internal/db"
	"github.com/wakegate/wakegate/internal/lifecycle"
	"github.com/wakegate/wakegate/internal/nodeagent"
)

const configPath = "config/controlplane.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Load config FIRST to determine log level
	cfgPath := configPath
	if p := os.Getenv("WAKEGATE_CONTROLPLANE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadControlPlane(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("control plane starting",
		"bind", cfg.BindAddress,
		"port", cfg.Port,
		"node_agent", cfg.NodeAgentURL,
		"log_level", cfg.LogLevel)

	database, err := db.New(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()
	slog.Info("database connected")

	if err := db.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("database migrations applied")

	creditsPerMinute, err := decimal.NewFromString(cfg.CreditsPerMinute)
	if err != nil {
		return fmt.Errorf("parsing credits_per_minute %q: %w", cfg.CreditsPerMinute, err)
	}

	servers := db.NewServerRepository(database.Pool())
	users := db.NewUserRepository(database.Pool())
	node := nodeagent.NewClient(cfg.NodeAgentURL, cfg.NodeSecret)

	controller := lifecycle.New(servers, users, node, lifecycle.Config{
		TickInterval:     cfg.TickInterval,
		IdleCPUThreshold: cfg.IdleCPUThreshold,
		IdleAfter:        cfg.IdleAfter,
		ChargePerTick:    lifecycle.ChargePerTick(creditsPerMinute, cfg.TickInterval),
		NodeSecret:       cfg.NodeSecret,
	})

	httpServer := controlplane.NewServer(cfg, controller)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := controller.Run(gctx); err != nil {
			return fmt.Errorf("lifecycle controller: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := httpServer.Run(gctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// parseLogLevel converts string log level to slog.Level.
// Defaults to Info if invalid or empty.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
