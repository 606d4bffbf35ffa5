package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wakegate/wakegate/internal/config"
	"github.com/wakegate/wakegate/internal/nodeagent"
	"github.com/wakegate/wakegate/internal/orchestrator"
)

const configPath = "config/nodeagent.yaml"

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
	cfgPath := configPath
	if p := os.Getenv("WAKEGATE_NODEAGENT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadNodeAgent(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("node agent starting",
		"bind", cfg.BindAddress,
		"port", cfg.Port,
		"proxy_image", cfg.ProxyImage,
		"log_level", cfg.LogLevel)

	engine, err := orchestrator.NewFromEnv(cfg.ProxyImage)
	if err != nil {
		return fmt.Errorf("connecting to container engine: %w", err)
	}
	slog.Info("container engine connected")

	server := nodeagent.NewServer(cfg, engine)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Run(gctx); err != nil {
			return fmt.Errorf("rpc server: %w", err)
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
