// Command yoloe-bridge accepts framed images from producers, runs open-vocabulary
// detection on the freshest frame and streams NDJSON results to subscribers.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/config"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/core"
)

func main() {
	configPath := flag.String("config", "configs/bridge.yaml", "Path to configuration file (empty uses defaults)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath); err != nil {
		slog.Error("yoloe bridge failed", "error", err)
		os.Exit(1)
	}
	slog.Info("yoloe bridge stopped")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	bridge, err := core.NewBridge(cfg)
	if err != nil {
		return err
	}

	// SIGINT/SIGTERM and the control-plane shutdown command both end Run
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting yoloe bridge", "config", configPath, "instance_id", cfg.InstanceID)
	runErr := bridge.Run(ctx)
	if runErr == nil && ctx.Err() == nil {
		slog.Info("shutdown requested via control plane")
	}

	timeout := bridge.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return errors.Join(runErr, bridge.Shutdown(shutdownCtx))
}
