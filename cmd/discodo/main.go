package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/decave27/discodo/internal/config"
	"github.com/decave27/discodo/internal/metrics"
	"github.com/decave27/discodo/internal/player"
	"github.com/decave27/discodo/internal/proxy"
	"github.com/decave27/discodo/internal/resolver"
	"github.com/decave27/discodo/internal/server"
	"github.com/decave27/discodo/internal/session"
	"github.com/decave27/discodo/internal/status"
	"github.com/decave27/discodo/internal/version"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Node starting",
		slog.String("service", version.Name),
		slog.String("version", version.Version),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without secrets)
	logger.Info("Configuration loaded",
		slog.String("bind_address", cfg.Server.Address),
		slog.Int("port", cfg.Server.Port),
		slog.Duration("heartbeat_interval", cfg.Websocket.GetHeartbeatInterval()),
		slog.Duration("websocket_timeout", cfg.Websocket.GetTimeout()),
		slog.Duration("rebind_timeout", cfg.Websocket.GetRebindTimeout()),
		slog.Int("proxy_rate_limit", cfg.Proxy.RateLimit),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.New()
	logger.Info("Prometheus metrics initialized")

	// Initialize the session registry with the playback collaborator factory
	registry := session.NewRegistry(player.Factory, logger, appMetrics)
	logger.Info("Session registry initialized")

	// Initialize the stream proxy opener
	opener := proxy.NewOpener(nil, cfg.Proxy.GetRequestTimeout(), logger)

	// Source resolution is delegated; the node itself resolves nothing.
	sourceResolver := resolver.Func(func(ctx context.Context, query string) (interface{}, error) {
		return nil, fmt.Errorf("no source resolver configured")
	})

	collector := status.NewCollector(version.Name, version.Version, registry)

	// Initialize HTTP server (websocket endpoint included)
	httpServer := server.New(cfg, logger, registry, sourceResolver, collector, opener, appMetrics)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Node started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new connections)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Destroy remaining sessions
	registry.Stop()

	logger.Info("Node stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
