// Command scoreserver is the long-running score submission and leaderboard
// daemon.
//
// It loads configuration from a YAML file, connects the authoritative store,
// the ranking boards, the invalidation bus and the upstream services, starts
// the scoring service and exposes an admin HTTP API with health checks and
// Prometheus metrics.
//
// Usage:
//
//	scoreserver [flags]
//
// Flags:
//
//	--config     Path to YAML configuration file
//	--log-level  Log level: DEBUG, INFO, WARN, ERROR  (default INFO)
//	--bind-addr  HTTP server address                  (default :8090)
//	--version    Print version and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/scttfrdmn/scorekeeper/pkg/config"
)

// version is set via -ldflags at build time (see Makefile).
var version = "0.1.0-alpha"

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	logLevelStr := flag.String("log-level", "INFO", "Log level: DEBUG, INFO, WARN, ERROR")
	bindAddr := flag.String("bind-addr", "", "HTTP server address (default :8090, or server.listen_addr from config)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scoreserver %s\n", version)
		os.Exit(0)
	}

	setupLogger(*logLevelStr)

	// ── Load configuration ────────────────────────────────────────────────────

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			slog.Error("failed to load configuration", "path", *configPath, "error", err)
			os.Exit(1)
		}
		slog.Info("configuration loaded", "path", *configPath)
	}
	if *bindAddr != "" {
		cfg.Server.ListenAddr = *bindAddr
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Override log level from config if not set via flag.
	if *logLevelStr == "INFO" && cfg.Global.LogLevel != "" {
		setupLogger(cfg.Global.LogLevel)
	}

	// ── Build the scoring service ─────────────────────────────────────────────

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := wire(ctx, cfg)
	if err != nil {
		slog.Error("failed to wire dependencies", "error", err)
		os.Exit(1)
	}
	defer rt.close()

	if err := rt.svc.Start(ctx); err != nil {
		slog.Error("failed to start scoring service", "error", err)
		os.Exit(1)
	}
	slog.Info("scoring service started",
		"instance", cfg.Global.InstanceName,
		"store", cfg.Database.Driver,
		"bus", cfg.Bus.Transport,
		"locks", cfg.Locks.Backend,
		"bind-addr", cfg.Server.ListenAddr)

	// ── HTTP server ───────────────────────────────────────────────────────────

	api := newServer(rt.svc, rt.breaker, cfg)
	api.ready.Store(true)

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      api.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig)
	api.ready.Store(false)

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}

	// Stop the bus subscription and drain queued side effects before the
	// connections they use are closed.
	cancel()
	rt.svc.Stop()

	slog.Info("scoreserver stopped")
}

// ── Logging ───────────────────────────────────────────────────────────────────

// setupLogger configures the global slog logger with the given level.
func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
