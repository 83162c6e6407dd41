package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/brunobiangulo/caselaw"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON, YAML or TOML)")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before reading CASELAW_* variables")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	flag.Parse()

	// A missing .env is normal outside development.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("loading env file", "path", *envFile, "error", err)
	}

	cfg := caselaw.DefaultConfig()
	if *configPath != "" {
		loaded, err := caselaw.LoadConfig(*configPath)
		if err != nil {
			slog.Error("loading config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		slog.Error("reading environment", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	slog.SetDefault(cfg.NewLogger(os.Stdout))

	engine, err := caselaw.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err, "action", caselaw.ActionOf(err))
		os.Exit(1)
	}
	defer engine.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newServer(engine, cfg.Server),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // uploads and index rebuilds can be long
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr, "index", engine.IndexStatus().Loaded)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// newServer wraps the routes in the middleware chain:
// recovery -> cors -> auth -> logging -> mux.
func newServer(engine caselaw.Engine, cfg caselaw.ServerConfig) http.Handler {
	var handler http.Handler = newHandler(engine).routes()
	handler = logMiddleware(handler)
	handler = authMiddleware(cfg.AuthToken, handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)
	handler = recoveryMiddleware(handler)
	return handler
}
