// Command authsrv runs the OAuth 2.1 authorization server with a SQLite
// token store and a development login flow.
//
// Configuration comes from the environment:
//
//	OAUTH_LISTEN_ADDR  listen address (default :8080)
//	OAUTH_ISSUER       issuer base URL (default http://localhost:8080)
//	OAUTH_DB_PATH      SQLite database path (default oauth.db)
//	OAUTH_CLIENTS      JSON client allow-list, e.g. [{"id":"cli","name":"TaskHub CLI"}]
//	OAUTH_SCOPES       comma-separated scope vocabulary
//	OAUTH_TRUST_PROXY  trust X-Forwarded-For / X-Real-IP (default false)
//	OAUTH_OTEL_ENABLED enable OpenTelemetry instrumentation (default false)
//	OAUTH_LOG_LEVEL    debug, info, warn, or error (default info)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/taskhub/oauth"
	"github.com/taskhub/oauth/instrumentation"
	"github.com/taskhub/oauth/security"
	"github.com/taskhub/oauth/server"
	"github.com/taskhub/oauth/storage/sqlite"
)

type config struct {
	ListenAddr      string        `env:"OAUTH_LISTEN_ADDR" envDefault:":8080"`
	Issuer          string        `env:"OAUTH_ISSUER" envDefault:"http://localhost:8080"`
	DatabasePath    string        `env:"OAUTH_DB_PATH" envDefault:"oauth.db"`
	Clients         string        `env:"OAUTH_CLIENTS" envDefault:"[{\"id\":\"cli\",\"name\":\"TaskHub CLI\"}]"`
	Scopes          []string      `env:"OAUTH_SCOPES" envDefault:"tasks:read,tasks:write,profile"`
	TrustProxy      bool          `env:"OAUTH_TRUST_PROXY" envDefault:"false"`
	OtelEnabled     bool          `env:"OAUTH_OTEL_ENABLED" envDefault:"false"`
	LogLevel        string        `env:"OAUTH_LOG_LEVEL" envDefault:"info"`
	CleanupInterval time.Duration `env:"OAUTH_CLEANUP_INTERVAL" envDefault:"1m"`
	ShutdownTimeout time.Duration `env:"OAUTH_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var clients []server.Client
	if err := json.Unmarshal([]byte(cfg.Clients), &clients); err != nil {
		return fmt.Errorf("parse OAUTH_CLIENTS: %w", err)
	}
	registry := server.NewClientRegistry(clients)

	store, err := sqlite.Open(cfg.DatabasePath, cfg.CleanupInterval)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	store.SetLogger(logger)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "oauth-authsrv",
		Enabled:     cfg.OtelEnabled,
	})
	if err != nil {
		return fmt.Errorf("init instrumentation: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			logger.Warn("instrumentation shutdown failed", "error", err)
		}
	}()
	store.SetInstrumentation(inst)

	srv, err := server.New(registry, store, store, &server.Config{
		Issuer:          cfg.Issuer,
		SupportedScopes: cfg.Scopes,
		TrustProxy:      cfg.TrustProxy,
	}, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	srv.SetAuditor(security.NewAuditor(logger, true))

	sessions := newDevSessions()

	handler, err := oauth.NewHandler(srv, sessions, oauth.HandlerConfig{
		LoginURL: "/login",
	}, logger)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}
	handler.SetInstrumentation(inst)
	defer handler.Close()

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	sessions.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authorization server listening",
			"addr", cfg.ListenAddr,
			"issuer", cfg.Issuer,
			"clients", registry.Len())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
