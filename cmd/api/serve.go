package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"notebook/api/internal/app"
	"notebook/api/internal/authpw"
	"notebook/api/internal/metrics"
	"notebook/api/internal/session"
	"notebook/api/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AutoMigrate {
		if err := store.ApplyMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	dataStore := store.NewPostgresStore(db)

	var sessions authpw.SessionStore = dataStore
	var redisStore *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		slog.Info("using redis for signed-out tokens")
		redisStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		sessions = redisStore
	} else {
		slog.Info("using postgres for signed-out tokens")
	}

	credentials := authpw.NewService(dataStore, sessions, cfg.BcryptCost)
	service := app.New(dataStore, credentials)
	if redisStore != nil {
		service.AddReadinessCheck("redis", redisStore.Ping)
	}

	opts := []app.Option{app.WithLogger(slog.Default())}
	if cfg.MetricsEnabled {
		opts = append(opts, app.WithMetrics(metrics.New()))
	}
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, opts...)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("notebook API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
