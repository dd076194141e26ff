package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinsync/internal/app/server/api"
	"clinsync/internal/app/server/config"
	"clinsync/internal/domain/session"
	"clinsync/internal/infrastructure/migration"
	"clinsync/internal/infrastructure/storage/postgres"
	"clinsync/internal/utils/logger"
	"clinsync/internal/utils/logger/sl"

	"golang.org/x/exp/slog"
)

const (
	shutdownTimeout = 10 * time.Second
	cleanupInterval = time.Hour
)

func main() {
	cfg := config.MustLoad()
	log := logger.New(cfg.Env)

	log.Info("Starting clinsync server", slog.String("env", cfg.Env), slog.String("address", cfg.Server.RunAddress))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, err := postgres.New(ctx, cfg, migration.DefaultEngine)
	if err != nil {
		log.Error("Failed to init storage", sl.Err(err))
		os.Exit(1)
	}
	defer storage.Close()

	go cleanupSessions(ctx, session.NewService(postgres.NewSessionRepository(storage, log), log, cfg.Session.TTL))

	srv := &http.Server{
		Addr:              cfg.Server.RunAddress,
		Handler:           api.New(storage, cfg, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server stopped", sl.Err(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown server", sl.Err(err))
	}
}

func cleanupSessions(ctx context.Context, sessions *session.Service) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.Cleanup(ctx)
		}
	}
}
