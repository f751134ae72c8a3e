package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/emergency-dispatch/internal/config"
	"github.com/example/emergency-dispatch/internal/httpapi"
	"github.com/example/emergency-dispatch/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.WithComponent(logging.NewLogger(cfg.LogLevel), "server")

	if cfg.RunMigrations && cfg.PGDSN != "" {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	srv, err := httpapi.NewServerFromEnv()
	if err != nil {
		logger.Error("server wiring failed", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("dispatch API listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	b, err := os.ReadFile(filepath.Join("migrations", "001_create_requests.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
