// Package main initializes and starts the development identity service,
// setting up configuration, logging, the database, repositories, services
// and handlers.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/atinyakov/GophSession/internal/config"
	"github.com/atinyakov/GophSession/internal/db"
	"github.com/atinyakov/GophSession/internal/logger"
	"github.com/atinyakov/GophSession/internal/repository"
	"github.com/atinyakov/GophSession/internal/server/handler/http"
	"github.com/atinyakov/GophSession/internal/service"
	"go.uber.org/zap"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	// Parse command-line, config file and environment configuration.
	options, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}
	zapLogger := log.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL connection.
	postgresDB, err := db.InitPostgres(options.DatabaseDSN)
	if err != nil {
		zapLogger.Fatal("cannot init database", zap.Error(err))
	}
	defer postgresDB.Close()

	// Purge sessions that can no longer be refreshed, and stale codes.
	db.StartExpiredSessionCleaner(ctx, postgresDB,
		10*time.Minute,        // interval
		service.RefreshWindow, // retention
		zapLogger,
	)

	identityRepo := repository.NewPostgresIdentityRepository(postgresDB)
	sessionRepo := repository.NewPostgresSessionRepository(postgresDB)
	authService := service.NewAuthService(identityRepo, sessionRepo, options.SessionTTL.Std())

	identityHandler := &http.IdentityHandler{
		Service:   authService,
		PublicURL: options.PublicURL,
		Log:       logger.Named(zapLogger, "handler"),
	}
	router := http.NewRouter(identityHandler, authService, zapLogger)

	server := &nethttp.Server{
		Addr:              options.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zapLogger.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	zapLogger.Info("starting HTTP server", zap.String("addr", options.Port))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		zapLogger.Fatal("failed to start HTTP server", zap.Error(err))
	}
	zapLogger.Info("server stopped")
}
