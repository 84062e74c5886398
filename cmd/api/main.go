package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/avcorpus/internal/api"
	"github.com/timmy/avcorpus/internal/api/middleware"
	"github.com/timmy/avcorpus/internal/config"
	"github.com/timmy/avcorpus/internal/logger"
	"github.com/timmy/avcorpus/internal/repository"
)

// A standalone read-only status server over the progress store. It can run
// next to one or more `avcorpus run` processes sharing the same store.
func main() {
	appLogger := logger.NewWithOptions(nil)
	logger.SetDefaultLogger(appLogger)

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	addr := cfg.Status.Addr
	if addr == "" {
		addr = ":8080"
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	router := api.SetupRouter(api.Deps{
		Items: repository.NewItemStateRepository(db),
		Runs:  repository.NewRunRepository(db),
		Ping:  repository.Ping(db),
		CORS:  middleware.CORSConfig{AllowedOrigins: cfg.Status.AllowedOrigins},
	}, cfg.Status.Mode)

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"addr": addr,
			"mode": cfg.Status.Mode,
		}).Info("Starting status server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	appLogger.Info("Server exited")
	logger.Sync()
}
