package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/memberships/internal/app"
	"github.com/rpattn/memberships/internal/auth"
	"github.com/rpattn/memberships/internal/config"
	"github.com/rpattn/memberships/internal/export"
	"github.com/rpattn/memberships/internal/ingestion"
	"github.com/rpattn/memberships/internal/logging"
	"github.com/rpattn/memberships/internal/middleware"
)

func main() {
	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bootLogger := logging.New("info", "json")
	cfg, err := config.Load(envOr("MEMBERSHIPS_CONFIG_PATH", "."), bootLogger)
	if err != nil {
		bootLogger.WithError(err).Fatal("Failed to load config")
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	ctx = logging.WithLogger(ctx, logrus.NewEntry(logger))

	application, err := app.Build(ctx, ctx, cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialise service")
	}
	defer application.Close()

	if application.Queue != nil {
		if err := application.Queue.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start job queue")
		}
	}

	// pick up uploads interrupted by a previous shutdown
	if n, err := application.Service.Resume(ctx); err != nil {
		logger.WithError(err).Error("Failed to resume unfinished uploads")
	} else if n > 0 {
		logger.WithField("uploads", n).Info("Resumed unfinished uploads")
	}

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.Recoverer)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(corsHandler.Handler)
	router.Use(auth.Middleware)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	router.Mount("/", ingestion.NewHTTPHandler(application.Service, export.NewHTTPHandler(application.Reports)))

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.WithFields(logrus.Fields{"addr": cfg.HTTP.Addr, "backend": cfg.Backend}).Info("Starting membership ingestion server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if application.Queue != nil {
		if err := application.Queue.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("Job queue forced to stop")
		}
	}
	// interrupted runs stay processing and are resumed on the next start
	cancel()

	logger.Info("Server exited")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
