package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/otcheredev/dicom-viewer-core/internal/cache"
	"github.com/otcheredev/dicom-viewer-core/internal/config"
	"github.com/otcheredev/dicom-viewer-core/internal/database"
	"github.com/otcheredev/dicom-viewer-core/internal/handlers"
	"github.com/otcheredev/dicom-viewer-core/internal/middleware"
	"github.com/otcheredev/dicom-viewer-core/internal/repository"
	"github.com/otcheredev/dicom-viewer-core/internal/services"
	"github.com/otcheredev/dicom-viewer-core/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"gorm.io/gorm"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the viewer configuration file")
	envFile := pflag.String("env-file", ".env", "dotenv file applied before VIEWER_* overrides")
	pflag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatal().Err(err).Msg("Failed to load env file")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatal().Err(err).Msg("Invalid environment override")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	l := logger.Init(cfg.Log.Level, cfg.Log.Format)
	l.Info().Str("data_source", cfg.DefaultDataSourceName).Msg("Starting DICOM viewer core")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	backend, err := cache.NewBackend(cfg.Cache)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to create cache backend")
	}
	l.Info().Str("type", cfg.Cache.Type).Msg("Cache backend initialized")

	opts := services.Options{Backend: backend, Registerer: reg}

	var db *gorm.DB
	var auditRepo *repository.AuditRepository
	if cfg.Audit.Enabled {
		if db, err = database.Connect(cfg.Audit); err != nil {
			l.Fatal().Err(err).Msg("Failed to connect to audit database")
		}
		defer database.Close(db)
		auditRepo = repository.NewAuditRepository(db)
		opts.Audit = auditRepo
	}

	viewer, err := services.NewViewerService(cfg, opts, l)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to create viewer service")
	}
	defer viewer.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	if err := viewer.Start(startCtx); err != nil {
		l.Error().Err(err).Msg("Start-up study not activated")
	}
	cancelStart()

	checks := []handlers.Check{{
		Name:     "archive",
		Critical: true,
		Probe: func(ctx context.Context) error {
			_, err := viewer.TestConnection(ctx)
			return err
		},
	}}
	if redis, ok := backend.(*cache.RedisCache); ok {
		checks = append(checks, handlers.Check{Name: "redis", Critical: true, Probe: redis.Ping})
	}
	if db != nil {
		checks = append(checks, handlers.Check{
			Name:  "audit",
			Probe: func(context.Context) error { return database.Ping(db) },
		})
	}
	healthHandler := handlers.NewHealthHandler(checks...)
	viewerHandler := handlers.NewViewerHandler(viewer)

	// Setup router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   append(cfg.CORS.AllowedHeaders, middleware.RetrievalClassHeader),
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	r.Route("/viewer", func(r chi.Router) {
		viewerHandler.Routes(r)

		if auditRepo != nil {
			auditHandler := handlers.NewAuditHandler(auditRepo)
			r.Get("/audit", auditHandler.List)
			r.Get("/audit/summary", auditHandler.Summary)
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		l.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	l.Info().Msg("Server stopped")
}
