// Package main is the entry point for the classml orchestration server. It
// dispatches three subcommands — serve, migrate, and version — via a simple
// switch on os.Args so the binary's full CLI surface is readable in one place
// without requiring a cobra dependency. The serve command runs auto-migration
// on startup so freshly deployed containers never need a separate migration
// step.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/classml/classml/internal/api"
	"github.com/classml/classml/internal/backend"
	"github.com/classml/classml/internal/config"
	"github.com/classml/classml/internal/crypto"
	"github.com/classml/classml/internal/db"
	"github.com/classml/classml/internal/db/models"
	"github.com/classml/classml/internal/db/repositories"
	"github.com/classml/classml/internal/jobs"
	"github.com/classml/classml/internal/lifecycle"
	"github.com/classml/classml/internal/notify"
	"github.com/classml/classml/internal/pool"
	"github.com/classml/classml/internal/scratch"
	"github.com/classml/classml/internal/storage"
	"github.com/classml/classml/internal/telemetry"

	// Import storage backends to register them
	_ "github.com/classml/classml/internal/storage/local"
	_ "github.com/classml/classml/internal/storage/s3"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return migrate(cfg, os.Args[2])
	case "version":
		fmt.Printf("classml v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func migrate(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.DSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	return db.RunMigrations(database, direction)
}

func serve(cfg *config.Config) error {
	// Initialise structured logging as early as possible so all subsequent
	// output uses the configured format and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	logger := slog.Default()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY environment variable must be set for credential decryption")
	}
	cipher, err := crypto.NewSecretCipher([]byte(encryptionKey))
	if err != nil {
		return fmt.Errorf("failed to initialize secret cipher: %w", err)
	}

	database, err := db.Connect(cfg.Database.DSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	telemetry.StartDBStatsCollector(database)

	slog.Info("running database migrations")
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Repositories. The policy repository uses sqlx; everything else is plain
	// database/sql.
	credRepo := repositories.NewCredentialRepository(database)
	classifierRepo := repositories.NewClassifierRepository(database)
	projectRepo := repositories.NewProjectRepository(database)
	scratchRepo := repositories.NewScratchKeyRepository(database)
	jobRepo := repositories.NewJobRepository(database)
	policyRepo := repositories.NewPolicyRepository(sqlx.NewDb(database, "postgres"))

	// Training backends, one client per service type. The numbers backend has
	// two deployments; the configured flavor decides which one is called for
	// the whole lifetime of the process.
	timeout := cfg.Backends.RequestTimeout
	backends := backend.Registry{
		models.ServiceText:    backend.NewRESTClient("conv", cfg.Backends.Text.BaseURL, timeout),
		models.ServiceImages:  backend.NewRESTClient("visrec", cfg.Backends.Images.BaseURL, timeout),
		models.ServiceNumbers: backend.NewRESTClient("numbers", cfg.Backends.Numbers.Endpoint(), timeout),
	}
	slog.Info("training backends configured",
		"timeout", timeout,
		"numbers_flavor", cfg.Backends.Numbers.Flavor)

	objects, err := storage.NewStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}
	slog.Info("object store initialized", "backend", cfg.Storage.DefaultBackend)

	notifier := notify.FromConfig(cfg.Notifications, logger)

	// Redis is optional: with no address configured the scratch-key cache is
	// disabled and rate limiting falls back to the in-process limiter.
	var rdb *redis.Client
	var cache scratch.KeyCache
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		cache = scratch.NewRedisCache(rdb, cfg.Redis.ScratchKeyTTL)
		slog.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	allocator := pool.NewAllocator(credRepo, cipher)
	binder := scratch.NewBinder(scratchRepo, projectRepo, allocator, backends, cache, logger)
	manager := lifecycle.NewManager(
		classifierRepo, policyRepo, allocator, binder, backends,
		notifier, logger, cfg.Notifications.ErrorChannel, cfg.Notifications.CapacityChannel,
		lifecycle.BackoffFromConfig(cfg.Scheduler),
	)
	runner := jobs.NewRunner(jobRepo, objects, notifier, logger, cfg.Scheduler, cfg.Notifications.ErrorChannel)

	// Prometheus metrics on a dedicated port so the scrape path stays off the
	// public ingress.
	if cfg.Telemetry.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	router := api.NewRouter(cfg, api.Deps{
		DB:        database,
		Objects:   objects,
		Projects:  projectRepo,
		Lifecycle: manager,
		Scratch:   binder,
		Jobs:      runner,
		Poison:    jobRepo,
		Redis:     rdb,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("server ready", "addr", addr, "base_url", cfg.Server.BaseURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
