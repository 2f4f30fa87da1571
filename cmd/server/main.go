package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dream-forge-backend/internal/config"
	"dream-forge-backend/internal/database"
	"dream-forge-backend/internal/events"
	"dream-forge-backend/internal/handlers"
	"dream-forge-backend/internal/ledger"
	"dream-forge-backend/internal/logger"
	"dream-forge-backend/internal/meshopt"
	"dream-forge-backend/internal/metrics"
	"dream-forge-backend/internal/notify"
	"dream-forge-backend/internal/pipeline"
	"dream-forge-backend/internal/providers"
	"dream-forge-backend/internal/services"
	"dream-forge-backend/internal/storage"
	"dream-forge-backend/internal/store"
	"dream-forge-backend/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		boot, _ := logger.New("production")
		boot.Fatal("failed to load configuration", "error", err)
	}

	log, err := logger.New(cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := map[string]handlers.Pinger{}

	// Persistence: PostgreSQL when DATABASE_URL is set, in-memory otherwise.
	var st store.Store
	var closeStore func() error
	if cfg.DatabaseURL != "" {
		db, err := database.NewDatabaseClient(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("failed to connect to database", "error", err)
		}
		if err := database.NewMigrator(db.DB(), log).Run(ctx); err != nil {
			log.Fatal("migrations failed", "error", err)
		}
		log.Info("migrations completed")
		st, closeStore = db, db.Close
		health["database"] = db
	} else {
		log.Warn("DATABASE_URL not set; using the in-memory store, state is lost on restart")
		mem := store.NewMemory()
		st, closeStore = mem, mem.Close
	}

	backend, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatal("failed to initialize storage backend", "backend", cfg.StorageBackend, "error", err)
	}
	files, _ := backend.(*storage.Memory)

	collector := metrics.NewCollector("dreamforge")

	hub := events.NewHub(log)
	publisher, closePublisher, err := events.NewPublisher(ctx, events.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Channel:  cfg.RedisChannel,
	}, hub, log)
	if err != nil {
		log.Fatal("failed to connect to redis", "error", err)
	}
	if p, ok := publisher.(handlers.Pinger); ok && cfg.RedisAddr != "" {
		health["redis"] = p
	}

	prices := config.DefaultPricing(cfg.Currency)
	if cfg.PricingFile != "" {
		prices, err = config.LoadPricing(cfg.PricingFile, cfg.Currency)
		if err != nil {
			log.Fatal("failed to load pricing", "file", cfg.PricingFile, "error", err)
		}
	}

	// Providers
	images := providers.NewGeminiClient(providers.GeminiConfig{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiImageModel,
		Timeout: cfg.ImageTimeout,
	})
	models := providers.NewRegistry(cfg.DefaultMeshProvider,
		providers.NewMeshyClient(providers.MeshyConfig{APIKey: cfg.MeshyAPIKey, BaseURL: cfg.MeshyBaseURL}),
		providers.NewTripoClient(providers.TripoConfig{APIKey: cfg.TripoAPIKey, BaseURL: cfg.TripoBaseURL}),
	)

	dispatcher := services.NewDispatcher(cfg.DispatchWorkers, log, collector)
	l := ledger.New(cfg.SignupBonusCredits)
	artifacts := services.NewArtifactService(backend, log)

	deps := services.PipelineDeps{
		Store:      st,
		Ledger:     l,
		Artifacts:  artifacts,
		Images:     images,
		Models:     models,
		Dispatcher: dispatcher,
		Publisher:  publisher,
		Metrics:    collector,
		Logger:     log,
		Costs: pipeline.Costs{
			Views:   cfg.ViewGenerationCost,
			Mesh:    cfg.MeshGenerationCost,
			Texture: cfg.TextureGenerationCost,
		},
		Timeouts: services.Timeouts{
			Images:  cfg.ImageTimeout,
			Mesh:    cfg.MeshTimeout,
			Texture: cfg.TextureTimeout,
		},
		ViewConcurrency: cfg.ViewConcurrency,
	}
	pipelines := services.NewPipelineService(deps)
	sessions := services.NewSessionService(deps)
	credits := services.NewCreditService(st, l, publisher, collector, log)
	orders := services.NewOrderService(services.OrderDeps{
		Store:      st,
		Prices:     prices,
		Currency:   cfg.Currency,
		Notifier:   notify.NewNotifier(),
		WebhookURL: cfg.OrderWebhookURL,
		Dispatcher: dispatcher,
		Publisher:  publisher,
		Metrics:    collector,
		Logger:     log,
	})
	admin := services.NewAdminService(services.AdminDeps{
		Store:     st,
		Ledger:    l,
		Credits:   credits,
		Models:    models,
		MeshOpt:   meshopt.NewClient(cfg.MeshOptimizerURL),
		Artifacts: artifacts,
		Metrics:   collector,
		Logger:    log,
	})

	// Work in flight when the previous process died can never report back.
	if _, err := pipelines.RecoverInterrupted(ctx); err != nil {
		log.Error("failed to recover interrupted pipelines", "error", err)
	}
	if _, err := sessions.RecoverInterrupted(ctx); err != nil {
		log.Error("failed to recover interrupted sessions", "error", err)
	}

	batch := worker.NewBatchWorker(pipelines, cfg.BatchPollInterval, cfg.BatchClaimSize, log, collector)
	batch.Start(ctx)

	router := handlers.NewRouter(handlers.RouterDeps{
		Config:    cfg,
		Logger:    log,
		Metrics:   collector,
		Pipelines: pipelines,
		Sessions:  sessions,
		Credits:   credits,
		Orders:    orders,
		Admin:     admin,
		Hub:       hub,
		Files:     files,
		Health:    health,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port, "storage", cfg.StorageBackend, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// In-flight provider jobs get the same grace period as open requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown", "error", err)
	}
	if err := batch.Stop(shutdownCtx); err != nil {
		log.Error("batch worker shutdown", "error", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error("dispatcher shutdown", "error", err)
	}
	if err := closePublisher(); err != nil {
		log.Error("event publisher shutdown", "error", err)
	}
	if err := closeStore(); err != nil {
		log.Error("store shutdown", "error", err)
	}
	log.Info("server stopped")
}
