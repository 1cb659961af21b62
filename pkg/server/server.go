package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof is intentionally exposed when pprofAddr is configured
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/inkwave/titlerec/pkg/api"
	"github.com/inkwave/titlerec/pkg/cache"
	"github.com/inkwave/titlerec/pkg/configs"
	"github.com/inkwave/titlerec/pkg/engine"
	"github.com/inkwave/titlerec/pkg/features"
	"github.com/inkwave/titlerec/pkg/matrix"
	"github.com/inkwave/titlerec/pkg/metrics"
	"github.com/inkwave/titlerec/pkg/observability"
	"github.com/inkwave/titlerec/pkg/orchestrator"
	"github.com/inkwave/titlerec/pkg/registry"
	"github.com/inkwave/titlerec/pkg/source"
	"github.com/inkwave/titlerec/pkg/storage"
	"github.com/inkwave/titlerec/pkg/storage/memory"
	"github.com/inkwave/titlerec/pkg/storage/postgres"
	"github.com/inkwave/titlerec/pkg/trainer"
)

// Service encapsulates the recommendation service application logic
type Service struct {
	config *Config
	log    *logrus.Logger

	store        storage.Store
	source       source.Client
	features     features.Service
	orchestrator orchestrator.Service
	api          api.Service

	// Servers
	healthServer *http.Server
	pprofServer  *http.Server

	redisClient *goredis.Client
}

// NewService creates a new service application
func NewService(log *logrus.Logger, cfg *Config) (*Service, error) {
	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := newStore(log, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	src, err := source.NewClient(log, &cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to create source client: %w", err)
	}

	redisClient := goredis.NewClient(cfg.Redis.Options())
	resultCache := cache.New(log, redisClient, cfg.Redis.PrefixKey("cache"), cfg.Cache.TTL)

	configRegistry := configs.NewRegistry(log, store)
	modelRegistry := registry.New(log, store, store, resultCache)

	featureService, err := features.NewService(log, &cfg.Features, src, store)
	if err != nil {
		return nil, fmt.Errorf("failed to create feature service: %w", err)
	}

	builder := matrix.NewBuilder(log, &cfg.Matrix, src)
	collector := metrics.New(log, store, store)

	orchestratorService, err := orchestrator.NewService(
		log,
		&cfg.Orchestrator,
		&cfg.Redis,
		store,
		store,
		modelRegistry,
		builder,
		trainer.New(log),
		collector,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator service: %w", err)
	}

	engineService, err := engine.New(log, &cfg.Engine, store, modelRegistry, src, store, resultCache)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	apiService := api.NewService(log, &cfg.API, engineService, orchestratorService, configRegistry, modelRegistry, collector, store)

	return &Service{
		log:    log,
		config: cfg,

		store:        store,
		source:       src,
		features:     featureService,
		orchestrator: orchestratorService,
		api:          apiService,
		redisClient:  redisClient,
	}, nil
}

func newStore(log *logrus.Logger, cfg *StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case DriverMemory:
		return memory.New(), nil
	default:
		return postgres.New(log, &cfg.Postgres)
	}
}

// Start initializes and starts the service
func (a *Service) Start() error {
	a.log.Info("Starting titlerec...")

	ctx := context.Background()

	// Start metrics server
	observability.StartMetricsServer(a.config.MetricsAddr)
	a.log.WithField("addr", a.config.MetricsAddr).Info("Started metrics server")

	// Start health check server if configured
	if a.config.HealthCheckAddr != "" {
		a.startHealthCheck()
	}

	// Start pprof server if configured
	if a.config.PProfAddr != "" {
		a.startPProf()
	}

	// Open the store and run migrations
	if err := a.store.Start(ctx); err != nil {
		return fmt.Errorf("failed to start storage backend: %w", err)
	}

	// Verify upstream connectivity
	if err := a.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start source client: %w", err)
	}

	// Start feature aggregation
	if err := a.features.Start(ctx); err != nil {
		return fmt.Errorf("failed to start feature service: %w", err)
	}

	// Start training orchestrator
	if err := a.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	// Start API service
	if err := a.api.Start(ctx); err != nil {
		return fmt.Errorf("failed to start API service: %w", err)
	}

	a.log.Info("titlerec started successfully")

	return nil
}

// Stop gracefully shuts down the service
func (a *Service) Stop() error {
	a.log.Info("Shutting down...")

	// Create a timeout context for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Helper function to stop a service
	stopService := func(name string, stopFunc func() error) {
		if stopFunc == nil {
			return
		}
		if err := stopFunc(); err != nil {
			a.log.WithError(err).Errorf("Failed to stop %s", name)
		}
	}

	// Stop all services.
	// 1. Stop the orchestrator first (stop scheduling and drain workers)
	if a.orchestrator != nil {
		stopService("orchestrator service", a.orchestrator.Stop)
	}

	// 2. Stop the API (stop accepting requests)
	if a.api != nil {
		stopService("API service", a.api.Stop)
	}

	// 3. Stop feature aggregation
	if a.features != nil {
		stopService("feature service", a.features.Stop)
	}

	// 4. Stop the source client
	if a.source != nil {
		stopService("source client", a.source.Stop)
	}

	// 5. Close Redis (now safe, nothing is using it)
	if a.redisClient != nil {
		stopService("Redis client", a.redisClient.Close)
	}

	// Stop the store (critical - return error if fails)
	if a.store != nil {
		if err := a.store.Stop(); err != nil {
			a.log.WithError(err).Error("Failed to stop storage backend")
			return err
		}
	}

	// Stop HTTP servers
	if a.healthServer != nil {
		stopService("health check server", func() error { return a.healthServer.Shutdown(ctx) })
	}
	if a.pprofServer != nil {
		stopService("pprof server", func() error { return a.pprofServer.Shutdown(ctx) })
	}

	return nil
}

func (a *Service) startHealthCheck() {
	a.log.WithField("addr", a.config.HealthCheckAddr).Info("Starting health check server")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	a.healthServer = &http.Server{
		Addr:              a.config.HealthCheckAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Health check server failed")
		}
	}()
}

func (a *Service) startPProf() {
	a.log.WithField("addr", a.config.PProfAddr).Info("Starting pprof server")

	a.pprofServer = &http.Server{
		Addr:              a.config.PProfAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	go func() {
		if err := a.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Pprof server failed")
		}
	}()
}
