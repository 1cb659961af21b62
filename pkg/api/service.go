package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/inkwave/titlerec/pkg/api/handlers"
	"github.com/inkwave/titlerec/pkg/configs"
	"github.com/inkwave/titlerec/pkg/engine"
	"github.com/inkwave/titlerec/pkg/metrics"
	"github.com/inkwave/titlerec/pkg/orchestrator"
	"github.com/inkwave/titlerec/pkg/registry"
	"github.com/inkwave/titlerec/pkg/storage"
)

// Service defines the API service interface
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

type service struct {
	app    *fiber.App
	server *http.Server
	config *Config
	log    logrus.FieldLogger

	engine       engine.Engine
	orchestrator orchestrator.Service
	registry     configs.Registry
	models       registry.Registry
	collector    metrics.Collector
	runs         storage.TrainingRunStore
}

// NewService creates the API service.
func NewService(
	log logrus.FieldLogger,
	cfg *Config,
	eng engine.Engine,
	orch orchestrator.Service,
	reg configs.Registry,
	models registry.Registry,
	collector metrics.Collector,
	runs storage.TrainingRunStore,
) Service {
	return &service{
		config:       cfg,
		log:          log.WithField("service", "api"),
		engine:       eng,
		orchestrator: orch,
		registry:     reg,
		models:       models,
		collector:    collector,
		runs:         runs,
	}
}

// Start initializes and starts the API server.
func (s *service) Start(_ context.Context) error {
	if !s.config.Enabled {
		s.log.Info("API service is disabled")
		return nil
	}

	s.app = fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		AppName:      "titlerec API",
	})

	setupMiddleware(s.app)

	server := handlers.NewServer(s.engine, s.orchestrator, s.registry, s.models, s.collector, s.runs, s.log)
	server.RegisterRoutes(s.app.Group("/api/v1"))

	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           adaptor.FiberApp(s.app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.WithField("addr", s.config.Addr).Info("Starting API server")

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Server failed to start")
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *service) Stop() error {
	if s.server == nil {
		return nil
	}

	s.log.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}
