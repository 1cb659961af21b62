// Package handlers implements the request handlers for the titlerec API.
package handlers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/inkwave/titlerec/pkg/configs"
	"github.com/inkwave/titlerec/pkg/engine"
	"github.com/inkwave/titlerec/pkg/metrics"
	"github.com/inkwave/titlerec/pkg/orchestrator"
	"github.com/inkwave/titlerec/pkg/registry"
	"github.com/inkwave/titlerec/pkg/storage"
)

// Server holds the handler dependencies.
type Server struct {
	engine       engine.Engine
	orchestrator orchestrator.Service
	registry     configs.Registry
	models       registry.Registry
	collector    metrics.Collector
	runs         storage.TrainingRunStore
	log          logrus.FieldLogger
}

// NewServer creates a new API server instance.
func NewServer(
	eng engine.Engine,
	orch orchestrator.Service,
	reg configs.Registry,
	models registry.Registry,
	collector metrics.Collector,
	runs storage.TrainingRunStore,
	log logrus.FieldLogger,
) *Server {
	return &Server{
		engine:       eng,
		orchestrator: orch,
		registry:     reg,
		models:       models,
		collector:    collector,
		runs:         runs,
		log:          log.WithField("component", "api.handlers"),
	}
}

// RegisterRoutes attaches all handlers to the router group.
func (s *Server) RegisterRoutes(router fiber.Router) {
	router.Get("/recommendations", s.GetRecommendations)
	router.Get("/titles/:id/similar", s.GetSimilarTitles)
	router.Post("/train", s.TriggerTraining)

	router.Get("/configs", s.ListConfigurations)
	router.Post("/configs", s.CreateConfiguration)
	router.Get("/configs/:id", s.GetConfiguration)
	router.Put("/configs/:id", s.UpdateConfiguration)
	router.Post("/configs/:id/activate", s.ActivateVersion)

	router.Get("/configs/:id/metrics", s.GetLatestMetrics)
	router.Get("/models/:model/metrics", s.GetMetricsHistory)
	router.Get("/models/:model/versions", s.ListVersions)
	router.Get("/models/:model/runs", s.ListRuns)
}

// GetRecommendations serves ranked recommendations for a user.
func (s *Server) GetRecommendations(c fiber.Ctx) error {
	configID := c.Query("config_id")
	if configID == "" {
		return ErrConfigIDRequired
	}

	userID := fiber.Query[int64](c, "user_id")
	if userID == 0 {
		return ErrUserIDRequired
	}

	resp, err := s.engine.Recommend(c.Context(), engine.Request{
		ConfigID:     configID,
		UserID:       userID,
		Limit:        fiber.Query[int](c, "limit"),
		FilterViewed: fiber.Query[bool](c, "filter_viewed"),
	})
	if err != nil {
		return httpError(err)
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

// GetSimilarTitles serves titles closest to one title in factor space.
func (s *Server) GetSimilarTitles(c fiber.Ctx) error {
	configID := c.Query("config_id")
	if configID == "" {
		return ErrConfigIDRequired
	}

	titleID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || titleID <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid title id")
	}

	resp, err := s.engine.SimilarTitles(c.Context(), engine.SimilarRequest{
		ConfigID: configID,
		TitleID:  titleID,
		Limit:    fiber.Query[int](c, "limit"),
	})
	if err != nil {
		return httpError(err)
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

type trainRequest struct {
	ConfigID string `json:"config_id"`
	Force    bool   `json:"force"`
}

type trainResponse struct {
	ConfigID     string `json:"config_id"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	ModelVersion int64  `json:"model_version,omitempty"`
	Error        string `json:"error,omitempty"`
}

// TriggerTraining requests a training run for one configuration.
func (s *Server) TriggerTraining(c fiber.Ctx) error {
	var req trainRequest
	if err := c.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if req.ConfigID == "" {
		return ErrConfigIDRequired
	}

	result, err := s.orchestrator.Trigger(c.Context(), req.ConfigID, req.Force)

	resp := trainResponse{
		ConfigID:     req.ConfigID,
		Status:       string(result.Status),
		Message:      triggerMessage(result),
		ModelVersion: result.ModelVersion,
	}
	if err != nil {
		if result.Status != orchestrator.StatusFailed {
			return httpError(err)
		}

		// a failed run is a valid outcome, reported in the body rather
		// than as a transport error
		resp.Error = err.Error()
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

// triggerMessage renders a human-readable outcome for a trigger.
func triggerMessage(result *orchestrator.TriggerResult) string {
	switch result.Status {
	case orchestrator.StatusTrained:
		if result.Activated {
			return fmt.Sprintf("model version %d trained and activated", result.ModelVersion)
		}

		return fmt.Sprintf("model version %d trained but not activated, previous version kept", result.ModelVersion)
	case orchestrator.StatusStarted:
		return "training run enqueued"
	case orchestrator.StatusSkipped:
		return "training already in progress"
	default:
		return "training run failed"
	}
}

// ListConfigurations returns configurations, optionally filtered by site.
func (s *Server) ListConfigurations(c fiber.Ctx) error {
	f := storage.ConfigurationFilter{
		ActiveOnly: fiber.Query[bool](c, "active_only"),
	}

	// site_ids accepts a comma separated list; site_id remains as the
	// single-value form
	if raw := c.Query("site_ids"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid site_ids")
			}

			f.SiteIDs = append(f.SiteIDs, id)
		}
	} else if siteID := fiber.Query[int64](c, "site_id"); siteID != 0 {
		f.SiteIDs = []int64{siteID}
	}

	list, err := s.registry.List(c.Context(), f)
	if err != nil {
		return httpError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"configurations": list,
		"count":          len(list),
	})
}

// GetConfiguration returns one configuration.
func (s *Server) GetConfiguration(c fiber.Ctx) error {
	cfg, err := s.registry.Get(c.Context(), c.Params("id"))
	if err != nil {
		return httpError(err)
	}

	return c.Status(fiber.StatusOK).JSON(cfg)
}

// CreateConfiguration validates and persists a new configuration.
func (s *Server) CreateConfiguration(c fiber.Ctx) error {
	var cfg storage.Configuration
	if err := c.Bind().Body(&cfg); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	created, err := s.registry.Create(c.Context(), &cfg)
	if err != nil {
		return httpError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

// UpdateConfiguration replaces the mutable fields of a configuration.
func (s *Server) UpdateConfiguration(c fiber.Ctx) error {
	var cfg storage.Configuration
	if err := c.Bind().Body(&cfg); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	cfg.ConfigID = c.Params("id")

	if err := s.registry.Update(c.Context(), &cfg); err != nil {
		return httpError(err)
	}

	return c.Status(fiber.StatusOK).JSON(cfg)
}

type activateRequest struct {
	Version int64 `json:"version"`
}

// ActivateVersion moves the serving pointer of a configuration.
func (s *Server) ActivateVersion(c fiber.Ctx) error {
	var req activateRequest
	if err := c.Bind().Body(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	configID := c.Params("id")

	if err := s.registry.SetActiveVersion(c.Context(), configID, req.Version); err != nil {
		return httpError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"config_id": configID,
		"version":   req.Version,
	})
}

// GetLatestMetrics returns the newest metric snapshot for a configuration.
func (s *Server) GetLatestMetrics(c fiber.Ctx) error {
	rec, err := s.collector.Latest(c.Context(), c.Params("id"))
	if err != nil {
		return httpError(err)
	}

	return c.Status(fiber.StatusOK).JSON(rec)
}

// GetMetricsHistory returns metric snapshots for a model version.
func (s *Server) GetMetricsHistory(c fiber.Ctx) error {
	history, err := s.collector.History(c.Context(), c.Params("model"), fiber.Query[int64](c, "version"))
	if err != nil {
		return httpError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"metrics": history,
		"count":   len(history),
	})
}

// ListVersions returns the committed checkpoint versions for a model in
// ascending order.
func (s *Server) ListVersions(c fiber.Ctx) error {
	versions, err := s.models.Versions(c.Context(), c.Params("model"))
	if err != nil {
		return httpError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"versions": versions,
		"count":    len(versions),
	})
}

// ListRuns returns the most recent training runs for a model.
func (s *Server) ListRuns(c fiber.Ctx) error {
	limit := fiber.Query[int](c, "limit")
	if limit <= 0 {
		limit = 20
	}

	runs, err := s.runs.ListRuns(c.Context(), c.Params("model"), limit)
	if err != nil {
		return httpError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"runs":  runs,
		"count": len(runs),
	})
}
