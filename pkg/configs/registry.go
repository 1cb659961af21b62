// Package configs manages per-site recommendation configurations: the
// named, filterable, schedulable units a model is trained and served for.
package configs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/inkwave/titlerec/pkg/filter"
	"github.com/inkwave/titlerec/pkg/storage"
)

// Define static errors
var (
	ErrNameRequired    = errors.New("configuration name is required")
	ErrSitesRequired   = errors.New("at least one site id is required")
	ErrModelRequired   = errors.New("model name is required")
	ErrInvalidSchedule = errors.New("invalid train schedule")
	ErrInvalidFilter   = errors.New("invalid filter condition")
	ErrInvalidParam    = errors.New("invalid model parameter")
)

// Registry manages recommendation configurations.
type Registry interface {
	// Create validates and persists a new configuration, assigning its id
	Create(ctx context.Context, cfg *storage.Configuration) (*storage.Configuration, error)
	// Update validates and persists changes to an existing configuration
	Update(ctx context.Context, cfg *storage.Configuration) error
	// Get returns one configuration by id
	Get(ctx context.Context, configID string) (*storage.Configuration, error)
	// List returns configurations matching the filter
	List(ctx context.Context, f storage.ConfigurationFilter) ([]*storage.Configuration, error)
	// SetActiveVersion atomically moves the serving pointer of a configuration
	SetActiveVersion(ctx context.Context, configID string, version int64) error
	// Predicate compiles the configuration's filter conditions
	Predicate(cfg *storage.Configuration) (*filter.Predicate, error)
}

type registry struct {
	log   logrus.FieldLogger
	store storage.ConfigStore
}

// NewRegistry creates a configuration registry backed by the given store.
func NewRegistry(log logrus.FieldLogger, store storage.ConfigStore) Registry {
	return &registry{
		log:   log.WithField("component", "configs"),
		store: store,
	}
}

func (r *registry) Create(ctx context.Context, cfg *storage.Configuration) (*storage.Configuration, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	if cfg.ConfigID == "" {
		cfg.ConfigID = uuid.New().String()
	}

	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	cfg.ActiveModelVersion = 0

	if err := r.store.CreateConfiguration(ctx, cfg); err != nil {
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"config_id": cfg.ConfigID,
		"model":     cfg.ModelName,
		"sites":     len(cfg.SiteIDs),
	}).Info("Created configuration")

	return cfg, nil
}

func (r *registry) Update(ctx context.Context, cfg *storage.Configuration) error {
	if err := validate(cfg); err != nil {
		return err
	}

	cfg.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdateConfiguration(ctx, cfg); err != nil {
		return err
	}

	r.log.WithField("config_id", cfg.ConfigID).Info("Updated configuration")

	return nil
}

func (r *registry) Get(ctx context.Context, configID string) (*storage.Configuration, error) {
	return r.store.GetConfiguration(ctx, configID)
}

func (r *registry) List(ctx context.Context, f storage.ConfigurationFilter) ([]*storage.Configuration, error) {
	return r.store.ListConfigurations(ctx, f)
}

func (r *registry) SetActiveVersion(ctx context.Context, configID string, version int64) error {
	if err := r.store.SetActiveVersion(ctx, configID, version); err != nil {
		return err
	}

	r.log.WithFields(logrus.Fields{
		"config_id": configID,
		"version":   version,
	}).Info("Moved active model version")

	return nil
}

func (r *registry) Predicate(cfg *storage.Configuration) (*filter.Predicate, error) {
	return filter.Compile(cfg.Filters)
}

// ValidateScheduleFormat validates a cron schedule expression.
func ValidateScheduleFormat(schedule string) error {
	_, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	return nil
}

func validate(cfg *storage.Configuration) error {
	if cfg.Name == "" {
		return ErrNameRequired
	}

	if len(cfg.SiteIDs) == 0 {
		return ErrSitesRequired
	}

	if cfg.ModelName == "" {
		return ErrModelRequired
	}

	if cfg.TrainSchedule != "" {
		if err := ValidateScheduleFormat(cfg.TrainSchedule); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}
	}

	for i := range cfg.Filters {
		if err := cfg.Filters[i].Validate(); err != nil {
			return fmt.Errorf("%w: condition %d: %w", ErrInvalidFilter, i, err)
		}
	}

	if _, err := filter.Compile(cfg.Filters); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}

	for name, value := range cfg.ModelParams {
		if value < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidParam, name)
		}
	}

	return nil
}
