// Package registry manages the versioned model checkpoint lifecycle: commit,
// lookup and the atomic activation pointer, with a cache in front of the
// active-version read path.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inkwave/titlerec/pkg/cache"
	"github.com/inkwave/titlerec/pkg/observability"
	"github.com/inkwave/titlerec/pkg/storage"
)

// Define static errors
var (
	ErrModelNotReady = errors.New("no active model version")
)

// Registry is the model checkpoint and activation surface.
type Registry interface {
	// Commit persists a checkpoint and returns its assigned version
	Commit(ctx context.Context, cp *storage.ModelCheckpoint) (int64, error)
	// Get returns one committed checkpoint
	Get(ctx context.Context, modelName string, version int64) (*storage.ModelCheckpoint, error)
	// Versions lists committed versions of a model in ascending order
	Versions(ctx context.Context, modelName string) ([]int64, error)
	// ActiveVersion resolves a configuration's serving pointer, cache first
	ActiveVersion(ctx context.Context, configID string) (int64, error)
	// Active returns the checkpoint behind a configuration's serving pointer
	Active(ctx context.Context, cfg *storage.Configuration) (*storage.ModelCheckpoint, error)
	// Activate atomically moves the serving pointer and refreshes the cache
	Activate(ctx context.Context, configID string, version int64) error
}

type registry struct {
	log         logrus.FieldLogger
	configs     storage.ConfigStore
	checkpoints storage.CheckpointStore
	cache       *cache.Cache
}

// New creates a model registry.
func New(log logrus.FieldLogger, configs storage.ConfigStore, checkpoints storage.CheckpointStore, c *cache.Cache) Registry {
	return &registry{
		log:         log.WithField("component", "registry"),
		configs:     configs,
		checkpoints: checkpoints,
		cache:       c,
	}
}

func (r *registry) Commit(ctx context.Context, cp *storage.ModelCheckpoint) (int64, error) {
	if cp.TrainedAt.IsZero() {
		cp.TrainedAt = time.Now().UTC()
	}

	version, err := r.checkpoints.CommitCheckpoint(ctx, cp)
	if err != nil {
		return 0, err
	}

	r.log.WithFields(logrus.Fields{
		"model":   cp.ModelName,
		"version": version,
	}).Info("Committed model checkpoint")

	return version, nil
}

func (r *registry) Get(ctx context.Context, modelName string, version int64) (*storage.ModelCheckpoint, error) {
	return r.checkpoints.GetCheckpoint(ctx, modelName, version)
}

func (r *registry) Versions(ctx context.Context, modelName string) ([]int64, error) {
	return r.checkpoints.ListCheckpointVersions(ctx, modelName)
}

func (r *registry) ActiveVersion(ctx context.Context, configID string) (int64, error) {
	var version int64
	if r.cache.Get(ctx, cache.ActiveVersionKey(configID), &version) {
		return version, nil
	}

	cfg, err := r.configs.GetConfiguration(ctx, configID)
	if err != nil {
		return 0, err
	}

	r.cache.Set(ctx, cache.ActiveVersionKey(configID), cfg.ActiveModelVersion)

	return cfg.ActiveModelVersion, nil
}

func (r *registry) Active(ctx context.Context, cfg *storage.Configuration) (*storage.ModelCheckpoint, error) {
	version, err := r.ActiveVersion(ctx, cfg.ConfigID)
	if err != nil {
		return nil, err
	}

	if version == 0 {
		return nil, fmt.Errorf("%w: config %s", ErrModelNotReady, cfg.ConfigID)
	}

	return r.checkpoints.GetCheckpoint(ctx, cfg.ModelName, version)
}

// Activate is the sole mutator of the serving pointer. The store enforces
// that the target version exists; the cache is refreshed after the swap so
// readers converge immediately.
func (r *registry) Activate(ctx context.Context, configID string, version int64) error {
	if err := r.configs.SetActiveVersion(ctx, configID, version); err != nil {
		return err
	}

	r.cache.Set(ctx, cache.ActiveVersionKey(configID), version)
	observability.SetActiveModelVersion(configID, version)

	r.log.WithFields(logrus.Fields{
		"config_id": configID,
		"version":   version,
	}).Info("Activated model version")

	return nil
}
