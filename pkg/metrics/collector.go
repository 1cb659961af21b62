// Package metrics records and serves per-version model quality metrics.
package metrics

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inkwave/titlerec/pkg/storage"
)

// Collector records evaluation metrics at commit time and serves them back
// per configuration or per model.
type Collector interface {
	// Record persists one metric snapshot for a model version
	Record(ctx context.Context, modelName string, version int64, values map[string]float64) error
	// Latest returns the newest snapshot for a configuration's model
	Latest(ctx context.Context, configID string) (*storage.MetricRecord, error)
	// History returns snapshots for a model version, newest first
	History(ctx context.Context, modelName string, version int64) ([]*storage.MetricRecord, error)
}

type collector struct {
	log     logrus.FieldLogger
	configs storage.ConfigStore
	store   storage.MetricStore
}

// New creates a metrics collector.
func New(log logrus.FieldLogger, configs storage.ConfigStore, store storage.MetricStore) Collector {
	return &collector{
		log:     log.WithField("component", "metrics"),
		configs: configs,
		store:   store,
	}
}

func (c *collector) Record(ctx context.Context, modelName string, version int64, values map[string]float64) error {
	rec := &storage.MetricRecord{
		ModelName:  modelName,
		Version:    version,
		RecordedAt: time.Now().UTC(),
		Values:     values,
	}

	if err := c.store.RecordMetrics(ctx, rec); err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{
		"model":   modelName,
		"version": version,
	}).Debug("Recorded model metrics")

	return nil
}

func (c *collector) Latest(ctx context.Context, configID string) (*storage.MetricRecord, error) {
	cfg, err := c.configs.GetConfiguration(ctx, configID)
	if err != nil {
		return nil, err
	}

	return c.store.LatestMetrics(ctx, cfg.ModelName)
}

func (c *collector) History(ctx context.Context, modelName string, version int64) ([]*storage.MetricRecord, error) {
	return c.store.MetricsHistory(ctx, modelName, version)
}
