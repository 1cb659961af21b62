package storage

import (
	"context"
	"time"
)

// ConfigStore persists tenant configurations and owns the active-version
// pointer column. Only the model registry mutates the pointer, through
// SetActiveVersion.
type ConfigStore interface {
	// CreateConfiguration inserts a new configuration (ErrConfigExists on duplicate id)
	CreateConfiguration(ctx context.Context, cfg *Configuration) error
	// UpdateConfiguration replaces the mutable fields of an existing configuration
	UpdateConfiguration(ctx context.Context, cfg *Configuration) error
	// GetConfiguration returns one configuration (ErrConfigNotFound if absent)
	GetConfiguration(ctx context.Context, configID string) (*Configuration, error)
	// ListConfigurations returns configurations matching the filter, ordered by config id
	ListConfigurations(ctx context.Context, f ConfigurationFilter) ([]*Configuration, error)
	// SetActiveVersion atomically swaps the active-version pointer. The target
	// version must reference a committed checkpoint of the configuration's
	// model (ErrVersionNotFound otherwise); version 0 clears the pointer.
	// Readers observe either the previous or the new pointer, never a torn one.
	SetActiveVersion(ctx context.Context, configID string, version int64) error
	// UpdateLastTrainTime records the completion time of the latest successful run
	UpdateLastTrainTime(ctx context.Context, configID string, t time.Time) error
}

// CheckpointStore persists immutable versioned model checkpoints.
type CheckpointStore interface {
	// CommitCheckpoint writes a checkpoint and returns its version. With
	// Version == 0 the store assigns the next monotonically increasing
	// version for the model; an explicit version that already exists fails
	// with ErrDuplicateVersion. Committed checkpoints are never overwritten.
	CommitCheckpoint(ctx context.Context, cp *ModelCheckpoint) (int64, error)
	// GetCheckpoint returns one checkpoint (ErrCheckpointNotFound if absent)
	GetCheckpoint(ctx context.Context, modelName string, version int64) (*ModelCheckpoint, error)
	// ListCheckpointVersions returns all committed versions for a model in ascending order
	ListCheckpointVersions(ctx context.Context, modelName string) ([]int64, error)
}

// TrainingRunStore persists the append-only training audit trail and enforces
// the one-live-run-per-model gate and the run status state machine.
type TrainingRunStore interface {
	// CreateRun appends a pending run if the model has no live (pending or
	// running) run, otherwise fails with ErrAlreadyRunning. The insert and
	// the liveness check are a single atomic operation.
	CreateRun(ctx context.Context, run *TrainingRun) error
	// StartRun transitions a run from pending to running
	StartRun(ctx context.Context, runID string) error
	// FinishRun transitions a running run to a terminal status, recording the
	// error category on failure and the committed version on success
	FinishRun(ctx context.Context, runID string, status RunStatus, errorCategory string, modelVersion int64) error
	// GetRun returns one run (ErrRunNotFound if absent)
	GetRun(ctx context.Context, runID string) (*TrainingRun, error)
	// ListRuns returns the most recent runs for a model, newest first
	ListRuns(ctx context.Context, modelName string, limit int) ([]*TrainingRun, error)
	// ReclaimStaleRuns fails live runs started before the cutoff, marking
	// them with the given error category. Returns the number reclaimed.
	ReclaimStaleRuns(ctx context.Context, modelName string, cutoff time.Time, category string) (int, error)
}

// MetricStore persists append-only evaluation metric records.
type MetricStore interface {
	// RecordMetrics appends one metric record
	RecordMetrics(ctx context.Context, rec *MetricRecord) error
	// LatestMetrics returns the newest record for a model (ErrMetricsNotFound if none)
	LatestMetrics(ctx context.Context, modelName string) (*MetricRecord, error)
	// MetricsHistory returns all records for a (model, version), newest first
	MetricsHistory(ctx context.Context, modelName string, version int64) ([]*MetricRecord, error)
}

// FeatureStore persists derived per-entity feature records, unique on entity id.
type FeatureStore interface {
	// UpsertUserFeatures writes or refreshes user feature records
	UpsertUserFeatures(ctx context.Context, features []*UserFeature) error
	// UpsertTitleFeatures writes or refreshes title feature records
	UpsertTitleFeatures(ctx context.Context, features []*TitleFeature) error
	// TopTitleFeatures returns up to limit title records by descending weight sum
	TopTitleFeatures(ctx context.Context, limit int) ([]*TitleFeature, error)
}

// Store is the full persistent store behind the service.
type Store interface {
	ConfigStore
	CheckpointStore
	TrainingRunStore
	MetricStore
	FeatureStore

	// Start opens the backend and runs any pending migrations
	Start(ctx context.Context) error
	// Stop releases backend resources
	Stop() error
}
