// Package memory provides an ephemeral in-memory storage backend. It is used
// by unit tests and local development; instances are safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/inkwave/titlerec/pkg/storage"
)

// Backend is a mutex-guarded in-memory implementation of storage.Store.
type Backend struct {
	mu sync.RWMutex

	configs     map[string]*storage.Configuration
	checkpoints map[string]map[int64]*storage.ModelCheckpoint
	runs        map[string]*storage.TrainingRun
	runOrder    []string // insertion order, for ListRuns
	metrics     []*storage.MetricRecord
	userFeats   map[int64]*storage.UserFeature
	titleFeats  map[int64]*storage.TitleFeature
}

var _ storage.Store = (*Backend)(nil)

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		configs:     make(map[string]*storage.Configuration),
		checkpoints: make(map[string]map[int64]*storage.ModelCheckpoint),
		runs:        make(map[string]*storage.TrainingRun),
		userFeats:   make(map[int64]*storage.UserFeature),
		titleFeats:  make(map[int64]*storage.TitleFeature),
	}
}

// Start is a no-op for the in-memory backend.
func (b *Backend) Start(_ context.Context) error { return nil }

// Stop is a no-op for the in-memory backend.
func (b *Backend) Stop() error { return nil }

// CreateConfiguration inserts a new configuration.
func (b *Backend) CreateConfiguration(_ context.Context, cfg *storage.Configuration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.configs[cfg.ConfigID]; ok {
		return fmt.Errorf("%w: %s", storage.ErrConfigExists, cfg.ConfigID)
	}

	now := time.Now().UTC()
	stored := cloneConfig(cfg)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	b.configs[cfg.ConfigID] = stored

	return nil
}

// UpdateConfiguration replaces the mutable fields of an existing configuration.
// The active-version pointer is owned by SetActiveVersion and left untouched.
func (b *Backend) UpdateConfiguration(_ context.Context, cfg *storage.Configuration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.configs[cfg.ConfigID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrConfigNotFound, cfg.ConfigID)
	}

	stored := cloneConfig(cfg)
	stored.ActiveModelVersion = existing.ActiveModelVersion
	stored.LastTrainTime = existing.LastTrainTime
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	b.configs[cfg.ConfigID] = stored

	return nil
}

// GetConfiguration returns one configuration.
func (b *Backend) GetConfiguration(_ context.Context, configID string) (*storage.Configuration, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cfg, ok := b.configs[configID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrConfigNotFound, configID)
	}

	return cloneConfig(cfg), nil
}

// ListConfigurations returns configurations matching the filter in config id order.
func (b *Backend) ListConfigurations(_ context.Context, f storage.ConfigurationFilter) ([]*storage.Configuration, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*storage.Configuration, 0, len(b.configs))
	for _, cfg := range b.configs {
		if f.ActiveOnly && !cfg.IsActive {
			continue
		}
		if len(f.SiteIDs) > 0 && !anySiteMatch(cfg.SiteIDs, f.SiteIDs) {
			continue
		}
		out = append(out, cloneConfig(cfg))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ConfigID < out[j].ConfigID })

	return out, nil
}

// SetActiveVersion atomically swaps the active-version pointer.
func (b *Backend) SetActiveVersion(_ context.Context, configID string, version int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg, ok := b.configs[configID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrConfigNotFound, configID)
	}

	if version != 0 {
		if _, ok := b.checkpoints[cfg.ModelName][version]; !ok {
			return fmt.Errorf("%w: %s version %d", storage.ErrVersionNotFound, cfg.ModelName, version)
		}
	}

	cfg.ActiveModelVersion = version
	cfg.UpdatedAt = time.Now().UTC()

	return nil
}

// UpdateLastTrainTime records the completion time of the latest successful run.
func (b *Backend) UpdateLastTrainTime(_ context.Context, configID string, t time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg, ok := b.configs[configID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrConfigNotFound, configID)
	}

	cfg.LastTrainTime = t.UTC()

	return nil
}

// CommitCheckpoint writes an immutable checkpoint, assigning the next version
// when none is given.
func (b *Backend) CommitCheckpoint(_ context.Context, cp *storage.ModelCheckpoint) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	versions, ok := b.checkpoints[cp.ModelName]
	if !ok {
		versions = make(map[int64]*storage.ModelCheckpoint)
		b.checkpoints[cp.ModelName] = versions
	}

	version := cp.Version
	if version == 0 {
		for v := range versions {
			if v > version {
				version = v
			}
		}
		version++
	} else if _, exists := versions[version]; exists {
		return 0, fmt.Errorf("%w: %s version %d", storage.ErrDuplicateVersion, cp.ModelName, version)
	}

	stored := *cp
	stored.Version = version
	if stored.TrainedAt.IsZero() {
		stored.TrainedAt = time.Now().UTC()
	}
	versions[version] = &stored

	return version, nil
}

// GetCheckpoint returns one checkpoint.
func (b *Backend) GetCheckpoint(_ context.Context, modelName string, version int64) (*storage.ModelCheckpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cp, ok := b.checkpoints[modelName][version]
	if !ok {
		return nil, fmt.Errorf("%w: %s version %d", storage.ErrCheckpointNotFound, modelName, version)
	}

	out := *cp

	return &out, nil
}

// ListCheckpointVersions returns committed versions in ascending order.
func (b *Backend) ListCheckpointVersions(_ context.Context, modelName string) ([]int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	versions := make([]int64, 0, len(b.checkpoints[modelName]))
	for v := range b.checkpoints[modelName] {
		versions = append(versions, v)
	}
	slices.Sort(versions)

	return versions, nil
}

// CreateRun appends a pending run, enforcing the one-live-run gate.
func (b *Backend) CreateRun(_ context.Context, run *storage.TrainingRun) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.runs {
		if existing.ModelName == run.ModelName && !existing.Status.Terminal() {
			return fmt.Errorf("%w: %s", storage.ErrAlreadyRunning, run.ModelName)
		}
	}

	stored := *run
	stored.Status = storage.RunPending
	if stored.StartTime.IsZero() {
		stored.StartTime = time.Now().UTC()
	}
	b.runs[run.ID] = &stored
	b.runOrder = append(b.runOrder, run.ID)

	return nil
}

// StartRun transitions a run from pending to running.
func (b *Backend) StartRun(_ context.Context, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrRunNotFound, runID)
	}
	if !run.Status.CanTransition(storage.RunRunning) {
		return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, run.Status, storage.RunRunning)
	}

	run.Status = storage.RunRunning

	return nil
}

// FinishRun transitions a running run to a terminal status.
func (b *Backend) FinishRun(_ context.Context, runID string, status storage.RunStatus, errorCategory string, modelVersion int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrRunNotFound, runID)
	}
	if !status.Terminal() || !run.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, run.Status, status)
	}

	run.Status = status
	run.EndTime = time.Now().UTC()
	run.ErrorCategory = errorCategory
	run.ModelVersion = modelVersion

	return nil
}

// GetRun returns one run.
func (b *Backend) GetRun(_ context.Context, runID string) (*storage.TrainingRun, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, ok := b.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrRunNotFound, runID)
	}

	out := *run

	return &out, nil
}

// ListRuns returns the most recent runs for a model, newest first.
func (b *Backend) ListRuns(_ context.Context, modelName string, limit int) ([]*storage.TrainingRun, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*storage.TrainingRun, 0, limit)
	for i := len(b.runOrder) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		run := b.runs[b.runOrder[i]]
		if run.ModelName != modelName {
			continue
		}
		clone := *run
		out = append(out, &clone)
	}

	return out, nil
}

// ReclaimStaleRuns fails live runs started before the cutoff.
func (b *Backend) ReclaimStaleRuns(_ context.Context, modelName string, cutoff time.Time, category string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reclaimed := 0
	for _, run := range b.runs {
		if run.ModelName != modelName || run.Status.Terminal() {
			continue
		}
		if run.StartTime.Before(cutoff) {
			run.Status = storage.RunFailed
			run.EndTime = time.Now().UTC()
			run.ErrorCategory = category
			reclaimed++
		}
	}

	return reclaimed, nil
}

// RecordMetrics appends one metric record.
func (b *Backend) RecordMetrics(_ context.Context, rec *storage.MetricRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := *rec
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = time.Now().UTC()
	}
	stored.Values = make(map[string]float64, len(rec.Values))
	for k, v := range rec.Values {
		stored.Values[k] = v
	}
	b.metrics = append(b.metrics, &stored)

	return nil
}

// LatestMetrics returns the newest record for a model.
func (b *Backend) LatestMetrics(_ context.Context, modelName string) (*storage.MetricRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var latest *storage.MetricRecord
	for _, rec := range b.metrics {
		if rec.ModelName != modelName {
			continue
		}
		if latest == nil || rec.RecordedAt.After(latest.RecordedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrMetricsNotFound, modelName)
	}

	out := *latest

	return &out, nil
}

// MetricsHistory returns all records for a (model, version), newest first.
func (b *Backend) MetricsHistory(_ context.Context, modelName string, version int64) ([]*storage.MetricRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*storage.MetricRecord, 0)
	for _, rec := range b.metrics {
		if rec.ModelName == modelName && rec.Version == version {
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })

	return out, nil
}

// UpsertUserFeatures writes or refreshes user feature records.
func (b *Backend) UpsertUserFeatures(_ context.Context, features []*storage.UserFeature) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	for _, f := range features {
		stored := *f
		stored.UpdatedAt = now
		b.userFeats[f.UserID] = &stored
	}

	return nil
}

// UpsertTitleFeatures writes or refreshes title feature records.
func (b *Backend) UpsertTitleFeatures(_ context.Context, features []*storage.TitleFeature) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	for _, f := range features {
		stored := *f
		stored.UpdatedAt = now
		b.titleFeats[f.TitleID] = &stored
	}

	return nil
}

// TopTitleFeatures returns up to limit title records by descending weight sum.
func (b *Backend) TopTitleFeatures(_ context.Context, limit int) ([]*storage.TitleFeature, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*storage.TitleFeature, 0, len(b.titleFeats))
	for _, f := range b.titleFeats {
		clone := *f
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WeightSum != out[j].WeightSum {
			return out[i].WeightSum > out[j].WeightSum
		}
		return out[i].TitleID < out[j].TitleID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func cloneConfig(cfg *storage.Configuration) *storage.Configuration {
	out := *cfg
	out.SiteIDs = slices.Clone(cfg.SiteIDs)
	out.Filters = slices.Clone(cfg.Filters)
	if cfg.ModelParams != nil {
		out.ModelParams = make(map[string]float64, len(cfg.ModelParams))
		for k, v := range cfg.ModelParams {
			out.ModelParams[k] = v
		}
	}

	return &out
}

func anySiteMatch(have, want []int64) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}

	return false
}
