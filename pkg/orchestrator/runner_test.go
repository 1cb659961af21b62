package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwave/titlerec/pkg/cache"
	"github.com/inkwave/titlerec/pkg/filter"
	"github.com/inkwave/titlerec/pkg/matrix"
	"github.com/inkwave/titlerec/pkg/metrics"
	"github.com/inkwave/titlerec/pkg/registry"
	"github.com/inkwave/titlerec/pkg/source"
	"github.com/inkwave/titlerec/pkg/storage"
	"github.com/inkwave/titlerec/pkg/storage/memory"
	"github.com/inkwave/titlerec/pkg/trainer"
)

type stubBuilder struct {
	m   *matrix.Interactions
	err error
}

func (b *stubBuilder) Build(_ context.Context, _ source.Window, _ *filter.Predicate) (*matrix.Interactions, error) {
	return b.m, b.err
}

type stubTrainer struct {
	artifact *storage.Artifact
	metrics  map[string]float64
	err      error
}

func (t *stubTrainer) Train(_ context.Context, _ *matrix.Interactions, _ trainer.Params) (*storage.Artifact, map[string]float64, error) {
	return t.artifact, t.metrics, t.err
}

type fixture struct {
	svc     *service
	backend *memory.Backend
	builder *stubBuilder
	trainer *stubTrainer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	backend := memory.New()
	disabled := cache.New(log, nil, "test", time.Minute)

	builder := &stubBuilder{
		m: &matrix.Interactions{Entries: []matrix.Entry{{UserID: 1, TitleID: 10, Weight: 3}}},
	}
	tr := &stubTrainer{
		artifact: &storage.Artifact{
			Factors:      2,
			UserVectors:  map[int64][]float64{1: {0.1, 0.2}},
			TitleVectors: map[int64][]float64{10: {0.3, 0.4}},
		},
		metrics: map[string]float64{"map_at_k": 0.4},
	}

	cfg := &Config{
		Concurrency:         1,
		ReconcileInterval:   time.Minute,
		StaleRunTimeout:     time.Hour,
		TrainWindow:         time.Hour,
		SyncTrigger:         true,
		ActivationMetric:    "map_at_k",
		ActivationThreshold: 0,
	}

	svc := &service{
		log:       log,
		cfg:       cfg,
		done:      make(chan struct{}),
		configs:   backend,
		runs:      backend,
		models:    registry.New(log, backend, backend, disabled),
		builder:   builder,
		trainer:   tr,
		collector: metrics.New(log, backend, backend),
		entries:   make(map[string]string),
	}

	return &fixture{svc: svc, backend: backend, builder: builder, trainer: tr}
}

func seedConfig(t *testing.T, backend *memory.Backend, active bool) *storage.Configuration {
	t.Helper()

	cfg := &storage.Configuration{
		ConfigID:  uuid.New().String(),
		Name:      "front-page",
		SiteIDs:   []int64{1},
		ModelName: "front-page-als",
		IsActive:  active,
	}
	require.NoError(t, backend.CreateConfiguration(context.Background(), cfg))

	return cfg
}

func lastRun(t *testing.T, backend *memory.Backend, model string) *storage.TrainingRun {
	t.Helper()

	runs, err := backend.ListRuns(context.Background(), model, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	return runs[0]
}

func TestTriggerTrainsAndActivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := seedConfig(t, f.backend, true)

	result, err := f.svc.Trigger(ctx, cfg.ConfigID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusTrained, result.Status)
	assert.Equal(t, int64(1), result.ModelVersion)
	assert.True(t, result.Activated)

	run := lastRun(t, f.backend, cfg.ModelName)
	assert.Equal(t, storage.RunSucceeded, run.Status)
	assert.Equal(t, int64(1), run.ModelVersion)
	assert.False(t, run.EndTime.IsZero())

	stored, err := f.backend.GetConfiguration(ctx, cfg.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ActiveModelVersion)
	assert.False(t, stored.LastTrainTime.IsZero())

	latest, err := f.backend.LatestMetrics(ctx, cfg.ModelName)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, latest.Values["map_at_k"], 1e-9)
}

func TestTriggerSkipsLiveRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := seedConfig(t, f.backend, true)

	require.NoError(t, f.backend.CreateRun(ctx, &storage.TrainingRun{
		ID:        uuid.New().String(),
		ModelName: cfg.ModelName,
		ConfigID:  cfg.ConfigID,
		StartTime: time.Now().UTC(),
		Status:    storage.RunPending,
	}))

	result, err := f.svc.Trigger(ctx, cfg.ConfigID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
	assert.Zero(t, result.ModelVersion)
}

func TestTriggerForceNeverPreempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := seedConfig(t, f.backend, true)

	require.NoError(t, f.backend.CreateRun(ctx, &storage.TrainingRun{
		ID:        uuid.New().String(),
		ModelName: cfg.ModelName,
		ConfigID:  cfg.ConfigID,
		StartTime: time.Now().UTC(),
		Status:    storage.RunPending,
	}))

	result, err := f.svc.Trigger(ctx, cfg.ConfigID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
}

func TestTriggerInactiveConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := seedConfig(t, f.backend, false)

	_, err := f.svc.Trigger(ctx, cfg.ConfigID, false)
	require.ErrorIs(t, err, ErrConfigInactive)

	// force bypasses the active check
	result, err := f.svc.Trigger(ctx, cfg.ConfigID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusTrained, result.Status)
}

func TestTriggerUnknownConfig(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Trigger(context.Background(), "missing", false)
	require.ErrorIs(t, err, storage.ErrConfigNotFound)
}

func TestFailedRunRecordsCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := seedConfig(t, f.backend, true)
	f.builder.m = nil
	f.builder.err = matrix.ErrInsufficientData

	result, err := f.svc.Trigger(ctx, cfg.ConfigID, false)
	require.ErrorIs(t, err, matrix.ErrInsufficientData)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Zero(t, result.ModelVersion)

	run := lastRun(t, f.backend, cfg.ModelName)
	assert.Equal(t, storage.RunFailed, run.Status)
	assert.Equal(t, "insufficient_data", run.ErrorCategory)
	assert.Zero(t, run.ModelVersion)

	// nothing was committed or activated
	stored, getErr := f.backend.GetConfiguration(ctx, cfg.ConfigID)
	require.NoError(t, getErr)
	assert.Zero(t, stored.ActiveModelVersion)

	_, cpErr := f.backend.GetCheckpoint(ctx, cfg.ModelName, 1)
	require.ErrorIs(t, cpErr, storage.ErrCheckpointNotFound)
}

func TestActivationThresholdKeepsCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := seedConfig(t, f.backend, true)

	// first run activates unconditionally since nothing is serving yet
	result, err := f.svc.Trigger(ctx, cfg.ConfigID, false)
	require.NoError(t, err)
	require.Equal(t, StatusTrained, result.Status)
	require.True(t, result.Activated)

	// second run scores below the threshold
	f.svc.cfg.ActivationThreshold = 0.5
	f.trainer.metrics = map[string]float64{"map_at_k": 0.1}

	result, err = f.svc.Trigger(ctx, cfg.ConfigID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusTrained, result.Status)
	assert.Equal(t, int64(2), result.ModelVersion)
	assert.False(t, result.Activated)

	stored, err := f.backend.GetConfiguration(ctx, cfg.ConfigID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ActiveModelVersion, "pointer must stay on the serving version")

	// the new version is still committed for manual activation
	_, err = f.backend.GetCheckpoint(ctx, cfg.ModelName, 2)
	require.NoError(t, err)
}

func TestStaleRunsReclaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := seedConfig(t, f.backend, true)

	stale := &storage.TrainingRun{
		ID:        uuid.New().String(),
		ModelName: cfg.ModelName,
		ConfigID:  cfg.ConfigID,
		StartTime: time.Now().UTC().Add(-3 * time.Hour),
		Status:    storage.RunPending,
	}
	require.NoError(t, f.backend.CreateRun(ctx, stale))
	require.NoError(t, f.backend.StartRun(ctx, stale.ID))

	result, err := f.svc.Trigger(ctx, cfg.ConfigID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusTrained, result.Status)

	reclaimed, err := f.backend.GetRun(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, reclaimed.Status)
	assert.Equal(t, "stale", reclaimed.ErrorCategory)
}

func TestCategorize(t *testing.T) {
	assert.Equal(t, "insufficient_data", categorize(matrix.ErrInsufficientData))
	assert.Equal(t, "invalid_hyperparameters", categorize(trainer.ErrInvalidHyperparameters))
	assert.Equal(t, "non_convergence", categorize(trainer.ErrNonConvergence))
	assert.Equal(t, "internal", categorize(assert.AnError))
}
