package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwave/titlerec/pkg/storage"
)

func newTestConfig(id string) *storage.Configuration {
	return &storage.Configuration{
		ConfigID:  id,
		Name:      "test " + id,
		ModelName: id,
		SiteIDs:   []int64{1},
		IsActive:  true,
	}
}

func TestConfigurationCRUD(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.CreateConfiguration(ctx, newTestConfig("cfg-1")))
	require.ErrorIs(t, b.CreateConfiguration(ctx, newTestConfig("cfg-1")), storage.ErrConfigExists)

	got, err := b.GetConfiguration(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, "cfg-1", got.ConfigID)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = b.GetConfiguration(ctx, "cfg-missing")
	require.ErrorIs(t, err, storage.ErrConfigNotFound)

	updated := newTestConfig("cfg-1")
	updated.Name = "renamed"
	require.NoError(t, b.UpdateConfiguration(ctx, updated))
	got, err = b.GetConfiguration(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
}

func TestListConfigurationsFiltering(t *testing.T) {
	ctx := context.Background()
	b := New()

	siteA := newTestConfig("cfg-a")
	siteA.SiteIDs = []int64{1, 2}
	siteB := newTestConfig("cfg-b")
	siteB.SiteIDs = []int64{3}
	inactive := newTestConfig("cfg-c")
	inactive.IsActive = false

	for _, cfg := range []*storage.Configuration{siteA, siteB, inactive} {
		require.NoError(t, b.CreateConfiguration(ctx, cfg))
	}

	all, err := b.ListConfigurations(ctx, storage.ConfigurationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active, err := b.ListConfigurations(ctx, storage.ConfigurationFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	bySite, err := b.ListConfigurations(ctx, storage.ConfigurationFilter{SiteIDs: []int64{2}})
	require.NoError(t, err)
	require.Len(t, bySite, 1)
	assert.Equal(t, "cfg-a", bySite[0].ConfigID)
}

func TestCommitCheckpointAssignsMonotoneVersions(t *testing.T) {
	ctx := context.Background()
	b := New()

	v1, err := b.CommitCheckpoint(ctx, &storage.ModelCheckpoint{ModelName: "m"})
	require.NoError(t, err)
	v2, err := b.CommitCheckpoint(ctx, &storage.ModelCheckpoint{ModelName: "m"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)
	assert.Equal(t, int64(2), v2)

	_, err = b.CommitCheckpoint(ctx, &storage.ModelCheckpoint{ModelName: "m", Version: 2})
	require.ErrorIs(t, err, storage.ErrDuplicateVersion)

	versions, err := b.ListCheckpointVersions(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, versions)
}

func TestSetActiveVersionRequiresCommittedCheckpoint(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.CreateConfiguration(ctx, newTestConfig("cfg-1")))

	// Activating a version that was never committed must not move the pointer.
	err := b.SetActiveVersion(ctx, "cfg-1", 7)
	require.ErrorIs(t, err, storage.ErrVersionNotFound)

	got, err := b.GetConfiguration(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Zero(t, got.ActiveModelVersion)

	v, err := b.CommitCheckpoint(ctx, &storage.ModelCheckpoint{ModelName: "cfg-1"})
	require.NoError(t, err)
	require.NoError(t, b.SetActiveVersion(ctx, "cfg-1", v))

	got, err = b.GetConfiguration(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, v, got.ActiveModelVersion)

	// Clearing the pointer is always permitted.
	require.NoError(t, b.SetActiveVersion(ctx, "cfg-1", 0))
}

func TestRunGateAndStateMachine(t *testing.T) {
	ctx := context.Background()
	b := New()

	first := &storage.TrainingRun{ID: "run-1", ModelName: "m", ConfigID: "cfg-1"}
	require.NoError(t, b.CreateRun(ctx, first))

	// A second run for the same model is rejected while the first is live.
	second := &storage.TrainingRun{ID: "run-2", ModelName: "m", ConfigID: "cfg-1"}
	require.ErrorIs(t, b.CreateRun(ctx, second), storage.ErrAlreadyRunning)

	// Other models are unaffected.
	require.NoError(t, b.CreateRun(ctx, &storage.TrainingRun{ID: "run-3", ModelName: "other"}))

	// pending -> succeeded skips running and is rejected.
	err := b.FinishRun(ctx, "run-1", storage.RunSucceeded, "", 1)
	require.ErrorIs(t, err, storage.ErrInvalidTransition)

	require.NoError(t, b.StartRun(ctx, "run-1"))
	require.NoError(t, b.FinishRun(ctx, "run-1", storage.RunSucceeded, "", 1))

	// Terminal states are final.
	err = b.FinishRun(ctx, "run-1", storage.RunFailed, "late", 0)
	require.ErrorIs(t, err, storage.ErrInvalidTransition)

	// Gate reopens after the terminal transition.
	require.NoError(t, b.CreateRun(ctx, second))

	runs, err := b.ListRuns(ctx, "m", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
}

func TestReclaimStaleRuns(t *testing.T) {
	ctx := context.Background()
	b := New()

	stale := &storage.TrainingRun{
		ID:        "run-stale",
		ModelName: "m",
		StartTime: time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, b.CreateRun(ctx, stale))
	require.NoError(t, b.StartRun(ctx, "run-stale"))

	n, err := b.ReclaimStaleRuns(ctx, "m", time.Now().Add(-time.Hour), "stale")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := b.GetRun(ctx, "run-stale")
	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, got.Status)
	assert.Equal(t, "stale", got.ErrorCategory)

	// The gate reopens once the stale run is reclaimed.
	require.NoError(t, b.CreateRun(ctx, &storage.TrainingRun{ID: "run-new", ModelName: "m"}))
}

func TestReclaimStalePendingRun(t *testing.T) {
	ctx := context.Background()
	b := New()

	// A run that died between creation and start is reclaimed straight from
	// pending, the sanctioned shortcut past the running state.
	stale := &storage.TrainingRun{
		ID:        "run-stuck",
		ModelName: "m",
		StartTime: time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, b.CreateRun(ctx, stale))

	n, err := b.ReclaimStaleRuns(ctx, "m", time.Now().Add(-time.Hour), "stale")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := b.GetRun(ctx, "run-stuck")
	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, got.Status)
	assert.Equal(t, "stale", got.ErrorCategory)
}

func TestMetricsAppendOnly(t *testing.T) {
	ctx := context.Background()
	b := New()

	_, err := b.LatestMetrics(ctx, "m")
	require.ErrorIs(t, err, storage.ErrMetricsNotFound)

	older := &storage.MetricRecord{
		ModelName:  "m",
		Version:    1,
		RecordedAt: time.Now().Add(-time.Hour),
		Values:     map[string]float64{"map@10": 0.1},
	}
	newer := &storage.MetricRecord{
		ModelName:  "m",
		Version:    2,
		RecordedAt: time.Now(),
		Values:     map[string]float64{"map@10": 0.2},
	}
	require.NoError(t, b.RecordMetrics(ctx, older))
	require.NoError(t, b.RecordMetrics(ctx, newer))

	latest, err := b.LatestMetrics(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)
	assert.InDelta(t, 0.2, latest.Values["map@10"], 1e-9)

	history, err := b.MetricsHistory(ctx, "m", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(1), history[0].Version)
}

func TestFeatureUpsertsAreUniquePerEntity(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.UpsertTitleFeatures(ctx, []*storage.TitleFeature{
		{TitleID: 10, Interactions: 5, WeightSum: 12},
		{TitleID: 20, Interactions: 2, WeightSum: 30},
	}))
	require.NoError(t, b.UpsertTitleFeatures(ctx, []*storage.TitleFeature{
		{TitleID: 10, Interactions: 9, WeightSum: 50},
	}))

	top, err := b.TopTitleFeatures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, int64(10), top[0].TitleID)
	assert.InDelta(t, 50.0, top[0].WeightSum, 1e-9)

	require.NoError(t, b.UpsertUserFeatures(ctx, []*storage.UserFeature{{UserID: 42, Interactions: 1}}))
	require.NoError(t, b.UpsertUserFeatures(ctx, []*storage.UserFeature{{UserID: 42, Interactions: 3}}))
}
