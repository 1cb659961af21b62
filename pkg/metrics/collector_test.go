package metrics

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwave/titlerec/pkg/storage"
	"github.com/inkwave/titlerec/pkg/storage/memory"
)

func newTestCollector(t *testing.T) (Collector, *memory.Backend) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	backend := memory.New()

	return New(log, backend, backend), backend
}

func TestRecordAndLatest(t *testing.T) {
	c, backend := newTestCollector(t)
	ctx := context.Background()

	require.NoError(t, backend.CreateConfiguration(ctx, &storage.Configuration{
		ConfigID:  "cfg-1",
		Name:      "front-page",
		SiteIDs:   []int64{1},
		ModelName: "m",
	}))

	require.NoError(t, c.Record(ctx, "m", 1, map[string]float64{"precision_at_k": 0.2}))
	require.NoError(t, c.Record(ctx, "m", 2, map[string]float64{"precision_at_k": 0.3}))

	latest, err := c.Latest(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)
	assert.InDelta(t, 0.3, latest.Values["precision_at_k"], 1e-9)
}

func TestLatestErrors(t *testing.T) {
	c, backend := newTestCollector(t)
	ctx := context.Background()

	_, err := c.Latest(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrConfigNotFound)

	require.NoError(t, backend.CreateConfiguration(ctx, &storage.Configuration{
		ConfigID:  "cfg-1",
		Name:      "front-page",
		SiteIDs:   []int64{1},
		ModelName: "m",
	}))

	_, err = c.Latest(ctx, "cfg-1")
	require.ErrorIs(t, err, storage.ErrMetricsNotFound)
}

func TestHistoryPerVersion(t *testing.T) {
	c, _ := newTestCollector(t)
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "m", 1, map[string]float64{"recall_at_k": 0.1}))
	require.NoError(t, c.Record(ctx, "m", 1, map[string]float64{"recall_at_k": 0.2}))
	require.NoError(t, c.Record(ctx, "m", 2, map[string]float64{"recall_at_k": 0.5}))

	history, err := c.History(ctx, "m", 1)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, rec := range history {
		assert.Equal(t, int64(1), rec.Version)
	}
}
