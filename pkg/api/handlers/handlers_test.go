package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwave/titlerec/pkg/cache"
	"github.com/inkwave/titlerec/pkg/configs"
	"github.com/inkwave/titlerec/pkg/engine"
	"github.com/inkwave/titlerec/pkg/metrics"
	"github.com/inkwave/titlerec/pkg/orchestrator"
	"github.com/inkwave/titlerec/pkg/registry"
	"github.com/inkwave/titlerec/pkg/storage"
	"github.com/inkwave/titlerec/pkg/storage/memory"
)

type stubEngine struct {
	resp    *engine.Response
	similar *engine.SimilarResponse
	err     error
}

func (e *stubEngine) Recommend(_ context.Context, _ engine.Request) (*engine.Response, error) {
	return e.resp, e.err
}

func (e *stubEngine) SimilarTitles(_ context.Context, _ engine.SimilarRequest) (*engine.SimilarResponse, error) {
	return e.similar, e.err
}

type stubOrchestrator struct {
	result *orchestrator.TriggerResult
	err    error
}

func (o *stubOrchestrator) Start(_ context.Context) error { return nil }
func (o *stubOrchestrator) Stop() error                   { return nil }

func (o *stubOrchestrator) Trigger(_ context.Context, _ string, _ bool) (*orchestrator.TriggerResult, error) {
	return o.result, o.err
}

type fixture struct {
	app     *fiber.App
	backend *memory.Backend
	engine  *stubEngine
	orch    *stubOrchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	backend := memory.New()
	eng := &stubEngine{resp: &engine.Response{ModelVersion: 1}}
	orch := &stubOrchestrator{result: &orchestrator.TriggerResult{
		Status:       orchestrator.StatusTrained,
		ModelVersion: 1,
		Activated:    true,
	}}
	disabled := cache.New(log, nil, "test", time.Minute)

	server := NewServer(
		eng,
		orch,
		configs.NewRegistry(log, backend),
		registry.New(log, backend, backend, disabled),
		metrics.New(log, backend, backend),
		backend,
		log,
	)

	app := fiber.New()
	server.RegisterRoutes(app.Group("/api/v1"))

	return &fixture{app: app, backend: backend, engine: eng, orch: orch}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.app.Test(req)
	require.NoError(t, err)

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NoError(t, resp.Body.Close())

	return out
}

func TestGetRecommendations(t *testing.T) {
	f := newFixture(t)
	f.engine.resp = &engine.Response{
		ConfigID:     "cfg-1",
		UserID:       7,
		ModelVersion: 3,
		Items:        []engine.Item{{TitleID: 10, Score: 0.9}},
	}

	resp := f.do(t, http.MethodGet, "/api/v1/recommendations?config_id=cfg-1&user_id=7&limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[engine.Response](t, resp)
	assert.Equal(t, int64(3), body.ModelVersion)
	require.Len(t, body.Items, 1)
	assert.Equal(t, int64(10), body.Items[0].TitleID)
}

func TestGetRecommendationsValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/recommendations?user_id=7", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/recommendations?config_id=cfg-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRecommendationsModelNotReady(t *testing.T) {
	f := newFixture(t)
	f.engine.resp = nil
	f.engine.err = registry.ErrModelNotReady

	resp := f.do(t, http.MethodGet, "/api/v1/recommendations?config_id=cfg-1&user_id=7", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestTriggerTraining(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/train", map[string]any{"config_id": "cfg-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "trained", body["status"])
	assert.EqualValues(t, 1, body["model_version"])
	assert.Equal(t, "model version 1 trained and activated", body["message"])
}

func TestTriggerTrainingBelowThreshold(t *testing.T) {
	f := newFixture(t)
	f.orch.result = &orchestrator.TriggerResult{
		Status:       orchestrator.StatusTrained,
		ModelVersion: 2,
		Activated:    false,
	}

	resp := f.do(t, http.MethodPost, "/api/v1/train", map[string]any{"config_id": "cfg-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "trained", body["status"])
	assert.EqualValues(t, 2, body["model_version"])
	assert.Equal(t, "model version 2 trained but not activated, previous version kept", body["message"])
}

func TestTriggerTrainingFailedRunReported(t *testing.T) {
	f := newFixture(t)
	f.orch.result = &orchestrator.TriggerResult{Status: orchestrator.StatusFailed}
	f.orch.err = assert.AnError

	resp := f.do(t, http.MethodPost, "/api/v1/train", map[string]any{"config_id": "cfg-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "failed", body["status"])
	assert.NotEmpty(t, body["error"])
	assert.NotContains(t, body, "model_version")
}

func TestConfigurationLifecycle(t *testing.T) {
	f := newFixture(t)

	create := map[string]any{
		"name":       "front-page",
		"site_ids":   []int64{1, 2},
		"model_name": "front-page-als",
	}

	resp := f.do(t, http.MethodPost, "/api/v1/configs", create)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decode[storage.Configuration](t, resp)
	require.NotEmpty(t, created.ConfigID)

	resp = f.do(t, http.MethodGet, "/api/v1/configs/"+created.ConfigID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/configs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, list["count"])

	resp = f.do(t, http.MethodGet, "/api/v1/configs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateConfigurationValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/configs", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActivateVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.backend.CreateConfiguration(ctx, &storage.Configuration{
		ConfigID:  "cfg-1",
		Name:      "front-page",
		SiteIDs:   []int64{1},
		ModelName: "m",
	}))

	// version 2 is not committed
	resp := f.do(t, http.MethodPost, "/api/v1/configs/cfg-1/activate", map[string]any{"version": 2})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err := f.backend.CommitCheckpoint(ctx, &storage.ModelCheckpoint{
		ModelName: "m",
		Artifact:  &storage.Artifact{Factors: 1},
	})
	require.NoError(t, err)

	resp = f.do(t, http.MethodPost, "/api/v1/configs/cfg-1/activate", map[string]any{"version": 1})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.backend.CreateConfiguration(ctx, &storage.Configuration{
		ConfigID:  "cfg-1",
		Name:      "front-page",
		SiteIDs:   []int64{1},
		ModelName: "m",
	}))

	resp := f.do(t, http.MethodGet, "/api/v1/configs/cfg-1/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	collector := metrics.New(logrus.New(), f.backend, f.backend)
	require.NoError(t, collector.Record(ctx, "m", 1, map[string]float64{"map_at_k": 0.4}))

	resp = f.do(t, http.MethodGet, "/api/v1/configs/cfg-1/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rec := decode[storage.MetricRecord](t, resp)
	assert.InDelta(t, 0.4, rec.Values["map_at_k"], 1e-9)

	resp = f.do(t, http.MethodGet, "/api/v1/models/m/metrics?version=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	history := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, history["count"])
}

func TestListRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.backend.CreateRun(ctx, &storage.TrainingRun{
		ID:        "run-1",
		ModelName: "m",
		ConfigID:  "cfg-1",
		Status:    storage.RunPending,
	}))

	resp := f.do(t, http.MethodGet, "/api/v1/models/m/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, body["count"])
}

func TestGetSimilarTitles(t *testing.T) {
	f := newFixture(t)
	f.engine.similar = &engine.SimilarResponse{
		ConfigID:     "cfg-1",
		TitleID:      10,
		ModelVersion: 3,
		Items:        []engine.Item{{TitleID: 11, Score: 0.8}},
	}

	resp := f.do(t, http.MethodGet, "/api/v1/titles/10/similar?config_id=cfg-1&limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[engine.SimilarResponse](t, resp)
	assert.Equal(t, int64(10), body.TitleID)
	require.Len(t, body.Items, 1)
	assert.Equal(t, int64(11), body.Items[0].TitleID)
}

func TestGetSimilarTitlesValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/titles/10/similar", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/titles/abc/similar?config_id=cfg-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetSimilarTitlesUnknownTitle(t *testing.T) {
	f := newFixture(t)
	f.engine.similar = nil
	f.engine.err = engine.ErrTitleNotFound

	resp := f.do(t, http.MethodGet, "/api/v1/titles/999/similar?config_id=cfg-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.backend.CommitCheckpoint(ctx, &storage.ModelCheckpoint{
			ModelName: "m",
			Artifact:  &storage.Artifact{Factors: 1},
		})
		require.NoError(t, err)
	}

	resp := f.do(t, http.MethodGet, "/api/v1/models/m/versions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.EqualValues(t, 2, body["count"])
	assert.Equal(t, []any{float64(1), float64(2)}, body["versions"])
}

func TestListConfigurationsBySites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, sites := range [][]int64{{1}, {2}, {3}} {
		require.NoError(t, f.backend.CreateConfiguration(ctx, &storage.Configuration{
			ConfigID:  fmt.Sprintf("cfg-%d", i+1),
			Name:      fmt.Sprintf("list-%d", i+1),
			SiteIDs:   sites,
			ModelName: "m",
		}))
	}

	resp := f.do(t, http.MethodGet, "/api/v1/configs?site_ids=1,3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.EqualValues(t, 2, body["count"])

	resp = f.do(t, http.MethodGet, "/api/v1/configs?site_ids=1,oops", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
