// Package engine serves ranked title recommendations from the active model
// checkpoint, with popularity fallback for unknown users and a version-keyed
// result cache.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inkwave/titlerec/pkg/cache"
	"github.com/inkwave/titlerec/pkg/observability"
	"github.com/inkwave/titlerec/pkg/registry"
	"github.com/inkwave/titlerec/pkg/source"
	"github.com/inkwave/titlerec/pkg/storage"
)

// Define static errors
var (
	ErrInvalidLimit  = errors.New("limit must be positive")
	ErrTitleNotFound = errors.New("title not in model")
)

// Config contains the configuration for the recommendation engine.
type Config struct {
	// DefaultLimit is used when a request carries no limit
	DefaultLimit int `yaml:"defaultLimit" default:"10"`
	// MaxLimit caps the number of items returned per request
	MaxLimit int `yaml:"maxLimit" default:"100"`
}

// Validate checks the engine configuration.
func (c *Config) Validate() error {
	if c.DefaultLimit <= 0 || c.MaxLimit <= 0 {
		return ErrInvalidLimit
	}

	return nil
}

// Request is one recommendation query.
type Request struct {
	ConfigID     string
	UserID       int64
	Limit        int
	FilterViewed bool
}

// Item is one recommended title with its model score.
type Item struct {
	TitleID int64   `json:"title_id"`
	Score   float64 `json:"score"`
}

// Response is a ranked recommendation result.
type Response struct {
	ConfigID     string `json:"config_id"`
	UserID       int64  `json:"user_id"`
	ModelVersion int64  `json:"model_version"`
	ColdStart    bool   `json:"cold_start"`
	Items        []Item `json:"items"`
}

// SimilarRequest is one similar-titles query.
type SimilarRequest struct {
	ConfigID string
	TitleID  int64
	Limit    int
}

// SimilarResponse is a ranked similar-titles result.
type SimilarResponse struct {
	ConfigID     string `json:"config_id"`
	TitleID      int64  `json:"title_id"`
	ModelVersion int64  `json:"model_version"`
	Items        []Item `json:"items"`
}

// Engine serves ranked recommendations.
type Engine interface {
	// Recommend returns ranked titles for a user under a configuration
	Recommend(ctx context.Context, req Request) (*Response, error)
	// SimilarTitles returns titles closest to a title in factor space
	SimilarTitles(ctx context.Context, req SimilarRequest) (*SimilarResponse, error)
}

type engine struct {
	log      logrus.FieldLogger
	cfg      *Config
	configs  storage.ConfigStore
	models   registry.Registry
	source   source.Client
	features storage.FeatureStore
	cache    *cache.Cache
}

// New creates a recommendation engine.
func New(log logrus.FieldLogger, cfg *Config, configs storage.ConfigStore, models registry.Registry, src source.Client, feats storage.FeatureStore, c *cache.Cache) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &engine{
		log:      log.WithField("service", "engine"),
		cfg:      cfg,
		configs:  configs,
		models:   models,
		source:   src,
		features: feats,
		cache:    c,
	}, nil
}

// Recommend resolves the active checkpoint for the configuration and ranks
// titles for the user. Known users are scored by factor dot product; unknown
// users fall back to the popularity ordering captured at training time.
func (e *engine) Recommend(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	resp, err := e.recommend(ctx, req)

	switch {
	case errors.Is(err, registry.ErrModelNotReady):
		observability.RecordRecommendation("not_ready", time.Since(start))
	case err != nil:
		observability.RecordRecommendation("error", time.Since(start))
	case resp.ColdStart:
		observability.RecordRecommendation("cold_start", time.Since(start))
	default:
		observability.RecordRecommendation("ok", time.Since(start))
	}

	return resp, err
}

func (e *engine) recommend(ctx context.Context, req Request) (*Response, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	if limit > e.cfg.MaxLimit {
		limit = e.cfg.MaxLimit
	}

	cfg, err := e.configs.GetConfiguration(ctx, req.ConfigID)
	if err != nil {
		return nil, err
	}

	version, err := e.models.ActiveVersion(ctx, req.ConfigID)
	if err != nil {
		return nil, err
	}

	if version == 0 {
		return nil, fmt.Errorf("%w: config %s", registry.ErrModelNotReady, req.ConfigID)
	}

	key := cache.RecommendationKey(req.ConfigID, req.UserID, version, limit, req.FilterViewed)

	var cached Response
	if e.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	cp, err := e.models.Get(ctx, cfg.ModelName, version)
	if err != nil {
		return nil, err
	}

	exclude := make(map[int64]struct{})
	if req.FilterViewed {
		viewed, viewErr := e.source.ViewedTitles(ctx, req.UserID)
		if viewErr != nil {
			// serving stays up when the upstream feed is down, at the cost
			// of possibly repeating already-seen titles
			e.log.WithError(viewErr).WithField("user_id", req.UserID).Warn("Failed to fetch viewed titles, serving unfiltered")
		}

		for _, id := range viewed {
			exclude[id] = struct{}{}
		}
	}

	resp := &Response{
		ConfigID:     req.ConfigID,
		UserID:       req.UserID,
		ModelVersion: version,
	}

	userVec, known := cp.Artifact.UserVectors[req.UserID]
	if known {
		resp.Items = scoreTitles(userVec, cp.Artifact.TitleVectors, exclude, limit)
	} else {
		resp.ColdStart = true

		popular := cp.Artifact.Popularity
		if len(popular) == 0 {
			// Checkpoints trained before popularity capture carry no
			// ordering; aggregate feature weights stand in for it.
			popular = e.featurePopularity(ctx, limit+len(exclude))
		}

		resp.Items = popularItems(popular, exclude, limit)
	}

	e.cache.Set(ctx, key, resp)

	return resp, nil
}

// SimilarTitles ranks titles by factor dot product against the query title,
// the same similarity the trainer optimizes. The query title itself is
// excluded from the result.
func (e *engine) SimilarTitles(ctx context.Context, req SimilarRequest) (*SimilarResponse, error) {
	start := time.Now()

	resp, err := e.similarTitles(ctx, req)

	switch {
	case errors.Is(err, ErrTitleNotFound):
		observability.RecordSimilarTitles("not_found", time.Since(start))
	case errors.Is(err, registry.ErrModelNotReady):
		observability.RecordSimilarTitles("not_ready", time.Since(start))
	case err != nil:
		observability.RecordSimilarTitles("error", time.Since(start))
	default:
		observability.RecordSimilarTitles("ok", time.Since(start))
	}

	return resp, err
}

func (e *engine) similarTitles(ctx context.Context, req SimilarRequest) (*SimilarResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	if limit > e.cfg.MaxLimit {
		limit = e.cfg.MaxLimit
	}

	cfg, err := e.configs.GetConfiguration(ctx, req.ConfigID)
	if err != nil {
		return nil, err
	}

	version, err := e.models.ActiveVersion(ctx, req.ConfigID)
	if err != nil {
		return nil, err
	}

	if version == 0 {
		return nil, fmt.Errorf("%w: config %s", registry.ErrModelNotReady, req.ConfigID)
	}

	key := cache.SimilarTitlesKey(req.ConfigID, req.TitleID, version, limit)

	var cached SimilarResponse
	if e.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	cp, err := e.models.Get(ctx, cfg.ModelName, version)
	if err != nil {
		return nil, err
	}

	queryVec, ok := cp.Artifact.TitleVectors[req.TitleID]
	if !ok {
		return nil, fmt.Errorf("%w: title %d", ErrTitleNotFound, req.TitleID)
	}

	resp := &SimilarResponse{
		ConfigID:     req.ConfigID,
		TitleID:      req.TitleID,
		ModelVersion: version,
		Items: scoreTitles(queryVec, cp.Artifact.TitleVectors,
			map[int64]struct{}{req.TitleID: {}}, limit),
	}

	e.cache.Set(ctx, key, resp)

	return resp, nil
}

// featurePopularity returns title ids ordered by aggregate interaction
// weight from the feature store. Failures degrade to an empty ordering.
func (e *engine) featurePopularity(ctx context.Context, limit int) []int64 {
	feats, err := e.features.TopTitleFeatures(ctx, limit)
	if err != nil {
		e.log.WithError(err).Warn("Failed to load title features for cold start")
		return nil
	}

	ids := make([]int64, 0, len(feats))
	for _, f := range feats {
		ids = append(ids, f.TitleID)
	}

	return ids
}

// scoreTitles ranks candidates by dot product, score descending with title
// id as the tiebreak, truncated to limit.
func scoreTitles(userVec []float64, titleVectors map[int64][]float64, exclude map[int64]struct{}, limit int) []Item {
	items := make([]Item, 0, len(titleVectors))

	for id, vec := range titleVectors {
		if _, skip := exclude[id]; skip {
			continue
		}

		items = append(items, Item{TitleID: id, Score: dot(userVec, vec)})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}

		return items[i].TitleID < items[j].TitleID
	})

	if len(items) > limit {
		items = items[:limit]
	}

	return items
}

// popularItems returns the training-time popularity ordering with descending
// rank scores, skipping excluded titles.
func popularItems(popularity []int64, exclude map[int64]struct{}, limit int) []Item {
	items := make([]Item, 0, limit)

	for rank, id := range popularity {
		if _, skip := exclude[id]; skip {
			continue
		}

		items = append(items, Item{TitleID: id, Score: 1 / float64(rank+1)})
		if len(items) == limit {
			break
		}
	}

	return items
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}
