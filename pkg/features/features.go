// Package features aggregates upstream interaction events into per-user and
// per-title feature rows used for training and cold-start ranking.
package features

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inkwave/titlerec/pkg/source"
	"github.com/inkwave/titlerec/pkg/storage"
)

// Service refreshes aggregated features from the upstream event feed.
type Service interface {
	// Refresh aggregates events in the window into feature rows
	Refresh(ctx context.Context, w source.Window) error
	// TitlePopularity returns title ids ordered by aggregate weight
	TitlePopularity(ctx context.Context, limit int) ([]int64, error)
	Start(ctx context.Context) error
	Stop() error
}

type service struct {
	log    logrus.FieldLogger
	config *Config
	source source.Client
	store  storage.FeatureStore

	done chan struct{}
	wg   sync.WaitGroup
}

// NewService creates a feature aggregation service.
func NewService(log logrus.FieldLogger, config *Config, src source.Client, store storage.FeatureStore) (Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &service{
		log:    log.WithField("service", "features"),
		config: config,
		source: src,
		store:  store,
		done:   make(chan struct{}),
	}, nil
}

// Start launches the periodic refresh loop.
func (s *service) Start(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"window":   s.config.Window,
		"interval": s.config.RefreshInterval,
	}).Info("Feature service started")

	s.wg.Add(1)
	go s.runRefreshLoop(ctx)

	return nil
}

func (s *service) Stop() error {
	close(s.done)
	s.wg.Wait()

	return nil
}

func (s *service) runRefreshLoop(ctx context.Context) {
	defer s.wg.Done()

	if err := s.Refresh(ctx, source.Window{}); err != nil {
		s.log.WithError(err).Warn("Initial feature refresh failed")
	}

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx, source.Window{}); err != nil {
				s.log.WithError(err).Warn("Feature refresh failed")
			}
		}
	}
}

// Refresh pulls each event kind concurrently, folds the events into per-user
// and per-title accumulators, and upserts the result.
func (s *service) Refresh(ctx context.Context, w source.Window) error {
	if w.From.IsZero() && w.To.IsZero() {
		now := time.Now().UTC()
		w = source.Window{From: now.Add(-s.config.Window), To: now}
	}

	g, gctx := errgroup.WithContext(ctx)
	perKind := make([][]source.Event, len(source.Kinds))

	for i, kind := range source.Kinds {
		g.Go(func() error {
			events, err := s.source.Events(gctx, kind, w)
			if err != nil {
				return err
			}

			perKind[i] = events

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	users := make(map[int64]*storage.UserFeature)
	titles := make(map[int64]*storage.TitleFeature)
	now := time.Now().UTC()

	for _, events := range perKind {
		for _, ev := range events {
			weight := s.weight(ev)

			u, ok := users[ev.UserID]
			if !ok {
				u = &storage.UserFeature{UserID: ev.UserID, UpdatedAt: now}
				users[ev.UserID] = u
			}
			u.Interactions++
			u.WeightSum += weight
			if ev.OccurredAt.After(u.LastSeen) {
				u.LastSeen = ev.OccurredAt
			}

			tf, ok := titles[ev.TitleID]
			if !ok {
				tf = &storage.TitleFeature{TitleID: ev.TitleID, UpdatedAt: now}
				titles[ev.TitleID] = tf
			}
			tf.Interactions++
			tf.WeightSum += weight
			if ev.OccurredAt.After(tf.LastSeen) {
				tf.LastSeen = ev.OccurredAt
			}
		}
	}

	if err := s.store.UpsertUserFeatures(ctx, collect(users)); err != nil {
		return err
	}

	if err := s.store.UpsertTitleFeatures(ctx, collect(titles)); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"users":  len(users),
		"titles": len(titles),
	}).Info("Refreshed aggregated features")

	return nil
}

// TitlePopularity returns title ids ordered by aggregate weight descending.
func (s *service) TitlePopularity(ctx context.Context, limit int) ([]int64, error) {
	feats, err := s.store.TopTitleFeatures(ctx, limit)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(feats))
	for _, f := range feats {
		ids = append(ids, f.TitleID)
	}

	return ids, nil
}

// weight resolves the effective interaction weight of an event. Upstream
// weights override the per-kind default, which covers bookmark subtypes
// with their own signed weights.
func (s *service) weight(ev source.Event) float64 {
	if ev.Weight != 0 {
		return ev.Weight
	}

	if w, ok := s.config.KindWeights[ev.Kind]; ok {
		return w
	}

	return 1
}

func collect[T any](m map[int64]*T) []*T {
	out := make([]*T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}

	return out
}
