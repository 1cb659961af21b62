// Package matrix builds weighted user/title interaction matrices from the
// upstream event feed, applying per-configuration filters.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inkwave/titlerec/pkg/filter"
	"github.com/inkwave/titlerec/pkg/source"
)

// Define static errors
var (
	ErrInsufficientData = errors.New("insufficient interaction data")
)

// Entry is one deduplicated (user, title) cell with its summed weight.
type Entry struct {
	UserID  int64
	TitleID int64
	Weight  float64
}

// Interactions is a built matrix ready for training.
type Interactions struct {
	BuiltAt time.Time
	Window  source.Window
	Entries []Entry
}

// Users returns the number of distinct users in the matrix.
func (m *Interactions) Users() int {
	seen := make(map[int64]struct{})
	for _, e := range m.Entries {
		seen[e.UserID] = struct{}{}
	}

	return len(seen)
}

// Titles returns the number of distinct titles in the matrix.
func (m *Interactions) Titles() int {
	seen := make(map[int64]struct{})
	for _, e := range m.Entries {
		seen[e.TitleID] = struct{}{}
	}

	return len(seen)
}

// Config configures matrix construction.
type Config struct {
	// MinEntries is the minimum number of matrix cells required to train
	MinEntries int `yaml:"minEntries" default:"10"`
	// KindWeights maps an event kind to its interaction weight
	KindWeights map[string]float64 `yaml:"kindWeights"`
}

// Builder assembles interaction matrices.
type Builder interface {
	// Build fans out over event kinds and folds the events into a matrix
	Build(ctx context.Context, w source.Window, pred *filter.Predicate) (*Interactions, error)
}

type builder struct {
	log     logrus.FieldLogger
	config  *Config
	source  source.Client
	weights map[string]float64
}

// NewBuilder creates a matrix builder over the upstream event feed.
func NewBuilder(log logrus.FieldLogger, config *Config, src source.Client) Builder {
	weights := config.KindWeights
	if weights == nil {
		weights = defaultWeights()
	}

	return &builder{
		log:     log.WithField("component", "matrix"),
		config:  config,
		source:  src,
		weights: weights,
	}
}

func defaultWeights() map[string]float64 {
	return map[string]float64{
		source.KindView:     3,
		source.KindVote:     6,
		source.KindBookmark: 7,
		source.KindRating:   1,
		source.KindPurchase: 5,
		source.KindComment:  1.1,
	}
}

// Build pulls every event kind concurrently, drops events the predicate
// rejects, sums duplicate (user, title) cells, and returns the entries in
// (user_id, title_id) order.
func (b *builder) Build(ctx context.Context, w source.Window, pred *filter.Predicate) (*Interactions, error) {
	g, gctx := errgroup.WithContext(ctx)
	perKind := make([][]source.Event, len(source.Kinds))

	for i, kind := range source.Kinds {
		g.Go(func() error {
			events, err := b.source.Events(gctx, kind, w)
			if err != nil {
				return fmt.Errorf("failed to fetch %s events: %w", kind, err)
			}

			perKind[i] = events

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	type cell struct {
		user, title int64
	}

	sums := make(map[cell]float64)
	dropped := 0

	for _, events := range perKind {
		for _, ev := range events {
			if pred != nil {
				match, err := pred.Matches(ev.Attributes)
				if err != nil {
					return nil, fmt.Errorf("failed to evaluate filter: %w", err)
				}

				if !match {
					dropped++
					continue
				}
			}

			sums[cell{ev.UserID, ev.TitleID}] += b.weight(ev)
		}
	}

	if len(sums) < b.config.MinEntries {
		return nil, fmt.Errorf("%w: %d entries, need %d", ErrInsufficientData, len(sums), b.config.MinEntries)
	}

	entries := make([]Entry, 0, len(sums))
	for c, weight := range sums {
		entries = append(entries, Entry{UserID: c.user, TitleID: c.title, Weight: weight})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UserID != entries[j].UserID {
			return entries[i].UserID < entries[j].UserID
		}

		return entries[i].TitleID < entries[j].TitleID
	})

	m := &Interactions{
		BuiltAt: time.Now().UTC(),
		Window:  w,
		Entries: entries,
	}

	b.log.WithFields(logrus.Fields{
		"entries": len(entries),
		"users":   m.Users(),
		"titles":  m.Titles(),
		"dropped": dropped,
	}).Info("Built interaction matrix")

	return m, nil
}

func (b *builder) weight(ev source.Event) float64 {
	if ev.Weight != 0 {
		return ev.Weight
	}

	if w, ok := b.weights[ev.Kind]; ok {
		return w
	}

	return 1
}
