package matrix

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwave/titlerec/pkg/filter"
	"github.com/inkwave/titlerec/pkg/source"
)

type stubSource struct {
	events map[string][]source.Event
}

func (s *stubSource) Events(_ context.Context, kind string, _ source.Window) ([]source.Event, error) {
	return s.events[kind], nil
}

func (s *stubSource) ViewedTitles(_ context.Context, _ int64) ([]int64, error) { return nil, nil }
func (s *stubSource) Start(_ context.Context) error                            { return nil }
func (s *stubSource) Stop() error                                              { return nil }

func newTestBuilder(t *testing.T, minEntries int, src source.Client) Builder {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return NewBuilder(log, &Config{MinEntries: minEntries}, src)
}

func TestBuildSumsAndSorts(t *testing.T) {
	src := &stubSource{events: map[string][]source.Event{
		source.KindView: {
			{UserID: 2, TitleID: 10, Kind: source.KindView},
			{UserID: 1, TitleID: 20, Kind: source.KindView},
			{UserID: 1, TitleID: 10, Kind: source.KindView},
		},
		source.KindVote: {
			{UserID: 1, TitleID: 10, Kind: source.KindVote},
		},
	}}

	b := newTestBuilder(t, 1, src)

	m, err := b.Build(context.Background(), source.Window{}, nil)
	require.NoError(t, err)
	require.Len(t, m.Entries, 3)

	// sorted by (user_id, title_id), duplicate (1, 10) cells summed
	assert.Equal(t, Entry{UserID: 1, TitleID: 10, Weight: 9}, m.Entries[0])
	assert.Equal(t, Entry{UserID: 1, TitleID: 20, Weight: 3}, m.Entries[1])
	assert.Equal(t, Entry{UserID: 2, TitleID: 10, Weight: 3}, m.Entries[2])

	assert.Equal(t, 2, m.Users())
	assert.Equal(t, 2, m.Titles())
}

func TestBuildAppliesPredicate(t *testing.T) {
	src := &stubSource{events: map[string][]source.Event{
		source.KindView: {
			{UserID: 1, TitleID: 10, Kind: source.KindView, Attributes: map[string]any{"genre": "drama"}},
			{UserID: 1, TitleID: 20, Kind: source.KindView, Attributes: map[string]any{"genre": "comedy"}},
		},
	}}

	pred, err := filter.Compile([]filter.Condition{
		{Field: "genre", Operator: filter.OpEqual, Value: "drama"},
	})
	require.NoError(t, err)

	b := newTestBuilder(t, 1, src)

	m, err := b.Build(context.Background(), source.Window{}, pred)
	require.NoError(t, err)
	require.Len(t, m.Entries, 1)
	assert.Equal(t, int64(10), m.Entries[0].TitleID)
}

func TestBuildPredicateEvalError(t *testing.T) {
	src := &stubSource{events: map[string][]source.Event{
		source.KindView: {
			{UserID: 1, TitleID: 10, Kind: source.KindView, Attributes: map[string]any{"genre": "drama"}},
		},
	}}

	// numeric comparison against a string attribute fails at eval time
	pred, err := filter.Compile([]filter.Condition{
		{Field: "genre", Operator: filter.OpGreater, Value: 5},
	})
	require.NoError(t, err)

	b := newTestBuilder(t, 1, src)

	_, err = b.Build(context.Background(), source.Window{}, pred)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filter")
}

func TestBuildInsufficientData(t *testing.T) {
	src := &stubSource{events: map[string][]source.Event{
		source.KindView: {
			{UserID: 1, TitleID: 10, Kind: source.KindView},
		},
	}}

	b := newTestBuilder(t, 5, src)

	_, err := b.Build(context.Background(), source.Window{}, nil)
	require.ErrorIs(t, err, ErrInsufficientData)
}
