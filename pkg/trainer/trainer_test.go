package trainer

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwave/titlerec/pkg/matrix"
)

func newTestTrainer(t *testing.T) Trainer {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return New(log)
}

// blockMatrix builds two disjoint user/title communities.
func blockMatrix() *matrix.Interactions {
	var entries []matrix.Entry

	for _, u := range []int64{1, 2, 3} {
		for _, ti := range []int64{10, 11, 12} {
			entries = append(entries, matrix.Entry{UserID: u, TitleID: ti, Weight: 5})
		}
	}

	for _, u := range []int64{4, 5, 6} {
		for _, ti := range []int64{20, 21, 22} {
			entries = append(entries, matrix.Entry{UserID: u, TitleID: ti, Weight: 5})
		}
	}

	return &matrix.Interactions{Entries: entries}
}

func smallParams() Params {
	p := DefaultParams()
	p.Factors = 8
	p.Iterations = 10
	p.HoldoutFraction = 0

	return p
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero factors", func(p *Params) { p.Factors = 0 }},
		{"zero iterations", func(p *Params) { p.Iterations = 0 }},
		{"negative regularization", func(p *Params) { p.Regularization = -1 }},
		{"zero alpha", func(p *Params) { p.Alpha = 0 }},
		{"zero eval k", func(p *Params) { p.EvalK = 0 }},
		{"full holdout", func(p *Params) { p.HoldoutFraction = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			require.ErrorIs(t, p.Validate(), ErrInvalidHyperparameters)
		})
	}
}

func TestParamsFrom(t *testing.T) {
	p := ParamsFrom(map[string]float64{
		"factors": 16,
		"lambda":  0.5,
		"unknown": 99,
	})

	assert.Equal(t, 16, p.Factors)
	assert.Equal(t, 0.5, p.Regularization)
	assert.Equal(t, DefaultParams().Alpha, p.Alpha)
}

func TestTrainLearnsBlockStructure(t *testing.T) {
	tr := newTestTrainer(t)

	artifact, metrics, err := tr.Train(context.Background(), blockMatrix(), smallParams())
	require.NoError(t, err)

	assert.Equal(t, 8, artifact.Factors)
	assert.Len(t, artifact.UserVectors, 6)
	assert.Len(t, artifact.TitleVectors, 6)
	assert.NotZero(t, metrics["users"])

	// a community member must score in-community titles above the other
	// community's titles
	u := artifact.UserVectors[1]
	inScore := dot(u, artifact.TitleVectors[10])
	outScore := dot(u, artifact.TitleVectors[20])
	assert.Greater(t, inScore, outScore)
}

func TestTrainDeterministic(t *testing.T) {
	tr := newTestTrainer(t)
	p := smallParams()

	first, _, err := tr.Train(context.Background(), blockMatrix(), p)
	require.NoError(t, err)

	second, _, err := tr.Train(context.Background(), blockMatrix(), p)
	require.NoError(t, err)

	assert.Equal(t, first.UserVectors, second.UserVectors)
	assert.Equal(t, first.TitleVectors, second.TitleVectors)
	assert.Equal(t, first.Popularity, second.Popularity)
}

func TestTrainRejectsBadParams(t *testing.T) {
	tr := newTestTrainer(t)

	p := smallParams()
	p.Factors = -1

	_, _, err := tr.Train(context.Background(), blockMatrix(), p)
	require.ErrorIs(t, err, ErrInvalidHyperparameters)
}

func TestTrainNoPositiveInteractions(t *testing.T) {
	tr := newTestTrainer(t)

	m := &matrix.Interactions{Entries: []matrix.Entry{
		{UserID: 1, TitleID: 10, Weight: -1},
	}}

	_, _, err := tr.Train(context.Background(), m, smallParams())
	require.ErrorIs(t, err, ErrTraining)
}

func TestTrainHonorsContext(t *testing.T) {
	tr := newTestTrainer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := tr.Train(ctx, blockMatrix(), smallParams())
	require.ErrorIs(t, err, context.Canceled)
}

func TestPopularityOrdering(t *testing.T) {
	ids := popularity([]matrix.Entry{
		{UserID: 1, TitleID: 10, Weight: 1},
		{UserID: 2, TitleID: 20, Weight: 5},
		{UserID: 3, TitleID: 30, Weight: 5},
		{UserID: 4, TitleID: 10, Weight: 1},
	})

	// 20 and 30 tie at 5, lower id first; 10 totals 2
	assert.Equal(t, []int64{20, 30, 10}, ids)
}

func TestSplitHoldoutDeterministic(t *testing.T) {
	p := DefaultParams()
	p.HoldoutFraction = 0.5

	entries := blockMatrix().Entries

	train1, hold1 := splitHoldout(entries, p)
	train2, hold2 := splitHoldout(entries, p)

	assert.Equal(t, train1, train2)
	assert.Equal(t, hold1, hold2)
	assert.Equal(t, len(entries), len(train1)+countHeld(hold1))
}

func countHeld(m map[int64][]int64) int {
	n := 0
	for _, v := range m {
		n += len(v)
	}

	return n
}
