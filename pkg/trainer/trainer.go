// Package trainer fits implicit-feedback matrix factorization models with
// alternating least squares and evaluates them on a held-out user split.
package trainer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/inkwave/titlerec/pkg/matrix"
	"github.com/inkwave/titlerec/pkg/storage"
)

// Define static errors
var (
	ErrTraining       = errors.New("training failed")
	ErrNonConvergence = errors.New("training diverged")
)

// Trainer fits a model to an interaction matrix.
type Trainer interface {
	// Train fits factors and returns the artifact with ranking metrics
	Train(ctx context.Context, m *matrix.Interactions, p Params) (*storage.Artifact, map[string]float64, error)
}

type alsTrainer struct {
	log logrus.FieldLogger
}

// New creates an alternating least squares trainer.
func New(log logrus.FieldLogger) Trainer {
	return &alsTrainer{
		log: log.WithField("component", "trainer"),
	}
}

// observation is one dense-indexed interaction with its confidence weight.
type observation struct {
	other  int
	weight float64
}

// Train fits user and title factors with alternating least squares over
// confidence-weighted implicit feedback, then scores the held-out users.
func (t *alsTrainer) Train(ctx context.Context, m *matrix.Interactions, p Params) (*storage.Artifact, map[string]float64, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}

	train, holdout := splitHoldout(m.Entries, p)

	userIDs, titleIDs, byUser, byTitle := index(train)
	if len(userIDs) == 0 || len(titleIDs) == 0 {
		return nil, nil, fmt.Errorf("%w: no positive interactions", ErrTraining)
	}

	f := p.Factors
	rng := rand.New(rand.NewSource(p.Seed))

	userFactors := initFactors(rng, len(userIDs), f)
	titleFactors := initFactors(rng, len(titleIDs), f)

	for iter := 0; iter < p.Iterations; iter++ {
		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("%w: %w", ErrTraining, ctx.Err())
		default:
		}

		solveSide(userFactors, titleFactors, byUser, p)
		solveSide(titleFactors, userFactors, byTitle, p)

		if !finite(userFactors) || !finite(titleFactors) {
			return nil, nil, fmt.Errorf("%w: non-finite factors at iteration %d", ErrNonConvergence, iter+1)
		}
	}

	artifact := &storage.Artifact{
		Factors:      f,
		UserVectors:  make(map[int64][]float64, len(userIDs)),
		TitleVectors: make(map[int64][]float64, len(titleIDs)),
		Popularity:   popularity(m.Entries),
	}

	for i, id := range userIDs {
		artifact.UserVectors[id] = userFactors[i]
	}

	for i, id := range titleIDs {
		artifact.TitleVectors[id] = titleFactors[i]
	}

	metrics := evaluate(artifact, train, holdout, p)
	metrics["users"] = float64(len(userIDs))
	metrics["titles"] = float64(len(titleIDs))
	metrics["entries"] = float64(len(train))

	t.log.WithFields(logrus.Fields{
		"users":      len(userIDs),
		"titles":     len(titleIDs),
		"factors":    f,
		"iterations": p.Iterations,
	}).Info("Training finished")

	return artifact, metrics, nil
}

// splitHoldout deterministically assigns a fraction of users to the
// evaluation split. For each held-out user roughly half of their titles,
// chosen by hash, stay in the training split so the user still has a vector.
func splitHoldout(entries []matrix.Entry, p Params) (train []matrix.Entry, holdout map[int64][]int64) {
	holdout = make(map[int64][]int64)
	train = make([]matrix.Entry, 0, len(entries))

	perUser := make(map[int64]int)
	for _, e := range entries {
		perUser[e.UserID]++
	}

	threshold := uint64(p.HoldoutFraction * 1000)

	for _, e := range entries {
		if perUser[e.UserID] >= 2 &&
			hash64(e.UserID, p.Seed)%1000 < threshold &&
			hash64(e.TitleID, p.Seed)%2 == 0 {
			holdout[e.UserID] = append(holdout[e.UserID], e.TitleID)
			continue
		}

		train = append(train, e)
	}

	return train, holdout
}

func hash64(id, seed int64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(id))
	binary.LittleEndian.PutUint64(buf[8:], uint64(seed))

	return xxhash.Sum64(buf[:])
}

// index maps sparse ids to dense offsets, dropping non-positive weights.
func index(entries []matrix.Entry) (userIDs, titleIDs []int64, byUser, byTitle [][]observation) {
	userIdx := make(map[int64]int)
	titleIdx := make(map[int64]int)

	for _, e := range entries {
		if e.Weight <= 0 {
			continue
		}

		u, ok := userIdx[e.UserID]
		if !ok {
			u = len(userIDs)
			userIdx[e.UserID] = u
			userIDs = append(userIDs, e.UserID)
			byUser = append(byUser, nil)
		}

		ti, ok := titleIdx[e.TitleID]
		if !ok {
			ti = len(titleIDs)
			titleIdx[e.TitleID] = ti
			titleIDs = append(titleIDs, e.TitleID)
			byTitle = append(byTitle, nil)
		}

		byUser[u] = append(byUser[u], observation{other: ti, weight: e.Weight})
		byTitle[ti] = append(byTitle[ti], observation{other: u, weight: e.Weight})
	}

	return userIDs, titleIDs, byUser, byTitle
}

func initFactors(rng *rand.Rand, n, f int) [][]float64 {
	scale := 1.0 / math.Sqrt(float64(f))
	out := make([][]float64, n)

	for i := range out {
		v := make([]float64, f)
		for j := range v {
			v[j] = (rng.Float64() - 0.5) * scale
		}
		out[i] = v
	}

	return out
}

// solveSide recomputes every vector on one side holding the other fixed.
// Each vector solves (YtY + Yt(C-I)Y + lambda*I) x = Yt C p with the usual
// rank-one updates over that row's observations only.
func solveSide(target, fixed [][]float64, obs [][]observation, p Params) {
	f := p.Factors
	yty := gram(fixed, f)

	a := make([][]float64, f)
	for i := range a {
		a[i] = make([]float64, f)
	}
	b := make([]float64, f)

	for row := range target {
		for i := 0; i < f; i++ {
			copy(a[i], yty[i])
			a[i][i] += p.Regularization
			b[i] = 0
		}

		for _, o := range obs[row] {
			y := fixed[o.other]
			conf := 1 + p.Alpha*o.weight

			for i := 0; i < f; i++ {
				yi := y[i]
				b[i] += conf * yi

				ai := a[i]
				for j := 0; j < f; j++ {
					ai[j] += (conf - 1) * yi * y[j]
				}
			}
		}

		solveInPlace(a, b, target[row])
	}
}

// gram computes Y^T Y for the fixed side.
func gram(vectors [][]float64, f int) [][]float64 {
	out := make([][]float64, f)
	for i := range out {
		out[i] = make([]float64, f)
	}

	for _, v := range vectors {
		for i := 0; i < f; i++ {
			vi := v[i]
			row := out[i]
			for j := 0; j < f; j++ {
				row[j] += vi * v[j]
			}
		}
	}

	return out
}

// solveInPlace solves a*x = b by Gaussian elimination with partial
// pivoting, destroying a and b.
func solveInPlace(a [][]float64, b, x []float64) {
	n := len(b)

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}

		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		d := a[col][col]
		if d == 0 {
			continue
		}

		for r := col + 1; r < n; r++ {
			factor := a[r][col] / d
			if factor == 0 {
				continue
			}

			for c := col; c < n; c++ {
				a[r][c] -= factor * a[col][c]
			}
			b[r] -= factor * b[col]
		}
	}

	for r := n - 1; r >= 0; r-- {
		sum := b[r]
		for c := r + 1; c < n; c++ {
			sum -= a[r][c] * x[c]
		}

		if a[r][r] != 0 {
			x[r] = sum / a[r][r]
		} else {
			x[r] = 0
		}
	}
}

func finite(vectors [][]float64) bool {
	for _, v := range vectors {
		for _, x := range v {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}

	return true
}

// popularity orders titles by total interaction weight descending, title id
// ascending on ties.
func popularity(entries []matrix.Entry) []int64 {
	sums := make(map[int64]float64)
	for _, e := range entries {
		sums[e.TitleID] += e.Weight
	}

	ids := make([]int64, 0, len(sums))
	for id := range sums {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		if sums[ids[i]] != sums[ids[j]] {
			return sums[ids[i]] > sums[ids[j]]
		}

		return ids[i] < ids[j]
	})

	return ids
}
