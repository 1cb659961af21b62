package trainer

import (
	"sort"

	"github.com/inkwave/titlerec/pkg/matrix"
	"github.com/inkwave/titlerec/pkg/storage"
)

// evaluate computes precision@k, recall@k and map@k over the held-out users.
// Titles the user interacted with in the training split are excluded from
// their candidate ranking. Metrics are zero when no user was held out.
func evaluate(artifact *storage.Artifact, train []matrix.Entry, holdout map[int64][]int64, p Params) map[string]float64 {
	metrics := map[string]float64{
		"precision_at_k": 0,
		"recall_at_k":    0,
		"map_at_k":       0,
		"eval_users":     0,
	}

	if len(holdout) == 0 {
		return metrics
	}

	trained := make(map[int64]map[int64]struct{})
	for _, e := range train {
		if trained[e.UserID] == nil {
			trained[e.UserID] = make(map[int64]struct{})
		}
		trained[e.UserID][e.TitleID] = struct{}{}
	}

	var precisionSum, recallSum, apSum float64
	evaluated := 0

	for userID, heldTitles := range holdout {
		userVec, ok := artifact.UserVectors[userID]
		if !ok || len(heldTitles) == 0 {
			continue
		}

		ranked := rank(userVec, artifact.TitleVectors, trained[userID], p.EvalK)
		if len(ranked) == 0 {
			continue
		}

		relevant := make(map[int64]struct{}, len(heldTitles))
		for _, t := range heldTitles {
			relevant[t] = struct{}{}
		}

		hits := 0
		var ap float64

		for rankPos, titleID := range ranked {
			if _, ok := relevant[titleID]; ok {
				hits++
				ap += float64(hits) / float64(rankPos+1)
			}
		}

		denom := len(relevant)
		if denom > p.EvalK {
			denom = p.EvalK
		}

		precisionSum += float64(hits) / float64(len(ranked))
		recallSum += float64(hits) / float64(len(relevant))
		apSum += ap / float64(denom)
		evaluated++
	}

	if evaluated == 0 {
		return metrics
	}

	n := float64(evaluated)
	metrics["precision_at_k"] = precisionSum / n
	metrics["recall_at_k"] = recallSum / n
	metrics["map_at_k"] = apSum / n
	metrics["eval_users"] = n

	return metrics
}

// rank scores every candidate title by dot product and returns the top k,
// ties broken by ascending title id.
func rank(userVec []float64, titleVectors map[int64][]float64, exclude map[int64]struct{}, k int) []int64 {
	type scored struct {
		id    int64
		score float64
	}

	candidates := make([]scored, 0, len(titleVectors))

	for id, vec := range titleVectors {
		if _, skip := exclude[id]; skip {
			continue
		}

		candidates = append(candidates, scored{id: id, score: dot(userVec, vec)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}

		return candidates[i].id < candidates[j].id
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]int64, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}

	return out
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}
