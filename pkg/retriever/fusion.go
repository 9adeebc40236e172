package retriever

import (
	"sort"

	"github.com/EricMeteorite/recall/pkg/index"
)

// fuseRRF combines ranked lists by Reciprocal Rank Fusion:
//
//	score(d) = Σ over lists containing d of 1 / (k + rank)
//
// Rank is 1-based within each list. Ties break on id so the fused order is
// deterministic across runs.
func fuseRRF(k int, lists ...[]index.Result) []index.Result {
	scores := map[string]float64{}
	for _, list := range lists {
		for rank, res := range list {
			scores[res.ID] += 1.0 / float64(k+rank+1)
		}
	}
	fused := make([]index.Result, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, index.Result{ID: id, Score: score})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})
	return fused
}
