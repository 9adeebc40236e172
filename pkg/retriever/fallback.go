package retriever

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/EricMeteorite/recall/pkg/index"
	"github.com/EricMeteorite/recall/pkg/store"
)

// fallbackScan n-gram-scores every live archive record against the query
// text. Linear, but it only runs when the indexed funnel came up empty, and
// it is what makes written text always retrievable even after total index
// loss.
func (r *Retriever) fallbackScan(ctx context.Context, q Query) ([]Hit, error) {
	grams := index.GramsOf(q.Text)
	if len(grams) == 0 {
		return nil, nil
	}

	type scored struct {
		id    string
		score float64
	}
	var (
		mu   sync.Mutex
		hits []scored
	)
	record := func(id string, score float64) {
		mu.Lock()
		hits = append(hits, scored{id, score})
		mu.Unlock()
	}

	memories := make(chan *store.Memory, r.opts.FallbackWorkers*4)
	eg, scanCtx := errgroup.WithContext(ctx)
	for i := 0; i < r.opts.FallbackWorkers; i++ {
		eg.Go(func() error {
			for m := range memories {
				if score := index.Score(grams, m.Content); score > 0 {
					record(m.ID, score)
				}
			}
			return nil
		})
	}
	eg.Go(func() error {
		defer close(memories)
		return r.scanner.Scan(func(m *store.Memory) bool {
			if m.AliasOf != "" {
				return true
			}
			select {
			case memories <- m:
				return true
			case <-scanCtx.Done():
				return false
			}
		})
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	if len(hits) > r.opts.Fallback.TopK {
		hits = hits[:r.opts.Fallback.TopK]
	}
	out := make([]Hit, len(hits))
	for i, h := range hits {
		out[i] = Hit{ID: h.id, Score: h.score, Stages: []string{StageFallback}}
	}
	return out, nil
}
