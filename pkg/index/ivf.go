package index

import (
	"math/rand"
	"sync"

	"github.com/EricMeteorite/recall/internal/encoding"
)

// IVFIndex partitions vectors into k-means cells and probes only the nProbe
// nearest cells at query time. It trades a little recall for a large scan
// reduction, so it serves collections too big for flat search where HNSW's
// memory overhead is unwelcome.
type IVFIndex struct {
	mu         sync.RWMutex
	nCells     int
	nProbe     int
	trainEvery int
	centroids  [][]float32
	cells      []map[string]struct{} // cell -> id set
	vectors    map[string][]float32
	cellOf     map[string]int
	sinceTrain int
	p          *persister
}

// NewIVFIndex creates an IVF index with nCells centroids probing nProbe
// cells per query. Before the first training pass every query falls back to
// a full scan, which is correct just slow.
func NewIVFIndex(path string, nCells, nProbe int) *IVFIndex {
	if nCells <= 0 {
		nCells = 64
	}
	if nProbe <= 0 {
		nProbe = 8
	}
	if nProbe > nCells {
		nProbe = nCells
	}
	return &IVFIndex{
		nCells:     nCells,
		nProbe:     nProbe,
		trainEvery: nCells * 32,
		vectors:    make(map[string][]float32),
		cellOf:     make(map[string]int),
		p:          newPersister(path),
	}
}

// Name implements Index.
func (ix *IVFIndex) Name() string { return "ivf" }

// Add stores the vector and assigns it to its nearest cell. Retraining runs
// automatically once enough new vectors accumulate.
func (ix *IVFIndex) Add(doc *Doc) error {
	if len(doc.Vector) == 0 {
		return nil
	}
	v := encoding.Normalize(doc.Vector)
	ix.mu.Lock()
	ix.apply(doc.ID, v)
	ix.sinceTrain++
	if ix.sinceTrain >= ix.trainEvery && len(ix.vectors) >= ix.nCells {
		ix.train()
		ix.sinceTrain = 0
	}
	ix.mu.Unlock()
	return ix.p.logAdd(&Doc{ID: doc.ID, Vector: v})
}

// Remove implements Index.
func (ix *IVFIndex) Remove(id string) error {
	ix.mu.Lock()
	ix.applyRemove(id)
	ix.mu.Unlock()
	return ix.p.logRemove(id)
}

// Search probes the nProbe nearest cells for the top k by cosine similarity.
func (ix *IVFIndex) Search(query []float32, k int) []Result {
	if len(query) == 0 || k <= 0 {
		return nil
	}
	q := encoding.Normalize(query)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var candidates []string
	if len(ix.centroids) == 0 {
		candidates = make([]string, 0, len(ix.vectors))
		for id := range ix.vectors {
			candidates = append(candidates, id)
		}
	} else {
		sims := make([]float64, len(ix.centroids))
		order := make([]int, len(ix.centroids))
		for i, c := range ix.centroids {
			sims[i] = encoding.CosineSimilarity(q, c)
			order[i] = i
		}
		for i := 1; i < len(order); i++ {
			for j := i; j > 0 && sims[order[j]] > sims[order[j-1]]; j-- {
				order[j], order[j-1] = order[j-1], order[j]
			}
		}
		for i := 0; i < ix.nProbe && i < len(order); i++ {
			for id := range ix.cells[order[i]] {
				candidates = append(candidates, id)
			}
		}
	}

	results := make([]Result, 0, len(candidates))
	for _, id := range candidates {
		v := ix.vectors[id]
		if len(v) != len(q) {
			continue
		}
		results = append(results, Result{ID: id, Score: encoding.CosineSimilarity(q, v)})
	}
	return topK(results, k)
}

// Size returns the vector count.
func (ix *IVFIndex) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}

type ivfState struct {
	Centroids [][]float32          `json:"centroids"`
	Vectors   map[string][]float32 `json:"vectors"`
}

// Snapshot implements Index.
func (ix *IVFIndex) Snapshot() error {
	ix.mu.RLock()
	state := ivfState{
		Centroids: ix.centroids,
		Vectors:   make(map[string][]float32, len(ix.vectors)),
	}
	for id, v := range ix.vectors {
		state.Vectors[id] = v
	}
	ix.mu.RUnlock()
	return ix.p.snapshot(&state)
}

// Load implements Index.
func (ix *IVFIndex) Load() error {
	var state ivfState
	var staged []walOp
	if err := ix.p.load(&state, func(op walOp) error {
		staged = append(staged, op)
		return nil
	}); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if len(state.Centroids) > 0 {
		ix.centroids = state.Centroids
		ix.cells = make([]map[string]struct{}, len(ix.centroids))
		for i := range ix.cells {
			ix.cells[i] = make(map[string]struct{})
		}
	}
	for id, v := range state.Vectors {
		ix.vectors[id] = v
	}
	for _, op := range staged {
		switch op.Op {
		case "add":
			if op.Doc != nil && len(op.Doc.Vector) > 0 {
				ix.vectors[op.Doc.ID] = op.Doc.Vector
			}
		case "remove":
			ix.applyRemove(op.ID)
		}
	}
	// Re-bucket everything against the restored centroids.
	if len(ix.centroids) > 0 {
		for id, v := range ix.vectors {
			ix.assign(id, v)
		}
	}
	return nil
}

// --- internals (callers hold mu) ---

func (ix *IVFIndex) apply(id string, v []float32) {
	ix.vectors[id] = v
	if len(ix.centroids) > 0 {
		ix.assign(id, v)
	}
}

func (ix *IVFIndex) applyRemove(id string) {
	if cell, ok := ix.cellOf[id]; ok {
		delete(ix.cells[cell], id)
		delete(ix.cellOf, id)
	}
	delete(ix.vectors, id)
}

func (ix *IVFIndex) assign(id string, v []float32) {
	if prev, ok := ix.cellOf[id]; ok {
		delete(ix.cells[prev], id)
	}
	cell := ix.nearestCell(v)
	ix.cells[cell][id] = struct{}{}
	ix.cellOf[id] = cell
}

func (ix *IVFIndex) nearestCell(v []float32) int {
	best, bestSim := 0, -2.0
	for i, c := range ix.centroids {
		if len(c) != len(v) {
			continue
		}
		if sim := encoding.CosineSimilarity(v, c); sim > bestSim {
			best, bestSim = i, sim
		}
	}
	return best
}

// train runs a bounded k-means pass over the current vectors and re-buckets
// every id.
func (ix *IVFIndex) train() {
	ids := make([]string, 0, len(ix.vectors))
	for id := range ix.vectors {
		ids = append(ids, id)
	}
	if len(ids) < ix.nCells {
		return
	}

	rng := rand.New(rand.NewSource(int64(len(ids))))
	dim := len(ix.vectors[ids[0]])

	centroids := make([][]float32, ix.nCells)
	perm := rng.Perm(len(ids))
	for i := 0; i < ix.nCells; i++ {
		src := ix.vectors[ids[perm[i]]]
		c := make([]float32, dim)
		copy(c, src)
		centroids[i] = c
	}

	assignment := make([]int, len(ids))
	for iter := 0; iter < 10; iter++ {
		changed := false
		for i, id := range ids {
			v := ix.vectors[id]
			best, bestSim := 0, -2.0
			for ci, c := range centroids {
				if sim := encoding.CosineSimilarity(v, c); sim > bestSim {
					best, bestSim = ci, sim
				}
			}
			if assignment[i] != best {
				assignment[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}
		sums := make([][]float64, ix.nCells)
		counts := make([]int, ix.nCells)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, id := range ids {
			v := ix.vectors[id]
			c := assignment[i]
			counts[c]++
			for d, x := range v {
				sums[c][d] += float64(x)
			}
		}
		for ci := range centroids {
			if counts[ci] == 0 {
				// Empty cell: reseed from a random vector.
				src := ix.vectors[ids[rng.Intn(len(ids))]]
				copy(centroids[ci], src)
				continue
			}
			for d := range centroids[ci] {
				centroids[ci][d] = float32(sums[ci][d] / float64(counts[ci]))
			}
			centroids[ci] = encoding.Normalize(centroids[ci])
		}
	}

	ix.centroids = centroids
	ix.cells = make([]map[string]struct{}, ix.nCells)
	for i := range ix.cells {
		ix.cells[i] = make(map[string]struct{})
	}
	ix.cellOf = make(map[string]int, len(ids))
	for i, id := range ids {
		ix.cells[assignment[i]][id] = struct{}{}
		ix.cellOf[id] = assignment[i]
	}
}
