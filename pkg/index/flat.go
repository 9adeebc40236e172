package index

import (
	"container/heap"
	"sync"

	"github.com/EricMeteorite/recall/internal/encoding"
)

// FlatIndex is a brute-force exact vector index. O(n) per query, but it
// guarantees the true nearest neighbours, so small collections and tests
// use it as the reference search path.
type FlatIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
	p       *persister
}

// NewFlatIndex creates a flat cosine index persisted at path.
func NewFlatIndex(path string) *FlatIndex {
	return &FlatIndex{
		vectors: make(map[string][]float32),
		p:       newPersister(path),
	}
}

// Name implements Index.
func (f *FlatIndex) Name() string { return "flat" }

// Add stores a normalised copy of the doc vector. Docs without a vector are
// skipped silently: local-mode ingest may index text-only.
func (f *FlatIndex) Add(doc *Doc) error {
	if len(doc.Vector) == 0 {
		return nil
	}
	v := encoding.Normalize(doc.Vector)
	f.mu.Lock()
	f.vectors[doc.ID] = v
	f.mu.Unlock()
	return f.p.logAdd(&Doc{ID: doc.ID, Vector: v})
}

// Remove implements Index.
func (f *FlatIndex) Remove(id string) error {
	f.mu.Lock()
	delete(f.vectors, id)
	f.mu.Unlock()
	return f.p.logRemove(id)
}

// Search returns the k vectors most similar to query by cosine similarity.
func (f *FlatIndex) Search(query []float32, k int) []Result {
	if len(query) == 0 || k <= 0 {
		return nil
	}
	q := encoding.Normalize(query)

	f.mu.RLock()
	defer f.mu.RUnlock()

	// Min-heap over similarity keeps the running top k.
	h := &simHeap{}
	heap.Init(h)
	for id, v := range f.vectors {
		if len(v) != len(q) {
			continue
		}
		sim := encoding.CosineSimilarity(q, v)
		if h.Len() < k {
			heap.Push(h, Result{ID: id, Score: sim})
		} else if sim > (*h)[0].Score {
			heap.Pop(h)
			heap.Push(h, Result{ID: id, Score: sim})
		}
	}

	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Result)
	}
	return out
}

// Vector returns a copy of the stored vector for id.
func (f *FlatIndex) Vector(id string) ([]float32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.vectors[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, true
}

// Size returns the vector count.
func (f *FlatIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

type flatState struct {
	Vectors map[string][]float32 `json:"vectors"`
}

// Snapshot implements Index.
func (f *FlatIndex) Snapshot() error {
	f.mu.RLock()
	state := flatState{Vectors: make(map[string][]float32, len(f.vectors))}
	for id, v := range f.vectors {
		state.Vectors[id] = v
	}
	f.mu.RUnlock()
	return f.p.snapshot(&state)
}

// Load implements Index.
func (f *FlatIndex) Load() error {
	var state flatState
	var staged []walOp
	if err := f.p.load(&state, func(op walOp) error {
		staged = append(staged, op)
		return nil
	}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, v := range state.Vectors {
		f.vectors[id] = v
	}
	for _, op := range staged {
		switch op.Op {
		case "add":
			if op.Doc != nil && len(op.Doc.Vector) > 0 {
				f.vectors[op.Doc.ID] = op.Doc.Vector
			}
		case "remove":
			delete(f.vectors, op.ID)
		}
	}
	return nil
}

// simHeap is a min-heap over Result.Score.
type simHeap []Result

func (h simHeap) Len() int           { return len(h) }
func (h simHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h simHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *simHeap) Push(x interface{}) { *h = append(*h, x.(Result)) }

func (h *simHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
