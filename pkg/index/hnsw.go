package index

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"github.com/EricMeteorite/recall/internal/encoding"
)

const maxHNSWLevel = 16

// hnswNode is a single graph node. Neighbors[l] holds the links at layer l.
type hnswNode struct {
	ID        string     `json:"id"`
	Vector    []float32  `json:"vector"`
	Level     int        `json:"level"`
	Neighbors [][]string `json:"neighbors"`
	Deleted   bool       `json:"deleted,omitempty"`
}

// HNSWIndex is a Hierarchical Navigable Small World graph over normalised
// vectors, searched by cosine distance. Deletes are soft: the node keeps its
// links so the graph stays navigable, but it is filtered from results.
type HNSWIndex struct {
	mu         sync.RWMutex
	m          int // max links per node above layer 0
	maxM       int // max links at layer 0
	efConstr   int
	efSearch   int
	nodes      map[string]*hnswNode
	entryPoint string
	rng        *rand.Rand
	p          *persister
}

// NewHNSWIndex creates an HNSW index. m controls graph connectivity,
// efConstruction the build-time candidate list, efSearch the query-time one.
func NewHNSWIndex(path string, m, efConstruction, efSearch int) *HNSWIndex {
	if m <= 0 {
		m = 16
	}
	if efConstruction <= 0 {
		efConstruction = 200
	}
	if efSearch <= 0 {
		efSearch = 50
	}
	return &HNSWIndex{
		m:        m,
		maxM:     m * 2,
		efConstr: efConstruction,
		efSearch: efSearch,
		nodes:    make(map[string]*hnswNode),
		rng:      rand.New(rand.NewSource(42)), // deterministic layout for reproducible tests
		p:        newPersister(path),
	}
}

// Name implements Index.
func (h *HNSWIndex) Name() string { return "hnsw" }

// Add inserts the doc vector into the graph.
func (h *HNSWIndex) Add(doc *Doc) error {
	if len(doc.Vector) == 0 {
		return nil
	}
	v := encoding.Normalize(doc.Vector)
	h.mu.Lock()
	h.insert(doc.ID, v)
	h.mu.Unlock()
	return h.p.logAdd(&Doc{ID: doc.ID, Vector: v})
}

// Remove soft-deletes the node.
func (h *HNSWIndex) Remove(id string) error {
	h.mu.Lock()
	h.applyRemove(id)
	h.mu.Unlock()
	return h.p.logRemove(id)
}

// Search returns up to k approximate nearest neighbours by cosine
// similarity.
func (h *HNSWIndex) Search(query []float32, k int) []Result {
	if len(query) == 0 || k <= 0 {
		return nil
	}
	q := encoding.Normalize(query)

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entryPoint == "" {
		return nil
	}
	ef := h.efSearch
	if ef < k {
		ef = k * 2
	}

	curr := []string{h.entryPoint}
	for layer := h.nodes[h.entryPoint].Level; layer > 0; layer-- {
		curr = h.searchLayer(q, curr, 1, layer)
	}
	candidates := h.searchLayer(q, curr, ef, 0)

	results := make([]Result, 0, len(candidates))
	for _, id := range candidates {
		node := h.nodes[id]
		if node == nil || node.Deleted {
			continue
		}
		results = append(results, Result{ID: id, Score: encoding.CosineSimilarity(q, node.Vector)})
	}
	return topK(results, k)
}

// Size returns the live node count.
func (h *HNSWIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, node := range h.nodes {
		if !node.Deleted {
			n++
		}
	}
	return n
}

type hnswState struct {
	EntryPoint string               `json:"entry_point"`
	Nodes      map[string]*hnswNode `json:"nodes"`
}

// Snapshot implements Index.
func (h *HNSWIndex) Snapshot() error {
	h.mu.RLock()
	state := hnswState{EntryPoint: h.entryPoint, Nodes: h.nodes}
	err := h.p.snapshot(&state)
	h.mu.RUnlock()
	return err
}

// Load implements Index. The snapshot restores the full graph; WAL adds are
// re-inserted on top so links get rebuilt for post-snapshot docs.
func (h *HNSWIndex) Load() error {
	var state hnswState
	type walEntry struct {
		op  string
		id  string
		vec []float32
	}
	var staged []walEntry
	if err := h.p.load(&state, func(op walOp) error {
		switch op.Op {
		case "add":
			if op.Doc != nil {
				staged = append(staged, walEntry{op: "add", id: op.Doc.ID, vec: op.Doc.Vector})
			}
		case "remove":
			staged = append(staged, walEntry{op: "remove", id: op.ID})
		}
		return nil
	}); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if state.Nodes != nil {
		h.nodes = state.Nodes
		h.entryPoint = state.EntryPoint
	}
	for _, e := range staged {
		switch e.op {
		case "add":
			if _, exists := h.nodes[e.id]; !exists && len(e.vec) > 0 {
				h.insert(e.id, e.vec)
			}
		case "remove":
			h.applyRemove(e.id)
		}
	}
	return nil
}

// --- graph internals (callers hold mu) ---

func (h *HNSWIndex) insert(id string, vector []float32) {
	if _, exists := h.nodes[id]; exists {
		return
	}
	level := h.selectLevel()
	node := &hnswNode{
		ID:        id,
		Vector:    vector,
		Level:     level,
		Neighbors: make([][]string, level+1),
	}
	h.nodes[id] = node

	if h.entryPoint == "" {
		h.entryPoint = id
		return
	}

	curr := []string{h.entryPoint}
	entry := h.nodes[h.entryPoint]
	for lc := entry.Level; lc > level; lc-- {
		curr = h.searchLayer(vector, curr, 1, lc)
	}

	for lc := min(level, entry.Level); lc >= 0; lc-- {
		maxConn := h.m
		if lc == 0 {
			maxConn = h.maxM
		}
		candidates := h.searchLayer(vector, curr, h.efConstr, lc)
		neighbors := h.selectNeighbors(vector, candidates, maxConn)
		node.Neighbors[lc] = neighbors
		for _, nb := range neighbors {
			h.link(nb, id, lc)
			nbNode := h.nodes[nb]
			if lc < len(nbNode.Neighbors) && len(nbNode.Neighbors[lc]) > maxConn {
				nbNode.Neighbors[lc] = h.selectNeighbors(nbNode.Vector, nbNode.Neighbors[lc], maxConn)
			}
		}
		curr = neighbors
	}

	if level > entry.Level {
		h.entryPoint = id
	}
}

func (h *HNSWIndex) applyRemove(id string) {
	node, ok := h.nodes[id]
	if !ok {
		return
	}
	node.Deleted = true
	if h.entryPoint == id {
		h.entryPoint = ""
		for nid, n := range h.nodes {
			if !n.Deleted {
				h.entryPoint = nid
				break
			}
		}
	}
}

func (h *HNSWIndex) selectLevel() int {
	level := 0
	for h.rng.Float64() < 0.5 && level < maxHNSWLevel {
		level++
	}
	return level
}

// searchLayer is a greedy beam search within one layer, returning up to ef
// ids ordered closest first.
func (h *HNSWIndex) searchLayer(query []float32, entryPoints []string, ef, layer int) []string {
	visited := make(map[string]bool)
	candidates := &distHeap{}
	nearest := &distHeap{} // max-heap via negated distance

	for _, id := range entryPoints {
		node := h.nodes[id]
		if node == nil {
			continue
		}
		d := h.distance(query, node)
		heap.Push(candidates, distItem{id: id, dist: d})
		heap.Push(nearest, distItem{id: id, dist: -d})
		visited[id] = true
	}

	for candidates.Len() > 0 {
		if nearest.Len() >= ef {
			if (*candidates)[0].dist > -(*nearest)[0].dist {
				break
			}
		}
		curr := heap.Pop(candidates).(distItem)
		node := h.nodes[curr.id]
		if node == nil || layer >= len(node.Neighbors) {
			continue
		}
		for _, nb := range node.Neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nbNode := h.nodes[nb]
			if nbNode == nil {
				continue
			}
			d := h.distance(query, nbNode)
			if nearest.Len() < ef || d < -(*nearest)[0].dist {
				heap.Push(candidates, distItem{id: nb, dist: d})
				heap.Push(nearest, distItem{id: nb, dist: -d})
				if nearest.Len() > ef {
					heap.Pop(nearest)
				}
			}
		}
	}

	out := make([]string, nearest.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(nearest).(distItem).id
	}
	return out
}

func (h *HNSWIndex) selectNeighbors(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}
	items := make([]distItem, 0, len(candidates))
	for _, id := range candidates {
		node := h.nodes[id]
		if node == nil {
			continue
		}
		items = append(items, distItem{id: id, dist: h.distance(query, node)})
	}
	// Insertion sort: candidate lists are short (≤ efConstruction).
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].dist < items[j-1].dist; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
	out := make([]string, 0, m)
	for i := 0; i < m && i < len(items); i++ {
		out = append(out, items[i].id)
	}
	return out
}

func (h *HNSWIndex) link(from, to string, layer int) {
	node := h.nodes[from]
	if node == nil || layer >= len(node.Neighbors) {
		return
	}
	for _, nb := range node.Neighbors[layer] {
		if nb == to {
			return
		}
	}
	node.Neighbors[layer] = append(node.Neighbors[layer], to)
}

func (h *HNSWIndex) distance(query []float32, node *hnswNode) float64 {
	if len(node.Vector) != len(query) {
		return math.MaxFloat64
	}
	return 1 - encoding.CosineSimilarity(query, node.Vector)
}

type distItem struct {
	id   string
	dist float64
}

type distHeap []distItem

func (h distHeap) Len() int           { return len(h) }
func (h distHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *distHeap) Push(x interface{}) { *h = append(*h, x.(distItem)) }

func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
