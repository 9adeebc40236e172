package index

import (
	"strings"
	"sync"
)

// EntityIndex maps normalised entity keys to the memories mentioning them.
// Lookup is a hash access, O(1) per entity.
type EntityIndex struct {
	mu       sync.RWMutex
	postings map[string]map[string]struct{} // entity key -> id set
	docs     map[string][]string
	p        *persister
}

// NewEntityIndex creates an entity index persisted at path.
func NewEntityIndex(path string) *EntityIndex {
	return &EntityIndex{
		postings: make(map[string]map[string]struct{}),
		docs:     make(map[string][]string),
		p:        newPersister(path),
	}
}

// NormalizeEntity canonicalises an entity surface form for keying.
func NormalizeEntity(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Name implements Index.
func (ix *EntityIndex) Name() string { return "entity" }

// Add indexes the doc under each of its entity keys.
func (ix *EntityIndex) Add(doc *Doc) error {
	keys := make([]string, 0, len(doc.Entities))
	for _, e := range doc.Entities {
		keys = append(keys, NormalizeEntity(e))
	}
	ix.mu.Lock()
	ix.apply(doc.ID, keys)
	ix.mu.Unlock()
	return ix.p.logAdd(&Doc{ID: doc.ID, Entities: keys})
}

// Remove implements Index.
func (ix *EntityIndex) Remove(id string) error {
	ix.mu.Lock()
	ix.applyRemove(id)
	ix.mu.Unlock()
	return ix.p.logRemove(id)
}

// Query scores ids by matched entity count.
func (ix *EntityIndex) Query(entities []string, k int) []Result {
	if len(entities) == 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	hits := make(map[string]int)
	for _, e := range entities {
		for id := range ix.postings[NormalizeEntity(e)] {
			hits[id]++
		}
	}
	results := make([]Result, 0, len(hits))
	for id, n := range hits {
		results = append(results, Result{ID: id, Score: float64(n) / float64(len(entities))})
	}
	return topK(results, k)
}

// MemoriesOf returns the ids mentioning the entity key.
func (ix *EntityIndex) MemoriesOf(entityKey string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	set := ix.postings[NormalizeEntity(entityKey)]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

type entityState struct {
	Docs map[string][]string `json:"docs"`
}

// Snapshot implements Index.
func (ix *EntityIndex) Snapshot() error {
	ix.mu.RLock()
	state := entityState{Docs: make(map[string][]string, len(ix.docs))}
	for id, keys := range ix.docs {
		state.Docs[id] = keys
	}
	ix.mu.RUnlock()
	return ix.p.snapshot(&state)
}

// Load implements Index.
func (ix *EntityIndex) Load() error {
	var state entityState
	var staged []walOp
	if err := ix.p.load(&state, func(op walOp) error {
		staged = append(staged, op)
		return nil
	}); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for id, keys := range state.Docs {
		ix.apply(id, keys)
	}
	for _, op := range staged {
		switch op.Op {
		case "add":
			if op.Doc != nil {
				ix.apply(op.Doc.ID, op.Doc.Entities)
			}
		case "remove":
			ix.applyRemove(op.ID)
		}
	}
	return nil
}

func (ix *EntityIndex) apply(id string, keys []string) {
	ix.docs[id] = keys
	for _, key := range keys {
		set := ix.postings[key]
		if set == nil {
			set = make(map[string]struct{})
			ix.postings[key] = set
		}
		set[id] = struct{}{}
	}
}

func (ix *EntityIndex) applyRemove(id string) {
	keys, ok := ix.docs[id]
	if !ok {
		return
	}
	for _, key := range keys {
		if set := ix.postings[key]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(ix.postings, key)
			}
		}
	}
	delete(ix.docs, id)
}
