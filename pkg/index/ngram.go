package index

import (
	"sync"

	"github.com/EricMeteorite/recall/pkg/tokenizer"
)

// NgramIndex holds character 2- and 3-gram postings over memory content.
// It serves fuzzy matching in the funnel and powers the raw-text fallback
// scoring: two texts sharing enough grams match even when word boundaries,
// punctuation or ordering differ.
type NgramIndex struct {
	mu       sync.RWMutex
	postings map[string]map[string]struct{} // gram -> id set
	docs     map[string][]string            // id -> grams
	p        *persister
}

// NewNgramIndex creates an n-gram index persisted at path.
func NewNgramIndex(path string) *NgramIndex {
	return &NgramIndex{
		postings: make(map[string]map[string]struct{}),
		docs:     make(map[string][]string),
		p:        newPersister(path),
	}
}

// GramsOf returns the deduplicated 2- and 3-grams of text.
func GramsOf(text string) []string {
	grams := tokenizer.Ngrams(text, 2)
	grams = append(grams, tokenizer.Ngrams(text, 3)...)
	return grams
}

// Name implements Index.
func (ix *NgramIndex) Name() string { return "ngram" }

// Add indexes the grams of the doc content.
func (ix *NgramIndex) Add(doc *Doc) error {
	grams := GramsOf(doc.Content)
	ix.mu.Lock()
	ix.apply(doc.ID, grams)
	ix.mu.Unlock()
	// Persist the derived grams, not the content: replay must not depend
	// on tokenizer versions.
	return ix.p.logAdd(&Doc{ID: doc.ID, Tokens: grams})
}

// Remove implements Index.
func (ix *NgramIndex) Remove(id string) error {
	ix.mu.Lock()
	ix.applyRemove(id)
	ix.mu.Unlock()
	return ix.p.logRemove(id)
}

// Query scores ids by the fraction of query grams they contain.
func (ix *NgramIndex) Query(text string, k int) []Result {
	grams := GramsOf(text)
	if len(grams) == 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	hits := make(map[string]int)
	for _, g := range grams {
		for id := range ix.postings[g] {
			hits[id]++
		}
	}
	results := make([]Result, 0, len(hits))
	for id, n := range hits {
		results = append(results, Result{ID: id, Score: float64(n) / float64(len(grams))})
	}
	return topK(results, k)
}

// Score computes the gram-overlap score of a single candidate text against
// query grams; the archive fallback uses this without touching the index.
func Score(queryGrams []string, text string) float64 {
	if len(queryGrams) == 0 {
		return 0
	}
	have := make(map[string]struct{})
	for _, g := range GramsOf(text) {
		have[g] = struct{}{}
	}
	n := 0
	for _, g := range queryGrams {
		if _, ok := have[g]; ok {
			n++
		}
	}
	return float64(n) / float64(len(queryGrams))
}

type ngramState struct {
	Docs map[string][]string `json:"docs"`
}

// Snapshot implements Index.
func (ix *NgramIndex) Snapshot() error {
	ix.mu.RLock()
	state := ngramState{Docs: make(map[string][]string, len(ix.docs))}
	for id, grams := range ix.docs {
		state.Docs[id] = grams
	}
	ix.mu.RUnlock()
	return ix.p.snapshot(&state)
}

// Load implements Index.
func (ix *NgramIndex) Load() error {
	var state ngramState
	var staged []walOp
	if err := ix.p.load(&state, func(op walOp) error {
		staged = append(staged, op)
		return nil
	}); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for id, grams := range state.Docs {
		ix.apply(id, grams)
	}
	for _, op := range staged {
		switch op.Op {
		case "add":
			if op.Doc != nil {
				ix.apply(op.Doc.ID, op.Doc.Tokens)
			}
		case "remove":
			ix.applyRemove(op.ID)
		}
	}
	return nil
}

func (ix *NgramIndex) apply(id string, grams []string) {
	ix.docs[id] = grams
	for _, g := range grams {
		set := ix.postings[g]
		if set == nil {
			set = make(map[string]struct{})
			ix.postings[g] = set
		}
		set[id] = struct{}{}
	}
}

func (ix *NgramIndex) applyRemove(id string) {
	grams, ok := ix.docs[id]
	if !ok {
		return
	}
	for _, g := range grams {
		if set := ix.postings[g]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(ix.postings, g)
			}
		}
	}
	delete(ix.docs, id)
}
