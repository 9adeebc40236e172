package index

import (
	"sync"
)

// InvertedIndex maps tokens to posting lists of memory ids. It guarantees
// 100% recall for any query whose tokens appear verbatim in the stored
// text: every stored token keeps its full posting list.
type InvertedIndex struct {
	mu       sync.RWMutex
	postings map[string]map[string]struct{} // token -> id set
	docs     map[string][]string            // id -> tokens (for removal)
	p        *persister
}

// NewInvertedIndex creates an inverted keyword index persisted at path
// (empty disables persistence).
func NewInvertedIndex(path string) *InvertedIndex {
	return &InvertedIndex{
		postings: make(map[string]map[string]struct{}),
		docs:     make(map[string][]string),
		p:        newPersister(path),
	}
}

// Name implements Index.
func (ix *InvertedIndex) Name() string { return "inverted" }

// Add indexes the doc's tokens.
func (ix *InvertedIndex) Add(doc *Doc) error {
	ix.mu.Lock()
	ix.apply(doc)
	ix.mu.Unlock()
	return ix.p.logAdd(&Doc{ID: doc.ID, Tokens: doc.Tokens})
}

// Remove deletes the doc from every posting list.
func (ix *InvertedIndex) Remove(id string) error {
	ix.mu.Lock()
	ix.applyRemove(id)
	ix.mu.Unlock()
	return ix.p.logRemove(id)
}

// Query scores ids by the count of matching query tokens, normalised by the
// query length so scores stay in (0, 1].
func (ix *InvertedIndex) Query(tokens []string, k int) []Result {
	if len(tokens) == 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	hits := make(map[string]int)
	for _, tok := range tokens {
		for id := range ix.postings[tok] {
			hits[id]++
		}
	}
	results := make([]Result, 0, len(hits))
	for id, n := range hits {
		results = append(results, Result{ID: id, Score: float64(n) / float64(len(tokens))})
	}
	return topK(results, k)
}

// Postings returns the ids containing the token; used by tests and stats.
func (ix *InvertedIndex) Postings(token string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	set := ix.postings[token]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

type invertedState struct {
	Docs map[string][]string `json:"docs"`
}

// Snapshot implements Index.
func (ix *InvertedIndex) Snapshot() error {
	ix.mu.RLock()
	state := invertedState{Docs: make(map[string][]string, len(ix.docs))}
	for id, toks := range ix.docs {
		state.Docs[id] = toks
	}
	ix.mu.RUnlock()
	return ix.p.snapshot(&state)
}

// Load implements Index. WAL ops are staged and replayed in log order after
// the snapshot is installed, so a remove logged since the last snapshot
// stays removed across a crash.
func (ix *InvertedIndex) Load() error {
	var state invertedState
	var staged []walOp
	if err := ix.p.load(&state, func(op walOp) error {
		staged = append(staged, op)
		return nil
	}); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for id, toks := range state.Docs {
		ix.apply(&Doc{ID: id, Tokens: toks})
	}
	for _, op := range staged {
		switch op.Op {
		case "add":
			if op.Doc != nil {
				ix.apply(op.Doc)
			}
		case "remove":
			ix.applyRemove(op.ID)
		}
	}
	return nil
}

func (ix *InvertedIndex) apply(doc *Doc) {
	ix.docs[doc.ID] = doc.Tokens
	for _, tok := range doc.Tokens {
		set := ix.postings[tok]
		if set == nil {
			set = make(map[string]struct{})
			ix.postings[tok] = set
		}
		set[doc.ID] = struct{}{}
	}
}

func (ix *InvertedIndex) applyRemove(id string) {
	toks, ok := ix.docs[id]
	if !ok {
		return
	}
	for _, tok := range toks {
		if set := ix.postings[tok]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(ix.postings, tok)
			}
		}
	}
	delete(ix.docs, id)
}
