package index

import (
	"math"
	"sync"
)

// FullTextIndex ranks documents with BM25. Postings carry term frequencies,
// so scores reward repeated terms and discount long documents; k1 and b are
// the standard saturation and length-normalisation knobs.
type FullTextIndex struct {
	mu       sync.RWMutex
	k1       float64
	b        float64
	postings map[string]map[string]int // token -> id -> term frequency
	docLen   map[string]int
	docToks  map[string][]string
	totalLen int
	p        *persister
}

// NewFullTextIndex creates a BM25 index. k1 <= 0 or b < 0 fall back to the
// conventional 1.2 / 0.75.
func NewFullTextIndex(path string, k1, b float64) *FullTextIndex {
	if k1 <= 0 {
		k1 = 1.2
	}
	if b < 0 || b > 1 {
		b = 0.75
	}
	return &FullTextIndex{
		k1:       k1,
		b:        b,
		postings: make(map[string]map[string]int),
		docLen:   make(map[string]int),
		docToks:  make(map[string][]string),
		p:        newPersister(path),
	}
}

// Name implements Index.
func (ix *FullTextIndex) Name() string { return "fulltext" }

// Add indexes the doc tokens with their frequencies.
func (ix *FullTextIndex) Add(doc *Doc) error {
	ix.mu.Lock()
	ix.apply(doc.ID, doc.Tokens)
	ix.mu.Unlock()
	return ix.p.logAdd(&Doc{ID: doc.ID, Tokens: doc.Tokens})
}

// Remove implements Index.
func (ix *FullTextIndex) Remove(id string) error {
	ix.mu.Lock()
	ix.applyRemove(id)
	ix.mu.Unlock()
	return ix.p.logRemove(id)
}

// Query returns the top k documents by BM25 score for the query tokens.
func (ix *FullTextIndex) Query(tokens []string, k int) []Result {
	if len(tokens) == 0 {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.docLen)
	if n == 0 {
		return nil
	}
	avgLen := float64(ix.totalLen) / float64(n)

	scores := make(map[string]float64)
	for _, tok := range tokens {
		plist := ix.postings[tok]
		if len(plist) == 0 {
			continue
		}
		// BM25+-style floor keeps idf positive for very common terms.
		idf := math.Log(1 + (float64(n)-float64(len(plist))+0.5)/(float64(len(plist))+0.5))
		for id, tf := range plist {
			dl := float64(ix.docLen[id])
			norm := ix.k1 * (1 - ix.b + ix.b*dl/avgLen)
			scores[id] += idf * float64(tf) * (ix.k1 + 1) / (float64(tf) + norm)
		}
	}

	results := make([]Result, 0, len(scores))
	for id, s := range scores {
		results = append(results, Result{ID: id, Score: s})
	}
	return topK(results, k)
}

// Score computes the BM25 score of one stored document against the query
// tokens; the reranker uses this as its keyword factor.
func (ix *FullTextIndex) Score(id string, tokens []string) float64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.docLen)
	dl, ok := ix.docLen[id]
	if !ok || n == 0 {
		return 0
	}
	avgLen := float64(ix.totalLen) / float64(n)

	var score float64
	for _, tok := range tokens {
		plist := ix.postings[tok]
		tf, ok := plist[id]
		if !ok {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(len(plist))+0.5)/(float64(len(plist))+0.5))
		norm := ix.k1 * (1 - ix.b + ix.b*float64(dl)/avgLen)
		score += idf * float64(tf) * (ix.k1 + 1) / (float64(tf) + norm)
	}
	return score
}

type fulltextState struct {
	Docs map[string][]string `json:"docs"`
}

// Snapshot implements Index.
func (ix *FullTextIndex) Snapshot() error {
	ix.mu.RLock()
	state := fulltextState{Docs: make(map[string][]string, len(ix.docToks))}
	for id, toks := range ix.docToks {
		state.Docs[id] = toks
	}
	ix.mu.RUnlock()
	return ix.p.snapshot(&state)
}

// Load implements Index.
func (ix *FullTextIndex) Load() error {
	var state fulltextState
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
		ix.apply(id, toks)
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

func (ix *FullTextIndex) apply(id string, tokens []string) {
	if _, dup := ix.docToks[id]; dup {
		ix.applyRemove(id)
	}
	ix.docToks[id] = tokens
	ix.docLen[id] = len(tokens)
	ix.totalLen += len(tokens)
	for _, tok := range tokens {
		plist := ix.postings[tok]
		if plist == nil {
			plist = make(map[string]int)
			ix.postings[tok] = plist
		}
		plist[id]++
	}
}

func (ix *FullTextIndex) applyRemove(id string) {
	toks, ok := ix.docToks[id]
	if !ok {
		return
	}
	for _, tok := range toks {
		if plist := ix.postings[tok]; plist != nil {
			if plist[id] > 1 {
				plist[id]--
			} else {
				delete(plist, id)
				if len(plist) == 0 {
					delete(ix.postings, tok)
				}
			}
		}
	}
	ix.totalLen -= ix.docLen[id]
	delete(ix.docLen, id)
	delete(ix.docToks, id)
}
