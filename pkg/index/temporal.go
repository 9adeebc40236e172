package index

import (
	"sort"
	"sync"
)

// TemporalIndex keeps (timestamp, id) pairs in a sorted array; range
// queries bisect in O(log n + k).
type TemporalIndex struct {
	mu      sync.RWMutex
	entries []temporalEntry // sorted by Ts, then ID
	byID    map[string]int64
	p       *persister
}

type temporalEntry struct {
	Ts int64  `json:"ts"`
	ID string `json:"id"`
}

// NewTemporalIndex creates a temporal index persisted at path.
func NewTemporalIndex(path string) *TemporalIndex {
	return &TemporalIndex{byID: make(map[string]int64), p: newPersister(path)}
}

// Name implements Index.
func (ix *TemporalIndex) Name() string { return "temporal" }

// Add inserts the doc at its CreatedAt position.
func (ix *TemporalIndex) Add(doc *Doc) error {
	ix.mu.Lock()
	ix.apply(doc.ID, doc.CreatedAt)
	ix.mu.Unlock()
	return ix.p.logAdd(&Doc{ID: doc.ID, CreatedAt: doc.CreatedAt})
}

// Remove implements Index.
func (ix *TemporalIndex) Remove(id string) error {
	ix.mu.Lock()
	ix.applyRemove(id)
	ix.mu.Unlock()
	return ix.p.logRemove(id)
}

// Range returns up to k ids with from <= ts <= to, newest first. Score is a
// constant 1: the funnel treats temporal hits as a filter, not a ranking
// signal.
func (ix *TemporalIndex) Range(from, to int64, k int) []Result {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	lo := sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].Ts >= from })
	hi := sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].Ts > to })

	var results []Result
	for i := hi - 1; i >= lo; i-- {
		results = append(results, Result{ID: ix.entries[i].ID, Score: 1})
		if k > 0 && len(results) >= k {
			break
		}
	}
	return results
}

type temporalState struct {
	Entries []temporalEntry `json:"entries"`
}

// Snapshot implements Index.
func (ix *TemporalIndex) Snapshot() error {
	ix.mu.RLock()
	state := temporalState{Entries: append([]temporalEntry(nil), ix.entries...)}
	ix.mu.RUnlock()
	return ix.p.snapshot(&state)
}

// Load implements Index.
func (ix *TemporalIndex) Load() error {
	var state temporalState
	var staged []walOp
	if err := ix.p.load(&state, func(op walOp) error {
		staged = append(staged, op)
		return nil
	}); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, e := range state.Entries {
		ix.apply(e.ID, e.Ts)
	}
	for _, op := range staged {
		switch op.Op {
		case "add":
			if op.Doc != nil {
				ix.apply(op.Doc.ID, op.Doc.CreatedAt)
			}
		case "remove":
			ix.applyRemove(op.ID)
		}
	}
	return nil
}

// Len returns the entry count.
func (ix *TemporalIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

func (ix *TemporalIndex) apply(id string, ts int64) {
	if _, dup := ix.byID[id]; dup {
		return
	}
	pos := sort.Search(len(ix.entries), func(i int) bool {
		if ix.entries[i].Ts != ts {
			return ix.entries[i].Ts > ts
		}
		return ix.entries[i].ID >= id
	})
	ix.entries = append(ix.entries, temporalEntry{})
	copy(ix.entries[pos+1:], ix.entries[pos:])
	ix.entries[pos] = temporalEntry{Ts: ts, ID: id}
	ix.byID[id] = ts
}

func (ix *TemporalIndex) applyRemove(id string) {
	ts, ok := ix.byID[id]
	if !ok {
		return
	}
	delete(ix.byID, id)
	pos := sort.Search(len(ix.entries), func(i int) bool {
		if ix.entries[i].Ts != ts {
			return ix.entries[i].Ts > ts
		}
		return ix.entries[i].ID >= id
	})
	if pos < len(ix.entries) && ix.entries[pos].ID == id {
		ix.entries = append(ix.entries[:pos], ix.entries[pos+1:]...)
	}
}
