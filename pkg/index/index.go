// Package index provides the retrieval index families: bloom membership,
// inverted keyword, entity, character n-gram, temporal, vector (flat, HNSW,
// IVF-HNSW) and BM25 full-text. Every index supports add, remove, query,
// and atomic snapshot + WAL persistence; load replays the WAL tail onto the
// most recent snapshot and reports corruption so the caller can rebuild
// from the archive.
package index

import (
	"errors"
	"sort"
)

// ErrCorrupted is returned by Load when the snapshot/WAL pair is
// inconsistent. Non-fatal: the owner rebuilds the index from the archive.
var ErrCorrupted = errors.New("index corrupted")

// IsCorrupted reports whether err wraps ErrCorrupted.
func IsCorrupted(err error) bool { return errors.Is(err, ErrCorrupted) }

// Doc is the unit every index ingests. The engine fills all fields once per
// memory; individual indexes use the subset they need.
type Doc struct {
	ID        string    `json:"id"`
	Content   string    `json:"content,omitempty"`
	Tokens    []string  `json:"tokens,omitempty"`
	Entities  []string  `json:"entities,omitempty"`
	Vector    []float32 `json:"vector,omitempty"`
	CreatedAt int64     `json:"created_at"`
}

// Result is one scored hit. Higher scores rank first for every index type.
type Result struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Index is the uniform contract all index families implement. Query
// signatures are family-specific and live on the concrete types.
type Index interface {
	Name() string
	Add(doc *Doc) error
	Remove(id string) error
	Snapshot() error
	Load() error
}

// topK sorts results by score descending (id ascending for determinism) and
// truncates to k. k <= 0 returns everything.
func topK(results []Result, k int) []Result {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}
