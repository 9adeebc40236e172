// Package dedup implements the three-stage duplicate detector: MinHash+LSH
// shingle similarity, embedding cosine with a grey band, and an optional
// LLM confirmation for candidates the first two stages cannot decide.
package dedup

import (
	"hash/fnv"
	"math"
	"sync"
)

const (
	numHashes = 128
	numBands  = 32 // 4 rows per band: catches Jaccard ~0.7+ with high probability
	rowsPer   = numHashes / numBands
)

// Signature is a MinHash sketch of a token set.
type Signature [numHashes]uint64

// MinHasher computes MinHash signatures and maintains LSH buckets so that
// near-duplicate lookups touch only colliding candidates, never the whole
// corpus.
type MinHasher struct {
	mu      sync.RWMutex
	seeds   [numHashes]uint64
	buckets []map[uint64][]string // per band: bucket hash -> ids
	sigs    map[string]*Signature
}

// NewMinHasher creates an empty sketch store. The seed set is fixed so
// signatures stay comparable across restarts.
func NewMinHasher() *MinHasher {
	m := &MinHasher{
		buckets: make([]map[uint64][]string, numBands),
		sigs:    make(map[string]*Signature),
	}
	// Deterministic seed derivation, splitmix64 style.
	s := uint64(0x9E3779B97F4A7C15)
	for i := range m.seeds {
		s ^= s << 13
		s ^= s >> 7
		s ^= s << 17
		m.seeds[i] = s
	}
	for i := range m.buckets {
		m.buckets[i] = make(map[uint64][]string)
	}
	return m
}

// Shingles builds the token 3-shingle set (padded for short inputs).
func Shingles(tokens []string) []string {
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) < 3 {
		out := make([]string, 0, len(tokens))
		out = append(out, tokens...)
		return out
	}
	out := make([]string, 0, len(tokens)-2)
	for i := 0; i+3 <= len(tokens); i++ {
		out = append(out, tokens[i]+"\x1f"+tokens[i+1]+"\x1f"+tokens[i+2])
	}
	return out
}

// Sign computes the MinHash signature of a shingle set.
func (m *MinHasher) Sign(shingles []string) *Signature {
	var sig Signature
	for i := range sig {
		sig[i] = math.MaxUint64
	}
	for _, sh := range shingles {
		h := fnv.New64a()
		_, _ = h.Write([]byte(sh))
		base := h.Sum64()
		for i, seed := range m.seeds {
			// One base hash mixed with per-function seeds stands in for
			// k independent hash functions.
			v := (base ^ seed) * 0xFF51AFD7ED558CCD
			v ^= v >> 33
			if v < sig[i] {
				sig[i] = v
			}
		}
	}
	return &sig
}

// Add stores the id's signature and registers it in the LSH bands.
func (m *MinHasher) Add(id string, sig *Signature) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sigs[id] = sig
	for band := 0; band < numBands; band++ {
		key := bandKey(sig, band)
		m.buckets[band][key] = append(m.buckets[band][key], id)
	}
}

// Remove drops the id from signature storage and every band bucket.
func (m *MinHasher) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.sigs[id]
	if !ok {
		return
	}
	delete(m.sigs, id)
	for band := 0; band < numBands; band++ {
		key := bandKey(sig, band)
		ids := m.buckets[band][key]
		for i, cand := range ids {
			if cand == id {
				m.buckets[band][key] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(m.buckets[band][key]) == 0 {
			delete(m.buckets[band], key)
		}
	}
}

// Candidates returns ids that collide with sig in at least one band.
func (m *MinHasher) Candidates(sig *Signature) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for band := 0; band < numBands; band++ {
		for _, id := range m.buckets[band][bandKey(sig, band)] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Similarity estimates Jaccard similarity from two signatures.
func Similarity(a, b *Signature) float64 {
	if a == nil || b == nil {
		return 0
	}
	match := 0
	for i := range a {
		if a[i] == b[i] {
			match++
		}
	}
	return float64(match) / float64(numHashes)
}

// SignatureOf returns the stored signature for id.
func (m *MinHasher) SignatureOf(id string) (*Signature, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.sigs[id]
	return sig, ok
}

// Len returns the number of stored signatures.
func (m *MinHasher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sigs)
}

func bandKey(sig *Signature, band int) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for row := 0; row < rowsPer; row++ {
		v := sig[band*rowsPer+row]
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}
