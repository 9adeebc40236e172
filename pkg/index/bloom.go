package index

import (
	"hash/fnv"
	"math"
	"sync"
)

// BloomIndex is a membership filter over every memory id ever written. Used
// as the fast negative check at the top of the retrieval funnel: a miss
// proves the id was never ingested. Removals are not supported (standard
// bloom limitation); tombstoned ids simply keep their bits.
type BloomIndex struct {
	mu    sync.RWMutex
	bits  []uint64
	m     uint64 // bit count
	k     int    // hash functions
	count int
	p     *persister
}

// NewBloomIndex sizes the filter for expectedItems at the target false
// positive rate (default 1%). path enables persistence; empty keeps the
// filter memory-only.
func NewBloomIndex(path string, expectedItems int, fpRate float64) *BloomIndex {
	if expectedItems <= 0 {
		expectedItems = 1 << 20
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	// Standard sizing: m = -n ln p / (ln 2)^2, k = (m/n) ln 2.
	m := uint64(math.Ceil(-float64(expectedItems) * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := int(math.Round(float64(m) / float64(expectedItems) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &BloomIndex{
		bits: make([]uint64, (m+63)/64),
		m:    m,
		k:    k,
		p:    newPersister(path),
	}
}

// Name implements Index.
func (b *BloomIndex) Name() string { return "bloom" }

// Add sets the id's bits.
func (b *BloomIndex) Add(doc *Doc) error {
	b.mu.Lock()
	b.set(doc.ID)
	b.count++
	b.mu.Unlock()
	return b.p.logAdd(&Doc{ID: doc.ID})
}

// Remove is a no-op: bloom filters cannot clear bits. Kept for the Index
// contract.
func (b *BloomIndex) Remove(id string) error { return nil }

// MayHave reports whether the id might have been written. False is
// definitive.
func (b *BloomIndex) MayHave(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h1, h2 := b.hashes(id)
	for i := 0; i < b.k; i++ {
		bit := (h1 + uint64(i)*h2) % b.m
		if b.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Count returns how many ids were added.
func (b *BloomIndex) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

type bloomState struct {
	Bits  []uint64 `json:"bits"`
	M     uint64   `json:"m"`
	K     int      `json:"k"`
	Count int      `json:"count"`
}

// Snapshot implements Index.
func (b *BloomIndex) Snapshot() error {
	b.mu.RLock()
	state := bloomState{Bits: b.bits, M: b.m, K: b.k, Count: b.count}
	b.mu.RUnlock()
	return b.p.snapshot(&state)
}

// Load implements Index. WAL ids are staged until the snapshot state is
// installed, then re-hashed against the restored table geometry.
func (b *BloomIndex) Load() error {
	var state bloomState
	var staged []string
	err := b.p.load(&state, func(op walOp) error {
		if op.Op == "add" && op.Doc != nil {
			staged = append(staged, op.Doc.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if state.M != 0 {
		if len(state.Bits) != int((state.M+63)/64) {
			return ErrCorrupted
		}
		b.bits, b.m, b.k, b.count = state.Bits, state.M, state.K, state.Count
	}
	for _, id := range staged {
		b.set(id)
		b.count++
	}
	return nil
}

func (b *BloomIndex) set(id string) {
	h1, h2 := b.hashes(id)
	for i := 0; i < b.k; i++ {
		bit := (h1 + uint64(i)*h2) % b.m
		b.bits[bit/64] |= 1 << (bit % 64)
	}
}

// hashes derives two independent 64-bit hashes for double hashing.
func (b *BloomIndex) hashes(id string) (uint64, uint64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	h1 := h.Sum64()
	_, _ = h.Write([]byte{0xff})
	h2 := h.Sum64() | 1 // odd, so the stride cycles the whole table
	return h1, h2
}
