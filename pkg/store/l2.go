package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// WorkingSet is the L2 layer: a bounded LRU of recent memories. Overflow
// does not discard — evicted records accumulate in a pending batch that the
// layered store consolidates into L1. |resident| + |pending| never exceeds
// capacity + batch size because the store drains pending whenever it
// reaches the batch size.
type WorkingSet struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, *Memory]
	pending  []*Memory
	capacity int
}

// NewWorkingSet creates an L2 working set with the given capacity.
func NewWorkingSet(capacity int) (*WorkingSet, error) {
	if capacity <= 0 {
		capacity = 200
	}
	ws := &WorkingSet{capacity: capacity}
	cache, err := lru.NewWithEvict[string, *Memory](capacity, func(_ string, m *Memory) {
		ws.pending = append(ws.pending, m)
	})
	if err != nil {
		return nil, err
	}
	ws.cache = cache
	return ws, nil
}

// Put inserts a memory, possibly evicting the LRU tail into pending.
func (ws *WorkingSet) Put(m *Memory) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.cache.Add(m.ID, m)
}

// Get returns the resident memory, refreshing its recency.
func (ws *WorkingSet) Get(id string) (*Memory, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.cache.Get(id)
}

// Remove drops the memory from L2 without adding it to pending.
func (ws *WorkingSet) Remove(id string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	// Swallow the eviction callback for explicit removals.
	before := len(ws.pending)
	ws.cache.Remove(id)
	if len(ws.pending) > before {
		ws.pending = ws.pending[:before]
	}
}

// DrainPending returns and clears evicted memories once at least batch have
// accumulated (or force is set). Returns nil when below the threshold.
func (ws *WorkingSet) DrainPending(batch int, force bool) []*Memory {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.pending) == 0 {
		return nil
	}
	if !force && len(ws.pending) < batch {
		return nil
	}
	out := ws.pending
	ws.pending = nil
	return out
}

// Snapshot returns resident memories ordered oldest to newest.
func (ws *WorkingSet) Snapshot() []*Memory {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	keys := ws.cache.Keys()
	out := make([]*Memory, 0, len(keys))
	for _, k := range keys {
		if m, ok := ws.cache.Peek(k); ok {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the resident count.
func (ws *WorkingSet) Len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.cache.Len()
}

// workingState is the serialised L2 layout (L2_working/state.json).
type workingState struct {
	Resident []*Memory `json:"resident"`
	Pending  []*Memory `json:"pending"`
}

// Save writes the working set to path for fast warm starts.
func (ws *WorkingSet) Save(path string) error {
	ws.mu.Lock()
	state := workingState{Pending: ws.pending}
	for _, k := range ws.cache.Keys() {
		if m, ok := ws.cache.Peek(k); ok {
			state.Resident = append(state.Resident, m)
		}
	}
	ws.mu.Unlock()

	raw, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load restores a previously saved working set. Missing file is not an
// error: the set simply starts cold.
func (ws *WorkingSet) Load(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var state workingState
	if err := json.Unmarshal(raw, &state); err != nil {
		return err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, m := range state.Resident {
		ws.cache.Add(m.ID, m)
	}
	ws.pending = append(ws.pending, state.Pending...)
	return nil
}
