package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ShardSet is the L1 layer: consolidated long-term memories in sharded JSON
// files, at most capacity memories per shard. Consolidation batches merge
// into the newest shard with room, or open a new shard.
type ShardSet struct {
	mu       sync.Mutex
	dir      string
	capacity int
	counts   map[int]int // shard seq -> memory count
	maxSeq   int
}

type shardFile struct {
	Memories []*Memory `json:"memories"`
}

// OpenShards opens (or creates) the L1 directory and reads shard counts.
func OpenShards(dir string, capacity int) (*ShardSet, error) {
	if capacity <= 0 {
		capacity = 1000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ss := &ShardSet{dir: dir, capacity: capacity, counts: make(map[int]int)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		seq, ok := shardSeq(e.Name())
		if !ok {
			continue
		}
		sf, err := ss.read(seq)
		if err != nil {
			return nil, err
		}
		ss.counts[seq] = len(sf.Memories)
		if seq > ss.maxSeq {
			ss.maxSeq = seq
		}
	}
	return ss, nil
}

// Merge appends a consolidation batch, filling the newest shard under
// capacity before opening new ones.
func (ss *ShardSet) Merge(batch []*Memory) error {
	if len(batch) == 0 {
		return nil
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	for len(batch) > 0 {
		seq := ss.targetShard()
		sf, err := ss.read(seq)
		if err != nil {
			return err
		}
		room := ss.capacity - len(sf.Memories)
		take := len(batch)
		if take > room {
			take = room
		}
		sf.Memories = append(sf.Memories, batch[:take]...)
		if err := ss.write(seq, sf); err != nil {
			return err
		}
		ss.counts[seq] = len(sf.Memories)
		batch = batch[take:]
	}
	return nil
}

// Get scans shards for the id. L1 reads are rare (the archive address index
// is the O(1) path); this exists for shard inspection and repair.
func (ss *ShardSet) Get(id string) (*Memory, bool, error) {
	ss.mu.Lock()
	seqs := ss.shardSeqs()
	ss.mu.Unlock()

	for _, seq := range seqs {
		sf, err := ss.read(seq)
		if err != nil {
			return nil, false, err
		}
		for _, m := range sf.Memories {
			if m.ID == id {
				return m, true, nil
			}
		}
	}
	return nil, false, nil
}

// Remove drops a memory from whichever shard holds it.
func (ss *ShardSet) Remove(id string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	for _, seq := range ss.shardSeqs() {
		sf, err := ss.read(seq)
		if err != nil {
			return err
		}
		for i, m := range sf.Memories {
			if m.ID == id {
				sf.Memories = append(sf.Memories[:i], sf.Memories[i+1:]...)
				if err := ss.write(seq, sf); err != nil {
					return err
				}
				ss.counts[seq] = len(sf.Memories)
				return nil
			}
		}
	}
	return nil
}

// Count returns the total memories across shards.
func (ss *ShardSet) Count() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	total := 0
	for _, n := range ss.counts {
		total += n
	}
	return total
}

// targetShard picks the newest shard with room, or allocates the next seq.
func (ss *ShardSet) targetShard() int {
	if n, ok := ss.counts[ss.maxSeq]; ok && n < ss.capacity && ss.maxSeq > 0 {
		return ss.maxSeq
	}
	ss.maxSeq++
	ss.counts[ss.maxSeq] = 0
	return ss.maxSeq
}

func (ss *ShardSet) shardSeqs() []int {
	seqs := make([]int, 0, len(ss.counts))
	for seq := range ss.counts {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs
}

func (ss *ShardSet) path(seq int) string {
	return filepath.Join(ss.dir, fmt.Sprintf("shard-%04d.json", seq))
}

func (ss *ShardSet) read(seq int) (*shardFile, error) {
	raw, err := os.ReadFile(ss.path(seq))
	if os.IsNotExist(err) {
		return &shardFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	var sf shardFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("shard %04d corrupt: %w", seq, err)
	}
	return &sf, nil
}

func (ss *ShardSet) write(seq int, sf *shardFile) error {
	raw, err := json.Marshal(sf)
	if err != nil {
		return err
	}
	tmp := ss.path(seq) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, ss.path(seq))
}

func shardSeq(name string) (int, bool) {
	if !strings.HasPrefix(name, "shard-") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	var seq int
	if _, err := fmt.Sscanf(name, "shard-%d.json", &seq); err != nil {
		return 0, false
	}
	return seq, true
}
