package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrNotFound is returned when an id does not resolve to a live memory.
var ErrNotFound = errors.New("memory not found")

// DeleteMode selects logical (tombstone, archive copy retained) or physical
// deletion (reset only; cascades to indexes and graph references).
type DeleteMode string

const (
	DeleteLogical  DeleteMode = "logical"
	DeletePhysical DeleteMode = "physical"
)

// Options configures a layered store.
type Options struct {
	L2Capacity     int
	BatchSize      int
	ShardCapacity  int
	VolumeMaxBytes int64
	Logger         *zap.Logger
}

// Layered is the canonical memory corpus. One global write lock serialises
// mutations to L0, L1, L2 and the archive; reads take the read lock. Lock
// acquisition order across components is always store before graph.
type Layered struct {
	mu sync.RWMutex

	dataDir  string
	volumes  *VolumeManager
	working  *WorkingSet
	shards   *ShardSet
	settings *CoreSettings

	batchSize int
	logger    *zap.Logger

	// aliases maps dedup-merged ids onto their canonical id.
	aliases map[string]string
}

// Open opens the layered store under dataDir (the data/ directory of the
// layout). All sublayers are created on demand.
func Open(dataDir string, opts Options) (*Layered, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}

	volumes, err := OpenVolumes(filepath.Join(dataDir, "archive"), opts.VolumeMaxBytes, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("store: opening archive: %w", err)
	}
	working, err := NewWorkingSet(opts.L2Capacity)
	if err != nil {
		return nil, err
	}
	if err := working.Load(filepath.Join(dataDir, "L2_working", "state.json")); err != nil {
		opts.Logger.Warn("L2 state unreadable, starting cold", zap.Error(err))
	}
	shards, err := OpenShards(filepath.Join(dataDir, "L1_consolidated"), opts.ShardCapacity)
	if err != nil {
		return nil, fmt.Errorf("store: opening shards: %w", err)
	}
	settings, err := LoadCoreSettings(filepath.Join(dataDir, "L0_core", "settings.json"))
	if err != nil {
		return nil, fmt.Errorf("store: loading core settings: %w", err)
	}

	return &Layered{
		dataDir:   dataDir,
		volumes:   volumes,
		working:   working,
		shards:    shards,
		settings:  settings,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
		aliases:   make(map[string]string),
	}, nil
}

// Put appends the memory to the archive, then inserts it into L2. The
// archive append fsyncs before Put returns; if it fails no L2 update
// happens, keeping the call atomic.
func (s *Layered) Put(m *Memory) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.volumes.Append(m); err != nil {
		return err
	}
	s.working.Put(m)

	// Consolidate L2 overflow into L1 in batches.
	if batch := s.working.DrainPending(s.batchSize, false); len(batch) > 0 {
		if err := s.shards.Merge(batch); err != nil {
			s.logger.Error("L1 consolidation failed, batch stays pending", zap.Error(err))
			// Memories remain addressable through the archive either way.
		} else {
			s.logger.Debug("consolidated to L1", zap.Int("batch", len(batch)))
		}
	}
	return nil
}

// Get resolves the id (following dedup aliases) from L2 if resident, else
// from the archive via the O(1) address index.
func (s *Layered) Get(id string) (*Memory, error) {
	s.mu.RLock()
	if canonical, ok := s.aliases[id]; ok {
		id = canonical
	}
	s.mu.RUnlock()

	if m, ok := s.working.Get(id); ok {
		return m, nil
	}
	m, ok, err := s.volumes.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

// Has reports whether the id (or an alias of it) is live.
func (s *Layered) Has(id string) bool {
	s.mu.RLock()
	if canonical, ok := s.aliases[id]; ok {
		id = canonical
	}
	s.mu.RUnlock()
	return s.volumes.Has(id)
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	UserID    string
	SessionID string
	Since     int64 // created_at lower bound, epoch ms
	Limit     int
}

// List returns memories matching the filter ordered by turn_seq descending.
// It scans the archive, so it reflects every layer.
func (s *Layered) List(f ListFilter) ([]*Memory, error) {
	var out []*Memory
	err := s.volumes.Scan(func(m *Memory) bool {
		if m.AliasOf != "" {
			return true
		}
		if f.UserID != "" && m.UserID != f.UserID {
			return true
		}
		if f.SessionID != "" && m.SessionID != f.SessionID {
			return true
		}
		if f.Since > 0 && m.CreatedAt < f.Since {
			return true
		}
		out = append(out, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TurnSeq != out[j].TurnSeq {
			return out[i].TurnSeq > out[j].TurnSeq
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Recent returns the last n memories of a session in ascending turn order.
func (s *Layered) Recent(sessionID string, n int) ([]*Memory, error) {
	ms, err := s.List(ListFilter{SessionID: sessionID, Limit: n})
	if err != nil {
		return nil, err
	}
	// List is newest first; flip to chronological.
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
	return ms, nil
}

// Delete removes the memory. Logical mode writes a tombstone and drops the
// L2 copy; the archive record stays. Physical mode is reserved for reset
// flows; callers must cascade to indexes and graph themselves.
func (s *Layered) Delete(id string, mode DeleteMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if canonical, ok := s.aliases[id]; ok {
		id = canonical
	}
	if !s.volumes.Has(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	switch mode {
	case DeleteLogical, "":
		if err := s.volumes.AppendTombstone(id); err != nil {
			return err
		}
	case DeletePhysical:
		// The archive itself is append-only; physical deletion tombstones
		// the record and drops it from the mutable layers.
		if err := s.volumes.AppendTombstone(id); err != nil {
			return err
		}
		if err := s.shards.Remove(id); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown delete mode %q", mode)
	}

	s.working.Remove(id)
	return nil
}

// AddAlias records that aliasID refers to canonicalID after a dedup merge.
func (s *Layered) AddAlias(aliasID, canonicalID string) {
	s.mu.Lock()
	s.aliases[aliasID] = canonicalID
	s.mu.Unlock()
}

// Resolve follows dedup aliases to the canonical id.
func (s *Layered) Resolve(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if canonical, ok := s.aliases[id]; ok {
		return canonical
	}
	return id
}

// BumpMention increments the canonical memory's mention count after a dedup
// merge. The updated record is re-appended so the archive stays the source
// of truth.
func (s *Layered) BumpMention(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if canonical, ok := s.aliases[id]; ok {
		id = canonical
	}
	m, ok, err := s.volumes.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m.MentionCount == 0 {
		m.MentionCount = 1
	}
	m.MentionCount++
	if _, err := s.volumes.Append(m); err != nil {
		return err
	}
	s.working.Put(m)
	return nil
}

// Settings returns the L0 core settings (read-only during requests).
func (s *Layered) Settings() *CoreSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings replaces and persists the L0 settings.
func (s *Layered) UpdateSettings(cs *CoreSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := SaveCoreSettings(filepath.Join(s.dataDir, "L0_core", "settings.json"), cs); err != nil {
		return err
	}
	s.settings = cs
	return nil
}

// Scan streams all live memories; used by index rebuilds and the fallback.
func (s *Layered) Scan(fn func(m *Memory) bool) error {
	return s.volumes.Scan(fn)
}

// Stats summarises layer occupancy.
type Stats struct {
	Archived int `json:"archived"`
	Working  int `json:"working"`
	Shards   int `json:"consolidated"`
	Aliases  int `json:"aliases"`
}

// Stats returns layer counters.
func (s *Layered) Stats() Stats {
	s.mu.RLock()
	aliases := len(s.aliases)
	s.mu.RUnlock()
	return Stats{
		Archived: s.volumes.Count(),
		Working:  s.working.Len(),
		Shards:   s.shards.Count(),
		Aliases:  aliases,
	}
}

// Flush forces pending L2 evictions into L1 and saves the L2 state.
func (s *Layered) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batch := s.working.DrainPending(s.batchSize, true); len(batch) > 0 {
		if err := s.shards.Merge(batch); err != nil {
			return err
		}
	}
	return s.working.Save(filepath.Join(s.dataDir, "L2_working", "state.json"))
}

// Close flushes state and closes the archive.
func (s *Layered) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	return s.volumes.Close()
}
