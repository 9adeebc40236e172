package index

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Options configures the index manager.
type Options struct {
	Dir            string
	BloomExpected  int
	BloomFPRate    float64
	HNSWM          int
	HNSWEfConstr   int
	HNSWEfSearch   int
	IVFCells       int
	IVFProbe       int
	VectorFlatMax  int // corpus size at which exact search hands over to ANN
	BM25K1         float64
	BM25B          float64
	PreferIVF      bool // use IVF instead of HNSW as the ANN backend
	Logger         *zap.Logger
}

// VectorSearcher is the common face of the vector index families.
type VectorSearcher interface {
	Index
	Search(query []float32, k int) []Result
	Size() int
}

// Manager owns every index family and keeps them consistent: a memory is
// visible in all families or none. All mutations go through a single batch
// lock so a crash between per-family writes cannot be observed by readers.
type Manager struct {
	batchMu sync.Mutex

	bloom    *BloomIndex
	inverted *InvertedIndex
	entity   *EntityIndex
	ngram    *NgramIndex
	temporal *TemporalIndex
	fulltext *FullTextIndex
	flat     *FlatIndex
	ann      VectorSearcher

	flatMax int
	dir     string
	logger  *zap.Logger
}

// NewManager creates the index families rooted at opts.Dir.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("index: empty directory")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("index: create dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	flatMax := opts.VectorFlatMax
	if flatMax <= 0 {
		flatMax = 500_000
	}

	at := func(name string) string { return filepath.Join(opts.Dir, name) }

	m := &Manager{
		bloom:    NewBloomIndex(at("bloom"), opts.BloomExpected, opts.BloomFPRate),
		inverted: NewInvertedIndex(at("inverted")),
		entity:   NewEntityIndex(at("entity")),
		ngram:    NewNgramIndex(at("ngram")),
		temporal: NewTemporalIndex(at("temporal")),
		fulltext: NewFullTextIndex(at("fulltext"), opts.BM25K1, opts.BM25B),
		flat:     NewFlatIndex(at("flat")),
		flatMax:  flatMax,
		dir:      opts.Dir,
		logger:   logger,
	}
	if opts.PreferIVF {
		m.ann = NewIVFIndex(at("ivf"), opts.IVFCells, opts.IVFProbe)
	} else {
		m.ann = NewHNSWIndex(at("hnsw"), opts.HNSWM, opts.HNSWEfConstr, opts.HNSWEfSearch)
	}
	return m, nil
}

func (m *Manager) all() []Index {
	return []Index{m.bloom, m.inverted, m.entity, m.ngram, m.temporal, m.fulltext, m.flat, m.ann}
}

// Add indexes the doc in every family under the batch lock.
func (m *Manager) Add(doc *Doc) error {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	for _, ix := range m.all() {
		if err := ix.Add(doc); err != nil {
			return fmt.Errorf("index %s: add %s: %w", ix.Name(), doc.ID, err)
		}
	}
	return nil
}

// Remove drops the id from every family under the batch lock. The bloom
// filter keeps its bits; callers must treat bloom hits as maybes.
func (m *Manager) Remove(id string) error {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	for _, ix := range m.all() {
		if err := ix.Remove(id); err != nil {
			return fmt.Errorf("index %s: remove %s: %w", ix.Name(), id, err)
		}
	}
	return nil
}

// SearchVector runs exact flat search while the corpus fits, ANN beyond.
func (m *Manager) SearchVector(query []float32, k int) []Result {
	if m.flat.Size() <= m.flatMax {
		return m.flat.Search(query, k)
	}
	return m.ann.Search(query, k)
}

// Accessors for the funnel stages.

func (m *Manager) Bloom() *BloomIndex       { return m.bloom }
func (m *Manager) Inverted() *InvertedIndex { return m.inverted }
func (m *Manager) Entity() *EntityIndex     { return m.entity }
func (m *Manager) Ngram() *NgramIndex       { return m.ngram }
func (m *Manager) Temporal() *TemporalIndex { return m.temporal }
func (m *Manager) FullText() *FullTextIndex { return m.fulltext }
func (m *Manager) Flat() *FlatIndex         { return m.flat }

// SnapshotAll persists every family; it keeps going on individual failures
// and returns the first error.
func (m *Manager) SnapshotAll() error {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	var first error
	for _, ix := range m.all() {
		if err := ix.Snapshot(); err != nil {
			m.logger.Warn("index snapshot failed", zap.String("index", ix.Name()), zap.Error(err))
			if first == nil {
				first = fmt.Errorf("index %s: snapshot: %w", ix.Name(), err)
			}
		}
	}
	return first
}

// Close snapshots every family and releases the WAL handles.
func (m *Manager) Close() error {
	err := m.SnapshotAll()
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	for _, p := range []*persister{
		m.bloom.p, m.inverted.p, m.entity.p, m.ngram.p,
		m.temporal.p, m.fulltext.p, m.flat.p, m.annPersister(),
	} {
		if cerr := p.close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (m *Manager) annPersister() *persister {
	switch ann := m.ann.(type) {
	case *HNSWIndex:
		return ann.p
	case *IVFIndex:
		return ann.p
	}
	return newPersister("")
}

// RebuildSource streams every live document; the store's archive scan
// satisfies it.
type RebuildSource func(fn func(*Doc) error) error

// LoadAll restores every family from disk. A family that fails to load —
// corrupt snapshot, unreadable WAL — is rebuilt in full from the source;
// indexes are derived data, the archive stays authoritative.
func (m *Manager) LoadAll(source RebuildSource) error {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()

	var broken []Index
	for _, ix := range m.all() {
		if err := ix.Load(); err != nil {
			m.logger.Warn("index load failed, scheduling rebuild",
				zap.String("index", ix.Name()), zap.Error(err))
			broken = append(broken, ix)
		}
	}
	if len(broken) == 0 || source == nil {
		return nil
	}
	return m.rebuild(broken, source)
}

// RebuildAll discards every family and reindexes from the source.
func (m *Manager) RebuildAll(source RebuildSource) error {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()
	return m.rebuild(m.all(), source)
}

func (m *Manager) rebuild(targets []Index, source RebuildSource) error {
	fresh := make([]Index, 0, len(targets))
	at := func(name string) string { return filepath.Join(m.dir, name) }
	for _, ix := range targets {
		for _, ext := range []string{".snap", ".wal"} {
			if err := os.Remove(at(ix.Name()) + ext); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("index %s: reset files: %w", ix.Name(), err)
			}
		}
		var replacement Index
		switch ix.Name() {
		case "bloom":
			m.bloom = NewBloomIndex(at("bloom"), 0, 0)
			replacement = m.bloom
		case "inverted":
			m.inverted = NewInvertedIndex(at("inverted"))
			replacement = m.inverted
		case "entity":
			m.entity = NewEntityIndex(at("entity"))
			replacement = m.entity
		case "ngram":
			m.ngram = NewNgramIndex(at("ngram"))
			replacement = m.ngram
		case "temporal":
			m.temporal = NewTemporalIndex(at("temporal"))
			replacement = m.temporal
		case "fulltext":
			prev := m.fulltext
			m.fulltext = NewFullTextIndex(at("fulltext"), prev.k1, prev.b)
			replacement = m.fulltext
		case "flat":
			m.flat = NewFlatIndex(at("flat"))
			replacement = m.flat
		case "hnsw":
			prev := m.ann.(*HNSWIndex)
			m.ann = NewHNSWIndex(at("hnsw"), prev.m, prev.efConstr, prev.efSearch)
			replacement = m.ann
		case "ivf":
			prev := m.ann.(*IVFIndex)
			m.ann = NewIVFIndex(at("ivf"), prev.nCells, prev.nProbe)
			replacement = m.ann
		default:
			continue
		}
		fresh = append(fresh, replacement)
	}

	err := source(func(doc *Doc) error {
		for _, ix := range fresh {
			if err := ix.Add(doc); err != nil {
				return fmt.Errorf("index %s: rebuild add %s: %w", ix.Name(), doc.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("index rebuild complete", zap.Int("families", len(fresh)))
	return nil
}
