package dedup

import (
	"context"

	"go.uber.org/zap"

	"github.com/EricMeteorite/recall/internal/encoding"
)

// Action is the deduplicator's verdict on a candidate memory.
type Action int

const (
	// Accept inserts the candidate as a new memory.
	Accept Action = iota
	// Merge aliases the candidate onto an existing memory and bumps its
	// mention count.
	Merge
)

// Decision carries the verdict plus how it was reached.
type Decision struct {
	Action     Action
	TargetID   string  // set when Action == Merge
	Stage      int     // 1 = MinHash, 2 = cosine, 3 = LLM
	Similarity float64 // the score that decided it
}

// Candidate is a to-be-ingested memory under duplicate inspection.
type Candidate struct {
	ID      string
	Content string
	Tokens  []string
	Vector  []float32
}

// Corpus resolves existing memories for stages 2 and 3. The engine backs it
// with the layered store and the flat vector index.
type Corpus interface {
	Vector(id string) ([]float32, bool)
	Content(id string) (string, bool)
	// Neighbors returns the ids of the memories closest to the vector.
	Neighbors(vector []float32, k int) []string
}

// Confirmer is the optional stage-3 arbiter: "is B a restatement of A?".
type Confirmer interface {
	ConfirmDuplicate(ctx context.Context, existing, candidate string) (bool, error)
}

// Options tunes the stage thresholds.
type Options struct {
	JaccardHi float64 // stage 1 merge threshold (default 0.85)
	SemHi     float64 // stage 2 merge threshold (default 0.90)
	SemLo     float64 // stage 2 accept threshold (default 0.80)
	// NeighborK bounds the stage-2 vector candidate set (default 5).
	NeighborK int
	Confirmer Confirmer // nil disables stage 3; grey band accepts
	Logger    *zap.Logger
}

// Deduplicator short-circuits through the three stages: cheap shingle
// filters decide most candidates, embeddings the next slice, and the LLM
// only sees the grey band between SemLo and SemHi.
type Deduplicator struct {
	hasher    *MinHasher
	jaccardHi float64
	semHi     float64
	semLo     float64
	neighborK int
	confirmer Confirmer
	logger    *zap.Logger
}

// New builds a deduplicator with the given thresholds.
func New(opts Options) *Deduplicator {
	if opts.JaccardHi <= 0 {
		opts.JaccardHi = 0.85
	}
	if opts.SemHi <= 0 {
		opts.SemHi = 0.90
	}
	if opts.SemLo <= 0 {
		opts.SemLo = 0.80
	}
	if opts.NeighborK <= 0 {
		opts.NeighborK = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{
		hasher:    NewMinHasher(),
		jaccardHi: opts.JaccardHi,
		semHi:     opts.SemHi,
		semLo:     opts.SemLo,
		neighborK: opts.NeighborK,
		confirmer: opts.Confirmer,
		logger:    logger,
	}
}

// Check runs the stages against the corpus. It does not register the
// candidate; call Register after the memory is actually inserted.
func (d *Deduplicator) Check(ctx context.Context, c *Candidate, corpus Corpus) (Decision, error) {
	// Stage 1: MinHash + LSH over token shingles.
	sig := d.hasher.Sign(Shingles(c.Tokens))
	bestID, bestSim := "", 0.0
	for _, id := range d.hasher.Candidates(sig) {
		other, ok := d.hasher.SignatureOf(id)
		if !ok {
			continue
		}
		if sim := Similarity(sig, other); sim > bestSim {
			bestID, bestSim = id, sim
		}
	}
	if bestID != "" && bestSim >= d.jaccardHi {
		d.logger.Debug("dedup merge at stage 1",
			zap.String("candidate", c.ID), zap.String("target", bestID),
			zap.Float64("jaccard", bestSim))
		return Decision{Action: Merge, TargetID: bestID, Stage: 1, Similarity: bestSim}, nil
	}

	// Stage 2: embedding cosine against the nearest stored vectors.
	if len(c.Vector) == 0 || corpus == nil {
		return Decision{Action: Accept, Stage: 1, Similarity: bestSim}, nil
	}
	q := encoding.Normalize(c.Vector)
	cosID, cosSim := "", -1.0
	for _, id := range corpus.Neighbors(q, d.neighborK) {
		v, ok := corpus.Vector(id)
		if !ok || len(v) != len(q) {
			continue
		}
		if sim := encoding.CosineSimilarity(q, encoding.Normalize(v)); sim > cosSim {
			cosID, cosSim = id, sim
		}
	}
	switch {
	case cosID == "" || cosSim < d.semLo:
		return Decision{Action: Accept, Stage: 2, Similarity: cosSim}, nil
	case cosSim >= d.semHi:
		d.logger.Debug("dedup merge at stage 2",
			zap.String("candidate", c.ID), zap.String("target", cosID),
			zap.Float64("cosine", cosSim))
		return Decision{Action: Merge, TargetID: cosID, Stage: 2, Similarity: cosSim}, nil
	}

	// Stage 3: the grey band. Without a confirmer, lean towards keeping
	// the memory — a duplicate is cheaper than a lost fact.
	if d.confirmer == nil {
		return Decision{Action: Accept, Stage: 2, Similarity: cosSim}, nil
	}
	existing, ok := corpus.Content(cosID)
	if !ok {
		return Decision{Action: Accept, Stage: 2, Similarity: cosSim}, nil
	}
	dup, err := d.confirmer.ConfirmDuplicate(ctx, existing, c.Content)
	if err != nil {
		// LLM unavailable: accept rather than block ingest.
		d.logger.Warn("dedup stage 3 unavailable", zap.Error(err))
		return Decision{Action: Accept, Stage: 3, Similarity: cosSim}, nil
	}
	if dup {
		return Decision{Action: Merge, TargetID: cosID, Stage: 3, Similarity: cosSim}, nil
	}
	return Decision{Action: Accept, Stage: 3, Similarity: cosSim}, nil
}

// Register stores the accepted memory's sketch for future stage-1 checks.
func (d *Deduplicator) Register(id string, tokens []string) {
	d.hasher.Add(id, d.hasher.Sign(Shingles(tokens)))
}

// Unregister drops a deleted memory's sketch.
func (d *Deduplicator) Unregister(id string) {
	d.hasher.Remove(id)
}

// Size returns how many sketches are held.
func (d *Deduplicator) Size() int { return d.hasher.Len() }
