// Package retriever runs the staged retrieval funnel: cheap filters first,
// three parallel recall arms fused by reciprocal rank, then progressively
// heavier rerankers on ever smaller candidate sets. Every stage can be
// disabled individually; the funnel degrades instead of failing, and a
// raw-text archive scan backstops the indexed path so written text is always
// findable.
package retriever

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EricMeteorite/recall/internal/encoding"
	"github.com/EricMeteorite/recall/pkg/graph"
	"github.com/EricMeteorite/recall/pkg/index"
	"github.com/EricMeteorite/recall/pkg/llm"
	"github.com/EricMeteorite/recall/pkg/prompts"
	"github.com/EricMeteorite/recall/pkg/store"
)

// Stage names, reported per hit so callers can see which path found it.
const (
	StageBloom     = "bloom"
	StageTemporal  = "temporal"
	StageInverted  = "inverted"
	StageEntity    = "entity"
	StageGraph     = "graph"
	StageNgram     = "ngram"
	StageVector    = "vector"
	StageFineRank  = "fine_rank"
	StageRerank    = "rerank"
	StageCross     = "cross_encoder"
	StageLLMFilter = "llm_filter"
	StageFallback  = "fallback"
)

// Query is one retrieval request. The engine fills Tokens, Entities and
// Vector from the tokenizer and the embedder; the retriever never calls
// either itself.
type Query struct {
	Text     string
	Tokens   []string
	Entities []string // normalised entity keys
	Vector   []float32
	// From/To bound fact or creation time in epoch ms; zero means open.
	From, To int64
}

// Hit is one retrieved memory with its final score and the stages that
// surfaced or reranked it.
type Hit struct {
	ID     string   `json:"id"`
	Score  float64  `json:"score"`
	Stages []string `json:"stages"`
}

// Output is the funnel's result. Partial is set when a deadline cut the
// late stages short and the hits are the best ranking reached so far.
type Output struct {
	Hits         []Hit    `json:"hits"`
	Stages       []string `json:"stages"` // stages that contributed overall
	FallbackUsed bool     `json:"fallback_used"`
	Partial      bool     `json:"partial"`
}

// GraphSource is the slice of the knowledge graph the graph arm needs.
type GraphSource interface {
	ResolveEntity(ctx context.Context, name string) (*graph.Entity, error)
	Traverse(ctx context.Context, startIDs []string, opts graph.TraverseOptions) ([]graph.TraversalHit, error)
}

// Lookup resolves a memory id to its record for the rerank stages.
type Lookup interface {
	Get(id string) (*store.Memory, error)
}

// Scanner streams the raw archive for the fallback stage.
type Scanner interface {
	Scan(fn func(m *store.Memory) bool) error
}

// StageConfig enables and budgets one funnel stage.
type StageConfig struct {
	Enabled bool
	TopK    int
}

// Options wires the funnel. Zero-value stage budgets fall back to the
// documented defaults.
type Options struct {
	Bloom     StageConfig
	Temporal  StageConfig
	Inverted  StageConfig
	Entity    StageConfig
	Graph     StageConfig
	GraphDepth int
	Ngram     StageConfig
	Vector    StageConfig
	FineRank  StageConfig // TopK is the fine-rank threshold
	Cross     StageConfig
	LLMFilter StageConfig

	RRFK      int // reciprocal rank constant, default 60
	FinalTopK int

	WeightVector  float64
	WeightKeyword float64
	WeightEntity  float64
	WeightRecency float64
	// DecayRate controls the recency penalty curve (per day).
	DecayRate float64

	Fallback        StageConfig
	FallbackWorkers int

	CrossEncoder CrossEncoder // nil disables L10 even when enabled
	Chatter      llm.Chatter  // nil disables L11 even when enabled
	Prompts      *prompts.Registry
	Logger       *zap.Logger
}

// Retriever executes the funnel against the index families, the graph and
// the archive.
type Retriever struct {
	indexes *index.Manager
	graph   GraphSource
	lookup  Lookup
	scanner Scanner
	opts    Options
	log     *zap.Logger
}

// New builds a retriever. graph, lookup and scanner may be nil; the stages
// that need them are skipped.
func New(indexes *index.Manager, g GraphSource, lookup Lookup, scanner Scanner, opts Options) *Retriever {
	if opts.RRFK <= 0 {
		opts.RRFK = 60
	}
	if opts.FinalTopK <= 0 {
		opts.FinalTopK = 20
	}
	if opts.GraphDepth <= 0 {
		opts.GraphDepth = 2
	}
	if opts.FallbackWorkers <= 0 {
		opts.FallbackWorkers = 4
	}
	if opts.DecayRate <= 0 {
		opts.DecayRate = 0.01
	}
	applyDefault(&opts.Temporal, 500)
	applyDefault(&opts.Inverted, 100)
	applyDefault(&opts.Entity, 50)
	applyDefault(&opts.Graph, 100)
	applyDefault(&opts.Ngram, 30)
	applyDefault(&opts.Vector, 200)
	applyDefault(&opts.FineRank, 100)
	applyDefault(&opts.Cross, 50)
	applyDefault(&opts.LLMFilter, 20)
	applyDefault(&opts.Fallback, 50)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Retriever{
		indexes: indexes,
		graph:   g,
		lookup:  lookup,
		scanner: scanner,
		opts:    opts,
		log:     opts.Logger,
	}
}

func applyDefault(sc *StageConfig, topK int) {
	if sc.TopK <= 0 {
		sc.TopK = topK
	}
}

// candidate accumulates per-id evidence across stages.
type candidate struct {
	id     string
	score  float64
	cosine float64
	stages []string
}

func (c *candidate) touch(stage string) {
	for _, s := range c.stages {
		if s == stage {
			return
		}
	}
	c.stages = append(c.stages, stage)
}

// Search runs the funnel. The context deadline bounds the heavy tail: once
// it expires the best ranking reached so far is returned with Partial set.
func (r *Retriever) Search(ctx context.Context, q Query) (*Output, error) {
	out := &Output{}
	stageSet := map[string]struct{}{}

	// The three recall arms run in parallel; each produces a ranked list.
	var keywordArm, entityArm, vectorArm []index.Result
	eg, armCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		keywordArm = r.keywordArm(q)
		return nil
	})
	eg.Go(func() error {
		entityArm = r.entityArm(armCtx, q)
		return nil
	})
	eg.Go(func() error {
		vectorArm = r.vectorArm(q)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if len(keywordArm) > 0 {
		stageSet[StageInverted] = struct{}{}
	}
	if len(entityArm) > 0 {
		stageSet[StageEntity] = struct{}{}
	}
	if len(vectorArm) > 0 {
		stageSet[StageVector] = struct{}{}
	}

	fused := fuseRRF(r.opts.RRFK, keywordArm, entityArm, vectorArm)

	cands := make(map[string]*candidate, len(fused))
	var order []*candidate
	for _, res := range fused {
		c := &candidate{id: res.ID, score: res.Score}
		cands[res.ID] = c
		order = append(order, c)
	}
	markStage(cands, keywordArm, StageInverted)
	markStage(cands, entityArm, StageEntity)
	markStage(cands, vectorArm, StageVector)

	// L1 bloom: definitely-absent ids are dropped before anything heavier
	// touches them. Stale index entries for physically deleted memories are
	// the usual source.
	if r.opts.Bloom.Enabled {
		order = r.bloomFilter(order, cands)
		stageSet[StageBloom] = struct{}{}
	}

	// L2 temporal: a time-bounded query intersects with the range index.
	if r.opts.Temporal.Enabled && (q.From > 0 || q.To > 0) {
		order = r.temporalFilter(q, order, cands)
		stageSet[StageTemporal] = struct{}{}
	}

	// L8 vector fine: exact cosine over the merged set.
	if len(q.Vector) > 0 {
		r.fineRank(q, order)
		stageSet[StageFineRank] = struct{}{}
	}

	// L9 multi-factor rerank on the head of the list.
	if r.opts.FineRank.Enabled {
		order = r.rerank(q, order)
		stageSet[StageRerank] = struct{}{}
	}

	// Empty after the cheap path: the archive scan guarantees recall for
	// any text that was ever written.
	if len(order) == 0 && r.opts.Fallback.Enabled && r.scanner != nil {
		hits, err := r.fallbackScan(ctx, q)
		if err != nil {
			return nil, err
		}
		out.FallbackUsed = true
		stageSet[StageFallback] = struct{}{}
		r.log.Warn("retrieval fell back to archive scan",
			zap.String("query", q.Text), zap.Int("hits", len(hits)))
		for _, h := range hits {
			c := &candidate{id: h.ID, score: h.Score}
			c.touch(StageFallback)
			cands[h.ID] = c
			order = append(order, c)
		}
	}

	// The heavy tail respects the deadline: best-so-far wins over blocking.
	if ctx.Err() != nil {
		out.Partial = true
	} else {
		if r.opts.Cross.Enabled && r.opts.CrossEncoder != nil && len(order) > 0 {
			var err error
			order, err = r.crossEncode(ctx, q, order)
			if err != nil {
				out.Partial = true
				r.log.Warn("cross-encoder stage skipped", zap.Error(err))
			} else {
				stageSet[StageCross] = struct{}{}
			}
		}
		if r.opts.LLMFilter.Enabled && r.opts.Chatter != nil && ctx.Err() == nil && len(order) > 0 {
			filtered, err := r.llmFilter(ctx, q, order)
			if err != nil {
				out.Partial = true
				r.log.Warn("llm filter stage skipped", zap.Error(err))
			} else {
				order = filtered
				stageSet[StageLLMFilter] = struct{}{}
			}
		}
	}

	if len(order) > r.opts.FinalTopK {
		order = order[:r.opts.FinalTopK]
	}
	for _, c := range order {
		out.Hits = append(out.Hits, Hit{ID: c.id, Score: c.score, Stages: c.stages})
	}
	for s := range stageSet {
		out.Stages = append(out.Stages, s)
	}
	sort.Strings(out.Stages)
	return out, nil
}

// keywordArm merges exact keyword hits with fuzzy n-gram hits into one
// ranked list: exact matches first, fuzzy fills the tail.
func (r *Retriever) keywordArm(q Query) []index.Result {
	var merged []index.Result
	seen := map[string]struct{}{}
	if r.opts.Inverted.Enabled && len(q.Tokens) > 0 {
		for _, res := range r.indexes.Inverted().Query(q.Tokens, r.opts.Inverted.TopK) {
			merged = append(merged, res)
			seen[res.ID] = struct{}{}
		}
	}
	if r.opts.Ngram.Enabled && q.Text != "" {
		for _, res := range r.indexes.Ngram().Query(q.Text, r.opts.Ngram.TopK) {
			if _, dup := seen[res.ID]; dup {
				continue
			}
			merged = append(merged, res)
		}
	}
	return merged
}

// entityArm unions direct entity-index hits with graph-neighbourhood
// memories reached by BFS from the query's entities.
func (r *Retriever) entityArm(ctx context.Context, q Query) []index.Result {
	var merged []index.Result
	seen := map[string]struct{}{}
	if r.opts.Entity.Enabled && len(q.Entities) > 0 {
		for _, res := range r.indexes.Entity().Query(q.Entities, r.opts.Entity.TopK) {
			merged = append(merged, res)
			seen[res.ID] = struct{}{}
		}
	}
	if !r.opts.Graph.Enabled || r.graph == nil || len(q.Entities) == 0 {
		return merged
	}

	var startIDs []string
	for _, name := range q.Entities {
		e, err := r.graph.ResolveEntity(ctx, name)
		if err != nil {
			continue
		}
		startIDs = append(startIDs, e.ID)
	}
	if len(startIDs) == 0 {
		return merged
	}
	hits, err := r.graph.Traverse(ctx, startIDs, graph.TraverseOptions{
		Depth:    r.opts.GraphDepth,
		MaxNodes: r.opts.Graph.TopK,
	})
	if err != nil {
		r.log.Warn("graph arm failed", zap.Error(err))
		return merged
	}
	count := 0
	for _, hit := range hits {
		for _, memID := range hit.Entity.MemoryIDs {
			if _, dup := seen[memID]; dup {
				continue
			}
			seen[memID] = struct{}{}
			// Memories of nearer entities rank higher.
			merged = append(merged, index.Result{ID: memID, Score: 1.0 / float64(1+hit.Depth)})
			count++
			if count >= r.opts.Graph.TopK {
				return merged
			}
		}
	}
	return merged
}

func (r *Retriever) vectorArm(q Query) []index.Result {
	if !r.opts.Vector.Enabled || len(q.Vector) == 0 {
		return nil
	}
	return r.indexes.SearchVector(q.Vector, r.opts.Vector.TopK)
}

func markStage(cands map[string]*candidate, results []index.Result, stage string) {
	for _, res := range results {
		if c, ok := cands[res.ID]; ok {
			c.touch(stage)
		}
	}
}

func (r *Retriever) bloomFilter(order []*candidate, cands map[string]*candidate) []*candidate {
	kept := order[:0]
	for _, c := range order {
		if !r.indexes.Bloom().MayHave(c.id) {
			delete(cands, c.id)
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

func (r *Retriever) temporalFilter(q Query, order []*candidate, cands map[string]*candidate) []*candidate {
	from, to := q.From, q.To
	if to == 0 {
		to = math.MaxInt64
	}
	allowed := map[string]struct{}{}
	for _, res := range r.indexes.Temporal().Range(from, to, r.opts.Temporal.TopK) {
		allowed[res.ID] = struct{}{}
	}
	kept := order[:0]
	for _, c := range order {
		if _, ok := allowed[c.id]; !ok {
			delete(cands, c.id)
			continue
		}
		c.touch(StageTemporal)
		kept = append(kept, c)
	}
	return kept
}

// fineRank recomputes exact cosine for every candidate that has a stored
// vector and folds it into the running score.
func (r *Retriever) fineRank(q Query, order []*candidate) {
	qn := encoding.Normalize(q.Vector)
	for _, c := range order {
		v, ok := r.indexes.Flat().Vector(c.id)
		if !ok || len(v) != len(qn) {
			continue
		}
		c.cosine = encoding.CosineSimilarity(qn, v)
		c.touch(StageFineRank)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].cosine+order[i].score > order[j].cosine+order[j].score
	})
}
