// Package engine wires the subsystems into the public memory engine: it
// owns ingest, search, context building, the background task pool and the
// lock discipline between the layered store and the knowledge graph (store
// lock before graph lock, always).
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/EricMeteorite/recall/internal/ids"
	"github.com/EricMeteorite/recall/pkg/analyzer"
	"github.com/EricMeteorite/recall/pkg/config"
	"github.com/EricMeteorite/recall/pkg/dedup"
	"github.com/EricMeteorite/recall/pkg/embedding"
	"github.com/EricMeteorite/recall/pkg/graph"
	"github.com/EricMeteorite/recall/pkg/index"
	"github.com/EricMeteorite/recall/pkg/llm"
	"github.com/EricMeteorite/recall/pkg/prompts"
	"github.com/EricMeteorite/recall/pkg/retriever"
	"github.com/EricMeteorite/recall/pkg/store"
	"github.com/EricMeteorite/recall/pkg/tokenizer"
)

// ErrClosed is returned when operating on a closed engine.
var ErrClosed = errors.New("engine is closed")

// ErrInvalidArgument marks caller errors: empty required fields, disabled
// features, malformed input.
var ErrInvalidArgument = errors.New("invalid argument")

// decayEveryTurns is how often the persistent-context decay pass runs.
const decayEveryTurns = 20

// Engine is the long-running memory engine instance.
type Engine struct {
	cfg    *config.Config
	log    *zap.Logger
	closed atomic.Bool

	store   *store.Layered
	indexes *index.Manager
	graph   *graph.Graph
	tok     *tokenizer.RuleTokenizer
	embed   embedding.Embedder
	chatter llm.Chatter
	client  *llm.Client // nil when no LLM backend is configured
	budget  *llm.Budget
	prompts *prompts.Registry
	dedup   *dedup.Deduplicator
	retr    *retriever.Retriever

	foreshadow  *analyzer.ForeshadowTracker
	pctx        *analyzer.ContextTracker
	consistency *analyzer.ConsistencyChecker
	unified     *analyzer.UnifiedAnalyzer

	builder  *ContextBuilder
	tasks    *TaskManager
	episodes *EpisodeStore
	counters *Counters
	qcache   *lru.Cache[string, *SearchResult]

	// turnMu guards per-session turn sequencing and reminder bookkeeping.
	turnMu   sync.Mutex
	turnSeq  map[string]int
	lastSeen map[string]int // item id -> turn it last surfaced in
}

// Open builds an engine from the configuration. Index families are loaded
// from disk; corrupt ones are rebuilt from the archive before Open returns.
func Open(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	root := cfg.DataRoot

	st, err := store.Open(filepath.Join(root, "data"), store.Options{
		L2Capacity:     cfg.L2Capacity,
		BatchSize:      cfg.BatchSize,
		ShardCapacity:  cfg.ShardCapacity,
		VolumeMaxBytes: cfg.VolumeMaxBytes,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	indexes, err := index.NewManager(index.Options{
		Dir:           filepath.Join(root, "index"),
		HNSWM:         cfg.HNSWM,
		HNSWEfConstr:  cfg.HNSWEfConstruction,
		HNSWEfSearch:  cfg.HNSWEfSearch,
		VectorFlatMax: cfg.VectorFlatMax,
		BM25K1:        cfg.BM25K1,
		BM25B:         cfg.BM25B,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	if err := indexes.LoadAll(func(fn func(*index.Doc) error) error {
		return st.Scan(func(m *store.Memory) bool {
			if m.AliasOf != "" {
				return true
			}
			return fn(memoryDoc(m)) == nil
		})
	}); err != nil {
		return nil, err
	}

	reg, err := prompts.NewRegistry(filepath.Join(root, "prompts"))
	if err != nil {
		return nil, err
	}

	var budget *llm.Budget
	var chatter llm.Chatter
	var client *llm.Client
	if cfg.LLMAPIBase != "" {
		budget = llm.NewBudget(cfg.BudgetHourlyLimit, cfg.BudgetDailyLimit, cfg.BudgetReserve)
		client = llm.NewClient(llm.Options{
			APIBase: cfg.LLMAPIBase,
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.LLMModel,
			Timeout: cfg.LLMTimeout,
			Retries: cfg.LLMMaxRetries,
			Budget:  budget,
			Logger:  logger,
		})
		chatter = client
	}

	embedder, err := buildEmbedder(cfg, logger)
	if err != nil {
		return nil, err
	}

	var judge graph.LLMJudge
	if chatter != nil {
		judge = &llmJudge{chatter: chatter, reg: reg, maxTokens: cfg.ContradictMaxTokens}
	}
	backend, err := openGraphBackend(cfg)
	if err != nil {
		return nil, err
	}
	g, err := graph.New(backend, graph.Options{
		Detection: graph.DetectAuto,
		Judge:     judge,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	var confirmer dedup.Confirmer
	if cfg.DedupLLMEnabled && chatter != nil {
		confirmer = &llmConfirmer{chatter: chatter, reg: reg, maxTokens: cfg.DedupMaxTokens}
	}
	dd := dedup.New(dedup.Options{
		JaccardHi: cfg.DedupJaccardThreshold,
		SemHi:     cfg.DedupSemHiThreshold,
		SemLo:     cfg.DedupSemLoThreshold,
		Confirmer: confirmer,
		Logger:    logger,
	})
	// Rehydrate the sketch set and the alias map so dedup and id resolution
	// survive restarts.
	if err := st.Scan(func(m *store.Memory) bool {
		if m.AliasOf != "" {
			st.AddAlias(m.ID, m.AliasOf)
			return true
		}
		if len(m.Tokens) > 0 {
			dd.Register(m.ID, m.Tokens)
		}
		return true
	}); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      logger,
		store:    st,
		indexes:  indexes,
		graph:    g,
		tok:      tokenizer.NewRuleTokenizer(),
		embed:    embedder,
		chatter:  chatter,
		client:   client,
		budget:   budget,
		prompts:  reg,
		dedup:    dd,
		counters: newCounters(),
		turnSeq:  make(map[string]int),
		lastSeen: make(map[string]int),
	}

	e.retr = retriever.New(indexes, g, e, st, retrieverOptions(cfg, chatter, reg, logger))

	dataDir := filepath.Join(root, "data")
	e.foreshadow, err = analyzer.NewForeshadowTracker(filepath.Join(dataDir, "foreshadowing.json"), analyzer.ForeshadowOptions{
		AutoPlant:       cfg.ForeshadowAutoPlant,
		AutoResolve:     cfg.ForeshadowAutoResolve,
		TriggerInterval: cfg.ForeshadowTriggerInterval,
		MaxContextTurns: cfg.ForeshadowMaxContextTurns,
		DedupThreshold:  cfg.ForeshadowDedupThreshold,
		Chatter:         chatter,
		Embedder:        embedder,
		Prompts:         reg,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	e.pctx, err = analyzer.NewContextTracker(filepath.Join(dataDir, "persistent_context.json"), analyzer.ContextOptions{
		MaxPerType:    cfg.ContextMaxPerType,
		MaxTotal:      cfg.ContextMaxTotal,
		DecayDays:     cfg.ContextDecayDays,
		MinConfidence: cfg.ContextMinConfidence,
		Chatter:       chatter,
		Embedder:      embedder,
		Prompts:       reg,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	e.consistency, err = analyzer.NewConsistencyChecker(filepath.Join(dataDir, "rules.json"), e.tok, logger)
	if err != nil {
		return nil, err
	}
	e.unified = analyzer.NewUnifiedAnalyzer(chatter, reg, logger)

	e.builder = NewContextBuilder(BuilderOptions{
		MaxTokens:          cfg.BuildContextMaxTokens,
		MaxForeshadowings:  cfg.ForeshadowMaxReturn,
		ReminderTurns:      cfg.ReminderTurns,
		ReminderImportance: cfg.ReminderImportance,
	})
	e.episodes, err = NewEpisodeStore(filepath.Join(dataDir, "episodes"))
	if err != nil {
		return nil, err
	}
	e.tasks = NewTaskManager(2, 128, logger)
	e.qcache, err = lru.New[string, *SearchResult](256)
	if err != nil {
		return nil, err
	}

	// Compile any absolute rules declared in L0 that are not stored yet.
	e.seedRules()

	return e, nil
}

func buildEmbedder(cfg *config.Config, logger *zap.Logger) (embedding.Embedder, error) {
	var inner embedding.Embedder
	useHTTP := cfg.EmbeddingAPIBase != "" &&
		cfg.EmbeddingMode != config.EmbeddingLite
	if useHTTP {
		inner = embedding.NewHTTPEmbedder(embedding.HTTPOptions{
			APIBase:    cfg.EmbeddingAPIBase,
			APIKey:     cfg.EmbeddingAPIKey,
			Model:      cfg.EmbeddingModel,
			Dimension:  cfg.EmbeddingDimension,
			RateLimit:  cfg.EmbeddingRateLimit,
			RateWindow: cfg.EmbeddingRateWindow,
			Logger:     logger,
		})
	} else {
		inner = embedding.NewLocalEmbedder(cfg.EmbeddingDimension)
	}
	return embedding.NewCachedEmbedder(inner,
		filepath.Join(cfg.DataRoot, "cache", "embeddings"),
		cfg.EmbeddingCacheSize, logger)
}

func openGraphBackend(cfg *config.Config) (graph.Backend, error) {
	dataDir := filepath.Join(cfg.DataRoot, "data")
	if cfg.GraphBackend == config.GraphBackendEmbedded {
		return graph.OpenSQLiteStore(filepath.Join(dataDir, "knowledge_graph.db"))
	}
	return graph.OpenFileStore(filepath.Join(dataDir, "knowledge_graph.json"))
}

func retrieverOptions(cfg *config.Config, chatter llm.Chatter, reg *prompts.Registry, logger *zap.Logger) retriever.Options {
	return retriever.Options{
		Bloom:      retriever.StageConfig{Enabled: cfg.StageBloomEnabled},
		Temporal:   retriever.StageConfig{Enabled: cfg.StageTemporalEnabled, TopK: cfg.StageTemporalTopK},
		Inverted:   retriever.StageConfig{Enabled: cfg.StageInvertedEnabled, TopK: cfg.StageInvertedTopK},
		Entity:     retriever.StageConfig{Enabled: cfg.StageEntityEnabled, TopK: cfg.StageEntityTopK},
		Graph:      retriever.StageConfig{Enabled: cfg.StageGraphEnabled, TopK: cfg.StageGraphTopK},
		GraphDepth: cfg.StageGraphDepth,
		Ngram:      retriever.StageConfig{Enabled: cfg.StageNgramEnabled, TopK: cfg.StageNgramTopK},
		Vector:     retriever.StageConfig{Enabled: cfg.StageVectorEnabled, TopK: cfg.StageVectorTopK},
		FineRank:   retriever.StageConfig{Enabled: cfg.StageFineRankEnabled, TopK: cfg.FineRankThreshold},
		Cross:      retriever.StageConfig{Enabled: cfg.StageCrossEnabled, TopK: cfg.StageCrossTopK},
		LLMFilter:  retriever.StageConfig{Enabled: cfg.StageLLMFilterEnabled, TopK: cfg.StageLLMFilterTopK},
		RRFK:       cfg.TripleRecallRRFK,
		FinalTopK:  cfg.FinalTopK,

		WeightVector:  cfg.WeightVector,
		WeightKeyword: cfg.WeightKeyword,
		WeightEntity:  cfg.WeightEntity,
		WeightRecency: cfg.WeightRecency,
		DecayRate:     cfg.TemporalDecayRate,

		Fallback:        retriever.StageConfig{Enabled: cfg.FallbackEnabled, TopK: cfg.FallbackTopK},
		FallbackWorkers: cfg.FallbackWorkers,

		Chatter: chatter,
		Prompts: reg,
		Logger:  logger,
	}
}

// seedRules compiles L0 absolute rules that have no stored counterpart.
func (e *Engine) seedRules() {
	existing := map[string]struct{}{}
	for _, r := range e.consistency.Rules() {
		existing[r.Text] = struct{}{}
	}
	for _, text := range e.store.Settings().AbsoluteRules {
		if _, ok := existing[text]; ok {
			continue
		}
		if _, err := e.consistency.Compile(text); err != nil {
			e.log.Warn("absolute rule rejected", zap.String("rule", text), zap.Error(err))
		}
	}
}

// Get resolves a memory id (following dedup aliases); satisfies the
// retriever's Lookup.
func (e *Engine) Get(id string) (*store.Memory, error) {
	return e.store.Get(id)
}

func memoryDoc(m *store.Memory) *index.Doc {
	return &index.Doc{
		ID:        m.ID,
		Content:   m.Content,
		Tokens:    m.Tokens,
		Entities:  m.Entities,
		Vector:    m.Embedding,
		CreatedAt: m.CreatedAt,
	}
}

// AddRequest is one ingest call.
type AddRequest struct {
	Content     string
	Role        store.Role
	UserID      string
	SessionID   string
	CharacterID string
	Tags        []string
	Source      string
	Priority    store.Priority
	TurnSeq     int
}

// AddResult reports what ingest did with the content.
type AddResult struct {
	Memory   *store.Memory `json:"memory"`
	Merged   bool          `json:"merged"`
	MergedTo string        `json:"merged_to,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Add ingests one memory: tokenize, embed, dedup, archive append, index
// batch, graph entity upserts, then the background unified analysis.
func (e *Engine) Add(ctx context.Context, req *AddRequest) (*AddResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("engine: empty content: %w", ErrInvalidArgument)
	}

	tokens, entities := e.tok.Tokenize(req.Content)
	result := &AddResult{}

	vector, err := e.embed.Embed(ctx, req.Content)
	if err != nil {
		// Degrade: the keyword arms still work without a vector.
		e.log.Warn("embedding unavailable, ingesting without vector", zap.Error(err))
		result.Warnings = append(result.Warnings, "embedding_unavailable")
		vector = nil
	}

	m := &store.Memory{
		ID:          ids.New("mem"),
		Content:     req.Content,
		Role:        req.Role,
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		CharacterID: req.CharacterID,
		Tags:        req.Tags,
		Source:      req.Source,
		Priority:    req.Priority,
		TurnSeq:     req.TurnSeq,
		Tokens:      tokens,
		Embedding:   vector,
		CreatedAt:   ids.NowMillis(),
	}
	entityKeys := make([]string, 0, len(entities))
	for _, ent := range entities {
		entityKeys = append(entityKeys, graph.NormalizeName(ent.Name))
	}
	m.Entities = entityKeys

	decision, err := e.dedup.Check(ctx, &dedup.Candidate{
		ID:      m.ID,
		Content: m.Content,
		Tokens:  tokens,
		Vector:  vector,
	}, &storeCorpus{store: e.store, indexes: e.indexes})
	if err != nil {
		return nil, err
	}
	if decision.Action == dedup.Merge {
		// Keep the alias durable so the id resolves after restart.
		m.AliasOf = decision.TargetID
		if err := e.store.Put(m); err != nil {
			return nil, err
		}
		e.store.AddAlias(m.ID, decision.TargetID)
		if err := e.store.BumpMention(decision.TargetID); err != nil {
			return nil, err
		}
		e.counters.DuplicatesDetected.Add(1)
		canonical, err := e.store.Get(decision.TargetID)
		if err != nil {
			return nil, err
		}
		result.Memory = canonical
		result.Merged = true
		result.MergedTo = decision.TargetID
		e.qcache.Purge()
		return result, nil
	}

	// Archive first (fsynced), then the index batch; a memory is visible in
	// all families or none.
	if err := e.store.Put(m); err != nil {
		return nil, err
	}
	if err := e.indexes.Add(memoryDoc(m)); err != nil {
		return nil, err
	}
	e.dedup.Register(m.ID, tokens)
	e.counters.MemoriesAdded.Add(1)
	e.qcache.Purge()

	// Entity nodes update under the graph lock, after the store mutation.
	for _, ent := range entities {
		if _, err := e.graph.UpsertEntity(ctx, &graph.Entity{
			Name:      ent.Name,
			Type:      entityKindToType(ent.Kind),
			MemoryIDs: []string{m.ID},
		}); err != nil {
			e.log.Warn("entity upsert failed", zap.String("entity", ent.Name), zap.Error(err))
		}
		e.tok.RegisterEntity(ent.Name, ent.Kind)
	}

	if e.chatter != nil {
		e.submitUnifiedAnalysis(m)
	}
	result.Memory = m
	return result, nil
}

// submitUnifiedAnalysis schedules the single post-ingest LLM pass and feeds
// extracted relations back into the graph.
func (e *Engine) submitUnifiedAnalysis(m *store.Memory) {
	e.tasks.Submit(TaskUnifiedAnalysis, func(ctx context.Context) error {
		if e.budget != nil && e.budget.AdmitBackground() != nil {
			return nil // budget spent; skip quietly
		}
		known, err := e.graph.ListEntities(ctx)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(known))
		for _, ent := range known {
			names = append(names, ent.Name)
		}
		res, err := e.unified.Analyze(ctx, string(m.Role), m.Content, names)
		if err != nil {
			return err
		}
		for _, rel := range res.Relations {
			if err := e.upsertExtractedRelation(ctx, m, rel); err != nil &&
				!errors.Is(err, graph.ErrConflict) {
				e.log.Warn("extracted relation rejected", zap.Error(err))
			}
		}
		return nil
	})
}

func (e *Engine) upsertExtractedRelation(ctx context.Context, m *store.Memory, rel analyzer.ExtractedRelation) error {
	subject, err := e.graph.UpsertEntity(ctx, &graph.Entity{
		Name:      rel.Subject,
		Type:      graph.EntityCustom,
		MemoryIDs: []string{m.ID},
	})
	if err != nil {
		return err
	}
	r := &graph.Relation{
		SubjectID:     subject.ID,
		Predicate:     rel.Predicate,
		ObjectLiteral: rel.Object,
		Confidence:    rel.Confidence,
		FactStart:     m.CreatedAt,
		KnowledgeTime: m.CreatedAt,
		SourceIDs:     []string{m.ID},
	}
	// Known entities become proper edges instead of literals.
	if obj, err := e.graph.ResolveEntity(ctx, rel.Object); err == nil {
		r.ObjectID = obj.ID
		r.ObjectLiteral = ""
	}
	_, _, err = e.graph.UpsertRelation(ctx, r, "")
	return err
}

// AddTurn ingests one conversation turn with session sequencing, episode
// tracing, and the periodic analyzer triggers.
func (e *Engine) AddTurn(ctx context.Context, userID, sessionID string, role store.Role, content string) (*AddResult, error) {
	e.turnMu.Lock()
	if _, ok := e.turnSeq[sessionID]; !ok {
		// Resume the sequence from the episode trace after a restart.
		entries, _ := e.episodes.Entries(sessionID)
		if n := len(entries); n > 0 {
			e.turnSeq[sessionID] = entries[n-1].TurnSeq
		}
	}
	e.turnSeq[sessionID]++
	seq := e.turnSeq[sessionID]
	e.turnMu.Unlock()

	result, err := e.Add(ctx, &AddRequest{
		Content:   content,
		Role:      role,
		UserID:    userID,
		SessionID: sessionID,
		TurnSeq:   seq,
	})
	if err != nil {
		return nil, err
	}
	if !result.Merged {
		if err := e.episodes.Append(sessionID, EpisodeEntry{
			TurnSeq:   seq,
			MemoryID:  result.Memory.ID,
			Role:      string(role),
			CreatedAt: result.Memory.CreatedAt,
		}); err != nil {
			e.log.Warn("episode append failed", zap.Error(err))
		}
	}

	if e.cfg.RPContextTypes && e.chatter != nil {
		turn := content
		e.tasks.Submit(TaskContextExtract, func(ctx context.Context) error {
			if e.budget != nil && e.budget.AdmitBackground() != nil {
				return nil
			}
			_, err := e.pctx.Extract(ctx, userID, sessionID, turn)
			return err
		})
	}
	// Confidence decay is cheap; piggyback it on the turn cadence.
	if seq%decayEveryTurns == 0 {
		e.tasks.Submit(TaskContextDecay, func(ctx context.Context) error {
			n, err := e.pctx.Decay(time.Now())
			if n > 0 {
				e.log.Debug("persistent context decayed", zap.Int("archived", n))
			}
			return err
		})
	}
	if e.cfg.ForeshadowingEnabled && e.foreshadow.OnTurn() {
		e.tasks.Submit(TaskForeshadowScan, func(ctx context.Context) error {
			if e.budget != nil && e.budget.AdmitBackground() != nil {
				return nil
			}
			recent, err := e.store.Recent(sessionID, e.cfg.ForeshadowMaxContextTurns)
			if err != nil {
				return err
			}
			turns := make([]string, len(recent))
			for i, m := range recent {
				turns[i] = m.Content
			}
			_, err = e.foreshadow.Analyze(ctx, "", turns)
			return err
		})
	}
	return result, nil
}

// AddBatch ingests memories in order; the first failure aborts the rest.
func (e *Engine) AddBatch(ctx context.Context, reqs []*AddRequest) ([]*AddResult, error) {
	out := make([]*AddResult, 0, len(reqs))
	for i, req := range reqs {
		res, err := e.Add(ctx, req)
		if err != nil {
			return out, fmt.Errorf("engine: batch item %d: %w", i, err)
		}
		out = append(out, res)
	}
	return out, nil
}

// SearchOptions narrows a search.
type SearchOptions struct {
	TopK     int
	From, To int64 // created_at window, epoch ms
	NoCache  bool
}

// SearchHit pairs a retrieved memory with its score and path.
type SearchHit struct {
	Memory *store.Memory `json:"memory"`
	Score  float64       `json:"score"`
	Stages []string      `json:"stages"`
}

// SearchResult is the engine's search response.
type SearchResult struct {
	Hits     []SearchHit `json:"hits"`
	Stages   []string    `json:"stages"`
	Warnings []string    `json:"warnings,omitempty"`
}

// Search runs the retrieval funnel for the query text.
func (e *Engine) Search(ctx context.Context, text string, opts SearchOptions) (*SearchResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.counters.Searches.Add(1)

	cacheKey := fmt.Sprintf("%s|%d|%d|%d", text, opts.TopK, opts.From, opts.To)
	if !opts.NoCache {
		if cached, ok := e.qcache.Get(cacheKey); ok {
			e.counters.CacheHits.Add(1)
			return cached, nil
		}
	}

	tokens, entities := e.tok.Tokenize(text)
	q := retriever.Query{
		Text:   text,
		Tokens: tokens,
		From:   opts.From,
		To:     opts.To,
	}
	for _, ent := range entities {
		q.Entities = append(q.Entities, graph.NormalizeName(ent.Name))
	}
	if vector, err := e.embed.Embed(ctx, text); err == nil {
		q.Vector = vector
	} else {
		e.log.Warn("query embedding unavailable", zap.Error(err))
	}

	out, err := e.retr.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	result := &SearchResult{Stages: out.Stages}
	if out.FallbackUsed {
		e.counters.FallbackUsed.Add(1)
		result.Warnings = append(result.Warnings, "fallback_used")
	}
	if out.Partial {
		e.counters.PartialResults.Add(1)
		result.Warnings = append(result.Warnings, "partial_results")
	}
	if e.budget != nil && e.budget.Remaining() == 0 {
		result.Warnings = append(result.Warnings, "budget_exhausted")
	}
	e.counters.RecordStages(out.Stages)

	limit := opts.TopK
	if limit <= 0 {
		limit = e.cfg.FinalTopK
	}
	for _, hit := range out.Hits {
		if len(result.Hits) >= limit {
			break
		}
		m, err := e.store.Get(hit.ID)
		if err != nil {
			continue // tombstoned between index hit and load
		}
		result.Hits = append(result.Hits, SearchHit{Memory: m, Score: hit.Score, Stages: hit.Stages})
	}
	if !opts.NoCache {
		e.qcache.Add(cacheKey, result)
	}
	return result, nil
}

// Delete removes a memory and cascades to indexes, dedup sketches and graph
// confidences.
func (e *Engine) Delete(ctx context.Context, id string, mode store.DeleteMode) error {
	if e.closed.Load() {
		return ErrClosed
	}
	canonical := e.store.Resolve(id)
	if err := e.store.Delete(canonical, mode); err != nil {
		return err
	}
	if err := e.indexes.Remove(canonical); err != nil {
		e.log.Warn("index cascade failed", zap.String("id", canonical), zap.Error(err))
	}
	e.dedup.Unregister(canonical)
	if err := e.graph.OnMemoryDeleted(ctx, canonical); err != nil {
		e.log.Warn("graph cascade failed", zap.String("id", canonical), zap.Error(err))
	}
	e.counters.Deletes.Add(1)
	e.qcache.Purge()
	return nil
}

// UpdateSettings replaces the L0 core settings and recompiles any new
// absolute rules.
func (e *Engine) UpdateSettings(cs *store.CoreSettings) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.store.UpdateSettings(cs); err != nil {
		return err
	}
	e.seedRules()
	return nil
}

// List forwards to the layered store.
func (e *Engine) List(f store.ListFilter) ([]*store.Memory, error) {
	return e.store.List(f)
}

// BuildContext assembles the prompt block for a session and query.
func (e *Engine) BuildContext(ctx context.Context, sessionID, query string) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	search, err := e.Search(ctx, query, SearchOptions{})
	if err != nil {
		return "", err
	}
	recent, err := e.store.Recent(sessionID, e.cfg.IncludeRecent)
	if err != nil {
		return "", err
	}

	retrieved := make([]ScoredMemory, 0, len(search.Hits))
	for _, hit := range search.Hits {
		retrieved = append(retrieved, ScoredMemory{Memory: hit.Memory, Score: hit.Score})
	}
	persistent := e.pctx.Active("")
	var seeds []*analyzer.Foreshadowing
	if e.cfg.ForeshadowingEnabled {
		seeds = e.foreshadow.GetActive("")
	}

	e.turnMu.Lock()
	current := e.turnSeq[sessionID]
	lastSeen := make(map[string]int, len(e.lastSeen))
	for id, turn := range e.lastSeen {
		lastSeen[id] = turn
	}
	// Items visible in the recent window count as seen this turn.
	for _, m := range recent {
		for _, item := range persistent {
			if strings.Contains(m.Content, item.Content) {
				e.lastSeen[item.ID] = current
				lastSeen[item.ID] = current
			}
		}
		for _, f := range seeds {
			if strings.Contains(m.Content, f.Content) {
				e.lastSeen[f.ID] = current
				lastSeen[f.ID] = current
			}
		}
	}
	e.turnMu.Unlock()

	text, truncated := e.builder.Build(BuildInput{
		Settings:       e.store.Settings(),
		Persistent:     persistent,
		Foreshadowings: seeds,
		Retrieved:      retrieved,
		Recent:         recent,
		LastSeenTurn:   lastSeen,
		CurrentTurn:    current,
	})
	if truncated {
		e.log.Debug("context budget trimmed the build",
			zap.String("session", sessionID))
	}
	return text, nil
}

// CheckConsistency validates an output against the compiled absolute rules.
func (e *Engine) CheckConsistency(output string) *analyzer.CheckResult {
	return e.consistency.Check(output)
}

// CompileRule adds a natural-language absolute rule.
func (e *Engine) CompileRule(text string) (*analyzer.Rule, error) {
	return e.consistency.Compile(text)
}

// Rules lists the compiled absolute rules.
func (e *Engine) Rules() []*analyzer.Rule { return e.consistency.Rules() }

// Foreshadowings exposes the tracker for manual seed operations.
func (e *Engine) Foreshadowings() *analyzer.ForeshadowTracker { return e.foreshadow }

// PlantForeshadowing registers a narrative seed. Refused when the mode (or
// an explicit override) has the feature off.
func (e *Engine) PlantForeshadowing(f *analyzer.Foreshadowing) (*analyzer.Foreshadowing, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if !e.cfg.ForeshadowingEnabled {
		return nil, fmt.Errorf("engine: foreshadowing disabled in current mode: %w", ErrInvalidArgument)
	}
	return e.foreshadow.Plant(f)
}

// PersistentContext exposes the persistent-context tracker.
func (e *Engine) PersistentContext() *analyzer.ContextTracker { return e.pctx }

// Graph exposes the knowledge graph for entity and fact queries.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Tasks exposes the background task manager for status subscriptions.
func (e *Engine) Tasks() *TaskManager { return e.tasks }

// Entities lists the knowledge graph's nodes.
func (e *Engine) Entities(ctx context.Context) ([]*graph.Entity, error) {
	return e.graph.ListEntities(ctx)
}

// AddFact records a fact about a named subject, creating the entity when
// needed. The object becomes an edge when it resolves to a known entity,
// otherwise a literal.
func (e *Engine) AddFact(ctx context.Context, subject, predicate, object string, factStart int64, strategy graph.Strategy) (*graph.Relation, *graph.Contradiction, error) {
	if e.closed.Load() {
		return nil, nil, ErrClosed
	}
	subj, err := e.graph.UpsertEntity(ctx, &graph.Entity{
		Name: subject, Type: graph.EntityCustom,
	})
	if err != nil {
		return nil, nil, err
	}
	now := ids.NowMillis()
	r := &graph.Relation{
		SubjectID:     subj.ID,
		Predicate:     predicate,
		ObjectLiteral: object,
		Confidence:    1.0,
		FactStart:     factStart,
		KnowledgeTime: now,
	}
	if obj, err := e.graph.ResolveEntity(ctx, object); err == nil {
		r.ObjectID = obj.ID
		r.ObjectLiteral = ""
	}
	return e.graph.UpsertRelation(ctx, r, strategy)
}

// FactsAt returns the named subject's facts that held at world time t.
func (e *Engine) FactsAt(ctx context.Context, subject, predicate string, t int64) ([]*graph.Relation, error) {
	subj, err := e.graph.ResolveEntity(ctx, subject)
	if err != nil {
		return nil, err
	}
	return e.graph.QueryAtTime(ctx, subj.ID, predicate, t)
}

// Episodes replays a session's turn trace in append order.
func (e *Engine) Episodes(sessionID string) ([]EpisodeEntry, error) {
	return e.episodes.Entries(sessionID)
}

// Contradictions lists detected contradictions.
func (e *Engine) Contradictions(ctx context.Context, unresolvedOnly bool) ([]*graph.Contradiction, error) {
	return e.graph.Contradictions(ctx, unresolvedOnly)
}

// ResolveContradiction applies a strategy to a pending contradiction.
func (e *Engine) ResolveContradiction(ctx context.Context, id string, strategy graph.Strategy) error {
	return e.graph.ResolveContradiction(ctx, id, strategy)
}

// Mode reports the effective mode switches.
func (e *Engine) Mode() config.ModeReport { return e.cfg.ModeReport() }

// Stats gathers the engine-wide status report.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	gs, err := e.graph.Stats(ctx)
	if err != nil {
		return nil, err
	}
	ss := e.store.Stats()
	st := &Stats{
		MemoriesAdded:      e.counters.MemoriesAdded.Load(),
		DuplicatesDetected: e.counters.DuplicatesDetected.Load(),
		Searches:           e.counters.Searches.Load(),
		FallbackUsed:       e.counters.FallbackUsed.Load(),
		PartialResults:     e.counters.PartialResults.Load(),
		CacheHits:          e.counters.CacheHits.Load(),
		Deletes:            e.counters.Deletes.Load(),
		Stages:             e.counters.StageContributions(),
		Store: StoreStats{
			Archived:     ss.Archived,
			Working:      ss.Working,
			Consolidated: ss.Shards,
			Aliases:      ss.Aliases,
		},
		Graph: GraphStats{
			Entities:       gs.Entities,
			Relations:      gs.Relations,
			ActiveFacts:    gs.ActiveFacts,
			Contradictions: gs.Contradictions,
			Unresolved:     gs.Unresolved,
		},
	}
	if e.budget != nil {
		st.LLMCalls = int64(e.budget.Used())
	}
	if e.client != nil {
		st.LLMBreakerTrips = int64(e.client.BreakerTrips())
	}
	return st, nil
}

// Close drains background tasks, snapshots the indexes and flushes the
// store. Safe to call once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.tasks.Close()
	var first error
	if err := e.indexes.Close(); err != nil {
		first = err
	}
	if err := e.store.Close(); err != nil && first == nil {
		first = err
	}
	if err := e.graph.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
