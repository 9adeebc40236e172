package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/EricMeteorite/recall/internal/ids"
)

// Options configures the graph layer.
type Options struct {
	// DefaultStrategy resolves detected contradictions when the caller does
	// not specify one. Defaults to SUPERSEDE.
	DefaultStrategy Strategy
	// Detection selects the contradiction detection mode.
	Detection DetectionMode
	// Judge is the optional LLM arbiter for LLM/MIXED/AUTO modes.
	Judge  LLMJudge
	Logger *zap.Logger
}

// Graph orchestrates entity and fact mutations over a Backend. It owns its
// own lock; callers that also hold the store lock must acquire the store
// lock first.
type Graph struct {
	mu       sync.RWMutex
	backend  Backend
	detector *Detector
	strategy Strategy
	logger   *zap.Logger

	aliases     map[string]string // normalized alias -> entity id
	commDirty   bool
	commCache   map[string]string
	commAlgo    string
}

// New wraps a backend and rebuilds the alias normalization map from it.
func New(backend Backend, opts Options) (*Graph, error) {
	if backend == nil {
		return nil, fmt.Errorf("graph: nil backend")
	}
	strategy := opts.DefaultStrategy
	if strategy == "" {
		strategy = StrategySupersede
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Graph{
		backend:   backend,
		detector:  NewDetector(opts.Detection, opts.Judge),
		strategy:  strategy,
		logger:    logger,
		aliases:   make(map[string]string),
		commDirty: true,
	}
	entities, err := backend.ListEntities(context.Background())
	if err != nil {
		return nil, fmt.Errorf("graph: rebuild aliases: %w", err)
	}
	for _, e := range entities {
		g.indexAliases(e)
	}
	return g, nil
}

func (g *Graph) indexAliases(e *Entity) {
	g.aliases[NormalizeName(e.Name)] = e.ID
	for _, a := range e.Aliases {
		g.aliases[NormalizeName(a)] = e.ID
	}
}

// UpsertEntity merges the entity by (name, type) key: aliases extend the
// normalization map, attributes overlay, mention count accumulates.
func (g *Graph) UpsertEntity(ctx context.Context, e *Entity) (*Entity, error) {
	if e == nil || e.Name == "" {
		return nil, ErrInvalid
	}
	if e.Type == "" {
		e.Type = EntityCustom
	}
	e.Name = NormalizeName(e.Name)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := ids.NowMillis()
	existing, err := g.backend.FindEntityByKey(ctx, e.Key())
	switch {
	case errors.Is(err, ErrEntityNotFound):
		if e.ID == "" {
			e.ID = ids.New("ent")
		}
		if e.CreatedAt == 0 {
			e.CreatedAt = now
		}
		e.LastMentionedAt = now
		if e.MentionCount == 0 {
			e.MentionCount = 1
		}
		if err := g.backend.PutEntity(ctx, e); err != nil {
			return nil, err
		}
		g.indexAliases(e)
		g.commDirty = true
		return e, nil
	case err != nil:
		return nil, err
	}

	existing.LastMentionedAt = now
	existing.MentionCount += max(e.MentionCount, 1)
	existing.Aliases = mergeStrings(existing.Aliases, e.Aliases)
	existing.MemoryIDs = mergeStrings(existing.MemoryIDs, e.MemoryIDs)
	if e.Summary != "" {
		existing.Summary = e.Summary
	}
	for k, v := range e.Attributes {
		if existing.Attributes == nil {
			existing.Attributes = make(map[string]string)
		}
		existing.Attributes[k] = v
	}
	if err := g.backend.PutEntity(ctx, existing); err != nil {
		return nil, err
	}
	g.indexAliases(existing)
	return existing, nil
}

// ResolveEntity maps a surface form (name or alias) to its node.
func (g *Graph) ResolveEntity(ctx context.Context, name string) (*Entity, error) {
	g.mu.RLock()
	id, ok := g.aliases[NormalizeName(name)]
	g.mu.RUnlock()
	if !ok {
		return nil, ErrEntityNotFound
	}
	return g.backend.GetEntity(ctx, id)
}

// GetEntity returns the node by id.
func (g *Graph) GetEntity(ctx context.Context, id string) (*Entity, error) {
	return g.backend.GetEntity(ctx, id)
}

// ListEntities returns every node.
func (g *Graph) ListEntities(ctx context.Context) ([]*Entity, error) {
	return g.backend.ListEntities(ctx)
}

// UpsertRelation inserts a fact. An identical ACTIVE triple merges sources
// and confidence. A conflicting ACTIVE fact goes through the contradiction
// detector; resolution follows strategy (empty = graph default). The
// returned Contradiction is non-nil when one was recorded. REJECT and
// MANUAL surface ErrConflict.
func (g *Graph) UpsertRelation(ctx context.Context, r *Relation, strategy Strategy) (*Relation, *Contradiction, error) {
	if r == nil || r.SubjectID == "" || r.Predicate == "" || r.Object() == "" {
		return nil, nil, ErrInvalid
	}
	if strategy == "" {
		strategy = g.strategy
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := ids.NowMillis()
	if r.ID == "" {
		r.ID = ids.New("rel")
	}
	if r.KnowledgeTime == 0 {
		r.KnowledgeTime = now
	}
	// System time is stamped at write, never earlier than knowledge time.
	r.SystemTime = now
	if r.SystemTime < r.KnowledgeTime {
		r.SystemTime = r.KnowledgeTime
	}
	if r.Confidence == 0 {
		r.Confidence = 1.0
	}
	r.Status = FactActive

	subject, err := g.backend.GetEntity(ctx, r.SubjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("graph: relation subject: %w", err)
	}
	if r.ObjectID != "" {
		if _, err := g.backend.GetEntity(ctx, r.ObjectID); err != nil {
			return nil, nil, fmt.Errorf("graph: relation object: %w", err)
		}
	}

	existing, err := g.backend.RelationsOf(ctx, r.SubjectID, DirOut)
	if err != nil {
		return nil, nil, err
	}

	for _, old := range existing {
		if old.Status != FactActive {
			continue
		}
		if old.Triple() == r.Triple() {
			// Same fact restated: accumulate evidence.
			old.SourceIDs = mergeStrings(old.SourceIDs, r.SourceIDs)
			if r.Confidence > old.Confidence {
				old.Confidence = r.Confidence
			}
			old.KnowledgeTime = minNonZero(old.KnowledgeTime, r.KnowledgeTime)
			if err := g.backend.PutRelation(ctx, old); err != nil {
				return nil, nil, err
			}
			return old, nil, nil
		}
	}

	for _, old := range existing {
		if old.Status != FactActive || old.Coexist {
			continue
		}
		verdict, derr := g.detector.Detect(ctx, subject, old, r)
		if derr != nil {
			return nil, nil, derr
		}
		if !verdict.Contradictory {
			continue
		}
		return g.resolveLocked(ctx, old, r, verdict.Kind, strategy)
	}

	if err := g.backend.PutRelation(ctx, r); err != nil {
		return nil, nil, err
	}
	g.commDirty = true
	return r, nil, nil
}

// resolveLocked applies the resolution strategy to a detected conflict.
func (g *Graph) resolveLocked(ctx context.Context, old, newer *Relation, kind ContradictionKind, strategy Strategy) (*Relation, *Contradiction, error) {
	now := ids.NowMillis()
	c := &Contradiction{
		ID:         ids.New("ctr"),
		FactA:      old.ID,
		FactB:      newer.ID,
		Kind:       kind,
		Strategy:   strategy,
		DetectedAt: now,
	}

	switch strategy {
	case StrategySupersede:
		old.Status = FactSuperseded
		old.SupersededBy = newer.ID
		// Close the old fact's world-time interval at the hand-over point
		// so QueryAtTime keeps answering for the era it covered.
		if old.FactEnd == 0 && newer.FactStart != 0 {
			old.FactEnd = newer.FactStart
		}
		if err := g.backend.PutRelation(ctx, old); err != nil {
			return nil, nil, err
		}
		if err := g.backend.PutRelation(ctx, newer); err != nil {
			return nil, nil, err
		}
		c.Resolved = true
		c.ResolvedAt = now
		if err := g.backend.PutContradiction(ctx, c); err != nil {
			return nil, nil, err
		}
		g.commDirty = true
		g.logger.Debug("fact superseded",
			zap.String("old", old.ID), zap.String("new", newer.ID),
			zap.String("kind", string(kind)))
		return newer, c, nil

	case StrategyCoexist:
		old.Coexist = true
		newer.Coexist = true
		if err := g.backend.PutRelation(ctx, old); err != nil {
			return nil, nil, err
		}
		if err := g.backend.PutRelation(ctx, newer); err != nil {
			return nil, nil, err
		}
		c.Resolved = true
		c.ResolvedAt = now
		c.Note = "marked coexist"
		if err := g.backend.PutContradiction(ctx, c); err != nil {
			return nil, nil, err
		}
		g.commDirty = true
		return newer, c, nil

	case StrategyReject:
		newer.Status = FactRejected
		if err := g.backend.PutRelation(ctx, newer); err != nil {
			return nil, nil, err
		}
		c.Resolved = true
		c.ResolvedAt = now
		c.Note = "new fact rejected"
		if err := g.backend.PutContradiction(ctx, c); err != nil {
			return nil, nil, err
		}
		return old, c, fmt.Errorf("%w: %s vs %s", ErrConflict, old.ID, newer.ID)

	default: // MANUAL: keep both, leave the record unresolved
		if err := g.backend.PutRelation(ctx, newer); err != nil {
			return nil, nil, err
		}
		if err := g.backend.PutContradiction(ctx, c); err != nil {
			return nil, nil, err
		}
		g.commDirty = true
		return newer, c, fmt.Errorf("%w: pending manual review %s", ErrConflict, c.ID)
	}
}

// QueryAtTime returns the subject's facts that held at world time t.
// SUPERSEDED facts still answer for the eras they covered; REJECTED facts
// never do.
func (g *Graph) QueryAtTime(ctx context.Context, subjectID, predicate string, t int64) ([]*Relation, error) {
	rels, err := g.backend.RelationsOf(ctx, subjectID, DirOut)
	if err != nil {
		return nil, err
	}
	var out []*Relation
	for _, r := range rels {
		if r.Status == FactRejected {
			continue
		}
		if predicate != "" && normPredicate(r.Predicate) != normPredicate(predicate) {
			continue
		}
		if !r.CoversTime(t) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ActiveFacts returns the subject's current ACTIVE facts.
func (g *Graph) ActiveFacts(ctx context.Context, subjectID string) ([]*Relation, error) {
	rels, err := g.backend.RelationsOf(ctx, subjectID, DirOut)
	if err != nil {
		return nil, err
	}
	var out []*Relation
	for _, r := range rels {
		if r.Status == FactActive {
			out = append(out, r)
		}
	}
	return out, nil
}

// Traverse walks the graph breadth-first from the start entities,
// deduplicating visited nodes and honouring the depth, direction, predicate
// and node budgets.
func (g *Graph) Traverse(ctx context.Context, startIDs []string, opts TraverseOptions) ([]TraversalHit, error) {
	depth := opts.Depth
	if depth <= 0 {
		depth = 1
	}
	dir := opts.Direction
	if dir == "" {
		dir = DirBoth
	}
	predFilter := make(map[string]struct{}, len(opts.Predicates))
	for _, p := range opts.Predicates {
		predFilter[normPredicate(p)] = struct{}{}
	}

	type frame struct {
		id   string
		path []string
		d    int
	}
	visited := make(map[string]struct{})
	var queue []frame
	for _, id := range startIDs {
		if _, dup := visited[id]; dup {
			continue
		}
		visited[id] = struct{}{}
		queue = append(queue, frame{id: id, path: []string{id}})
	}

	var hits []TraversalHit
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]

		e, err := g.backend.GetEntity(ctx, f.id)
		if err != nil {
			if errors.Is(err, ErrEntityNotFound) {
				continue
			}
			return nil, err
		}
		hits = append(hits, TraversalHit{Entity: e, Path: f.path, Depth: f.d})
		if opts.MaxNodes > 0 && len(hits) >= opts.MaxNodes {
			break
		}
		if f.d >= depth {
			continue
		}

		rels, err := g.backend.RelationsOf(ctx, f.id, dir)
		if err != nil {
			return nil, err
		}
		for _, r := range rels {
			if r.Status != FactActive {
				continue
			}
			if len(predFilter) > 0 {
				if _, ok := predFilter[normPredicate(r.Predicate)]; !ok {
					continue
				}
			}
			if opts.AtTime != 0 && !r.CoversTime(opts.AtTime) {
				continue
			}
			next := r.ObjectID
			if next == f.id {
				next = r.SubjectID
			}
			if next == "" {
				continue
			}
			if _, dup := visited[next]; dup {
				continue
			}
			visited[next] = struct{}{}
			path := append(append([]string(nil), f.path...), next)
			queue = append(queue, frame{id: next, path: path, d: f.d + 1})
		}
	}
	return hits, nil
}

// OnMemoryDeleted demotes the confidence of facts supported by the deleted
// memory. Edges are not removed: losing the last witness weakens a fact but
// does not erase it.
func (g *Graph) OnMemoryDeleted(ctx context.Context, memoryID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rels, err := g.backend.ListRelations(ctx)
	if err != nil {
		return err
	}
	for _, r := range rels {
		kept := make([]string, 0, len(r.SourceIDs))
		removed := false
		for _, id := range r.SourceIDs {
			if id == memoryID {
				removed = true
				continue
			}
			kept = append(kept, id)
		}
		if !removed {
			continue
		}
		r.SourceIDs = kept
		r.Confidence *= 0.5
		if err := g.backend.PutRelation(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Contradictions lists recorded conflicts.
func (g *Graph) Contradictions(ctx context.Context, unresolvedOnly bool) ([]*Contradiction, error) {
	return g.backend.ListContradictions(ctx, unresolvedOnly)
}

// ResolveContradiction applies a strategy to an unresolved record.
func (g *Graph) ResolveContradiction(ctx context.Context, id string, strategy Strategy) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, err := g.backend.GetContradiction(ctx, id)
	if err != nil {
		return err
	}
	if c.Resolved {
		return nil
	}
	older, err := g.backend.GetRelation(ctx, c.FactA)
	if err != nil {
		return err
	}
	newer, err := g.backend.GetRelation(ctx, c.FactB)
	if err != nil {
		return err
	}

	now := ids.NowMillis()
	switch strategy {
	case StrategySupersede:
		older.Status = FactSuperseded
		older.SupersededBy = newer.ID
		if older.FactEnd == 0 && newer.FactStart != 0 {
			older.FactEnd = newer.FactStart
		}
		if err := g.backend.PutRelation(ctx, older); err != nil {
			return err
		}
	case StrategyCoexist:
		older.Coexist = true
		newer.Coexist = true
		if err := g.backend.PutRelation(ctx, older); err != nil {
			return err
		}
		if err := g.backend.PutRelation(ctx, newer); err != nil {
			return err
		}
	case StrategyReject:
		newer.Status = FactRejected
		if err := g.backend.PutRelation(ctx, newer); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: strategy %q", ErrInvalid, strategy)
	}

	c.Resolved = true
	c.ResolvedAt = now
	c.Strategy = strategy
	g.commDirty = true
	return g.backend.PutContradiction(ctx, c)
}

// Stats summarises the graph.
func (g *Graph) Stats(ctx context.Context) (Stats, error) {
	entities, err := g.backend.ListEntities(ctx)
	if err != nil {
		return Stats{}, err
	}
	rels, err := g.backend.ListRelations(ctx)
	if err != nil {
		return Stats{}, err
	}
	contras, err := g.backend.ListContradictions(ctx, false)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Entities:       len(entities),
		Relations:      len(rels),
		Contradictions: len(contras),
	}
	for _, r := range rels {
		if r.Status == FactActive {
			st.ActiveFacts++
		}
	}
	for _, c := range contras {
		if !c.Resolved {
			st.Unresolved++
		}
	}
	return st, nil
}

// Close releases the backend.
func (g *Graph) Close() error { return g.backend.Close() }

func mergeStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, dup := seen[s]; !dup && s != "" {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, dup := seen[s]; !dup && s != "" {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func minNonZero(a, b int64) int64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
