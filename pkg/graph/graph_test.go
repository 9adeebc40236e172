package graph

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

const (
	jan2024 = int64(1704067200000)
	mar2024 = int64(1709251200000)
	jun2024 = int64(1717200000000)
	jul2024 = int64(1719792000000)
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	backend, err := OpenFileStore(filepath.Join(t.TempDir(), "graph.json"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	g, err := New(backend, Options{Detection: DetectRule})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func mustEntity(t *testing.T, g *Graph, name string, typ EntityType) *Entity {
	t.Helper()
	e, err := g.UpsertEntity(context.Background(), &Entity{Name: name, Type: typ})
	if err != nil {
		t.Fatalf("UpsertEntity(%s): %v", name, err)
	}
	return e
}

func TestUpsertEntityMergesByKey(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	first, err := g.UpsertEntity(ctx, &Entity{Name: "Bob Smith", Type: EntityPerson, Aliases: []string{"Bob"}})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	second, err := g.UpsertEntity(ctx, &Entity{Name: "bob  smith", Type: EntityPerson, Aliases: []string{"Bobby"}})
	if err != nil {
		t.Fatalf("UpsertEntity again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("same key produced two nodes: %s vs %s", first.ID, second.ID)
	}
	if second.MentionCount != 2 {
		t.Errorf("MentionCount = %d, want 2", second.MentionCount)
	}
	if len(second.Aliases) != 2 {
		t.Errorf("aliases not merged: %v", second.Aliases)
	}

	// Aliases resolve through the normalization map.
	for _, alias := range []string{"Bob", "bobby", "BOB SMITH"} {
		got, err := g.ResolveEntity(ctx, alias)
		if err != nil {
			t.Fatalf("ResolveEntity(%s): %v", alias, err)
		}
		if got.ID != first.ID {
			t.Errorf("ResolveEntity(%s) = %s, want %s", alias, got.ID, first.ID)
		}
	}
}

func TestEntityKeyIncludesType(t *testing.T) {
	g := newTestGraph(t)
	person := mustEntity(t, g, "Phoenix", EntityPerson)
	place := mustEntity(t, g, "Phoenix", EntityPlace)
	if person.ID == place.ID {
		t.Error("same name with different types must be distinct nodes")
	}
}

func TestUpsertRelationSameTripleMerges(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	bob := mustEntity(t, g, "Bob", EntityPerson)
	town := mustEntity(t, g, "Rivertown", EntityPlace)

	r1, _, err := g.UpsertRelation(ctx, &Relation{
		SubjectID: bob.ID, Predicate: "lives_in", ObjectID: town.ID,
		SourceIDs: []string{"mem_1"},
	}, "")
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	r2, c, err := g.UpsertRelation(ctx, &Relation{
		SubjectID: bob.ID, Predicate: "lives_in", ObjectID: town.ID,
		SourceIDs: []string{"mem_2"},
	}, "")
	if err != nil {
		t.Fatalf("restatement: %v", err)
	}
	if c != nil {
		t.Error("restating the same triple must not record a contradiction")
	}
	if r2.ID != r1.ID {
		t.Errorf("restatement created a new fact: %s vs %s", r2.ID, r1.ID)
	}
	if len(r2.SourceIDs) != 2 {
		t.Errorf("sources not merged: %v", r2.SourceIDs)
	}
}

func TestContradictionSupersede(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	bob := mustEntity(t, g, "Bob", EntityPerson)

	black, _, err := g.UpsertRelation(ctx, &Relation{
		SubjectID: bob.ID, Predicate: "hair_color", ObjectLiteral: "black",
		FactStart: jan2024,
	}, StrategySupersede)
	if err != nil {
		t.Fatalf("first fact: %v", err)
	}

	golden, c, err := g.UpsertRelation(ctx, &Relation{
		SubjectID: bob.ID, Predicate: "hair_color", ObjectLiteral: "golden",
		FactStart: jun2024,
	}, StrategySupersede)
	if err != nil {
		t.Fatalf("second fact: %v", err)
	}
	if c == nil {
		t.Fatal("expected a contradiction record")
	}
	if !c.Resolved {
		t.Error("SUPERSEDE must resolve the record immediately")
	}

	old, err := g.backend.GetRelation(ctx, black.ID)
	if err != nil {
		t.Fatalf("GetRelation: %v", err)
	}
	if old.Status != FactSuperseded {
		t.Errorf("old status = %s, want SUPERSEDED", old.Status)
	}
	if old.SupersededBy != golden.ID {
		t.Errorf("superseded_by = %s, want %s", old.SupersededBy, golden.ID)
	}

	// The superseded fact still answers for the era it covered.
	at := func(ts int64) string {
		t.Helper()
		facts, err := g.QueryAtTime(ctx, bob.ID, "hair_color", ts)
		if err != nil {
			t.Fatalf("QueryAtTime: %v", err)
		}
		if len(facts) != 1 {
			t.Fatalf("QueryAtTime(%d) = %d facts, want 1", ts, len(facts))
		}
		return facts[0].ObjectLiteral
	}
	if got := at(mar2024); got != "black" {
		t.Errorf("hair color in March = %s, want black", got)
	}
	if got := at(jul2024); got != "golden" {
		t.Errorf("hair color in July = %s, want golden", got)
	}
}

func TestContradictionRejectAndManual(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	bob := mustEntity(t, g, "Bob", EntityPerson)

	if _, _, err := g.UpsertRelation(ctx, &Relation{
		SubjectID: bob.ID, Predicate: "age", ObjectLiteral: "30",
	}, ""); err != nil {
		t.Fatalf("seed fact: %v", err)
	}

	_, c, err := g.UpsertRelation(ctx, &Relation{
		SubjectID: bob.ID, Predicate: "age", ObjectLiteral: "35",
	}, StrategyReject)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("REJECT should surface ErrConflict, got %v", err)
	}
	if c == nil || !c.Resolved {
		t.Error("REJECT should record a resolved contradiction")
	}

	_, c, err = g.UpsertRelation(ctx, &Relation{
		SubjectID: bob.ID, Predicate: "age", ObjectLiteral: "40",
	}, StrategyManual)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("MANUAL should surface ErrConflict, got %v", err)
	}
	if c == nil || c.Resolved {
		t.Fatal("MANUAL should leave the record unresolved")
	}

	pending, err := g.Contradictions(ctx, true)
	if err != nil {
		t.Fatalf("Contradictions: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("unresolved count = %d, want 1", len(pending))
	}

	if err := g.ResolveContradiction(ctx, c.ID, StrategySupersede); err != nil {
		t.Fatalf("ResolveContradiction: %v", err)
	}
	pending, _ = g.Contradictions(ctx, true)
	if len(pending) != 0 {
		t.Errorf("still unresolved after manual resolution: %d", len(pending))
	}
}

func TestDetectorOppositePredicates(t *testing.T) {
	d := NewDetector(DetectRule, nil)
	older := &Relation{SubjectID: "a", Predicate: "friend_of", ObjectID: "b"}
	newer := &Relation{SubjectID: "a", Predicate: "enemy_of", ObjectID: "b"}
	v, err := d.Detect(context.Background(), nil, older, newer)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !v.Contradictory || v.Kind != KindRelationship {
		t.Errorf("verdict = %+v, want relationship contradiction", v)
	}
}

func TestDetectorMultiEdgeIsAmbiguous(t *testing.T) {
	d := NewDetector(DetectRule, nil)
	older := &Relation{SubjectID: "a", Predicate: "friend_of", ObjectID: "b"}
	newer := &Relation{SubjectID: "a", Predicate: "friend_of", ObjectID: "c"}
	v, _ := d.Detect(context.Background(), nil, older, newer)
	if v.Contradictory {
		t.Error("multiple friends must not be a rule contradiction")
	}
	if !v.Ambiguous {
		t.Error("non-functional predicate disagreement should be ambiguous")
	}
}

func TestTraverse(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	a := mustEntity(t, g, "A", EntityPerson)
	b := mustEntity(t, g, "B", EntityPerson)
	c := mustEntity(t, g, "C", EntityPerson)
	d := mustEntity(t, g, "D", EntityPerson)

	link := func(from, to *Entity, pred string) {
		t.Helper()
		if _, _, err := g.UpsertRelation(ctx, &Relation{
			SubjectID: from.ID, Predicate: pred, ObjectID: to.ID,
		}, ""); err != nil {
			t.Fatalf("link %s-%s: %v", from.Name, to.Name, err)
		}
	}
	link(a, b, "knows")
	link(b, c, "knows")
	link(c, d, "knows")
	link(a, d, "rival_of")

	hits, err := g.Traverse(ctx, []string{a.ID}, TraverseOptions{Depth: 2, Direction: DirOut})
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	// Depth 2 out of A: A, B, D (direct), C (via B).
	if len(hits) != 4 {
		t.Fatalf("hit count = %d, want 4", len(hits))
	}
	byID := make(map[string]TraversalHit, len(hits))
	for _, h := range hits {
		byID[h.Entity.ID] = h
	}
	if h := byID[c.ID]; h.Depth != 2 || len(h.Path) != 3 {
		t.Errorf("C hit = depth %d path %v, want depth 2 path of 3", h.Depth, h.Path)
	}

	// Predicate filter drops the rival edge.
	hits, _ = g.Traverse(ctx, []string{a.ID}, TraverseOptions{
		Depth: 1, Direction: DirOut, Predicates: []string{"knows"},
	})
	if len(hits) != 2 {
		t.Errorf("filtered hits = %d, want 2 (A and B)", len(hits))
	}

	// Node budget truncates.
	hits, _ = g.Traverse(ctx, []string{a.ID}, TraverseOptions{Depth: 3, MaxNodes: 2})
	if len(hits) != 2 {
		t.Errorf("budgeted hits = %d, want 2", len(hits))
	}
}

func TestCommunities(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	a := mustEntity(t, g, "A", EntityPerson)
	b := mustEntity(t, g, "B", EntityPerson)
	x := mustEntity(t, g, "X", EntityPerson)
	y := mustEntity(t, g, "Y", EntityPerson)

	for _, pair := range [][2]*Entity{{a, b}, {x, y}} {
		if _, _, err := g.UpsertRelation(ctx, &Relation{
			SubjectID: pair[0].ID, Predicate: "knows", ObjectID: pair[1].ID,
		}, ""); err != nil {
			t.Fatalf("link: %v", err)
		}
	}

	for _, algo := range []string{"connected", "label-prop", "louvain"} {
		comm, err := g.Communities(ctx, algo)
		if err != nil {
			t.Fatalf("Communities(%s): %v", algo, err)
		}
		if comm[a.ID] != comm[b.ID] {
			t.Errorf("%s: A and B should share a community", algo)
		}
		if comm[a.ID] == comm[x.ID] {
			t.Errorf("%s: disjoint pairs should not share a community", algo)
		}
	}

	// Cached result returns until the graph mutates.
	first, _ := g.Communities(ctx, "connected")
	second, _ := g.Communities(ctx, "connected")
	if len(first) != len(second) {
		t.Error("cached communities differ")
	}
}

func TestOnMemoryDeletedDemotesConfidence(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	bob := mustEntity(t, g, "Bob", EntityPerson)

	r, _, err := g.UpsertRelation(ctx, &Relation{
		SubjectID: bob.ID, Predicate: "occupation", ObjectLiteral: "smith",
		SourceIDs: []string{"mem_1"}, Confidence: 1.0,
	}, "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := g.OnMemoryDeleted(ctx, "mem_1"); err != nil {
		t.Fatalf("OnMemoryDeleted: %v", err)
	}
	got, err := g.backend.GetRelation(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRelation: %v", err)
	}
	if got.Status != FactActive {
		t.Error("losing the last witness must not remove the edge")
	}
	if got.Confidence >= 1.0 {
		t.Errorf("confidence = %f, want demoted", got.Confidence)
	}
	if len(got.SourceIDs) != 0 {
		t.Errorf("source ids = %v, want empty", got.SourceIDs)
	}
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	backend, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	e := &Entity{
		ID: "ent_1", Name: "bob", Type: EntityPerson,
		Aliases: []string{"bobby"}, Attributes: map[string]string{"mood": "grim"},
		CreatedAt: 1, LastMentionedAt: 2, MentionCount: 3,
	}
	if err := backend.PutEntity(ctx, e); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	got, err := backend.FindEntityByKey(ctx, e.Key())
	if err != nil {
		t.Fatalf("FindEntityByKey: %v", err)
	}
	if got.ID != "ent_1" || got.Attributes["mood"] != "grim" || len(got.Aliases) != 1 {
		t.Errorf("entity round trip mismatch: %+v", got)
	}

	r := &Relation{
		ID: "rel_1", SubjectID: "ent_1", Predicate: "lives_in",
		ObjectLiteral: "rivertown", KnowledgeTime: 10, SystemTime: 11,
		Confidence: 0.9, Status: FactActive, SourceIDs: []string{"mem_1"},
	}
	if err := backend.PutRelation(ctx, r); err != nil {
		t.Fatalf("PutRelation: %v", err)
	}
	rels, err := backend.RelationsOf(ctx, "ent_1", DirOut)
	if err != nil {
		t.Fatalf("RelationsOf: %v", err)
	}
	if len(rels) != 1 || rels[0].ObjectLiteral != "rivertown" {
		t.Errorf("relation round trip mismatch: %+v", rels)
	}

	c := &Contradiction{ID: "ctr_1", FactA: "rel_0", FactB: "rel_1", Kind: KindAttribute, Strategy: StrategyManual, DetectedAt: 12}
	if err := backend.PutContradiction(ctx, c); err != nil {
		t.Fatalf("PutContradiction: %v", err)
	}
	pending, err := backend.ListContradictions(ctx, true)
	if err != nil {
		t.Fatalf("ListContradictions: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("unresolved = %d, want 1", len(pending))
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	backend, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	ctx := context.Background()
	_ = backend.PutEntity(ctx, &Entity{ID: "ent_1", Name: "bob", Type: EntityPerson})
	_ = backend.Close()

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.GetEntity(ctx, "ent_1"); err != nil {
		t.Errorf("entity lost across reopen: %v", err)
	}
}
