package index

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInvertedIndexExactRecall(t *testing.T) {
	ix := NewInvertedIndex("")
	docs := []*Doc{
		{ID: "m1", Tokens: []string{"golden", "butterfly", "garden"}},
		{ID: "m2", Tokens: []string{"silver", "moth", "garden"}},
		{ID: "m3", Tokens: []string{"golden", "retriever"}},
	}
	for _, d := range docs {
		if err := ix.Add(d); err != nil {
			t.Fatalf("Add(%s): %v", d.ID, err)
		}
	}

	results := ix.Query([]string{"golden"}, 10)
	if len(results) != 2 {
		t.Fatalf("expected 2 results for 'golden', got %d", len(results))
	}

	// A token stored once must always come back, no matter how rare.
	results = ix.Query([]string{"butterfly"}, 10)
	if len(results) != 1 || results[0].ID != "m1" {
		t.Fatalf("unique token lookup failed: %+v", results)
	}

	if err := ix.Remove("m1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := ix.Query([]string{"butterfly"}, 10); len(got) != 0 {
		t.Errorf("expected no results after removal, got %+v", got)
	}
}

func TestInvertedIndexScoreNormalised(t *testing.T) {
	ix := NewInvertedIndex("")
	_ = ix.Add(&Doc{ID: "m1", Tokens: []string{"a", "b"}})

	results := ix.Query([]string{"a", "b", "c", "d"}, 10)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Score != 0.5 {
		t.Errorf("expected score 0.5 (2 of 4 tokens), got %f", results[0].Score)
	}
}

func TestBloomIndexNegativeIsDefinitive(t *testing.T) {
	b := NewBloomIndex("", 1000, 0.01)
	ids := []string{"mem_a", "mem_b", "mem_c"}
	for _, id := range ids {
		if err := b.Add(&Doc{ID: id}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	for _, id := range ids {
		if !b.MayHave(id) {
			t.Errorf("MayHave(%s) = false for inserted id", id)
		}
	}
	if b.Count() != 3 {
		t.Errorf("Count = %d, want 3", b.Count())
	}

	// With 1000 expected and 3 inserted, false positives are vanishingly
	// unlikely for a handful of probes.
	misses := 0
	for _, id := range []string{"never_1", "never_2", "never_3", "never_4"} {
		if !b.MayHave(id) {
			misses++
		}
	}
	if misses == 0 {
		t.Error("expected at least one definitive miss for absent ids")
	}
}

func TestEntityIndexNormalisation(t *testing.T) {
	ix := NewEntityIndex("")
	_ = ix.Add(&Doc{ID: "m1", Entities: []string{"Alice", "金色蝴蝶"}})

	tests := []struct {
		query string
		want  int
	}{
		{"alice", 1},
		{"ALICE", 1},
		{"  Alice  ", 1},
		{"金色蝴蝶", 1},
		{"bob", 0},
	}
	for _, tt := range tests {
		got := ix.Query([]string{tt.query}, 10)
		if len(got) != tt.want {
			t.Errorf("Query(%q) = %d results, want %d", tt.query, len(got), tt.want)
		}
	}
}

func TestNgramIndexFuzzyMatch(t *testing.T) {
	ix := NewNgramIndex("")
	_ = ix.Add(&Doc{ID: "m1", Content: "the golden butterfly appeared at dusk"})
	_ = ix.Add(&Doc{ID: "m2", Content: "completely unrelated text about databases"})

	results := ix.Query("golden buterfly", 10) // typo on purpose
	if len(results) == 0 || results[0].ID != "m1" {
		t.Fatalf("fuzzy match failed: %+v", results)
	}
	if results[0].Score <= 0.5 {
		t.Errorf("expected strong overlap score, got %f", results[0].Score)
	}
}

func TestTemporalIndexRange(t *testing.T) {
	ix := NewTemporalIndex("")
	for i, ts := range []int64{100, 200, 300, 400, 500} {
		_ = ix.Add(&Doc{ID: string(rune('a' + i)), CreatedAt: ts})
	}

	results := ix.Range(200, 400, 0)
	if len(results) != 3 {
		t.Fatalf("Range(200,400) = %d results, want 3", len(results))
	}
	// Newest first.
	if results[0].ID != "d" || results[2].ID != "b" {
		t.Errorf("wrong order: %+v", results)
	}

	if got := ix.Range(200, 400, 2); len(got) != 2 {
		t.Errorf("k limit ignored: got %d", len(got))
	}

	_ = ix.Remove("c")
	if got := ix.Range(300, 300, 0); len(got) != 0 {
		t.Errorf("expected empty range after removal, got %+v", got)
	}
}

func TestFullTextBM25Ordering(t *testing.T) {
	ix := NewFullTextIndex("", 1.2, 0.75)
	_ = ix.Add(&Doc{ID: "heavy", Tokens: []string{"cat", "cat", "cat", "dog"}})
	_ = ix.Add(&Doc{ID: "light", Tokens: []string{"cat", "dog", "bird", "fish"}})
	_ = ix.Add(&Doc{ID: "none", Tokens: []string{"dog", "bird"}})

	results := ix.Query([]string{"cat"}, 10)
	if len(results) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(results))
	}
	if results[0].ID != "heavy" {
		t.Errorf("expected tf-heavy doc first, got %s", results[0].ID)
	}

	if s := ix.Score("none", []string{"cat"}); s != 0 {
		t.Errorf("Score for non-matching doc = %f, want 0", s)
	}
	if s := ix.Score("heavy", []string{"cat"}); s <= 0 {
		t.Errorf("Score for matching doc = %f, want > 0", s)
	}
}

func TestFlatIndexExactSearch(t *testing.T) {
	ix := NewFlatIndex("")
	vecs := map[string][]float32{
		"x": {1, 0, 0},
		"y": {0, 1, 0},
		"xy": {0.7, 0.7, 0},
	}
	for id, v := range vecs {
		if err := ix.Add(&Doc{ID: id, Vector: v}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	results := ix.Search([]float32{1, 0, 0}, 2)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "x" {
		t.Errorf("nearest = %s, want x", results[0].ID)
	}
	if results[1].ID != "xy" {
		t.Errorf("second = %s, want xy", results[1].ID)
	}
	if results[0].Score < 0.999 {
		t.Errorf("self-similarity = %f, want ~1", results[0].Score)
	}
}

func TestHNSWIndexRecall(t *testing.T) {
	ix := NewHNSWIndex("", 8, 100, 50)
	// A small structured set: HNSW must find the exact neighbour here.
	for i := 0; i < 50; i++ {
		v := make([]float32, 8)
		v[i%8] = 1
		v[(i+1)%8] = float32(i) / 50
		_ = ix.Add(&Doc{ID: idOf(i), Vector: v})
	}

	query := make([]float32, 8)
	query[3] = 1
	results := ix.Search(query, 5)
	if len(results) == 0 {
		t.Fatal("no results from populated index")
	}
	if results[0].Score < 0.9 {
		t.Errorf("best hit similarity = %f, want >= 0.9", results[0].Score)
	}

	_ = ix.Remove(results[0].ID)
	after := ix.Search(query, 5)
	for _, r := range after {
		if r.ID == results[0].ID {
			t.Errorf("deleted node %s still returned", r.ID)
		}
	}
}

func TestIVFIndexFallsBackUntrained(t *testing.T) {
	ix := NewIVFIndex("", 4, 2)
	for i := 0; i < 10; i++ {
		v := make([]float32, 4)
		v[i%4] = 1
		_ = ix.Add(&Doc{ID: idOf(i), Vector: v})
	}
	// Untrained: full scan still returns exact results.
	results := ix.Search([]float32{0, 1, 0, 0}, 3)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Score < 0.999 {
		t.Errorf("exact neighbour missed: %+v", results[0])
	}
}

func TestPersistenceSnapshotAndWALReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inverted")

	ix := NewInvertedIndex(path)
	_ = ix.Add(&Doc{ID: "m1", Tokens: []string{"alpha"}})
	if err := ix.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	// Ops after the snapshot land in the WAL only.
	_ = ix.Add(&Doc{ID: "m2", Tokens: []string{"beta"}})
	_ = ix.Remove("m1")
	_ = ix.p.close()

	restored := NewInvertedIndex(path)
	if err := restored.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := restored.Query([]string{"beta"}, 10); len(got) != 1 {
		t.Errorf("WAL add not replayed: %+v", got)
	}
	if got := restored.Query([]string{"alpha"}, 10); len(got) != 0 {
		t.Errorf("WAL remove not replayed: %+v", got)
	}
}

func TestSnapshotThenRemoveSurvivesReload(t *testing.T) {
	// A remove that lands in the WAL after a snapshot must stay removed
	// when the index reloads: the doc sits in the snapshot, so replay order
	// decides whether it comes back.
	dir := t.TempDir()

	flat := NewFlatIndex(filepath.Join(dir, "flat"))
	_ = flat.Add(&Doc{ID: "m1", Vector: []float32{1, 0}})
	if err := flat.Snapshot(); err != nil {
		t.Fatalf("flat Snapshot: %v", err)
	}
	_ = flat.Remove("m1")
	_ = flat.p.close()
	flatBack := NewFlatIndex(filepath.Join(dir, "flat"))
	if err := flatBack.Load(); err != nil {
		t.Fatalf("flat Load: %v", err)
	}
	if got := flatBack.Search([]float32{1, 0}, 5); len(got) != 0 {
		t.Errorf("flat: removed vector resurrected: %+v", got)
	}

	ft := NewFullTextIndex(filepath.Join(dir, "ft"), 1.2, 0.75)
	_ = ft.Add(&Doc{ID: "m1", Tokens: []string{"alpha"}})
	if err := ft.Snapshot(); err != nil {
		t.Fatalf("fulltext Snapshot: %v", err)
	}
	_ = ft.Remove("m1")
	_ = ft.p.close()
	ftBack := NewFullTextIndex(filepath.Join(dir, "ft"), 1.2, 0.75)
	if err := ftBack.Load(); err != nil {
		t.Fatalf("fulltext Load: %v", err)
	}
	if got := ftBack.Query([]string{"alpha"}, 5); len(got) != 0 {
		t.Errorf("fulltext: removed doc resurrected: %+v", got)
	}

	tmp := NewTemporalIndex(filepath.Join(dir, "temporal"))
	_ = tmp.Add(&Doc{ID: "m1", CreatedAt: 100})
	if err := tmp.Snapshot(); err != nil {
		t.Fatalf("temporal Snapshot: %v", err)
	}
	_ = tmp.Remove("m1")
	_ = tmp.p.close()
	tmpBack := NewTemporalIndex(filepath.Join(dir, "temporal"))
	if err := tmpBack.Load(); err != nil {
		t.Fatalf("temporal Load: %v", err)
	}
	if got := tmpBack.Range(0, 200, 0); len(got) != 0 {
		t.Errorf("temporal: removed entry resurrected: %+v", got)
	}

	ent := NewEntityIndex(filepath.Join(dir, "entity"))
	_ = ent.Add(&Doc{ID: "m1", Entities: []string{"Alice"}})
	if err := ent.Snapshot(); err != nil {
		t.Fatalf("entity Snapshot: %v", err)
	}
	_ = ent.Remove("m1")
	_ = ent.p.close()
	entBack := NewEntityIndex(filepath.Join(dir, "entity"))
	if err := entBack.Load(); err != nil {
		t.Fatalf("entity Load: %v", err)
	}
	if got := entBack.Query([]string{"alice"}, 5); len(got) != 0 {
		t.Errorf("entity: removed doc resurrected: %+v", got)
	}

	ng := NewNgramIndex(filepath.Join(dir, "ngram"))
	_ = ng.Add(&Doc{ID: "m1", Content: "the golden butterfly"})
	if err := ng.Snapshot(); err != nil {
		t.Fatalf("ngram Snapshot: %v", err)
	}
	_ = ng.Remove("m1")
	_ = ng.p.close()
	ngBack := NewNgramIndex(filepath.Join(dir, "ngram"))
	if err := ngBack.Load(); err != nil {
		t.Fatalf("ngram Load: %v", err)
	}
	if got := ngBack.Query("golden butterfly", 5); len(got) != 0 {
		t.Errorf("ngram: removed doc resurrected: %+v", got)
	}
}

func TestPersistenceToleratesTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inverted")

	ix := NewInvertedIndex(path)
	_ = ix.Add(&Doc{ID: "m1", Tokens: []string{"alpha"}})
	_ = ix.p.close()

	// Simulate a crash mid-append: a torn final line.
	f, err := os.OpenFile(path+".wal", os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	_, _ = f.WriteString(`{"op":"add","doc":{"id":"m2","tok`)
	_ = f.Close()

	restored := NewInvertedIndex(path)
	if err := restored.Load(); err != nil {
		t.Fatalf("Load with torn tail: %v", err)
	}
	if got := restored.Query([]string{"alpha"}, 10); len(got) != 1 {
		t.Errorf("intact op lost: %+v", got)
	}
}

func TestPersistenceCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inverted")

	if err := os.WriteFile(path+".snap", []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write snap: %v", err)
	}
	ix := NewInvertedIndex(path)
	err := ix.Load()
	if err == nil {
		t.Fatal("expected error for corrupt snapshot")
	}
	if !IsCorrupted(err) {
		t.Errorf("expected ErrCorrupted, got %v", err)
	}
}

func idOf(i int) string {
	return "mem_" + string(rune('0'+i/10)) + string(rune('0'+i%10))
}
