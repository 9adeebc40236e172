package index

import (
	"os"
	"path/filepath"
	"testing"
)

func testManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Dir:           dir,
		BloomExpected: 1000,
		BloomFPRate:   0.01,
		HNSWM:         8,
		HNSWEfConstr:  100,
		HNSWEfSearch:  50,
		BM25K1:        1.2,
		BM25B:         0.75,
		VectorFlatMax: 100_000,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManagerAddVisibleEverywhere(t *testing.T) {
	m := testManager(t, t.TempDir())
	doc := &Doc{
		ID:        "m1",
		Content:   "Alice planted a golden butterfly clue",
		Tokens:    []string{"alice", "planted", "golden", "butterfly", "clue"},
		Entities:  []string{"Alice"},
		Vector:    []float32{1, 0, 0, 0},
		CreatedAt: 1000,
	}
	if err := m.Add(doc); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if !m.Bloom().MayHave("m1") {
		t.Error("bloom missed an inserted id")
	}
	if got := m.Inverted().Query([]string{"butterfly"}, 10); len(got) != 1 {
		t.Errorf("inverted: %+v", got)
	}
	if got := m.Entity().Query([]string{"alice"}, 10); len(got) != 1 {
		t.Errorf("entity: %+v", got)
	}
	if got := m.Ngram().Query("golden butterfly", 10); len(got) != 1 {
		t.Errorf("ngram: %+v", got)
	}
	if got := m.Temporal().Range(500, 1500, 0); len(got) != 1 {
		t.Errorf("temporal: %+v", got)
	}
	if got := m.FullText().Query([]string{"butterfly"}, 10); len(got) != 1 {
		t.Errorf("fulltext: %+v", got)
	}
	if got := m.SearchVector([]float32{1, 0, 0, 0}, 1); len(got) != 1 {
		t.Errorf("vector: %+v", got)
	}

	if err := m.Remove("m1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := m.Inverted().Query([]string{"butterfly"}, 10); len(got) != 0 {
		t.Errorf("inverted after remove: %+v", got)
	}
	if got := m.SearchVector([]float32{1, 0, 0, 0}, 1); len(got) != 0 {
		t.Errorf("vector after remove: %+v", got)
	}
}

func TestManagerPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	m := testManager(t, dir)
	_ = m.Add(&Doc{ID: "m1", Tokens: []string{"alpha"}, CreatedAt: 1})
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2 := testManager(t, dir)
	if err := m2.LoadAll(nil); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if got := m2.Inverted().Query([]string{"alpha"}, 10); len(got) != 1 {
		t.Errorf("state lost across restart: %+v", got)
	}
}

func TestManagerRebuildsCorruptFamily(t *testing.T) {
	dir := t.TempDir()
	m := testManager(t, dir)
	_ = m.Add(&Doc{ID: "m1", Tokens: []string{"alpha"}, CreatedAt: 1})
	_ = m.Close()

	// Corrupt the inverted snapshot on disk.
	if err := os.WriteFile(filepath.Join(dir, "inverted.snap"), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt snapshot: %v", err)
	}

	archive := []*Doc{{ID: "m1", Tokens: []string{"alpha"}, CreatedAt: 1}}
	source := func(fn func(*Doc) error) error {
		for _, d := range archive {
			if err := fn(d); err != nil {
				return err
			}
		}
		return nil
	}

	m2 := testManager(t, dir)
	if err := m2.LoadAll(source); err != nil {
		t.Fatalf("LoadAll with rebuild: %v", err)
	}
	if got := m2.Inverted().Query([]string{"alpha"}, 10); len(got) != 1 {
		t.Errorf("rebuild did not restore the inverted index: %+v", got)
	}
}
