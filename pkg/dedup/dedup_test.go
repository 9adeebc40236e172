package dedup

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeCorpus struct {
	vectors  map[string][]float32
	contents map[string]string
	order    []string
}

func (f *fakeCorpus) Vector(id string) ([]float32, bool) {
	v, ok := f.vectors[id]
	return v, ok
}

func (f *fakeCorpus) Content(id string) (string, bool) {
	c, ok := f.contents[id]
	return c, ok
}

func (f *fakeCorpus) Neighbors(_ []float32, k int) []string {
	if len(f.order) > k {
		return f.order[:k]
	}
	return f.order
}

func tokens(s string) []string { return strings.Fields(s) }

func TestStageOneMergesNearIdenticalTokens(t *testing.T) {
	d := New(Options{})
	existing := tokens("the golden butterfly appeared at dusk over the silent garden wall")
	d.Register("mem_1", existing)

	decision, err := d.Check(context.Background(), &Candidate{
		ID:     "mem_2",
		Tokens: tokens("the golden butterfly appeared at dusk over the silent garden wall"),
	}, nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if decision.Action != Merge || decision.TargetID != "mem_1" {
		t.Fatalf("expected stage-1 merge into mem_1, got %+v", decision)
	}
	if decision.Stage != 1 {
		t.Errorf("stage = %d, want 1", decision.Stage)
	}
	if decision.Similarity < 0.85 {
		t.Errorf("similarity = %f, want >= 0.85", decision.Similarity)
	}
}

func TestStageOneAcceptsDistinctText(t *testing.T) {
	d := New(Options{})
	d.Register("mem_1", tokens("the golden butterfly appeared at dusk over the wall"))

	decision, err := d.Check(context.Background(), &Candidate{
		ID:     "mem_2",
		Tokens: tokens("quarterly report numbers disappointed the board again today"),
	}, nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if decision.Action != Accept {
		t.Fatalf("expected accept for unrelated text, got %+v", decision)
	}
}

func TestStageTwoThresholds(t *testing.T) {
	tests := []struct {
		name   string
		vector []float32
		want   Action
	}{
		{"high cosine merges", []float32{1, 0, 0}, Merge},
		{"low cosine accepts", []float32{0, 0, 1}, Accept},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(Options{})
			corpus := &fakeCorpus{
				vectors: map[string][]float32{"mem_1": {1, 0, 0}},
				order:   []string{"mem_1"},
			}
			decision, err := d.Check(context.Background(), &Candidate{
				ID:     "mem_2",
				Tokens: tokens("something entirely different each time"),
				Vector: tt.vector,
			}, corpus)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if decision.Action != tt.want {
				t.Errorf("action = %v, want %v (%+v)", decision.Action, tt.want, decision)
			}
			if decision.Stage != 2 {
				t.Errorf("stage = %d, want 2", decision.Stage)
			}
		})
	}
}

type fakeConfirmer struct {
	verdict bool
	err     error
	calls   int
}

func (f *fakeConfirmer) ConfirmDuplicate(_ context.Context, _, _ string) (bool, error) {
	f.calls++
	return f.verdict, f.err
}

// greyVector builds a vector whose cosine with (1,0,0) lands between the
// accept and merge thresholds.
func greyVector() []float32 {
	// cos = 0.85 against the unit x axis.
	return []float32{0.85, 0.5268, 0}
}

func TestStageThreeGreyBand(t *testing.T) {
	corpus := &fakeCorpus{
		vectors:  map[string][]float32{"mem_1": {1, 0, 0}},
		contents: map[string]string{"mem_1": "Bob lives in Rivertown"},
		order:    []string{"mem_1"},
	}
	cand := &Candidate{
		ID:      "mem_2",
		Content: "Bob resides in Rivertown",
		Tokens:  tokens("unrelated shingle text to bypass stage one"),
		Vector:  greyVector(),
	}

	confirmer := &fakeConfirmer{verdict: true}
	d := New(Options{Confirmer: confirmer})
	decision, err := d.Check(context.Background(), cand, corpus)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if confirmer.calls != 1 {
		t.Fatalf("confirmer calls = %d, want 1", confirmer.calls)
	}
	if decision.Action != Merge || decision.Stage != 3 {
		t.Errorf("expected stage-3 merge, got %+v", decision)
	}

	// Confirmer says no: accept.
	d = New(Options{Confirmer: &fakeConfirmer{verdict: false}})
	decision, _ = d.Check(context.Background(), cand, corpus)
	if decision.Action != Accept || decision.Stage != 3 {
		t.Errorf("expected stage-3 accept, got %+v", decision)
	}

	// Confirmer fails: ingest must not block.
	d = New(Options{Confirmer: &fakeConfirmer{err: errors.New("llm down")}})
	decision, err = d.Check(context.Background(), cand, corpus)
	if err != nil {
		t.Fatalf("Check with failing confirmer: %v", err)
	}
	if decision.Action != Accept {
		t.Errorf("expected accept on confirmer failure, got %+v", decision)
	}

	// No confirmer configured: grey band accepts.
	d = New(Options{})
	decision, _ = d.Check(context.Background(), cand, corpus)
	if decision.Action != Accept {
		t.Errorf("expected accept without confirmer, got %+v", decision)
	}
}

func TestUnregisterRemovesSketch(t *testing.T) {
	d := New(Options{})
	toks := tokens("the golden butterfly appeared at dusk over the silent garden wall")
	d.Register("mem_1", toks)
	if d.Size() != 1 {
		t.Fatalf("Size = %d, want 1", d.Size())
	}
	d.Unregister("mem_1")
	if d.Size() != 0 {
		t.Fatalf("Size after Unregister = %d, want 0", d.Size())
	}

	decision, _ := d.Check(context.Background(), &Candidate{ID: "mem_2", Tokens: toks}, nil)
	if decision.Action != Accept {
		t.Errorf("removed sketch still matching: %+v", decision)
	}
}

func TestMinHashSimilarityTracksJaccard(t *testing.T) {
	m := NewMinHasher()
	a := m.Sign(Shingles(tokens("a b c d e f g h i j k l m n o p")))
	b := m.Sign(Shingles(tokens("a b c d e f g h i j k l m n o p")))
	if sim := Similarity(a, b); sim != 1.0 {
		t.Errorf("identical sets: similarity = %f, want 1.0", sim)
	}

	c := m.Sign(Shingles(tokens("q r s t u v w x y z aa bb cc dd ee ff")))
	if sim := Similarity(a, c); sim > 0.2 {
		t.Errorf("disjoint sets: similarity = %f, want near 0", sim)
	}
}
