package retriever

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/EricMeteorite/recall/internal/ids"
	"github.com/EricMeteorite/recall/pkg/index"
	"github.com/EricMeteorite/recall/pkg/llm"
	"github.com/EricMeteorite/recall/pkg/prompts"
	"github.com/EricMeteorite/recall/pkg/store"
)

type fakeLookup map[string]*store.Memory

func (f fakeLookup) Get(id string) (*store.Memory, error) {
	m, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return m, nil
}

type fakeScanner []*store.Memory

func (f fakeScanner) Scan(fn func(m *store.Memory) bool) error {
	for _, m := range f {
		if !fn(m) {
			return nil
		}
	}
	return nil
}

type fakeChatter struct {
	reply string
	calls int
}

func (f *fakeChatter) Chat(_ context.Context, _ []llm.Message, _ int) (string, error) {
	f.calls++
	return f.reply, nil
}

func testIndexes(t *testing.T) *index.Manager {
	t.Helper()
	m, err := index.NewManager(index.Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func addDoc(t *testing.T, m *index.Manager, id, content string, tokens []string, createdAt int64) {
	t.Helper()
	if err := m.Add(&index.Doc{
		ID:        id,
		Content:   content,
		Tokens:    tokens,
		CreatedAt: createdAt,
	}); err != nil {
		t.Fatalf("Add(%s): %v", id, err)
	}
}

func allKeywordStages() Options {
	return Options{
		Bloom:    StageConfig{Enabled: true},
		Inverted: StageConfig{Enabled: true},
		Ngram:    StageConfig{Enabled: true},
		FineRank: StageConfig{Enabled: true},
		WeightKeyword: 1.0,
	}
}

func TestUniqueTokenAlwaysRecalled(t *testing.T) {
	m := testIndexes(t)
	now := ids.NowMillis()
	addDoc(t, m, "mem_1", "the xylograph workshop opened", []string{"xylograph", "workshop", "opened"}, now)
	for i := 2; i <= 20; i++ {
		addDoc(t, m, fmt.Sprintf("mem_%d", i), "ordinary filler turn",
			[]string{"ordinary", "filler", "turn"}, now)
	}

	r := New(m, nil, nil, nil, allKeywordStages())
	out, err := r.Search(context.Background(), Query{
		Text:   "xylograph",
		Tokens: []string{"xylograph"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(out.Hits) == 0 || out.Hits[0].ID != "mem_1" {
		t.Fatalf("unique token not recalled first: %+v", out.Hits)
	}
	if out.FallbackUsed {
		t.Errorf("fallback ran for an indexed token")
	}
}

func TestFallbackScanRecoversUnindexedText(t *testing.T) {
	m := testIndexes(t)
	scanner := fakeScanner{
		{ID: "mem_cjk", Content: "金色蝴蝶在月光下飞舞", CreatedAt: ids.NowMillis()},
		{ID: "mem_other", Content: "completely unrelated english text", CreatedAt: ids.NowMillis()},
	}
	r := New(m, nil, nil, scanner, Options{
		Fallback: StageConfig{Enabled: true},
	})

	out, err := r.Search(context.Background(), Query{Text: "月光蝴蝶"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !out.FallbackUsed {
		t.Fatalf("fallback not used on empty funnel")
	}
	if len(out.Hits) != 1 || out.Hits[0].ID != "mem_cjk" {
		t.Fatalf("fallback hits = %+v, want mem_cjk only", out.Hits)
	}
	if out.Hits[0].Stages[0] != StageFallback {
		t.Errorf("hit stages = %v", out.Hits[0].Stages)
	}
}

func TestFallbackSkipsAliasedRecords(t *testing.T) {
	m := testIndexes(t)
	scanner := fakeScanner{
		{ID: "mem_dup", Content: "金色蝴蝶在月光下飞舞", AliasOf: "mem_canon", CreatedAt: 1},
		{ID: "mem_canon", Content: "金色蝴蝶在月光下飞舞", CreatedAt: 1},
	}
	r := New(m, nil, nil, scanner, Options{Fallback: StageConfig{Enabled: true}})
	out, err := r.Search(context.Background(), Query{Text: "蝴蝶"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(out.Hits) != 1 || out.Hits[0].ID != "mem_canon" {
		t.Fatalf("alias record leaked into fallback: %+v", out.Hits)
	}
}

func TestRRFPrefersMultiArmAgreement(t *testing.T) {
	a := []index.Result{{ID: "x", Score: 1}, {ID: "y", Score: 0.5}}
	b := []index.Result{{ID: "y", Score: 1}, {ID: "z", Score: 0.5}}
	c := []index.Result{{ID: "y", Score: 1}}

	fused := fuseRRF(60, a, b, c)
	if fused[0].ID != "y" {
		t.Fatalf("fused order = %+v, want y first", fused)
	}
	// x and z each appear once at the same ranks; ties break by id.
	if fused[1].ID != "x" || fused[2].ID != "z" {
		t.Errorf("tie break not deterministic: %+v", fused)
	}
}

func TestTemporalWindowFilters(t *testing.T) {
	m := testIndexes(t)
	jan := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC).UnixMilli()
	jun := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC).UnixMilli()
	addDoc(t, m, "mem_jan", "the winter meeting", []string{"meeting", "winter"}, jan)
	addDoc(t, m, "mem_jun", "the summer meeting", []string{"meeting", "summer"}, jun)

	opts := allKeywordStages()
	opts.Temporal = StageConfig{Enabled: true}
	r := New(m, nil, nil, nil, opts)

	out, err := r.Search(context.Background(), Query{
		Text:   "meeting",
		Tokens: []string{"meeting"},
		From:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		To:     time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(out.Hits) != 1 || out.Hits[0].ID != "mem_jun" {
		t.Fatalf("temporal filter hits = %+v, want mem_jun only", out.Hits)
	}
}

func TestRerankRecencyPenalty(t *testing.T) {
	m := testIndexes(t)
	now := ids.NowMillis()
	old := now - 200*24*int64(time.Hour/time.Millisecond)
	addDoc(t, m, "mem_old", "the harbor storm", []string{"harbor", "storm"}, old)
	addDoc(t, m, "mem_new", "the harbor storm", []string{"harbor", "storm"}, now)

	lookup := fakeLookup{
		"mem_old": {ID: "mem_old", Content: "the harbor storm", CreatedAt: old},
		"mem_new": {ID: "mem_new", Content: "the harbor storm", CreatedAt: now},
	}
	opts := allKeywordStages()
	opts.WeightRecency = 0.5
	opts.DecayRate = 0.05
	r := New(m, nil, lookup, nil, opts)

	out, err := r.Search(context.Background(), Query{
		Text: "harbor storm", Tokens: []string{"harbor", "storm"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(out.Hits) != 2 || out.Hits[0].ID != "mem_new" {
		t.Fatalf("recency penalty not applied: %+v", out.Hits)
	}
	if out.Hits[0].Score <= out.Hits[1].Score {
		t.Errorf("scores not ordered: %+v", out.Hits)
	}
}

func TestLLMFilterDropsIrrelevant(t *testing.T) {
	m := testIndexes(t)
	now := ids.NowMillis()
	addDoc(t, m, "mem_a", "Bob adopted a golden retriever", []string{"bob", "adopted", "golden", "retriever"}, now)
	addDoc(t, m, "mem_b", "golden hour photography tips", []string{"golden", "hour", "photography", "tips"}, now)

	lookup := fakeLookup{
		"mem_a": {ID: "mem_a", Content: "Bob adopted a golden retriever"},
		"mem_b": {ID: "mem_b", Content: "golden hour photography tips"},
	}
	reg, err := prompts.NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	chatter := &fakeChatter{reply: `{"relevant": [true, false]}`}

	opts := allKeywordStages()
	opts.LLMFilter = StageConfig{Enabled: true}
	opts.Chatter = chatter
	opts.Prompts = reg
	r := New(m, nil, lookup, nil, opts)

	out, err := r.Search(context.Background(), Query{
		Text: "golden", Tokens: []string{"golden"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if chatter.calls != 1 {
		t.Fatalf("chatter calls = %d, want 1", chatter.calls)
	}
	if len(out.Hits) != 1 {
		t.Fatalf("hits = %+v, want exactly the confirmed one", out.Hits)
	}
	found := false
	for _, s := range out.Hits[0].Stages {
		if s == StageLLMFilter {
			found = true
		}
	}
	if !found {
		t.Errorf("kept hit missing llm_filter stage: %v", out.Hits[0].Stages)
	}
}

type reversingEncoder struct{}

func (reversingEncoder) ScoreBatch(_ context.Context, _ string, docs []string) ([]float64, error) {
	scores := make([]float64, len(docs))
	for i := range docs {
		scores[i] = float64(i) // later documents score higher
	}
	return scores, nil
}

func TestCrossEncoderReorders(t *testing.T) {
	m := testIndexes(t)
	now := ids.NowMillis()
	addDoc(t, m, "mem_a", "alpha entry", []string{"shared", "alpha"}, now)
	addDoc(t, m, "mem_b", "beta entry", []string{"shared", "beta"}, now)

	lookup := fakeLookup{
		"mem_a": {ID: "mem_a", Content: "alpha entry"},
		"mem_b": {ID: "mem_b", Content: "beta entry"},
	}
	opts := allKeywordStages()
	opts.Cross = StageConfig{Enabled: true}
	opts.CrossEncoder = reversingEncoder{}
	r := New(m, nil, lookup, nil, opts)

	out, err := r.Search(context.Background(), Query{
		Text: "shared", Tokens: []string{"shared"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(out.Hits) != 2 || out.Hits[0].ID != "mem_b" {
		t.Fatalf("cross-encoder order = %+v, want mem_b first", out.Hits)
	}
}

func TestExpiredDeadlineReturnsPartial(t *testing.T) {
	m := testIndexes(t)
	addDoc(t, m, "mem_a", "deadline fodder", []string{"deadline", "fodder"}, ids.NowMillis())

	chatter := &fakeChatter{reply: `{"relevant": [true]}`}
	opts := allKeywordStages()
	opts.LLMFilter = StageConfig{Enabled: true}
	opts.Chatter = chatter
	r := New(m, nil, nil, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := r.Search(ctx, Query{Text: "deadline", Tokens: []string{"deadline"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !out.Partial {
		t.Fatalf("expected partial result on expired deadline")
	}
	if chatter.calls != 0 {
		t.Errorf("llm filter ran past the deadline: %d calls", chatter.calls)
	}
	if len(out.Hits) == 0 {
		t.Errorf("best-so-far ranking discarded: %+v", out)
	}
}

func TestDisabledStagesStillProduceResults(t *testing.T) {
	m := testIndexes(t)
	addDoc(t, m, "mem_a", "only inverted on", []string{"only", "inverted"}, ids.NowMillis())

	r := New(m, nil, nil, nil, Options{Inverted: StageConfig{Enabled: true}})
	out, err := r.Search(context.Background(), Query{Text: "inverted", Tokens: []string{"inverted"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(out.Hits) != 1 || out.Hits[0].ID != "mem_a" {
		t.Fatalf("hits = %+v", out.Hits)
	}
}
