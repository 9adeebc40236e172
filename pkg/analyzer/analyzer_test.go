package analyzer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/EricMeteorite/recall/pkg/embedding"
	"github.com/EricMeteorite/recall/pkg/llm"
	"github.com/EricMeteorite/recall/pkg/prompts"
)

type fakeChatter struct {
	reply string
	err   error
	calls int
	last  []llm.Message
}

func (f *fakeChatter) Chat(_ context.Context, messages []llm.Message, _ int) (string, error) {
	f.calls++
	f.last = messages
	return f.reply, f.err
}

func mustRegistry(t *testing.T) *prompts.Registry {
	t.Helper()
	reg, err := prompts.NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestForeshadowLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreshadow.json")
	tr, err := NewForeshadowTracker(path, ForeshadowOptions{})
	if err != nil {
		t.Fatalf("NewForeshadowTracker: %v", err)
	}

	f, err := tr.Plant(&Foreshadowing{
		CharacterID: "char_1",
		Content:     "the locked drawer in the study",
		Importance:  0.8,
	})
	if err != nil {
		t.Fatalf("Plant: %v", err)
	}
	if f.State != StatePlanted {
		t.Fatalf("state = %s, want PLANTED", f.State)
	}

	if err := tr.AddHint(f.ID, "a key glints under the rug"); err != nil {
		t.Fatalf("AddHint: %v", err)
	}
	got, ok := tr.Get(f.ID)
	if !ok || got.State != StateDeveloping {
		t.Fatalf("after hint: state = %v, want DEVELOPING", got)
	}
	if len(got.Hints) != 1 {
		t.Errorf("hints = %d, want 1", len(got.Hints))
	}

	if err := tr.Resolve(f.ID, "the drawer held the will"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if active := tr.GetActive("char_1"); len(active) != 0 {
		t.Errorf("resolved seed still active: %d", len(active))
	}

	// State survives reload.
	tr2, err := NewForeshadowTracker(path, ForeshadowOptions{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok = tr2.Get(f.ID)
	if !ok || got.State != StateResolved || got.Evidence != "the drawer held the will" {
		t.Fatalf("reloaded seed = %+v", got)
	}
}

func TestForeshadowAnalyzeAutoPlant(t *testing.T) {
	chatter := &fakeChatter{reply: `{
		"new_foreshadowings": [{"content": "a stranger watches from the pier", "importance": 0.7, "evidence": "turn 3"}],
		"potentially_resolved": [{"id": "fsh_missing", "evidence": "turn 4"}]
	}`}
	tr, err := NewForeshadowTracker(filepath.Join(t.TempDir(), "f.json"), ForeshadowOptions{
		AutoPlant: true,
		Chatter:   chatter,
		Embedder:  embedding.NewLocalEmbedder(64),
		Prompts:   mustRegistry(t),
	})
	if err != nil {
		t.Fatalf("NewForeshadowTracker: %v", err)
	}

	result, err := tr.Analyze(context.Background(), "char_1", []string{"turn one", "turn two"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if chatter.calls != 1 {
		t.Fatalf("chatter calls = %d, want 1", chatter.calls)
	}
	active := tr.GetActive("char_1")
	if len(active) != 1 || active[0].Content != "a stranger watches from the pier" {
		t.Fatalf("auto-plant: active = %+v", active)
	}
	// auto_resolve is off: the resolution is reported, not applied.
	if len(result.PotentiallyResolved) != 1 {
		t.Errorf("potentially resolved = %d, want 1", len(result.PotentiallyResolved))
	}

	// A second identical proposal is deduplicated against the active set.
	if _, err := tr.Analyze(context.Background(), "char_1", []string{"turn three"}); err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	if active := tr.GetActive("char_1"); len(active) != 1 {
		t.Errorf("duplicate seed planted: active = %d, want 1", len(active))
	}
}

func TestForeshadowOnTurnInterval(t *testing.T) {
	tr, err := NewForeshadowTracker(filepath.Join(t.TempDir(), "f.json"), ForeshadowOptions{
		TriggerInterval: 3,
		Chatter:         &fakeChatter{reply: "{}"},
	})
	if err != nil {
		t.Fatalf("NewForeshadowTracker: %v", err)
	}
	var due []bool
	for i := 0; i < 6; i++ {
		due = append(due, tr.OnTurn())
	}
	want := []bool{false, false, true, false, false, true}
	for i := range want {
		if due[i] != want[i] {
			t.Fatalf("OnTurn sequence = %v, want %v", due, want)
		}
	}
}

func TestContextTrackerCaps(t *testing.T) {
	tr, err := NewContextTracker(filepath.Join(t.TempDir(), "ctx.json"), ContextOptions{
		MaxPerType: 3,
		MaxTotal:   30,
	})
	if err != nil {
		t.Fatalf("NewContextTracker: %v", err)
	}

	contents := []string{
		"prefers short answers", "works night shifts", "allergic to peanuts",
		"speaks three languages", "collects vinyl records",
	}
	for i, c := range contents {
		if _, err := tr.Observe(context.Background(), &ContextItem{
			Type:       TypeUserPreference,
			Content:    c,
			Confidence: 0.5 + float64(i)*0.1,
		}); err != nil {
			t.Fatalf("Observe %q: %v", c, err)
		}
	}

	active := tr.Active(TypeUserPreference)
	if len(active) != 3 {
		t.Fatalf("active = %d, want cap 3", len(active))
	}
	// Eviction is confidence-based: the weakest two went first.
	for _, item := range active {
		if item.Confidence < 0.7 {
			t.Errorf("low-confidence item %q survived eviction", item.Content)
		}
	}
}

func TestContextTrackerReObserve(t *testing.T) {
	tr, err := NewContextTracker(filepath.Join(t.TempDir(), "ctx.json"), ContextOptions{})
	if err != nil {
		t.Fatalf("NewContextTracker: %v", err)
	}
	first, err := tr.Observe(context.Background(), &ContextItem{
		Type: TypeUserGoal, Content: "finish the novel draft", Confidence: 0.6,
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	second, err := tr.Observe(context.Background(), &ContextItem{
		Type: TypeUserGoal, Content: "Finish the novel draft",
	})
	if err != nil {
		t.Fatalf("re-Observe: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("re-observation created a new item: %s vs %s", second.ID, first.ID)
	}
	if second.Confidence <= 0.6 {
		t.Errorf("confidence = %f, want bump above 0.6", second.Confidence)
	}
	if got := tr.Active(TypeUserGoal); len(got) != 1 {
		t.Errorf("active = %d, want 1", len(got))
	}
}

func TestContextTrackerDecayArchives(t *testing.T) {
	tr, err := NewContextTracker(filepath.Join(t.TempDir(), "ctx.json"), ContextOptions{
		DecayDays:     7,
		DecayPerDay:   0.1,
		MinConfidence: 0.3,
	})
	if err != nil {
		t.Fatalf("NewContextTracker: %v", err)
	}
	item, err := tr.Observe(context.Background(), &ContextItem{
		Type: TypeWorldFact, Content: "the bridge is out", Confidence: 0.5,
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	// Inside the grace window nothing changes.
	if n, err := tr.Decay(time.Now().Add(3 * 24 * time.Hour)); err != nil || n != 0 {
		t.Fatalf("Decay within grace: archived=%d err=%v", n, err)
	}

	// Twelve days out: 5 days past grace at 0.1/day drops 0.5 below 0.3.
	n, err := tr.Decay(time.Now().Add(12 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("Decay: %v", err)
	}
	if n != 1 {
		t.Fatalf("archived = %d, want 1", n)
	}
	if active := tr.Active(TypeWorldFact); len(active) != 0 {
		t.Errorf("archived item still active: %+v", active)
	}
	_ = item
}

func TestContextTrackerDecayLinearSchedule(t *testing.T) {
	tr, err := NewContextTracker(filepath.Join(t.TempDir(), "ctx.json"), ContextOptions{
		DecayDays:     14,
		DecayPerDay:   0.05,
		MinConfidence: 0.2,
	})
	if err != nil {
		t.Fatalf("NewContextTracker: %v", err)
	}
	item, err := tr.Observe(context.Background(), &ContextItem{
		Type: TypeUserPreference, Content: "prefers terse answers", Confidence: 1.0,
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	seen := time.UnixMilli(item.LastSeenAt)
	day := 24 * time.Hour

	// Daily maintenance calls must trace the same line as a single late
	// call: confidence at grace+N days is 1.0 - N*0.05 however often Decay
	// ran in between.
	for n := 1; n <= 4; n++ {
		if _, err := tr.Decay(seen.Add(time.Duration(14+n) * day)); err != nil {
			t.Fatalf("Decay day %d: %v", n, err)
		}
		got := tr.Active(TypeUserPreference)
		if len(got) != 1 {
			t.Fatalf("day %d: item missing: %+v", n, got)
		}
		want := 1.0 - float64(n)*0.05
		if diff := got[0].Confidence - want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("day %d: confidence = %.4f, want %.4f", n, got[0].Confidence, want)
		}
	}
}

func TestContextExtractCoercesUnknownType(t *testing.T) {
	chatter := &fakeChatter{reply: `{"items": [
		{"type": "user-identity", "content": "named Mira", "confidence": 0.9},
		{"type": "weather-report", "content": "likes rainy days", "confidence": 0.6}
	]}`}
	tr, err := NewContextTracker(filepath.Join(t.TempDir(), "ctx.json"), ContextOptions{
		Chatter: chatter,
		Prompts: mustRegistry(t),
	})
	if err != nil {
		t.Fatalf("NewContextTracker: %v", err)
	}
	items, err := tr.Extract(context.Background(), "user_1", "sess_1", "I'm Mira and I like rainy days")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].Type != TypeUserIdentity {
		t.Errorf("first type = %s, want user-identity", items[0].Type)
	}
	if items[1].Type != TypeCustomContext {
		t.Errorf("unknown type not coerced: %s", items[1].Type)
	}
}

func TestContextExtractWithoutBackend(t *testing.T) {
	tr, err := NewContextTracker(filepath.Join(t.TempDir(), "ctx.json"), ContextOptions{})
	if err != nil {
		t.Fatalf("NewContextTracker: %v", err)
	}
	items, err := tr.Extract(context.Background(), "u", "s", "anything")
	if err != nil || items != nil {
		t.Fatalf("Extract without chatter: items=%v err=%v, want nil/nil", items, err)
	}
}

func TestConsistencyCompileKinds(t *testing.T) {
	tests := []struct {
		text     string
		kind     RuleKind
		severity Severity
	}{
		{"Aria must never reveal her true name", RuleProhibition, SeverityCritical},
		{"The guard cannot leave the gate", RuleProhibition, SeverityHigh},
		{"Kellan must always carry the silver amulet", RuleRequirement, SeverityMedium},
		{"If the moon is full, the gates stay closed", RuleCondition, SeverityMedium},
		{"Aria is married to Kellan", RuleRelationship, SeverityMedium},
		{"Aria has green eyes", RuleAttribute, SeverityMedium},
	}
	c, err := NewConsistencyChecker(filepath.Join(t.TempDir(), "rules.json"), nil, nil)
	if err != nil {
		t.Fatalf("NewConsistencyChecker: %v", err)
	}
	for _, tt := range tests {
		r, err := c.Compile(tt.text)
		if err != nil {
			t.Fatalf("Compile(%q): %v", tt.text, err)
		}
		if r.Kind != tt.kind {
			t.Errorf("Compile(%q).Kind = %s, want %s", tt.text, r.Kind, tt.kind)
		}
		if r.Severity != tt.severity {
			t.Errorf("Compile(%q).Severity = %s, want %s", tt.text, r.Severity, tt.severity)
		}
		if len(r.Keywords) == 0 {
			t.Errorf("Compile(%q): no keywords", tt.text)
		}
	}
}

func TestConsistencyCheckProhibition(t *testing.T) {
	c, err := NewConsistencyChecker(filepath.Join(t.TempDir(), "rules.json"), nil, nil)
	if err != nil {
		t.Fatalf("NewConsistencyChecker: %v", err)
	}
	rule, err := c.Compile("Aria must never reveal her secret identity")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	res := c.Check("Aria smiled and revealed her secret identity to the crowd")
	if res.IsConsistent {
		t.Fatalf("violation not detected")
	}
	if len(res.Violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(res.Violations))
	}
	v := res.Violations[0]
	if v.RuleID != rule.ID || v.Kind != RuleProhibition || v.Severity != SeverityCritical {
		t.Errorf("violation = %+v", v)
	}
	if v.Evidence == "" {
		t.Errorf("violation carries no evidence")
	}

	// Output about someone else does not fire the rule.
	if res := c.Check("Kellan revealed his secret identity"); !res.IsConsistent {
		t.Errorf("rule fired off-subject: %+v", res.Violations)
	}
	// Output about Aria that honours the rule is consistent.
	if res := c.Check("Aria kept quiet about her past"); !res.IsConsistent {
		t.Errorf("false positive: %+v", res.Violations)
	}
}

func TestConsistencyDisabledRuleSkipped(t *testing.T) {
	c, err := NewConsistencyChecker(filepath.Join(t.TempDir(), "rules.json"), nil, nil)
	if err != nil {
		t.Fatalf("NewConsistencyChecker: %v", err)
	}
	rule, err := c.Compile("Aria must never reveal her secret identity")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := c.SetEnabled(rule.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if res := c.Check("Aria revealed her secret identity"); !res.IsConsistent {
		t.Errorf("disabled rule fired: %+v", res.Violations)
	}
}

func TestConsistencyRulesPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	c, err := NewConsistencyChecker(path, nil, nil)
	if err != nil {
		t.Fatalf("NewConsistencyChecker: %v", err)
	}
	if _, err := c.Compile("The guard cannot leave the gate"); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	c2, err := NewConsistencyChecker(path, nil, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	rules := c2.Rules()
	if len(rules) != 1 || rules[0].Kind != RuleProhibition {
		t.Fatalf("reloaded rules = %+v", rules)
	}
}

func TestUnifiedAnalyzerDropsMalformedTriples(t *testing.T) {
	chatter := &fakeChatter{reply: `{
		"relations": [
			{"subject": "Bob", "predicate": "lives_in", "object": "Rivertown", "confidence": 0.9},
			{"subject": "", "predicate": "broken", "object": "x", "confidence": 0.5},
			{"subject": "Bob", "predicate": "owns", "object": "a boat", "confidence": 7}
		],
		"contradictions": [{"subject": "Bob", "predicate": "lives_in", "detail": "previously Hillcrest"}],
		"summary": "Bob settles in Rivertown."
	}`}
	u := NewUnifiedAnalyzer(chatter, mustRegistry(t), nil)

	result, err := u.Analyze(context.Background(), "user", "Bob moved to Rivertown", []string{"Bob", "Hillcrest"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(result.Relations) != 2 {
		t.Fatalf("relations = %d, want 2 (malformed dropped)", len(result.Relations))
	}
	if result.Relations[1].Confidence != 0.5 {
		t.Errorf("out-of-range confidence not clamped: %f", result.Relations[1].Confidence)
	}
	if len(result.Contradictions) != 1 || result.Summary == "" {
		t.Errorf("result = %+v", result)
	}
}

func TestUnifiedAnalyzerNoBackend(t *testing.T) {
	u := NewUnifiedAnalyzer(nil, nil, nil)
	result, err := u.Analyze(context.Background(), "user", "anything", nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(result.Relations) != 0 || result.Summary != "" {
		t.Errorf("no-op result = %+v", result)
	}
}

func TestUnifiedAnalyzerPropagatesError(t *testing.T) {
	u := NewUnifiedAnalyzer(&fakeChatter{err: errors.New("backend down")}, mustRegistry(t), nil)
	if _, err := u.Analyze(context.Background(), "user", "anything", nil); err == nil {
		t.Fatalf("expected error from failing backend")
	}
}
