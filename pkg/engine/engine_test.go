package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EricMeteorite/recall/pkg/analyzer"
	"github.com/EricMeteorite/recall/pkg/config"
	"github.com/EricMeteorite/recall/pkg/graph"
	"github.com/EricMeteorite/recall/pkg/store"
)

func newTestEngine(t *testing.T) (*Engine, *config.Config) {
	t.Helper()
	cfg := config.Default(t.TempDir())
	eng, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng, cfg
}

func TestAddAndSearchRoundTrip(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := eng.Add(ctx, &AddRequest{
		Content:   "The dragon sleeps beneath the glass mountain",
		Role:      store.RoleUser,
		SessionID: "s1",
	})
	require.NoError(t, err)
	require.False(t, res.Merged)
	require.NotEmpty(t, res.Memory.ID)

	out, err := eng.Search(ctx, "dragon glass mountain", SearchOptions{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, out.Hits)
	assert.Equal(t, res.Memory.ID, out.Hits[0].Memory.ID)
}

func TestDuplicateMergesAndBumpsMentionCount(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	content := "Alice adopted a black cat named Whiskers last spring"
	first, err := eng.Add(ctx, &AddRequest{Content: content, Role: store.RoleUser})
	require.NoError(t, err)
	require.False(t, first.Merged)

	second, err := eng.Add(ctx, &AddRequest{Content: content, Role: store.RoleUser})
	require.NoError(t, err)
	require.True(t, second.Merged)
	assert.Equal(t, first.Memory.ID, second.MergedTo)
	assert.Equal(t, 2, second.Memory.MentionCount)

	// Both ids must resolve to the canonical record.
	got, err := eng.Get(second.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Memory.ID, got.ID)

	// The merged record must not surface twice in search.
	out, err := eng.Search(ctx, "black cat Whiskers", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, out.Hits, 1)
	assert.Equal(t, first.Memory.ID, out.Hits[0].Memory.ID)

	st, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.DuplicatesDetected)
	assert.Equal(t, int64(1), st.MemoriesAdded)
	assert.Equal(t, 1, st.Store.Aliases)
}

func TestContradictionSupersedesOldFact(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	alice, err := eng.Graph().UpsertEntity(ctx, &graph.Entity{
		Name: "Alice", Type: graph.EntityPerson,
	})
	require.NoError(t, err)

	jan := int64(1704067200000) // 2024-01-01
	jun := int64(1717200000000) // 2024-06-01

	paris, _, err := eng.Graph().UpsertRelation(ctx, &graph.Relation{
		SubjectID: alice.ID, Predicate: "lives_in", ObjectLiteral: "Paris",
		FactStart: jan, Confidence: 0.9,
	}, "")
	require.NoError(t, err)

	beijing, c, err := eng.Graph().UpsertRelation(ctx, &graph.Relation{
		SubjectID: alice.ID, Predicate: "lives_in", ObjectLiteral: "Beijing",
		FactStart: jun, Confidence: 0.9,
	}, "")
	require.NoError(t, err)
	require.NotNil(t, c, "second residence should be flagged as a contradiction")
	assert.True(t, c.Resolved)

	active, err := eng.Graph().ActiveFacts(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, beijing.ID, active[0].ID)

	// The superseded fact still answers for the era it covered.
	then, err := eng.Graph().QueryAtTime(ctx, alice.ID, "lives_in", jan+1000)
	require.NoError(t, err)
	require.Len(t, then, 1)
	assert.Equal(t, paris.ID, then[0].ID)

	resolved, err := eng.Contradictions(ctx, false)
	require.NoError(t, err)
	assert.Len(t, resolved, 1)
	pending, err := eng.Contradictions(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeleteCascadesToIndexes(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := eng.Add(ctx, &AddRequest{
		Content: "The zephyrite crystal hums in the dark vault",
		Role:    store.RoleUser,
	})
	require.NoError(t, err)

	out, err := eng.Search(ctx, "zephyrite crystal", SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, out.Hits)

	require.NoError(t, eng.Delete(ctx, res.Memory.ID, store.DeleteLogical))

	_, err = eng.Get(res.Memory.ID)
	assert.Error(t, err)

	// The funnel is empty and the fallback scan must skip the tombstone.
	out, err = eng.Search(ctx, "zephyrite crystal", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, out.Hits)
}

func TestSearchCacheAndCounters(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Add(ctx, &AddRequest{
		Content: "The lighthouse keeper rows out every autumn storm",
		Role:    store.RoleUser,
	})
	require.NoError(t, err)

	first, err := eng.Search(ctx, "lighthouse keeper", SearchOptions{})
	require.NoError(t, err)
	second, err := eng.Search(ctx, "lighthouse keeper", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, len(first.Hits), len(second.Hits))

	st, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Searches)
	assert.Equal(t, int64(1), st.CacheHits)
	assert.Equal(t, int64(1), st.MemoriesAdded)
	assert.GreaterOrEqual(t, st.Store.Archived, 1)
}

func TestSearchMissUsesFallbackWarning(t *testing.T) {
	cfg := config.Default(t.TempDir())
	// With the vector arm on, flat search always surfaces nearest neighbours
	// and the funnel never empties; turn it off to exercise the fallback.
	cfg.StageVectorEnabled = false
	eng, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	ctx := context.Background()

	_, err = eng.Add(ctx, &AddRequest{
		Content: "plain note about groceries",
		Role:    store.RoleUser,
	})
	require.NoError(t, err)

	out, err := eng.Search(ctx, "xyzzy quark nebula", SearchOptions{NoCache: true})
	require.NoError(t, err)
	assert.Empty(t, out.Hits)
	assert.Contains(t, out.Warnings, "fallback_used")
}

func TestAddTurnSequencesAndTracesEpisodes(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	turns := []string{
		"the knight rode north at dawn",
		"the queen sealed the western gate",
		"a merchant reported wolves near the mill",
	}
	for i, content := range turns {
		res, err := eng.AddTurn(ctx, "u1", "sess-a", store.RoleUser, content)
		require.NoError(t, err)
		assert.Equal(t, i+1, res.Memory.TurnSeq)
	}

	entries, err := eng.episodes.Entries("sess-a")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 1, entries[0].TurnSeq)
	assert.Equal(t, 3, entries[2].TurnSeq)

	recent, err := eng.List(store.ListFilter{SessionID: "sess-a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 3, recent[0].TurnSeq)
}

func TestAliasSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	ctx := context.Background()

	eng, err := Open(cfg, nil)
	require.NoError(t, err)
	content := "Bran keeps the old maps in a cedar chest upstairs"
	first, err := eng.Add(ctx, &AddRequest{Content: content, Role: store.RoleUser})
	require.NoError(t, err)
	second, err := eng.Add(ctx, &AddRequest{Content: content, Role: store.RoleUser})
	require.NoError(t, err)
	require.True(t, second.Merged)
	aliasID := second.Memory.ID
	require.NoError(t, eng.Close())

	eng, err = Open(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	got, err := eng.Get(aliasID)
	require.NoError(t, err)
	assert.Equal(t, first.Memory.ID, got.ID)

	// A third sighting must still merge after the restart.
	third, err := eng.Add(ctx, &AddRequest{Content: content, Role: store.RoleUser})
	require.NoError(t, err)
	assert.True(t, third.Merged)
	assert.Equal(t, first.Memory.ID, third.MergedTo)
}

func TestBuildContextIncludesSettingsAndRecent(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.UpdateSettings(&store.CoreSettings{
		CharacterCard: "Mira, a wandering cartographer",
		AbsoluteRules: []string{"Mira must never reveal the hidden valley"},
	}))

	_, err := eng.AddTurn(ctx, "u1", "sess-b", store.RoleUser,
		"Mira sketched the river delta at sunrise")
	require.NoError(t, err)

	text, err := eng.BuildContext(ctx, "sess-b", "river delta")
	require.NoError(t, err)
	assert.Contains(t, text, "## Core settings")
	assert.Contains(t, text, "wandering cartographer")
	assert.Contains(t, text, "## Recent turns")
	assert.Contains(t, text, "river delta")
}

type charCounter struct{}

func (charCounter) Count(text string) int { return len(text) }

func TestBuildRecentHeaderChargedOnlyWithKeptTurns(t *testing.T) {
	turn := &store.Memory{Role: store.RoleUser, Content: "hi"}
	header := "## Recent turns\n"
	line := "user: hi\n"

	// Header plus the newest turn exactly fit: both are emitted.
	b := NewContextBuilder(BuilderOptions{MaxTokens: len(header) + len(line)})
	b.counter = charCounter{}
	text, truncated := b.Build(BuildInput{Recent: []*store.Memory{turn}})
	assert.Equal(t, header+line, text)
	assert.False(t, truncated)

	// One character short: no turn survives, so no header is charged or
	// emitted either.
	b = NewContextBuilder(BuilderOptions{MaxTokens: len(header) + len(line) - 1})
	b.counter = charCounter{}
	text, truncated = b.Build(BuildInput{Recent: []*store.Memory{turn}})
	assert.NotContains(t, text, "## Recent turns")
	assert.True(t, truncated)
}

func TestConsistencyRuleFromSettings(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.CompileRule("Mira must never reveal the hidden valley")
	require.NoError(t, err)

	res := eng.CheckConsistency("Mira decided to reveal the hidden valley to the strangers")
	require.NotNil(t, res)
	assert.False(t, res.IsConsistent)

	res = eng.CheckConsistency("Mira kept quiet and changed the subject")
	assert.True(t, res.IsConsistent)
}

func TestForeshadowingGatedByMode(t *testing.T) {
	cfg := config.Default(t.TempDir()) // general mode: foreshadowing off
	eng, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	_, err = eng.PlantForeshadowing(&analyzer.Foreshadowing{Content: "the locked tower door"})
	require.Error(t, err)

	cfg2 := config.Default(t.TempDir())
	cfg2.Mode = config.ModeRoleplay
	cfg2.ForeshadowingEnabled = true
	eng2, err := Open(cfg2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng2.Close() })

	seed, err := eng2.PlantForeshadowing(&analyzer.Foreshadowing{Content: "the locked tower door"})
	require.NoError(t, err)
	assert.NotEmpty(t, seed.ID)
	assert.Len(t, eng2.Foreshadowings().GetActive(""), 1)
}

func TestClosedEngineRefusesWork(t *testing.T) {
	cfg := config.Default(t.TempDir())
	eng, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close(), "double close must be safe")

	_, err = eng.Add(context.Background(), &AddRequest{Content: "x y z"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = eng.Search(context.Background(), "anything", SearchOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}
