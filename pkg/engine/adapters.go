package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/EricMeteorite/recall/pkg/dedup"
	"github.com/EricMeteorite/recall/pkg/graph"
	"github.com/EricMeteorite/recall/pkg/index"
	"github.com/EricMeteorite/recall/pkg/llm"
	"github.com/EricMeteorite/recall/pkg/prompts"
	"github.com/EricMeteorite/recall/pkg/store"
)

// storeCorpus backs the deduplicator's stage 2/3 lookups with the layered
// store and the flat vector index.
type storeCorpus struct {
	store   *store.Layered
	indexes *index.Manager
}

func (c *storeCorpus) Vector(id string) ([]float32, bool) {
	return c.indexes.Flat().Vector(id)
}

func (c *storeCorpus) Content(id string) (string, bool) {
	m, err := c.store.Get(id)
	if err != nil {
		return "", false
	}
	return m.Content, true
}

func (c *storeCorpus) Neighbors(vector []float32, k int) []string {
	results := c.indexes.SearchVector(vector, k)
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids
}

// llmConfirmer is the dedup stage-3 arbiter.
type llmConfirmer struct {
	chatter   llm.Chatter
	reg       *prompts.Registry
	maxTokens int
}

func (c *llmConfirmer) ConfirmDuplicate(ctx context.Context, existing, candidate string) (bool, error) {
	prompt, err := c.reg.Render("dedup_confirm", map[string]string{
		"a": existing,
		"b": candidate,
	})
	if err != nil {
		return false, err
	}
	var verdict struct {
		Duplicate bool `json:"duplicate"`
	}
	if err := llm.ChatJSON(ctx, c.chatter, []llm.Message{
		{Role: "user", Content: prompt},
	}, c.maxTokens, &verdict); err != nil {
		return false, err
	}
	return verdict.Duplicate, nil
}

// llmJudge arbitrates ambiguous fact pairs for the graph's contradiction
// detector.
type llmJudge struct {
	chatter   llm.Chatter
	reg       *prompts.Registry
	maxTokens int
}

func (j *llmJudge) JudgeContradiction(ctx context.Context, subject *graph.Entity, older, newer *graph.Relation) (bool, graph.ContradictionKind, error) {
	prompt, err := j.reg.Render("contradiction_judge", map[string]string{
		"subject": subject.Name,
		"time_a":  formatFactTime(older),
		"fact_a":  fmt.Sprintf("%s %s", older.Predicate, older.Object()),
		"time_b":  formatFactTime(newer),
		"fact_b":  fmt.Sprintf("%s %s", newer.Predicate, newer.Object()),
		"context": subject.Summary,
	})
	if err != nil {
		return false, "", err
	}
	var verdict struct {
		Contradictory bool   `json:"contradictory"`
		Kind          string `json:"kind"`
	}
	if err := llm.ChatJSON(ctx, j.chatter, []llm.Message{
		{Role: "user", Content: prompt},
	}, j.maxTokens, &verdict); err != nil {
		return false, "", err
	}
	kind := graph.ContradictionKind(normaliseKind(verdict.Kind))
	return verdict.Contradictory, kind, nil
}

func normaliseKind(kind string) string {
	switch kind {
	case "attribute":
		return string(graph.KindAttribute)
	case "relationship":
		return string(graph.KindRelationship)
	case "state":
		return string(graph.KindState)
	case "timeline":
		return string(graph.KindTimeline)
	case "rule":
		return string(graph.KindRule)
	default:
		return string(graph.KindAttribute)
	}
}

func formatFactTime(r *graph.Relation) string {
	if r.FactStart == 0 {
		return "unknown"
	}
	return time.UnixMilli(r.FactStart).UTC().Format("2006-01-02")
}

// entityKindToType maps the tokenizer's coarse entity kinds onto graph
// node types.
func entityKindToType(kind string) graph.EntityType {
	switch kind {
	case "person":
		return graph.EntityPerson
	case "place":
		return graph.EntityPlace
	case "org":
		return graph.EntityOrg
	case "object":
		return graph.EntityObject
	case "concept":
		return graph.EntityConcept
	default:
		return graph.EntityCustom
	}
}

var _ dedup.Corpus = (*storeCorpus)(nil)
var _ dedup.Confirmer = (*llmConfirmer)(nil)
var _ graph.LLMJudge = (*llmJudge)(nil)
