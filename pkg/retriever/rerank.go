package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/EricMeteorite/recall/internal/ids"
	"github.com/EricMeteorite/recall/pkg/llm"
)

// rerank applies the multi-factor score to the head of the candidate list:
//
//	score = w_vector·cosine + w_keyword·bm25_norm + w_entity·entity_match
//	      − w_recency·decay(age)
//
// Only the top FineRank.TopK candidates are rescored; the tail keeps its
// fused order.
func (r *Retriever) rerank(q Query, order []*candidate) []*candidate {
	head := order
	if len(head) > r.opts.FineRank.TopK {
		head = head[:r.opts.FineRank.TopK]
	}
	if len(head) == 0 {
		return order
	}

	// BM25 scores normalise against the best in the set.
	bm25 := make([]float64, len(head))
	maxBM25 := 0.0
	for i, c := range head {
		if len(q.Tokens) > 0 {
			bm25[i] = r.indexes.FullText().Score(c.id, q.Tokens)
		}
		if bm25[i] > maxBM25 {
			maxBM25 = bm25[i]
		}
	}

	now := ids.NowMillis()
	for i, c := range head {
		keyword := 0.0
		if maxBM25 > 0 {
			keyword = bm25[i] / maxBM25
		}
		entity, age := r.memoryFactors(c.id, q.Entities, now)
		c.score = r.opts.WeightVector*c.cosine +
			r.opts.WeightKeyword*keyword +
			r.opts.WeightEntity*entity -
			r.opts.WeightRecency*decay(age, r.opts.DecayRate)
		c.touch(StageRerank)
	}
	sort.SliceStable(head, func(i, j int) bool { return head[i].score > head[j].score })
	return order
}

// memoryFactors resolves the entity-overlap fraction and the age in days
// for one memory. Missing records contribute neutral factors.
func (r *Retriever) memoryFactors(id string, queryEntities []string, now int64) (entity, ageDays float64) {
	if r.lookup == nil {
		return 0, 0
	}
	m, err := r.lookup.Get(id)
	if err != nil {
		return 0, 0
	}
	if len(queryEntities) > 0 && len(m.Entities) > 0 {
		present := make(map[string]struct{}, len(m.Entities))
		for _, e := range m.Entities {
			present[e] = struct{}{}
		}
		hits := 0
		for _, e := range queryEntities {
			if _, ok := present[e]; ok {
				hits++
			}
		}
		entity = float64(hits) / float64(len(queryEntities))
	}
	if m.CreatedAt > 0 && now > m.CreatedAt {
		ageDays = float64(now-m.CreatedAt) / float64(24*time.Hour/time.Millisecond)
	}
	return entity, ageDays
}

// decay grows from 0 towards 1 as the memory ages; rate is the per-day
// steepness.
func decay(ageDays, rate float64) float64 {
	return 1 - math.Exp(-rate*ageDays)
}

// CrossEncoder scores query-document pairs with a deep model. The scores
// replace the candidates' running scores.
type CrossEncoder interface {
	ScoreBatch(ctx context.Context, query string, documents []string) ([]float64, error)
}

// HTTPCrossEncoder calls an external rerank endpoint with the common
// {query, documents} -> {scores} contract.
type HTTPCrossEncoder struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPCrossEncoder builds a cross-encoder client. Returns nil when the
// endpoint is unset, which disables the stage.
func NewHTTPCrossEncoder(endpoint, apiKey string, timeout time.Duration) *HTTPCrossEncoder {
	if endpoint == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCrossEncoder{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// ScoreBatch posts the pairs and returns one score per document.
func (e *HTTPCrossEncoder) ScoreBatch(ctx context.Context, query string, documents []string) ([]float64, error) {
	body, err := json.Marshal(map[string]any{
		"query":     query,
		"documents": documents,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cross-encoder status %d", resp.StatusCode)
	}
	var out struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out.Scores) != len(documents) {
		return nil, fmt.Errorf("cross-encoder returned %d scores for %d documents",
			len(out.Scores), len(documents))
	}
	return out.Scores, nil
}

// crossEncode rescores the top Cross.TopK candidates pairwise against the
// query text.
func (r *Retriever) crossEncode(ctx context.Context, q Query, order []*candidate) ([]*candidate, error) {
	head := order
	if len(head) > r.opts.Cross.TopK {
		head = head[:r.opts.Cross.TopK]
	}
	docs := make([]string, 0, len(head))
	kept := make([]*candidate, 0, len(head))
	for _, c := range head {
		content, ok := r.content(c.id)
		if !ok {
			continue
		}
		docs = append(docs, content)
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return order, nil
	}
	scores, err := r.opts.CrossEncoder.ScoreBatch(ctx, q.Text, docs)
	if err != nil {
		return order, err
	}
	for i, c := range kept {
		c.score = scores[i]
		c.touch(StageCross)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	return kept, nil
}

// llmFilter asks the model a yes/no relevance question per candidate and
// keeps only the confirmed ones.
func (r *Retriever) llmFilter(ctx context.Context, q Query, order []*candidate) ([]*candidate, error) {
	head := order
	if len(head) > r.opts.LLMFilter.TopK {
		head = head[:r.opts.LLMFilter.TopK]
	}
	var sb strings.Builder
	kept := make([]*candidate, 0, len(head))
	for _, c := range head {
		content, ok := r.content(c.id)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "%d. %s\n", len(kept)+1, content)
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return order, nil
	}
	prompt, err := r.opts.Prompts.Render("relevance_filter", map[string]string{
		"query":      q.Text,
		"candidates": sb.String(),
	})
	if err != nil {
		return nil, err
	}
	var verdict struct {
		Relevant []bool `json:"relevant"`
	}
	if err := llm.ChatJSON(ctx, r.opts.Chatter, []llm.Message{
		{Role: "user", Content: prompt},
	}, 512, &verdict); err != nil {
		return nil, err
	}
	if len(verdict.Relevant) != len(kept) {
		return nil, fmt.Errorf("relevance filter returned %d verdicts for %d candidates",
			len(verdict.Relevant), len(kept))
	}
	filtered := kept[:0]
	for i, c := range kept {
		if verdict.Relevant[i] {
			c.touch(StageLLMFilter)
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

func (r *Retriever) content(id string) (string, bool) {
	if r.lookup == nil {
		return "", false
	}
	m, err := r.lookup.Get(id)
	if err != nil {
		return "", false
	}
	return m.Content, true
}
