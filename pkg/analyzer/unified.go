package analyzer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/EricMeteorite/recall/pkg/llm"
	"github.com/EricMeteorite/recall/pkg/prompts"
)

// ExtractedRelation is one subject-predicate-object triple the unified pass
// found in a turn.
type ExtractedRelation struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

// FlaggedContradiction is a turn-level contradiction hint. The graph's
// detector makes the final call; this only points it at the triple.
type FlaggedContradiction struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Detail    string `json:"detail"`
}

// UnifiedResult is everything the single post-ingest LLM call extracts.
type UnifiedResult struct {
	Relations      []ExtractedRelation    `json:"relations"`
	Contradictions []FlaggedContradiction `json:"contradictions"`
	Summary        string                 `json:"summary"`
}

// UnifiedAnalyzer batches relation extraction, contradiction flagging and
// turn summarisation into one LLM call per ingested turn. One call instead
// of three keeps the per-turn budget predictable.
type UnifiedAnalyzer struct {
	chatter llm.Chatter
	reg     *prompts.Registry
	log     *zap.Logger
	// maxEntities bounds the known-entity list in the prompt.
	maxEntities int
}

// NewUnifiedAnalyzer builds the analyzer; chatter may be nil, in which case
// Analyze degrades to a no-op result.
func NewUnifiedAnalyzer(chatter llm.Chatter, reg *prompts.Registry, logger *zap.Logger) *UnifiedAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnifiedAnalyzer{chatter: chatter, reg: reg, log: logger, maxEntities: 50}
}

// Analyze runs the single pass over a new turn. knownEntities gives the
// model the graph's current vocabulary so extracted subjects resolve to
// existing nodes instead of spawning near-duplicates.
func (u *UnifiedAnalyzer) Analyze(ctx context.Context, role, content string, knownEntities []string) (*UnifiedResult, error) {
	if u.chatter == nil || u.reg == nil {
		return &UnifiedResult{}, nil
	}
	if len(knownEntities) > u.maxEntities {
		knownEntities = knownEntities[:u.maxEntities]
	}
	prompt, err := u.reg.Render("unified_analysis", map[string]string{
		"entities": strings.Join(knownEntities, ", "),
		"role":     role,
		"content":  content,
	})
	if err != nil {
		return nil, err
	}

	var result UnifiedResult
	if err := llm.ChatJSON(ctx, u.chatter, []llm.Message{
		{Role: "user", Content: prompt},
	}, 2048, &result); err != nil {
		return nil, fmt.Errorf("analyzer: unified pass: %w", err)
	}

	// Drop malformed triples rather than letting them poison the graph.
	kept := result.Relations[:0]
	for _, r := range result.Relations {
		if r.Subject == "" || r.Predicate == "" || r.Object == "" {
			continue
		}
		if r.Confidence <= 0 || r.Confidence > 1 {
			r.Confidence = 0.5
		}
		kept = append(kept, r)
	}
	result.Relations = kept

	u.log.Debug("unified analysis complete",
		zap.Int("relations", len(result.Relations)),
		zap.Int("contradictions", len(result.Contradictions)))
	return &result, nil
}
