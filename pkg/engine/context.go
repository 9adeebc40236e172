package engine

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/EricMeteorite/recall/pkg/analyzer"
	"github.com/EricMeteorite/recall/pkg/store"
)

// TokenCounter measures budget consumption of built contexts.
type TokenCounter interface {
	Count(text string) int
}

// tiktokenCounter wraps the cl100k_base encoding.
type tiktokenCounter struct{ enc *tiktoken.Tiktoken }

func (t tiktokenCounter) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// estimatorCounter approximates tokens as characters/4 for latin text and
// characters for CJK, close enough for budget enforcement when the encoding
// tables are unavailable offline.
type estimatorCounter struct{}

func (estimatorCounter) Count(text string) int {
	latin, wide := 0, 0
	for _, r := range text {
		if r > 0x2E7F {
			wide++
		} else {
			latin++
		}
	}
	return latin/4 + wide + 1
}

// newTokenCounter prefers tiktoken and falls back to the estimator.
func newTokenCounter() TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return estimatorCounter{}
	}
	return tiktokenCounter{enc: enc}
}

// ScoredMemory pairs a retrieved memory with its retrieval score.
type ScoredMemory struct {
	Memory *store.Memory
	Score  float64
}

// BuildInput is everything the context builder assembles from.
type BuildInput struct {
	Settings       *store.CoreSettings
	Persistent     []*analyzer.ContextItem
	Foreshadowings []*analyzer.Foreshadowing
	Retrieved      []ScoredMemory
	Recent         []*store.Memory
	// LastSeenTurn maps persistent/foreshadowing ids to the turn_seq they
	// last appeared in, for the proactive reminder pass.
	LastSeenTurn map[string]int
	CurrentTurn  int
}

// BuilderOptions bounds the built context.
type BuilderOptions struct {
	MaxTokens          int
	MaxForeshadowings  int
	ReminderTurns      int
	ReminderImportance float64
}

// ContextBuilder turns retrieval output into the prompt block the host LLM
// consumes. Priority on overflow: L0 and persistent items always survive;
// retrieved memories drop lowest score first, then recent turns drop oldest.
type ContextBuilder struct {
	counter TokenCounter
	opts    BuilderOptions
}

// NewContextBuilder creates a builder with the configured budget.
func NewContextBuilder(opts BuilderOptions) *ContextBuilder {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.MaxForeshadowings <= 0 {
		opts.MaxForeshadowings = 5
	}
	return &ContextBuilder{counter: newTokenCounter(), opts: opts}
}

// Build assembles the context string. The returned bool reports whether the
// budget forced anything out.
func (b *ContextBuilder) Build(in BuildInput) (string, bool) {
	var core, persistent, foreshadow strings.Builder

	if in.Settings != nil && !in.Settings.Empty() {
		core.WriteString("## Core settings\n")
		writeIf(&core, "Character: %s\n", in.Settings.CharacterCard)
		writeIf(&core, "World: %s\n", in.Settings.Worldbook)
		writeIf(&core, "Style: %s\n", in.Settings.WritingStyle)
		writeIf(&core, "Conventions: %s\n", in.Settings.CodingConventions)
		for _, rule := range in.Settings.AbsoluteRules {
			fmt.Fprintf(&core, "Rule: %s\n", rule)
		}
	}

	if len(in.Persistent) > 0 {
		persistent.WriteString("## Persistent context\n")
		for _, item := range in.Persistent {
			fmt.Fprintf(&persistent, "- [%s] %s\n", item.Type, item.Content)
		}
	}

	seeds := in.Foreshadowings
	if len(seeds) > b.opts.MaxForeshadowings {
		seeds = seeds[:b.opts.MaxForeshadowings]
	}
	if len(seeds) > 0 {
		foreshadow.WriteString("## Active foreshadowings\n")
		for _, f := range seeds {
			fmt.Fprintf(&foreshadow, "- %s\n", f.Content)
		}
	}

	reminders := b.reminders(in)

	// Fixed sections consume budget first; they are never dropped.
	fixed := core.String() + persistent.String() + foreshadow.String() + reminders
	budget := b.opts.MaxTokens - b.counter.Count(fixed)
	truncated := false

	// Retrieved memories, highest score first, until the budget is spent.
	var retrieved strings.Builder
	if len(in.Retrieved) > 0 {
		header := "## Retrieved memories\n"
		headerCost := b.counter.Count(header)
		wrote := false
		for _, sm := range in.Retrieved {
			line := fmt.Sprintf("- %s\n", sm.Memory.Content)
			cost := b.counter.Count(line)
			if !wrote {
				cost += headerCost
			}
			if cost > budget {
				truncated = true
				break
			}
			if !wrote {
				retrieved.WriteString(header)
				budget -= headerCost
				wrote = true
			}
			retrieved.WriteString(line)
			budget -= b.counter.Count(line)
		}
	}

	// Recent turns, oldest dropped first: walk newest to oldest, keep what
	// fits, then emit chronologically. The header is charged only once a
	// turn actually survives the budget.
	var kept []*store.Memory
	if len(in.Recent) > 0 {
		header := "## Recent turns\n"
		headerCost := b.counter.Count(header)
		for i := len(in.Recent) - 1; i >= 0; i-- {
			m := in.Recent[i]
			line := fmt.Sprintf("%s: %s\n", m.Role, m.Content)
			cost := b.counter.Count(line)
			if len(kept) == 0 {
				cost += headerCost
			}
			if cost > budget {
				truncated = true
				break
			}
			if len(kept) == 0 {
				budget -= headerCost
			}
			kept = append(kept, m)
			budget -= b.counter.Count(line)
		}
	}
	var recent strings.Builder
	if len(kept) > 0 {
		recent.WriteString("## Recent turns\n")
		for i := len(kept) - 1; i >= 0; i-- {
			fmt.Fprintf(&recent, "%s: %s\n", kept[i].Role, kept[i].Content)
		}
	}

	return fixed + retrieved.String() + recent.String(), truncated
}

// reminders injects lines for important persistent or foreshadowing items
// that have been absent from the recent window.
func (b *ContextBuilder) reminders(in BuildInput) string {
	if b.opts.ReminderTurns <= 0 || in.LastSeenTurn == nil {
		return ""
	}
	stale := func(id string) bool {
		last, ok := in.LastSeenTurn[id]
		return !ok || in.CurrentTurn-last >= b.opts.ReminderTurns
	}
	var sb strings.Builder
	for _, item := range in.Persistent {
		if item.Confidence >= b.opts.ReminderImportance && stale(item.ID) {
			fmt.Fprintf(&sb, "Reminder: %s\n", item.Content)
		}
	}
	for _, f := range in.Foreshadowings {
		if f.Importance >= b.opts.ReminderImportance && stale(f.ID) {
			fmt.Fprintf(&sb, "Reminder (unresolved): %s\n", f.Content)
		}
	}
	return sb.String()
}

func writeIf(sb *strings.Builder, format, value string) {
	if value != "" {
		fmt.Fprintf(sb, format, value)
	}
}
