// Package analyzer holds the domain analyzers that run beside the store:
// foreshadowing tracking, persistent-context extraction, consistency
// checking against absolute rules, and the unified post-ingest LLM pass.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/EricMeteorite/recall/internal/encoding"
	"github.com/EricMeteorite/recall/internal/ids"
	"github.com/EricMeteorite/recall/pkg/embedding"
	"github.com/EricMeteorite/recall/pkg/llm"
	"github.com/EricMeteorite/recall/pkg/prompts"
)

// ForeshadowState is the lifecycle of a planted seed.
type ForeshadowState string

const (
	StatePlanted    ForeshadowState = "PLANTED"
	StateDeveloping ForeshadowState = "DEVELOPING"
	StateResolved   ForeshadowState = "RESOLVED"
	StateAbandoned  ForeshadowState = "ABANDONED"
)

// Foreshadowing is one tracked narrative seed.
type Foreshadowing struct {
	ID              string          `json:"id"`
	CharacterID     string          `json:"character_id"`
	Content         string          `json:"content"`
	Importance      float64         `json:"importance"`
	State           ForeshadowState `json:"state"`
	RelatedEntities []string        `json:"related_entities,omitempty"`
	Hints           []string        `json:"hints,omitempty"`
	Evidence        string          `json:"evidence,omitempty"`
	Embedding       []float32       `json:"embedding,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	LastUpdateAt    int64           `json:"last_update_at"`
}

// ForeshadowOptions configures the tracker.
type ForeshadowOptions struct {
	AutoPlant       bool
	AutoResolve     bool
	TriggerInterval int // analyze every N turns; <=0 disables auto analysis
	MaxContextTurns int
	// DedupThreshold is the cosine above which a proposed seed is treated
	// as a duplicate of an active one.
	DedupThreshold float64
	Chatter        llm.Chatter
	Embedder       embedding.Embedder
	Prompts        *prompts.Registry
	Logger         *zap.Logger
}

// ForeshadowTracker maintains the per-character seed sets. Manual operations
// always work; the LLM analysis pass is optional.
type ForeshadowTracker struct {
	mu    sync.RWMutex
	path  string
	items map[string]*Foreshadowing
	turns int
	opts  ForeshadowOptions
	log   *zap.Logger
}

// NewForeshadowTracker loads (or creates) the tracker state at path.
func NewForeshadowTracker(path string, opts ForeshadowOptions) (*ForeshadowTracker, error) {
	if opts.MaxContextTurns <= 0 {
		opts.MaxContextTurns = 10
	}
	if opts.DedupThreshold <= 0 {
		opts.DedupThreshold = 0.85
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	t := &ForeshadowTracker{
		path:  path,
		items: make(map[string]*Foreshadowing),
		opts:  opts,
		log:   log,
	}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return t, nil
	case err != nil:
		return nil, fmt.Errorf("analyzer: load foreshadowing: %w", err)
	}
	var stored []*Foreshadowing
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("analyzer: parse %s: %w", path, err)
	}
	for _, f := range stored {
		t.items[f.ID] = f
	}
	return t, nil
}

func (t *ForeshadowTracker) saveLocked() error {
	out := make([]*Foreshadowing, 0, len(t.items))
	for _, f := range t.items {
		out = append(out, f)
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}

// Plant records a new seed.
func (t *ForeshadowTracker) Plant(f *Foreshadowing) (*Foreshadowing, error) {
	if f == nil || f.Content == "" {
		return nil, fmt.Errorf("analyzer: empty foreshadowing")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := ids.NowMillis()
	if f.ID == "" {
		f.ID = ids.New("fsh")
	}
	if f.State == "" {
		f.State = StatePlanted
	}
	if f.Importance == 0 {
		f.Importance = 0.5
	}
	f.CreatedAt = now
	f.LastUpdateAt = now
	if t.opts.Embedder != nil && len(f.Embedding) == 0 {
		if v, err := t.opts.Embedder.Embed(context.Background(), f.Content); err == nil {
			f.Embedding = v
		}
	}
	t.items[f.ID] = f
	return f, t.saveLocked()
}

// AddHint appends a hint and promotes the seed to DEVELOPING.
func (t *ForeshadowTracker) AddHint(id, hint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.items[id]
	if !ok {
		return fmt.Errorf("analyzer: foreshadowing %s not found", id)
	}
	f.Hints = append(f.Hints, hint)
	if f.State == StatePlanted {
		f.State = StateDeveloping
	}
	f.LastUpdateAt = ids.NowMillis()
	return t.saveLocked()
}

// Resolve closes the seed.
func (t *ForeshadowTracker) Resolve(id, evidence string) error {
	return t.transition(id, StateResolved, evidence)
}

// Abandon marks the seed as dropped.
func (t *ForeshadowTracker) Abandon(id, reason string) error {
	return t.transition(id, StateAbandoned, reason)
}

func (t *ForeshadowTracker) transition(id string, state ForeshadowState, note string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.items[id]
	if !ok {
		return fmt.Errorf("analyzer: foreshadowing %s not found", id)
	}
	f.State = state
	if note != "" {
		f.Evidence = note
	}
	f.LastUpdateAt = ids.NowMillis()
	return t.saveLocked()
}

// GetActive returns PLANTED and DEVELOPING seeds, optionally filtered by
// character.
func (t *ForeshadowTracker) GetActive(characterID string) []*Foreshadowing {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Foreshadowing
	for _, f := range t.items {
		if f.State != StatePlanted && f.State != StateDeveloping {
			continue
		}
		if characterID != "" && f.CharacterID != characterID {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	return out
}

// Get returns a seed by id.
func (t *ForeshadowTracker) Get(id string) (*Foreshadowing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.items[id]
	if !ok {
		return nil, false
	}
	cp := *f
	return &cp, true
}

/// ForeshadowAnalysis is the LLM pass output: seeds proposed and active
// items it believes the recent turns resolve.
type ForeshadowAnalysis struct {
	NewForeshadowings []struct {
		Content    string  `json:"content"`
		Importance float64 `json:"importance"`
		Evidence   string  `json:"evidence"`
	} `json:"new_foreshadowings"`
	PotentiallyResolved []struct {
		ID       string `json:"id"`
		Evidence string `json:"evidence"`
	} `json:"potentially_resolved"`
}

// OnTurn counts ingested turns and reports whether the analysis pass is due.
func (t *ForeshadowTracker) OnTurn() bool {
	if t.opts.TriggerInterval <= 0 || t.opts.Chatter == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns++
	return t.turns%t.opts.TriggerInterval == 0
}

// Analyze runs the LLM pass over the recent turns for a character. New
// seeds are planted when auto_plant is on (deduplicated against the active
// set); resolutions apply only with auto_resolve, otherwise they are
// returned for confirmation.
func (t *ForeshadowTracker) Analyze(ctx context.Context, characterID string, turns []string) (*ForeshadowAnalysis, error) {
	if t.opts.Chatter == nil || t.opts.Prompts == nil {
		return nil, nil
	}
	if len(turns) > t.opts.MaxContextTurns {
		turns = turns[len(turns)-t.opts.MaxContextTurns:]
	}
	active := t.GetActive(characterID)
	var activeDesc strings.Builder
	for _, f := range active {
		fmt.Fprintf(&activeDesc, "- [%s] %s\n", f.ID, f.Content)
	}

	prompt, err := t.opts.Prompts.Render("foreshadowing_analysis", map[string]string{
		"character": characterID,
		"active":    activeDesc.String(),
		"turns":     strings.Join(turns, "\n"),
	})
	if err != nil {
		return nil, err
	}

	var result ForeshadowAnalysis
	if err := llm.ChatJSON(ctx, t.opts.Chatter, []llm.Message{
		{Role: "user", Content: prompt},
	}, 1024, &result); err != nil {
		return nil, err
	}

	if t.opts.AutoPlant {
		for _, nf := range result.NewForeshadowings {
			if t.isDuplicateOfActive(ctx, nf.Content, active) {
				continue
			}
			if _, err := t.Plant(&Foreshadowing{
				CharacterID: characterID,
				Content:     nf.Content,
				Importance:  nf.Importance,
				Evidence:    nf.Evidence,
			}); err != nil {
				return nil, err
			}
		}
	}
	if t.opts.AutoResolve {
		for _, pr := range result.PotentiallyResolved {
			if err := t.Resolve(pr.ID, pr.Evidence); err != nil {
				t.log.Warn("auto-resolve failed", zap.String("id", pr.ID), zap.Error(err))
			}
		}
	}
	return &result, nil
}

func (t *ForeshadowTracker) isDuplicateOfActive(ctx context.Context, content string, active []*Foreshadowing) bool {
	if t.opts.Embedder == nil {
		return false
	}
	v, err := t.opts.Embedder.Embed(ctx, content)
	if err != nil {
		return false
	}
	v = encoding.Normalize(v)
	for _, f := range active {
		if len(f.Embedding) != len(v) {
			continue
		}
		if encoding.CosineSimilarity(v, encoding.Normalize(f.Embedding)) >= t.opts.DedupThreshold {
			return true
		}
	}
	return false
}
