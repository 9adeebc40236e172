package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EricMeteorite/recall/internal/encoding"
	"github.com/EricMeteorite/recall/internal/ids"
	"github.com/EricMeteorite/recall/pkg/embedding"
	"github.com/EricMeteorite/recall/pkg/llm"
	"github.com/EricMeteorite/recall/pkg/prompts"
)

// ContextType is one of the closed set of durable-fact categories.
type ContextType string

const (
	TypeUserIdentity    ContextType = "user-identity"
	TypeUserGoal        ContextType = "user-goal"
	TypeUserPreference  ContextType = "user-preference"
	TypeUserConstraint  ContextType = "user-constraint"
	TypeUserSkill       ContextType = "user-skill"
	TypeUserRelationship ContextType = "user-relationship"
	TypeWorldFact       ContextType = "world-fact"
	TypeWorldRule       ContextType = "world-rule"
	TypeCharacterTrait  ContextType = "character-trait"
	TypeCharacterGoal   ContextType = "character-goal"
	TypePlotState       ContextType = "plot-state"
	TypeLocationState   ContextType = "location-state"
	TypeItemState       ContextType = "item-state"
	TypeTimelineAnchor  ContextType = "timeline-anchor"
	TypeCustomContext   ContextType = "custom"
)

// ContextTypes lists every allowed type.
var ContextTypes = []ContextType{
	TypeUserIdentity, TypeUserGoal, TypeUserPreference, TypeUserConstraint,
	TypeUserSkill, TypeUserRelationship, TypeWorldFact, TypeWorldRule,
	TypeCharacterTrait, TypeCharacterGoal, TypePlotState, TypeLocationState,
	TypeItemState, TypeTimelineAnchor, TypeCustomContext,
}

// ValidContextType reports whether t is in the closed set.
func ValidContextType(t ContextType) bool {
	for _, ct := range ContextTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// ContextItem is one durable user or world fact.
type ContextItem struct {
	ID         string      `json:"id"`
	Type       ContextType `json:"type"`
	Content    string      `json:"content"`
	Confidence float64     `json:"confidence"`
	// BaseConfidence is the confidence as of LastSeenAt; Decay recomputes
	// Confidence from it absolutely, so the schedule stays linear no matter
	// how often Decay runs.
	BaseConfidence float64   `json:"base_confidence,omitempty"`
	LastSeenAt     int64     `json:"last_seen_at"`
	Embedding      []float32 `json:"embedding,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	Archived       bool      `json:"archived,omitempty"`
}

// ContextOptions tunes the tracker's caps and decay.
type ContextOptions struct {
	MaxPerType    int     // default 5
	MaxTotal      int     // default 30
	DecayDays     int     // decay starts after this many days unseen (default 14)
	DecayPerDay   float64 // linear confidence loss per day past DecayDays (default 0.05)
	MinConfidence float64 // archive floor (default 0.2)
	// MergeThreshold treats a new observation as a re-sighting of an
	// existing item at or above this cosine (default 0.9).
	MergeThreshold float64
	Chatter        llm.Chatter
	Embedder       embedding.Embedder
	Prompts        *prompts.Registry
	Logger         *zap.Logger
}

// ContextTracker maintains the active persistent-context set with growth
// caps and confidence decay.
type ContextTracker struct {
	mu    sync.RWMutex
	path  string
	items map[string]*ContextItem
	opts  ContextOptions
	log   *zap.Logger
}

// NewContextTracker loads (or creates) the tracker state at path.
func NewContextTracker(path string, opts ContextOptions) (*ContextTracker, error) {
	if opts.MaxPerType <= 0 {
		opts.MaxPerType = 5
	}
	if opts.MaxTotal <= 0 {
		opts.MaxTotal = 30
	}
	if opts.DecayDays <= 0 {
		opts.DecayDays = 14
	}
	if opts.DecayPerDay <= 0 {
		opts.DecayPerDay = 0.05
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.2
	}
	if opts.MergeThreshold <= 0 {
		opts.MergeThreshold = 0.9
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	t := &ContextTracker{
		path:  path,
		items: make(map[string]*ContextItem),
		opts:  opts,
		log:   log,
	}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return t, nil
	case err != nil:
		return nil, fmt.Errorf("analyzer: load persistent context: %w", err)
	}
	var stored []*ContextItem
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("analyzer: parse %s: %w", path, err)
	}
	for _, item := range stored {
		t.items[item.ID] = item
	}
	return t, nil
}

func (t *ContextTracker) saveLocked() error {
	out := make([]*ContextItem, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, item)
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

// Observe records a fact. A new observation close enough to an existing
// item re-seens it (confidence bumps, clock resets); otherwise the item is
// inserted, evicting the weakest entry if a cap is hit.
func (t *ContextTracker) Observe(ctx context.Context, item *ContextItem) (*ContextItem, error) {
	if item == nil || item.Content == "" {
		return nil, fmt.Errorf("analyzer: empty context item")
	}
	if !ValidContextType(item.Type) {
		return nil, fmt.Errorf("analyzer: unknown context type %q", item.Type)
	}
	if item.Confidence <= 0 {
		item.Confidence = 0.6
	}
	if t.opts.Embedder != nil && len(item.Embedding) == 0 {
		if v, err := t.opts.Embedder.Embed(ctx, item.Content); err == nil {
			item.Embedding = v
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := ids.NowMillis()

	if existing := t.findSimilarLocked(item); existing != nil {
		existing.LastSeenAt = now
		existing.Confidence = minFloat(1.0, existing.Confidence+0.1)
		existing.BaseConfidence = existing.Confidence
		existing.Archived = false
		return existing, t.saveLocked()
	}

	item.ID = ids.New("pcx")
	item.BaseConfidence = item.Confidence
	item.LastSeenAt = now
	t.items[item.ID] = item
	t.enforceCapsLocked(item.Type)
	return item, t.saveLocked()
}

func (t *ContextTracker) findSimilarLocked(item *ContextItem) *ContextItem {
	for _, existing := range t.items {
		if existing.Archived || existing.Type != item.Type {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(existing.Content), strings.TrimSpace(item.Content)) {
			return existing
		}
		if len(item.Embedding) > 0 && len(existing.Embedding) == len(item.Embedding) {
			sim := encoding.CosineSimilarity(
				encoding.Normalize(item.Embedding),
				encoding.Normalize(existing.Embedding))
			if sim >= t.opts.MergeThreshold {
				return existing
			}
		}
	}
	return nil
}

// enforceCapsLocked archives the lowest-confidence overflow items.
func (t *ContextTracker) enforceCapsLocked(typ ContextType) {
	active := func(filter func(*ContextItem) bool) []*ContextItem {
		var out []*ContextItem
		for _, item := range t.items {
			if !item.Archived && filter(item) {
				out = append(out, item)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Confidence != out[j].Confidence {
				return out[i].Confidence < out[j].Confidence
			}
			return out[i].LastSeenAt < out[j].LastSeenAt
		})
		return out
	}

	ofType := active(func(i *ContextItem) bool { return i.Type == typ })
	for len(ofType) > t.opts.MaxPerType {
		ofType[0].Archived = true
		ofType = ofType[1:]
	}
	all := active(func(*ContextItem) bool { return true })
	for len(all) > t.opts.MaxTotal {
		all[0].Archived = true
		all = all[1:]
	}
}

// Decay applies linear confidence loss to items unseen past the grace
// window and archives those below the floor. Loss is recomputed from the
// confidence at the last sighting, so calling Decay on any cadence yields
// the same schedule. Returns the archived count.
func (t *ContextTracker) Decay(now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	grace := int64(t.opts.DecayDays) * 24 * int64(time.Hour/time.Millisecond)
	archived := 0
	changed := false
	for _, item := range t.items {
		if item.Archived {
			continue
		}
		unseen := now.UnixMilli() - item.LastSeenAt
		if unseen <= grace {
			continue
		}
		days := float64(unseen-grace) / float64(24*int64(time.Hour/time.Millisecond))
		base := item.BaseConfidence
		if base == 0 {
			base = item.Confidence // state written before base tracking
		}
		decayed := base - days*t.opts.DecayPerDay
		if decayed < item.Confidence {
			item.Confidence = decayed
			changed = true
		}
		if item.Confidence < t.opts.MinConfidence {
			item.Archived = true
			archived++
			t.log.Debug("persistent context archived",
				zap.String("id", item.ID), zap.Float64("confidence", item.Confidence))
		}
	}
	if !changed {
		return archived, nil
	}
	return archived, t.saveLocked()
}

// Active returns the live items, optionally filtered by type, strongest
// first.
func (t *ContextTracker) Active(typ ContextType) []*ContextItem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*ContextItem
	for _, item := range t.items {
		if item.Archived {
			continue
		}
		if typ != "" && item.Type != typ {
			continue
		}
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// Remove deletes an item outright.
func (t *ContextTracker) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[id]; !ok {
		return fmt.Errorf("analyzer: context item %s not found", id)
	}
	delete(t.items, id)
	return t.saveLocked()
}

type extractedContext struct {
	Items []struct {
		Type       string  `json:"type"`
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence"`
	} `json:"items"`
}

// Extract asks the LLM for durable facts in the turn and observes each
// valid one.
func (t *ContextTracker) Extract(ctx context.Context, userID, sessionID, content string) ([]*ContextItem, error) {
	if t.opts.Chatter == nil || t.opts.Prompts == nil {
		return nil, nil
	}
	typeNames := make([]string, len(ContextTypes))
	for i, ct := range ContextTypes {
		typeNames[i] = string(ct)
	}
	prompt, err := t.opts.Prompts.Render("persistent_context_extract", map[string]string{
		"types":   strings.Join(typeNames, ", "),
		"content": content,
	})
	if err != nil {
		return nil, err
	}

	var result extractedContext
	if err := llm.ChatJSON(ctx, t.opts.Chatter, []llm.Message{
		{Role: "user", Content: prompt},
	}, 1024, &result); err != nil {
		return nil, err
	}

	var observed []*ContextItem
	for _, raw := range result.Items {
		item := &ContextItem{
			Type:       ContextType(raw.Type),
			Content:    raw.Content,
			Confidence: raw.Confidence,
			UserID:     userID,
			SessionID:  sessionID,
		}
		if !ValidContextType(item.Type) {
			item.Type = TypeCustomContext
		}
		saved, err := t.Observe(ctx, item)
		if err != nil {
			t.log.Warn("context observe failed", zap.Error(err))
			continue
		}
		observed = append(observed, saved)
	}
	return observed, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
