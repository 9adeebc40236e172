package analyzer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/EricMeteorite/recall/internal/ids"
	"github.com/EricMeteorite/recall/pkg/tokenizer"
)

// RuleKind classifies a compiled absolute rule.
type RuleKind string

const (
	RuleProhibition  RuleKind = "PROHIBITION"
	RuleRequirement  RuleKind = "REQUIREMENT"
	RuleRelationship RuleKind = "RELATIONSHIP"
	RuleAttribute    RuleKind = "ATTRIBUTE"
	RuleCondition    RuleKind = "CONDITION"
)

// Severity grades a consistency violation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rule is a compiled absolute rule. Text keeps the user's original wording;
// the keyword and pattern sets drive the check.
type Rule struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Kind     RuleKind `json:"kind"`
	Severity Severity `json:"severity"`
	// Subjects are the entities the rule is about.
	Subjects []string `json:"subjects,omitempty"`
	// Keywords are the content tokens that anchor the rule to an output.
	Keywords []string `json:"keywords"`
	// Violations are token patterns whose presence (for prohibitions) or
	// absence (for requirements) signals a break.
	Violations []string `json:"violations,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	Enabled    bool     `json:"enabled"`
}

// Violation reports one rule the checked output breaks.
type Violation struct {
	Kind     RuleKind `json:"kind"`
	RuleID   string   `json:"rule_id"`
	RuleText string   `json:"rule_text"`
	Severity Severity `json:"severity"`
	Evidence string   `json:"evidence"`
}

// CheckResult is the checker's verdict on one output.
type CheckResult struct {
	IsConsistent bool        `json:"is_consistent"`
	Violations   []Violation `json:"violations,omitempty"`
}

// prohibitionMarkers and the other marker sets steer rule classification.
// Kept lowercase; compilation lowercases the rule text before matching.
var (
	prohibitionMarkers = []string{
		"must not", "may not", "cannot", "can not", "never", "shall not",
		"is not allowed", "forbidden", "prohibited", "不能", "不可", "禁止", "绝不",
	}
	requirementMarkers = []string{
		"must", "always", "shall", "required", "has to", "needs to",
		"必须", "一定", "总是",
	}
	conditionMarkers = []string{
		"if ", "when ", "whenever ", "unless ", "如果", "当", "除非",
	}
	relationshipMarkers = []string{
		"married to", "friend of", "enemy of", "parent of", "child of",
		"works for", "serves", "loyal to", "兄弟", "姐妹", "夫妻", "师徒",
	}
	criticalMarkers = []string{
		"never", "under no circumstances", "absolutely", "绝不", "任何情况",
	}
)

// ConsistencyChecker compiles absolute rules and checks outputs against
// them. Safe for concurrent use.
type ConsistencyChecker struct {
	mu    sync.RWMutex
	path  string
	rules map[string]*Rule
	tok   tokenizer.Tokenizer
	log   *zap.Logger
}

// NewConsistencyChecker loads (or creates) the rule set at path.
func NewConsistencyChecker(path string, tok tokenizer.Tokenizer, logger *zap.Logger) (*ConsistencyChecker, error) {
	if tok == nil {
		tok = tokenizer.NewRuleTokenizer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ConsistencyChecker{
		path:  path,
		rules: make(map[string]*Rule),
		tok:   tok,
		log:   logger,
	}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("analyzer: load rules: %w", err)
	}
	var stored []*Rule
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("analyzer: parse %s: %w", path, err)
	}
	for _, r := range stored {
		c.rules[r.ID] = r
	}
	return c, nil
}

func (c *ConsistencyChecker) saveLocked() error {
	out := make([]*Rule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// Compile turns a natural-language rule into its structured form and stores
// it. The rule text itself is the source of truth; the compiled keyword and
// pattern sets are derived and can be recompiled later.
func (c *ConsistencyChecker) Compile(text string) (*Rule, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("analyzer: empty rule")
	}
	rule := compileRule(text, c.tok)
	rule.ID = ids.New("rule")
	rule.CreatedAt = ids.NowMillis()
	rule.Enabled = true

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules[rule.ID] = rule
	return rule, c.saveLocked()
}

func compileRule(text string, tok tokenizer.Tokenizer) *Rule {
	lower := strings.ToLower(text)
	rule := &Rule{Text: text, Kind: RuleAttribute, Severity: SeverityMedium}

	switch {
	case containsAny(lower, conditionMarkers):
		rule.Kind = RuleCondition
	case containsAny(lower, prohibitionMarkers):
		rule.Kind = RuleProhibition
		rule.Severity = SeverityHigh
	case containsAny(lower, relationshipMarkers):
		rule.Kind = RuleRelationship
	case containsAny(lower, requirementMarkers):
		rule.Kind = RuleRequirement
	}
	if containsAny(lower, criticalMarkers) {
		rule.Severity = SeverityCritical
	}

	tokens, entities := tok.Tokenize(text)
	for _, e := range entities {
		rule.Subjects = append(rule.Subjects, strings.ToLower(e.Name))
	}

	// Marker words carry the rule's polarity, not its topic; the content
	// tokens after the marker form the violation pattern for prohibitions.
	markerToks := markerTokens()
	for _, t := range tokens {
		if _, isMarker := markerToks[t]; isMarker {
			continue
		}
		rule.Keywords = append(rule.Keywords, t)
	}

	if rule.Kind == RuleProhibition || rule.Kind == RuleRequirement {
		rule.Violations = tailTokens(lower, tok, markerToks)
	}
	return rule
}

// tailTokens returns the content tokens after the first polarity marker,
// which name the prohibited or required action.
func tailTokens(lower string, tok tokenizer.Tokenizer, markers map[string]struct{}) []string {
	cut := -1
	for _, m := range append(append([]string{}, prohibitionMarkers...), requirementMarkers...) {
		if i := strings.Index(lower, m); i >= 0 && (cut < 0 || i < cut) {
			cut = i + len(m)
		}
	}
	if cut < 0 || cut >= len(lower) {
		return nil
	}
	tail, _ := tok.Tokenize(lower[cut:])
	var out []string
	for _, t := range tail {
		if _, isMarker := markers[t]; !isMarker {
			out = append(out, t)
		}
	}
	return out
}

func markerTokens() map[string]struct{} {
	set := make(map[string]struct{})
	for _, group := range [][]string{prohibitionMarkers, requirementMarkers, conditionMarkers} {
		for _, m := range group {
			for _, w := range strings.Fields(m) {
				set[w] = struct{}{}
			}
		}
	}
	return set
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Rules returns the stored rules, oldest first.
func (c *ConsistencyChecker) Rules() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Rule, 0, len(c.rules))
	for _, r := range c.rules {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// SetEnabled toggles a rule without deleting it.
func (c *ConsistencyChecker) SetEnabled(id string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rules[id]
	if !ok {
		return fmt.Errorf("analyzer: rule %s not found", id)
	}
	r.Enabled = enabled
	return c.saveLocked()
}

// Remove deletes a rule.
func (c *ConsistencyChecker) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rules[id]; !ok {
		return fmt.Errorf("analyzer: rule %s not found", id)
	}
	delete(c.rules, id)
	return c.saveLocked()
}

// Check examines an output against every enabled rule. A rule only fires
// when the output is about its topic: the rule's subjects (or, lacking
// subjects, at least half its keywords) must appear in the output.
func (c *ConsistencyChecker) Check(output string) *CheckResult {
	tokens, _ := c.tok.Tokenize(output)
	present := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		present[t] = struct{}{}
	}
	lower := strings.ToLower(output)

	c.mu.RLock()
	defer c.mu.RUnlock()

	result := &CheckResult{IsConsistent: true}
	for _, r := range c.rules {
		if !r.Enabled {
			continue
		}
		if !ruleApplies(r, lower, present) {
			continue
		}
		if v, ok := ruleViolated(r, present); ok {
			result.Violations = append(result.Violations, Violation{
				Kind:     r.Kind,
				RuleID:   r.ID,
				RuleText: r.Text,
				Severity: r.Severity,
				Evidence: v,
			})
		}
	}
	if len(result.Violations) > 0 {
		result.IsConsistent = false
		sort.Slice(result.Violations, func(i, j int) bool {
			return severityRank(result.Violations[i].Severity) > severityRank(result.Violations[j].Severity)
		})
	}
	return result
}

func ruleApplies(r *Rule, lowerOutput string, present map[string]struct{}) bool {
	if len(r.Subjects) > 0 {
		for _, s := range r.Subjects {
			if strings.Contains(lowerOutput, s) {
				return true
			}
		}
		return false
	}
	if len(r.Keywords) == 0 {
		return false
	}
	hits := 0
	for _, k := range r.Keywords {
		if _, ok := present[k]; ok {
			hits++
		}
	}
	return hits*2 >= len(r.Keywords)
}

func ruleViolated(r *Rule, present map[string]struct{}) (string, bool) {
	switch r.Kind {
	case RuleProhibition:
		// The prohibited action appearing in the output is the violation.
		var hit []string
		for _, p := range r.Violations {
			if _, ok := present[p]; ok {
				hit = append(hit, p)
			}
		}
		if len(hit) > 0 && len(hit)*2 >= len(r.Violations) {
			return "prohibited content present: " + strings.Join(hit, ", "), true
		}
	case RuleRequirement:
		// The required content missing from the output is the violation.
		var missing []string
		for _, p := range r.Violations {
			if _, ok := present[p]; !ok {
				missing = append(missing, p)
			}
		}
		if len(r.Violations) > 0 && len(missing) == len(r.Violations) {
			return "required content absent: " + strings.Join(missing, ", "), true
		}
	case RuleRelationship, RuleAttribute, RuleCondition:
		// Declarative rules fire only through the graph's contradiction
		// path; the keyword layer cannot judge them reliably.
	}
	return "", false
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}
