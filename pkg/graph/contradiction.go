package graph

import (
	"context"
	"strings"
)

// DetectionMode selects how conflicting facts are judged.
type DetectionMode string

const (
	DetectRule  DetectionMode = "RULE"
	DetectLLM   DetectionMode = "LLM"
	DetectMixed DetectionMode = "MIXED"
	DetectAuto  DetectionMode = "AUTO"
)

// LLMJudge answers whether two facts about a subject contradict. Wired by
// the engine; nil means pure rule detection.
type LLMJudge interface {
	JudgeContradiction(ctx context.Context, subject *Entity, older, newer *Relation) (contradictory bool, kind ContradictionKind, err error)
}

// Verdict is the detector's decision on a fact pair.
type Verdict struct {
	Contradictory bool
	Kind          ContradictionKind
	// Ambiguous means the rules could not decide; MIXED and AUTO escalate
	// these to the LLM when one is available.
	Ambiguous bool
}

// Detector classifies conflicts between an existing ACTIVE fact and an
// incoming one.
type Detector struct {
	mode  DetectionMode
	judge LLMJudge
}

// NewDetector builds a detector. judge may be nil, which degrades LLM and
// MIXED to rule-only.
func NewDetector(mode DetectionMode, judge LLMJudge) *Detector {
	if mode == "" {
		mode = DetectAuto
	}
	return &Detector{mode: mode, judge: judge}
}

// attributeKinds maps single-valued predicates to the contradiction kind a
// disagreement implies. A subject can hold only one value for these at any
// given world time.
var attributeKinds = map[string]ContradictionKind{
	"hair_color":     KindAttribute,
	"eye_color":      KindAttribute,
	"age":            KindAttribute,
	"height":         KindAttribute,
	"gender":         KindAttribute,
	"name":           KindAttribute,
	"occupation":     KindAttribute,
	"species":        KindAttribute,
	"lives_in":       KindRelationship,
	"located_in":     KindRelationship,
	"married_to":     KindRelationship,
	"works_at":       KindRelationship,
	"leader_of":      KindRelationship,
	"alive":          KindState,
	"health_status":  KindState,
}

// opposites pairs predicates that cannot both hold between the same subject
// and object.
var opposites = map[string]string{
	"friend_of": "enemy_of",
	"enemy_of":  "friend_of",
	"loves":     "hates",
	"hates":     "loves",
	"allied_to": "at_war_with",
	"at_war_with": "allied_to",
}

// Detect judges whether older and newer contradict. Callers pass facts that
// already share a subject; the detector inspects predicates, objects and
// fact-time intervals.
func (d *Detector) Detect(ctx context.Context, subject *Entity, older, newer *Relation) (Verdict, error) {
	switch d.mode {
	case DetectRule:
		return ruleVerdict(older, newer), nil
	case DetectLLM:
		return d.llmVerdict(ctx, subject, older, newer)
	case DetectMixed:
		v := ruleVerdict(older, newer)
		if v.Ambiguous && d.judge != nil {
			return d.llmVerdict(ctx, subject, older, newer)
		}
		return v, nil
	default: // AUTO: rules for known attributes, MIXED behaviour otherwise
		if _, known := attributeKinds[normPredicate(older.Predicate)]; known {
			return ruleVerdict(older, newer), nil
		}
		v := ruleVerdict(older, newer)
		if v.Ambiguous && d.judge != nil {
			return d.llmVerdict(ctx, subject, older, newer)
		}
		return v, nil
	}
}

func (d *Detector) llmVerdict(ctx context.Context, subject *Entity, older, newer *Relation) (Verdict, error) {
	if d.judge == nil {
		return ruleVerdict(older, newer), nil
	}
	contradictory, kind, err := d.judge.JudgeContradiction(ctx, subject, older, newer)
	if err != nil {
		// LLM unavailable: fall back to rules rather than blocking ingest.
		return ruleVerdict(older, newer), nil
	}
	if kind == "" {
		kind = KindAttribute
	}
	return Verdict{Contradictory: contradictory, Kind: kind}, nil
}

func normPredicate(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// ruleVerdict applies the deterministic checks: single-valued attributes,
// opposite relations, and timeline ordering.
func ruleVerdict(older, newer *Relation) Verdict {
	po, pn := normPredicate(older.Predicate), normPredicate(newer.Predicate)

	// Opposite predicates toward the same object.
	if opposites[po] == pn && older.Object() == newer.Object() {
		return Verdict{Contradictory: true, Kind: KindRelationship}
	}

	if po != pn {
		return Verdict{}
	}
	if older.Object() == newer.Object() {
		// Same triple is a merge, not a contradiction.
		return Verdict{}
	}

	kind, functional := attributeKinds[po]
	if !functional {
		// Same predicate, different objects, not known single-valued:
		// could be a legitimate multi-edge (friend_of several people).
		return Verdict{Ambiguous: true}
	}

	// Disjoint fact-time intervals describe succession, not conflict —
	// unless the newer fact claims an earlier world time than the fact it
	// displaces, which is a timeline violation.
	if intervalsDisjoint(older, newer) {
		if newer.FactStart != 0 && older.FactStart != 0 && newer.FactStart < older.FactStart {
			return Verdict{Contradictory: true, Kind: KindTimeline}
		}
		return Verdict{Contradictory: true, Kind: kind}
	}
	return Verdict{Contradictory: true, Kind: kind}
}

func intervalsDisjoint(a, b *Relation) bool {
	if a.FactStart == 0 && a.FactEnd == 0 {
		return false
	}
	if b.FactStart == 0 && b.FactEnd == 0 {
		return false
	}
	if a.FactEnd != 0 && b.FactStart != 0 && a.FactEnd < b.FactStart {
		return true
	}
	if b.FactEnd != 0 && a.FactStart != 0 && b.FactEnd < a.FactStart {
		return true
	}
	return false
}
