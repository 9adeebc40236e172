// Package graph implements the unified knowledge graph: entities as nodes,
// three-time facts as edges, contradiction management, traversal and
// community detection. Two backends satisfy the same interface — a JSON
// file store and an embedded SQLite store.
package graph

import (
	"errors"
	"strings"
)

var (
	// ErrEntityNotFound is returned when an entity id or key resolves to
	// nothing.
	ErrEntityNotFound = errors.New("graph: entity not found")
	// ErrRelationNotFound is returned for unknown relation ids.
	ErrRelationNotFound = errors.New("graph: relation not found")
	// ErrConflict is returned by UpsertRelation when the contradiction
	// strategy is REJECT or MANUAL and a conflicting ACTIVE fact exists.
	ErrConflict = errors.New("graph: conflicting fact")
	// ErrInvalid is returned for malformed entities or relations.
	ErrInvalid = errors.New("graph: invalid argument")
)

// EntityType classifies a node.
type EntityType string

const (
	EntityPerson  EntityType = "PERSON"
	EntityPlace   EntityType = "PLACE"
	EntityOrg     EntityType = "ORG"
	EntityObject  EntityType = "OBJECT"
	EntityConcept EntityType = "CONCEPT"
	EntityCustom  EntityType = "CUSTOM"
)

// Entity is a graph node. Name+Type is the unique key; aliases resolve to
// the same node through the normalization map.
type Entity struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"` // normalized
	Type            EntityType        `json:"type"`
	Aliases         []string          `json:"aliases,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	Summary         string            `json:"summary,omitempty"`
	MemoryIDs       []string          `json:"memory_ids,omitempty"` // supporting memories
	CreatedAt       int64             `json:"created_at"`
	LastMentionedAt int64             `json:"last_mentioned_at"`
	MentionCount    int               `json:"mention_count"`
}

// Key returns the unique (name, type) key for the entity.
func (e *Entity) Key() string { return EntityKey(e.Name, e.Type) }

// EntityKey builds the canonical key from a surface name and type.
func EntityKey(name string, typ EntityType) string {
	return NormalizeName(name) + "\x00" + string(typ)
}

// NormalizeName canonicalises an entity surface form.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// FactStatus tracks the lifecycle of a relation.
type FactStatus string

const (
	FactActive     FactStatus = "ACTIVE"
	FactSuperseded FactStatus = "SUPERSEDED"
	FactRejected   FactStatus = "REJECTED"
)

// Relation is a directed edge: a fact about a subject. Object is an entity
// id or a literal value. The three timestamps carry distinct semantics:
// FactStart/FactEnd bound when the fact holds in the world (T1),
// KnowledgeTime is when the system learned it (T2), SystemTime is when the
// record hit disk (T3). SystemTime >= KnowledgeTime always; FactStart may
// precede both.
type Relation struct {
	ID            string     `json:"id"`
	SubjectID     string     `json:"subject_id"`
	Predicate     string     `json:"predicate"`
	ObjectID      string     `json:"object_id,omitempty"` // entity reference
	ObjectLiteral string     `json:"object_literal,omitempty"`
	FactStart     int64      `json:"fact_start,omitempty"` // T1 interval, epoch-ms; 0 = unbounded
	FactEnd       int64      `json:"fact_end,omitempty"`
	KnowledgeTime int64      `json:"knowledge_time"` // T2
	SystemTime    int64      `json:"system_time"`    // T3
	Confidence    float64    `json:"confidence"`
	SourceIDs     []string   `json:"source_ids,omitempty"` // memory ids
	Status        FactStatus `json:"status"`
	SupersededBy  string     `json:"superseded_by,omitempty"`
	Coexist       bool       `json:"coexist,omitempty"` // user-marked parallel truth
}

// Object returns the object reference, preferring the entity id.
func (r *Relation) Object() string {
	if r.ObjectID != "" {
		return r.ObjectID
	}
	return r.ObjectLiteral
}

// Triple returns the (subject, predicate, object) identity of the fact.
func (r *Relation) Triple() string {
	return r.SubjectID + "\x00" + r.Predicate + "\x00" + r.Object()
}

// CoversTime reports whether the fact holds at world time t (T1 semantics).
func (r *Relation) CoversTime(t int64) bool {
	if r.FactStart != 0 && t < r.FactStart {
		return false
	}
	if r.FactEnd != 0 && t > r.FactEnd {
		return false
	}
	return true
}

// ContradictionKind classifies what two facts disagree about.
type ContradictionKind string

const (
	KindAttribute    ContradictionKind = "ATTRIBUTE"
	KindRelationship ContradictionKind = "RELATIONSHIP"
	KindState        ContradictionKind = "STATE"
	KindTimeline     ContradictionKind = "TIMELINE"
	KindRule         ContradictionKind = "RULE"
)

// Strategy is how a detected contradiction gets resolved.
type Strategy string

const (
	StrategySupersede Strategy = "SUPERSEDE"
	StrategyCoexist   Strategy = "COEXIST"
	StrategyReject    Strategy = "REJECT"
	StrategyManual    Strategy = "MANUAL"
)

// Contradiction records a detected conflict between two facts.
type Contradiction struct {
	ID         string            `json:"id"`
	FactA      string            `json:"fact_a"` // older relation id
	FactB      string            `json:"fact_b"` // newer relation id
	Kind       ContradictionKind `json:"kind"`
	Strategy   Strategy          `json:"strategy"`
	Resolved   bool              `json:"resolved"`
	DetectedAt int64             `json:"detected_at"`
	ResolvedAt int64             `json:"resolved_at,omitempty"`
	Note       string            `json:"note,omitempty"`
}

// Direction selects which edges a traversal follows.
type Direction string

const (
	DirOut  Direction = "out"
	DirIn   Direction = "in"
	DirBoth Direction = "both"
)

// TraverseOptions bounds a BFS walk.
type TraverseOptions struct {
	Depth      int       // max hops from a start node; <=0 means 1
	Direction  Direction // defaults to both
	Predicates []string  // empty = all edge predicates
	AtTime     int64     // 0 = ignore T1; otherwise facts must cover it
	MaxNodes   int       // visit budget; <=0 means unbounded
}

// TraversalHit is one reached node with the path of entity ids that led
// there (start node first).
type TraversalHit struct {
	Entity *Entity  `json:"entity"`
	Path   []string `json:"path"`
	Depth  int      `json:"depth"`
}

// Stats summarises graph size.
type Stats struct {
	Entities       int `json:"entities"`
	Relations      int `json:"relations"`
	ActiveFacts    int `json:"active_facts"`
	Contradictions int `json:"contradictions"`
	Unresolved     int `json:"unresolved_contradictions"`
}
