package graph

import "context"

// Backend is the storage contract both the JSON file store and the embedded
// SQLite store satisfy. The engine always talks to the graph through this
// interface, never to a concrete backend.
type Backend interface {
	// Entities.
	PutEntity(ctx context.Context, e *Entity) error
	GetEntity(ctx context.Context, id string) (*Entity, error)
	FindEntityByKey(ctx context.Context, key string) (*Entity, error)
	ListEntities(ctx context.Context) ([]*Entity, error)
	DeleteEntity(ctx context.Context, id string) error

	// Relations.
	PutRelation(ctx context.Context, r *Relation) error
	GetRelation(ctx context.Context, id string) (*Relation, error)
	RelationsOf(ctx context.Context, entityID string, dir Direction) ([]*Relation, error)
	ListRelations(ctx context.Context) ([]*Relation, error)
	DeleteRelation(ctx context.Context, id string) error

	// Contradictions.
	PutContradiction(ctx context.Context, c *Contradiction) error
	GetContradiction(ctx context.Context, id string) (*Contradiction, error)
	ListContradictions(ctx context.Context, unresolvedOnly bool) ([]*Contradiction, error)

	Close() error
}
