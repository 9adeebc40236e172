package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Export is a portable dump of the whole graph for inspection or migration
// between backends.
type Export struct {
	Entities       []*Entity        `json:"entities"`
	Relations      []*Relation      `json:"relations"`
	Contradictions []*Contradiction `json:"contradictions"`
}

// ExportAll snapshots the graph into a portable structure, sorted by id for
// stable diffs.
func (g *Graph) ExportAll(ctx context.Context) (*Export, error) {
	entities, err := g.backend.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	rels, err := g.backend.ListRelations(ctx)
	if err != nil {
		return nil, err
	}
	contras, err := g.backend.ListContradictions(ctx, false)
	if err != nil {
		return nil, err
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
	sort.Slice(contras, func(i, j int) bool { return contras[i].ID < contras[j].ID })
	return &Export{Entities: entities, Relations: rels, Contradictions: contras}, nil
}

// ExportJSON renders the dump as indented JSON.
func (g *Graph) ExportJSON(ctx context.Context) ([]byte, error) {
	ex, err := g.ExportAll(ctx)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(ex, "", "  ")
}

// ExportDOT renders ACTIVE facts as a Graphviz digraph.
func (g *Graph) ExportDOT(ctx context.Context) (string, error) {
	ex, err := g.ExportAll(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("digraph knowledge {\n")
	for _, e := range ex.Entities {
		fmt.Fprintf(&b, "  %q [label=%q];\n", e.ID, e.Name)
	}
	for _, r := range ex.Relations {
		if r.Status != FactActive {
			continue
		}
		target := r.ObjectID
		if target == "" {
			// Literals become leaf nodes keyed by value.
			target = "lit:" + r.ObjectLiteral
			fmt.Fprintf(&b, "  %q [label=%q, shape=box];\n", target, r.ObjectLiteral)
		}
		fmt.Fprintf(&b, "  %q -> %q [label=%q];\n", r.SubjectID, target, r.Predicate)
	}
	b.WriteString("}\n")
	return b.String(), nil
}

// Import loads a dump into the backend, replacing nothing: existing ids are
// overwritten, others are left alone.
func (g *Graph) Import(ctx context.Context, ex *Export) error {
	if ex == nil {
		return ErrInvalid
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range ex.Entities {
		if err := g.backend.PutEntity(ctx, e); err != nil {
			return err
		}
		g.indexAliases(e)
	}
	for _, r := range ex.Relations {
		if err := g.backend.PutRelation(ctx, r); err != nil {
			return err
		}
	}
	for _, c := range ex.Contradictions {
		if err := g.backend.PutContradiction(ctx, c); err != nil {
			return err
		}
	}
	g.commDirty = true
	return nil
}
