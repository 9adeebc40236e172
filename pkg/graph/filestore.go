package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore is the default zero-dependency backend: the whole graph lives in
// one JSON document rewritten atomically on every flush. Suits graphs up to
// tens of thousands of nodes; beyond that use the embedded SQLite backend.
type FileStore struct {
	mu    sync.RWMutex
	path  string
	state fileState
	dirty bool
}

type fileState struct {
	Entities       map[string]*Entity        `json:"entities"`
	Relations      map[string]*Relation      `json:"relations"`
	Contradictions map[string]*Contradiction `json:"contradictions"`
}

// OpenFileStore loads (or creates) the graph document at path.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		state: fileState{
			Entities:       make(map[string]*Entity),
			Relations:      make(map[string]*Relation),
			Contradictions: make(map[string]*Contradiction),
		},
	}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return fs, nil
	case err != nil:
		return nil, fmt.Errorf("graph: open file store: %w", err)
	}
	if err := json.Unmarshal(raw, &fs.state); err != nil {
		return nil, fmt.Errorf("graph: parse %s: %w", path, err)
	}
	if fs.state.Entities == nil {
		fs.state.Entities = make(map[string]*Entity)
	}
	if fs.state.Relations == nil {
		fs.state.Relations = make(map[string]*Relation)
	}
	if fs.state.Contradictions == nil {
		fs.state.Contradictions = make(map[string]*Contradiction)
	}
	return fs, nil
}

func (fs *FileStore) flushLocked() error {
	if !fs.dirty {
		return nil
	}
	raw, err := json.MarshalIndent(&fs.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := fs.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return err
	}
	fs.dirty = false
	return nil
}

// PutEntity implements Backend.
func (fs *FileStore) PutEntity(_ context.Context, e *Entity) error {
	if e == nil || e.ID == "" {
		return ErrInvalid
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	cp := *e
	fs.state.Entities[e.ID] = &cp
	fs.dirty = true
	return fs.flushLocked()
}

// GetEntity implements Backend.
func (fs *FileStore) GetEntity(_ context.Context, id string) (*Entity, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	e, ok := fs.state.Entities[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	cp := *e
	return &cp, nil
}

// FindEntityByKey implements Backend.
func (fs *FileStore) FindEntityByKey(_ context.Context, key string) (*Entity, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	for _, e := range fs.state.Entities {
		if e.Key() == key {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntityNotFound
}

// ListEntities implements Backend.
func (fs *FileStore) ListEntities(_ context.Context) ([]*Entity, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]*Entity, 0, len(fs.state.Entities))
	for _, e := range fs.state.Entities {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteEntity implements Backend.
func (fs *FileStore) DeleteEntity(_ context.Context, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.state.Entities[id]; !ok {
		return ErrEntityNotFound
	}
	delete(fs.state.Entities, id)
	for rid, r := range fs.state.Relations {
		if r.SubjectID == id || r.ObjectID == id {
			delete(fs.state.Relations, rid)
		}
	}
	fs.dirty = true
	return fs.flushLocked()
}

// PutRelation implements Backend.
func (fs *FileStore) PutRelation(_ context.Context, r *Relation) error {
	if r == nil || r.ID == "" || r.SubjectID == "" || r.Predicate == "" {
		return ErrInvalid
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	cp := *r
	fs.state.Relations[r.ID] = &cp
	fs.dirty = true
	return fs.flushLocked()
}

// GetRelation implements Backend.
func (fs *FileStore) GetRelation(_ context.Context, id string) (*Relation, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	r, ok := fs.state.Relations[id]
	if !ok {
		return nil, ErrRelationNotFound
	}
	cp := *r
	return &cp, nil
}

// RelationsOf implements Backend.
func (fs *FileStore) RelationsOf(_ context.Context, entityID string, dir Direction) ([]*Relation, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	var out []*Relation
	for _, r := range fs.state.Relations {
		match := false
		switch dir {
		case DirOut:
			match = r.SubjectID == entityID
		case DirIn:
			match = r.ObjectID == entityID
		default:
			match = r.SubjectID == entityID || r.ObjectID == entityID
		}
		if match {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListRelations implements Backend.
func (fs *FileStore) ListRelations(_ context.Context) ([]*Relation, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]*Relation, 0, len(fs.state.Relations))
	for _, r := range fs.state.Relations {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteRelation implements Backend.
func (fs *FileStore) DeleteRelation(_ context.Context, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.state.Relations[id]; !ok {
		return ErrRelationNotFound
	}
	delete(fs.state.Relations, id)
	fs.dirty = true
	return fs.flushLocked()
}

// PutContradiction implements Backend.
func (fs *FileStore) PutContradiction(_ context.Context, c *Contradiction) error {
	if c == nil || c.ID == "" {
		return ErrInvalid
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	cp := *c
	fs.state.Contradictions[c.ID] = &cp
	fs.dirty = true
	return fs.flushLocked()
}

// GetContradiction implements Backend.
func (fs *FileStore) GetContradiction(_ context.Context, id string) (*Contradiction, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	c, ok := fs.state.Contradictions[id]
	if !ok {
		return nil, ErrRelationNotFound
	}
	cp := *c
	return &cp, nil
}

// ListContradictions implements Backend.
func (fs *FileStore) ListContradictions(_ context.Context, unresolvedOnly bool) ([]*Contradiction, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	var out []*Contradiction
	for _, c := range fs.state.Contradictions {
		if unresolvedOnly && c.Resolved {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// Close flushes any pending state.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.flushLocked()
}
