package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // embedded driver, no cgo
)

// SQLiteStore is the embedded backend for larger graphs: keyed lookups and
// edge scans go through indexed tables instead of full-document rewrites.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the graph database at path and applies
// the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("graph: open sqlite: %w", err)
	}
	// Single writer; the graph lock serialises mutations above us.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		aliases TEXT,        -- JSON array
		attributes TEXT,     -- JSON object
		summary TEXT,
		memory_ids TEXT,     -- JSON array
		created_at INTEGER NOT NULL,
		last_mentioned_at INTEGER NOT NULL,
		mention_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS relations (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		predicate TEXT NOT NULL,
		object_id TEXT,
		object_literal TEXT,
		fact_start INTEGER NOT NULL DEFAULT 0,
		fact_end INTEGER NOT NULL DEFAULT 0,
		knowledge_time INTEGER NOT NULL,
		system_time INTEGER NOT NULL,
		confidence REAL NOT NULL DEFAULT 1.0,
		source_ids TEXT,     -- JSON array
		status TEXT NOT NULL,
		superseded_by TEXT,
		coexist INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS contradictions (
		id TEXT PRIMARY KEY,
		fact_a TEXT NOT NULL,
		fact_b TEXT NOT NULL,
		kind TEXT NOT NULL,
		strategy TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		detected_at INTEGER NOT NULL,
		resolved_at INTEGER NOT NULL DEFAULT 0,
		note TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_relations_subject ON relations(subject_id);
	CREATE INDEX IF NOT EXISTS idx_relations_object ON relations(object_id);
	CREATE INDEX IF NOT EXISTS idx_relations_predicate ON relations(subject_id, predicate);
	CREATE INDEX IF NOT EXISTS idx_entities_key ON entities(key);
	`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("graph: init schema: %w", err)
	}
	return nil
}

// PutEntity implements Backend.
func (s *SQLiteStore) PutEntity(ctx context.Context, e *Entity) error {
	if e == nil || e.ID == "" {
		return ErrInvalid
	}
	aliases, _ := json.Marshal(e.Aliases)
	attrs, _ := json.Marshal(e.Attributes)
	memIDs, _ := json.Marshal(e.MemoryIDs)

	query := `
	INSERT INTO entities (id, key, name, type, aliases, attributes, summary, memory_ids,
		created_at, last_mentioned_at, mention_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		key = excluded.key,
		name = excluded.name,
		type = excluded.type,
		aliases = excluded.aliases,
		attributes = excluded.attributes,
		summary = excluded.summary,
		memory_ids = excluded.memory_ids,
		last_mentioned_at = excluded.last_mentioned_at,
		mention_count = excluded.mention_count
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.Key(), e.Name, string(e.Type), string(aliases), string(attrs),
		e.Summary, string(memIDs), e.CreatedAt, e.LastMentionedAt, e.MentionCount)
	return err
}

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	var e Entity
	var typ string
	var aliases, attrs, memIDs sql.NullString
	var summary sql.NullString
	err := row.Scan(&e.ID, &e.Name, &typ, &aliases, &attrs, &summary, &memIDs,
		&e.CreatedAt, &e.LastMentionedAt, &e.MentionCount)
	if err != nil {
		return nil, err
	}
	e.Type = EntityType(typ)
	e.Summary = summary.String
	if aliases.Valid && aliases.String != "" {
		_ = json.Unmarshal([]byte(aliases.String), &e.Aliases)
	}
	if attrs.Valid && attrs.String != "" {
		_ = json.Unmarshal([]byte(attrs.String), &e.Attributes)
	}
	if memIDs.Valid && memIDs.String != "" {
		_ = json.Unmarshal([]byte(memIDs.String), &e.MemoryIDs)
	}
	return &e, nil
}

const entityColumns = `id, name, type, aliases, attributes, summary, memory_ids,
	created_at, last_mentioned_at, mention_count`

// GetEntity implements Backend.
func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntityNotFound
	}
	return e, err
}

// FindEntityByKey implements Backend.
func (s *SQLiteStore) FindEntityByKey(ctx context.Context, key string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE key = ?`, key)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntityNotFound
	}
	return e, err
}

// ListEntities implements Backend.
func (s *SQLiteStore) ListEntities(ctx context.Context) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEntity implements Backend.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntityNotFound
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM relations WHERE subject_id = ? OR object_id = ?`, id, id)
	return err
}

// PutRelation implements Backend.
func (s *SQLiteStore) PutRelation(ctx context.Context, r *Relation) error {
	if r == nil || r.ID == "" || r.SubjectID == "" || r.Predicate == "" {
		return ErrInvalid
	}
	sourceIDs, _ := json.Marshal(r.SourceIDs)
	coexist := 0
	if r.Coexist {
		coexist = 1
	}
	query := `
	INSERT INTO relations (id, subject_id, predicate, object_id, object_literal,
		fact_start, fact_end, knowledge_time, system_time, confidence,
		source_ids, status, superseded_by, coexist)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		object_id = excluded.object_id,
		object_literal = excluded.object_literal,
		fact_start = excluded.fact_start,
		fact_end = excluded.fact_end,
		knowledge_time = excluded.knowledge_time,
		system_time = excluded.system_time,
		confidence = excluded.confidence,
		source_ids = excluded.source_ids,
		status = excluded.status,
		superseded_by = excluded.superseded_by,
		coexist = excluded.coexist
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.SubjectID, r.Predicate, r.ObjectID, r.ObjectLiteral,
		r.FactStart, r.FactEnd, r.KnowledgeTime, r.SystemTime, r.Confidence,
		string(sourceIDs), string(r.Status), r.SupersededBy, coexist)
	return err
}

const relationColumns = `id, subject_id, predicate, object_id, object_literal,
	fact_start, fact_end, knowledge_time, system_time, confidence,
	source_ids, status, superseded_by, coexist`

func scanRelation(row interface{ Scan(...any) error }) (*Relation, error) {
	var r Relation
	var objectID, objectLiteral, sourceIDs, status, supersededBy sql.NullString
	var coexist int
	err := row.Scan(&r.ID, &r.SubjectID, &r.Predicate, &objectID, &objectLiteral,
		&r.FactStart, &r.FactEnd, &r.KnowledgeTime, &r.SystemTime, &r.Confidence,
		&sourceIDs, &status, &supersededBy, &coexist)
	if err != nil {
		return nil, err
	}
	r.ObjectID = objectID.String
	r.ObjectLiteral = objectLiteral.String
	r.Status = FactStatus(status.String)
	r.SupersededBy = supersededBy.String
	r.Coexist = coexist != 0
	if sourceIDs.Valid && sourceIDs.String != "" {
		_ = json.Unmarshal([]byte(sourceIDs.String), &r.SourceIDs)
	}
	return &r, nil
}

// GetRelation implements Backend.
func (s *SQLiteStore) GetRelation(ctx context.Context, id string) (*Relation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+relationColumns+` FROM relations WHERE id = ?`, id)
	r, err := scanRelation(row)
	if err == sql.ErrNoRows {
		return nil, ErrRelationNotFound
	}
	return r, err
}

// RelationsOf implements Backend.
func (s *SQLiteStore) RelationsOf(ctx context.Context, entityID string, dir Direction) ([]*Relation, error) {
	var query string
	var args []any
	switch dir {
	case DirOut:
		query = `SELECT ` + relationColumns + ` FROM relations WHERE subject_id = ?`
		args = []any{entityID}
	case DirIn:
		query = `SELECT ` + relationColumns + ` FROM relations WHERE object_id = ?`
		args = []any{entityID}
	default:
		query = `SELECT ` + relationColumns + ` FROM relations WHERE subject_id = ? OR object_id = ?`
		args = []any{entityID, entityID}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Relation
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRelations implements Backend.
func (s *SQLiteStore) ListRelations(ctx context.Context) ([]*Relation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+relationColumns+` FROM relations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Relation
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRelation implements Backend.
func (s *SQLiteStore) DeleteRelation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRelationNotFound
	}
	return nil
}

// PutContradiction implements Backend.
func (s *SQLiteStore) PutContradiction(ctx context.Context, c *Contradiction) error {
	if c == nil || c.ID == "" {
		return ErrInvalid
	}
	resolved := 0
	if c.Resolved {
		resolved = 1
	}
	query := `
	INSERT INTO contradictions (id, fact_a, fact_b, kind, strategy, resolved,
		detected_at, resolved_at, note)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		strategy = excluded.strategy,
		resolved = excluded.resolved,
		resolved_at = excluded.resolved_at,
		note = excluded.note
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.FactA, c.FactB, string(c.Kind), string(c.Strategy), resolved,
		c.DetectedAt, c.ResolvedAt, c.Note)
	return err
}

func scanContradiction(row interface{ Scan(...any) error }) (*Contradiction, error) {
	var c Contradiction
	var kind, strategy string
	var note sql.NullString
	var resolved int
	err := row.Scan(&c.ID, &c.FactA, &c.FactB, &kind, &strategy, &resolved,
		&c.DetectedAt, &c.ResolvedAt, &note)
	if err != nil {
		return nil, err
	}
	c.Kind = ContradictionKind(kind)
	c.Strategy = Strategy(strategy)
	c.Resolved = resolved != 0
	c.Note = note.String
	return &c, nil
}

// GetContradiction implements Backend.
func (s *SQLiteStore) GetContradiction(ctx context.Context, id string) (*Contradiction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fact_a, fact_b, kind, strategy, resolved, detected_at, resolved_at, note
		 FROM contradictions WHERE id = ?`, id)
	c, err := scanContradiction(row)
	if err == sql.ErrNoRows {
		return nil, ErrRelationNotFound
	}
	return c, err
}

// ListContradictions implements Backend.
func (s *SQLiteStore) ListContradictions(ctx context.Context, unresolvedOnly bool) ([]*Contradiction, error) {
	query := `SELECT id, fact_a, fact_b, kind, strategy, resolved, detected_at, resolved_at, note
		FROM contradictions`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Contradiction
	for rows.Next() {
		c, err := scanContradiction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close implements Backend.
func (s *SQLiteStore) Close() error { return s.db.Close() }
