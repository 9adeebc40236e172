package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// EpisodeEntry links one turn to its stored memory for traceability.
type EpisodeEntry struct {
	TurnSeq   int    `json:"turn_seq"`
	MemoryID  string `json:"memory_id"`
	Role      string `json:"role"`
	CreatedAt int64  `json:"created_at"`
}

// EpisodeStore keeps one append-only JSONL file per session under
// data/episodes/. It is a trace, not an index: replaying a session's turns
// in order is its only job.
type EpisodeStore struct {
	mu  sync.Mutex
	dir string
}

// NewEpisodeStore creates the episodes directory.
func NewEpisodeStore(dir string) (*EpisodeStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: episodes dir: %w", err)
	}
	return &EpisodeStore{dir: dir}, nil
}

func (es *EpisodeStore) path(sessionID string) string {
	// Session ids are caller-supplied; keep the filename safe.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, sessionID)
	return filepath.Join(es.dir, safe+".jsonl")
}

// Append records one turn.
func (es *EpisodeStore) Append(sessionID string, e EpisodeEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	f, err := os.OpenFile(es.path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// Entries replays a session's turns in append order. A torn final line is
// skipped, matching the archive's tolerance for crashed writers.
func (es *EpisodeStore) Entries(sessionID string) ([]EpisodeEntry, error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	f, err := os.Open(es.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []EpisodeEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e EpisodeEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			break
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
