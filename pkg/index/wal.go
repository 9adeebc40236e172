package index

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// walOp is one replayable mutation.
type walOp struct {
	Op  string `json:"op"` // "add" or "remove"
	Doc *Doc   `json:"doc,omitempty"`
	ID  string `json:"id,omitempty"`
}

// persister implements the shared snapshot + WAL discipline. The owning
// index provides state marshal/unmarshal hooks and an op applier; persister
// handles atomic snapshot writes, WAL appends, and replay on load.
//
// Layout: <path>.snap holds the full serialised state, <path>.wal holds
// JSONL ops appended since that snapshot. Snapshot() writes the state to a
// temp file, renames it over the old snapshot, then truncates the WAL — a
// crash between the two leaves a WAL whose ops are idempotent re-applies.
type persister struct {
	path string
	wal  *os.File
}

func newPersister(path string) *persister {
	return &persister{path: path}
}

// logAdd appends an add op to the WAL.
func (p *persister) logAdd(doc *Doc) error {
	return p.append(walOp{Op: "add", Doc: doc})
}

// logRemove appends a remove op to the WAL.
func (p *persister) logRemove(id string) error {
	return p.append(walOp{Op: "remove", ID: id})
}

func (p *persister) append(op walOp) error {
	if p.path == "" {
		return nil // persistence disabled (in-memory index)
	}
	if p.wal == nil {
		f, err := os.OpenFile(p.path+".wal", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		p.wal = f
	}
	raw, err := json.Marshal(op)
	if err != nil {
		return err
	}
	_, err = p.wal.Write(append(raw, '\n'))
	return err
}

// snapshot writes state atomically and truncates the WAL.
func (p *persister) snapshot(state any) error {
	if p.path == "" {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp := p.path + ".snap.tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, p.path+".snap"); err != nil {
		return err
	}
	if p.wal != nil {
		_ = p.wal.Close()
		p.wal = nil
	}
	if err := os.Truncate(p.path+".wal", 0); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// load reads the snapshot into state (via json) and replays the WAL tail
// through apply. Returns ErrCorrupted when either part fails to parse.
func (p *persister) load(state any, apply func(op walOp) error) error {
	if p.path == "" {
		return nil
	}
	raw, err := os.ReadFile(p.path + ".snap")
	switch {
	case os.IsNotExist(err):
		// No snapshot yet: replay WAL from scratch.
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(raw, state); err != nil {
			return fmt.Errorf("%w: snapshot %s: %v", ErrCorrupted, p.path, err)
		}
	}

	f, err := os.Open(p.path + ".wal")
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 1<<20)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 1 {
			var op walOp
			if jsonErr := json.Unmarshal(line, &op); jsonErr != nil {
				// A torn final line is a clean crash artifact; anything
				// before EOF is corruption.
				if err == io.EOF {
					break
				}
				return fmt.Errorf("%w: wal %s: %v", ErrCorrupted, p.path, jsonErr)
			}
			if applyErr := apply(op); applyErr != nil {
				return fmt.Errorf("%w: wal %s: %v", ErrCorrupted, p.path, applyErr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// close releases the WAL handle.
func (p *persister) close() error {
	if p.wal == nil {
		return nil
	}
	err := p.wal.Close()
	p.wal = nil
	return err
}
